package main

import "github.com/spf13/cobra"

// buildServeCmd creates the "serve" command that starts the console API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the modeldeck console API",
		Long: `Start the console HTTP API.

The server will:
1. Load configuration from the specified file (or modeldeck.yaml)
2. Open the saved experiment store (backend, sqlite, postgres or memory)
3. Serve the REST API, /metrics, /healthz and the experiment watch socket
4. Reload the log level whenever the config file changes

Running experiments are cancelled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  modeldeck serve

  # Override the listen address
  modeldeck serve --config /etc/modeldeck.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), listen, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}
