package main

import "github.com/spf13/cobra"

// buildSavedCmd creates the "saved" command group for persisted experiments.
func buildSavedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saved",
		Short: "Browse and delete saved experiments",
		Long: `Saved experiments live in the store selected by storage.driver: the
backend (default), a local sqlite file, postgres, or memory.`,
	}
	cmd.AddCommand(buildSavedListCmd(), buildSavedDeleteCmd())
	return cmd
}

func buildSavedListCmd() *cobra.Command {
	var (
		configPath string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "list <model-id>",
		Short: "List a model's saved experiments, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSavedList(cmd, resolveConfigPath(configPath), args[0], jsonOut)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")
	return cmd
}

func buildSavedDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <saved-id>...",
		Short: "Delete saved experiments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSavedDelete(cmd, resolveConfigPath(configPath), args)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}
