package main

import "github.com/spf13/cobra"

type completeOptions struct {
	configPath  string
	modelID     string
	model       string
	version     string
	temperature float64
	tokens      int
	save        bool
	debug       bool
}

// buildCompleteCmd creates the "complete" command that streams one
// experiment to the terminal.
func buildCompleteCmd() *cobra.Command {
	var opts completeOptions

	cmd := &cobra.Command{
		Use:   "complete [prompt...]",
		Short: "Stream a completion from a model to stdout",
		Long: `Open a completion stream against a model version and print fragments as
they arrive. The prompt is taken from the arguments, or from stdin when
stdin is not a terminal.

The model name and version default to the model's name and latest version
as reported by the backend.`,
		Example: `  modeldeck complete --model-id m1 "Write a haiku about Go"
  echo "Summarize:" | modeldeck complete --model-id m1 --tokens 64
  modeldeck complete --model-id m1 --version 1.2.0 --save "Hello"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runComplete(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVarP(&opts.modelID, "model-id", "m", "", "Backend model id (required)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name used in the stream endpoint")
	cmd.Flags().StringVar(&opts.version, "version", "", "Model version (default: latest)")
	cmd.Flags().Float64VarP(&opts.temperature, "temperature", "t", 1.0, "Sampling temperature")
	cmd.Flags().IntVarP(&opts.tokens, "tokens", "n", 128, "Maximum tokens to generate")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Persist the result to the saved experiment store")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("model-id")
	return cmd
}
