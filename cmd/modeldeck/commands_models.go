package main

import "github.com/spf13/cobra"

// =============================================================================
// Models Commands
// =============================================================================

// buildModelsCmd creates the "models" command group.
func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Browse and manage backend models",
	}
	cmd.AddCommand(buildModelsListCmd(), buildModelsDescribeCmd(), buildModelsImportCmd())
	return cmd
}

func buildModelsListCmd() *cobra.Command {
	var (
		configPath string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd, resolveConfigPath(configPath), jsonOut)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")
	return cmd
}

func buildModelsDescribeCmd() *cobra.Command {
	var (
		configPath  string
		description string
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "describe <model-id>",
		Short: "Show a model, or set its description with --set",
		Args:  cobra.ExactArgs(1),
		Example: `  modeldeck models describe m1
  modeldeck models describe m1 --set "Distilled GPT-2 for smoke tests"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			update := cmd.Flags().Changed("set")
			return runModelsDescribe(cmd, resolveConfigPath(configPath), args[0], description, update, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&description, "set", "", "Replace the model description")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func buildModelsImportCmd() *cobra.Command {
	var (
		configPath string
		req        importFlags
	)
	cmd := &cobra.Command{
		Use:   "import <name> <source>",
		Short: "Register a model from a source URI",
		Long: `Ask the backend to import a model. The import runs asynchronously; use
"modeldeck tasks list" to follow it.`,
		Args:    cobra.ExactArgs(2),
		Example: `  modeldeck models import gpt2 hf://openai-community/gpt2 --version 1.0.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.name, req.source = args[0], args[1]
			return runModelsImport(cmd, resolveConfigPath(configPath), req)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&req.version, "version", "1.0.0", "Version to register")
	cmd.Flags().StringVar(&req.description, "description", "", "Model description")
	return cmd
}

type importFlags struct {
	name        string
	source      string
	version     string
	description string
}

// =============================================================================
// Tasks Commands
// =============================================================================

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Browse backend tasks such as model imports",
	}

	var (
		configPath string
		jsonOut    bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List backend tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, resolveConfigPath(configPath), jsonOut)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	list.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")

	cmd.AddCommand(list)
	return cmd
}
