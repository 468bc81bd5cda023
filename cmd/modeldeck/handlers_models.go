package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/modeldeck/internal/backend"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// =============================================================================
// Models Command Handlers
// =============================================================================

// backendFromConfig loads configuration and builds a backend client for
// one-shot CLI commands.
func backendFromConfig(configPath string) (*backend.Client, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg, false, nil)
	return newBackendClient(cfg, logger, nil, nil)
}

func runModelsList(cmd *cobra.Command, configPath string, jsonOut bool) error {
	client, err := backendFromConfig(configPath)
	if err != nil {
		return err
	}
	list, err := client.ListModels(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No models registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLATEST\tVERSIONS\tDESCRIPTION")
	for _, m := range list {
		latest := m.LatestVersion()
		if latest == "" {
			latest = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Name, latest, len(m.Versions), truncate(m.Description, 60))
	}
	return w.Flush()
}

func runModelsDescribe(cmd *cobra.Command, configPath, modelID, description string, update, jsonOut bool) error {
	client, err := backendFromConfig(configPath)
	if err != nil {
		return err
	}
	var model *models.Model
	if update {
		model, err = client.UpdateModelDescription(cmd.Context(), modelID, strings.TrimSpace(description))
	} else {
		model, err = client.GetModel(cmd.Context(), modelID)
	}
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), model)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", model.ID)
	fmt.Fprintf(out, "Name:        %s\n", model.Name)
	fmt.Fprintf(out, "Description: %s\n", valueOrDash(model.Description))
	if !model.CreatedAt.IsZero() {
		fmt.Fprintf(out, "Created:     %s\n", model.CreatedAt.Format(time.RFC3339))
	}
	if len(model.Versions) == 0 {
		fmt.Fprintln(out, "Versions:    -")
		return nil
	}
	fmt.Fprintln(out, "Versions:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, v := range model.Versions {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", v.Version, valueOrDash(v.Source), formatTime(v.CreatedAt))
	}
	return w.Flush()
}

func runModelsImport(cmd *cobra.Command, configPath string, flags importFlags) error {
	client, err := backendFromConfig(configPath)
	if err != nil {
		return err
	}
	task, err := client.ImportModel(cmd.Context(), models.ImportRequest{
		Name:        flags.name,
		Version:     flags.version,
		Source:      flags.source,
		Description: flags.description,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Import started: task %s (%s)\n", task.ID, task.Status)
	return nil
}

// =============================================================================
// Tasks Command Handlers
// =============================================================================

func runTasksList(cmd *cobra.Command, configPath string, jsonOut bool) error {
	client, err := backendFromConfig(configPath)
	if err != nil {
		return err
	}
	tasks, err := client.ListTasks(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODEL\tUPDATED\tMESSAGE")
	for _, t := range tasks {
		updated := t.UpdatedAt
		if updated.IsZero() {
			updated = t.CreatedAt
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.Status, valueOrDash(t.ModelID), formatTime(updated), truncate(t.Message, 60))
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
