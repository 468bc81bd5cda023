package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/modeldeck/internal/storage"
)

// savedStoreFromConfig opens the configured saved-experiment store.
func savedStoreFromConfig(ctx context.Context, configPath string) (storage.SavedExperimentStore, func() error, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg, false, nil)
	client, err := newBackendClient(cfg, logger, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return openSavedStore(ctx, cfg, client)
}

func runSavedList(cmd *cobra.Command, configPath, modelID string, jsonOut bool) error {
	store, closeStore, err := savedStoreFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := store.List(cmd.Context(), modelID)
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No saved experiments for %s.\n", modelID)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tTEMP\tTOKENS\tCREATED\tPROMPT\tOUTPUT")
	for _, exp := range list {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\t%s\n",
			exp.ID, exp.ModelVersion, exp.Temperature, exp.Tokens, formatTime(exp.CreatedAt),
			truncate(exp.Prompt, 40), truncate(exp.Output, 60))
	}
	return w.Flush()
}

func runSavedDelete(cmd *cobra.Command, configPath string, ids []string) error {
	store, closeStore, err := savedStoreFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, id := range ids {
		if err := store.Delete(cmd.Context(), id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}
