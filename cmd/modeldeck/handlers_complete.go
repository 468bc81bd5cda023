package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/modeldeck/internal/backend"
	"github.com/haasonsaas/modeldeck/internal/stream"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// runComplete streams one experiment to stdout. Logs go to stderr.
func runComplete(cmd *cobra.Command, opts completeOptions, args []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, opts.debug, nil)

	prompt, err := readPrompt(args, cmd.InOrStdin(), stdinIsTerminal())
	if err != nil {
		return err
	}

	client, err := newBackendClient(cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	name, version, err := resolveModelVersion(ctx, client, opts.modelID, opts.model, opts.version)
	if err != nil {
		return err
	}
	exp := models.Experiment{
		ID:          uuid.NewString(),
		Model:       name,
		ModelID:     opts.modelID,
		Version:     version,
		Temperature: opts.temperature,
		TokenLimit:  opts.tokens,
		Prompt:      prompt,
	}
	if err := exp.Validate(); err != nil {
		return err
	}

	endpoint, err := stream.EndpointURL(client.BaseURL(), exp.Model, exp.Version)
	if err != nil {
		return err
	}
	conn := stream.New(endpoint, streamOptions(cfg))
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()
	logger.Debug("stream opened", "url", conn.URL(), "experiment_id", exp.ID)

	out := cmd.OutOrStdout()
	var output strings.Builder
	start := time.Now()
	err = conn.SendAndStream(ctx, exp.CompletionRequest(), func(fragment string) {
		output.WriteString(fragment)
		fmt.Fprint(out, fragment)
	}, nil)
	fmt.Fprintln(out)
	if err != nil {
		if errors.Is(err, stream.ErrDisconnected) || ctx.Err() != nil {
			return fmt.Errorf("completion cancelled")
		}
		return err
	}
	logger.Debug("stream finished", "duration", time.Since(start), "bytes", output.Len())

	if !opts.save {
		return nil
	}
	store, closeStore, err := openSavedStore(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer closeStore()

	record := models.ExperimentState{Experiment: exp, Output: output.String()}.ToSaved()
	if err := store.Save(ctx, &record); err != nil {
		return fmt.Errorf("save experiment: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved experiment %s\n", record.ID)
	return nil
}

// readPrompt joins args, or reads stdin when it is piped.
func readPrompt(args []string, stdin io.Reader, interactive bool) (string, error) {
	if prompt := strings.TrimSpace(strings.Join(args, " ")); prompt != "" {
		return prompt, nil
	}
	if interactive {
		return "", fmt.Errorf("prompt is required (pass it as arguments or pipe it on stdin)")
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	return prompt, nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// resolveModelVersion fills a missing name or version from the backend.
func resolveModelVersion(ctx context.Context, client *backend.Client, modelID, name, version string) (string, string, error) {
	if name != "" && version != "" {
		return name, version, nil
	}
	model, err := client.GetModel(ctx, modelID)
	if err != nil {
		return "", "", fmt.Errorf("look up model %s: %w", modelID, err)
	}
	if name == "" {
		name = model.Name
	}
	if version == "" {
		version = model.LatestVersion()
	}
	if version == "" {
		return "", "", fmt.Errorf("model %s has no versions", modelID)
	}
	return name, version, nil
}
