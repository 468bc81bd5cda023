package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidExperiment is returned when an experiment fails validation.
var ErrInvalidExperiment = errors.New("invalid experiment")

// ExperimentStatus represents where an experiment is in its lifecycle.
type ExperimentStatus string

const (
	ExperimentStatusStarting  ExperimentStatus = "starting"
	ExperimentStatusStreaming ExperimentStatus = "streaming"
	ExperimentStatusFinished  ExperimentStatus = "finished"
	ExperimentStatusFailed    ExperimentStatus = "failed"
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)

// Active reports whether the status still accepts output.
func (s ExperimentStatus) Active() bool {
	return s == ExperimentStatusStarting || s == ExperimentStatusStreaming
}

// Terminal reports whether the status is final.
func (s ExperimentStatus) Terminal() bool {
	switch s {
	case ExperimentStatusFinished, ExperimentStatusFailed, ExperimentStatusCancelled:
		return true
	default:
		return false
	}
}

// Experiment is one user-issued completion request against a model version.
// It is never mutated once handed to the registry.
type Experiment struct {
	ID          string  `json:"id"`
	Model       string  `json:"model"`
	ModelID     string  `json:"model_id"`
	Version     string  `json:"version"`
	Temperature float64 `json:"temperature"`
	TokenLimit  int     `json:"token_limit"`
	Prompt      string  `json:"prompt"`
}

// Validate checks the experiment has everything needed to open a stream.
func (e Experiment) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidExperiment)
	case strings.TrimSpace(e.Model) == "":
		return fmt.Errorf("%w: model is required", ErrInvalidExperiment)
	case strings.TrimSpace(e.ModelID) == "":
		return fmt.Errorf("%w: model_id is required", ErrInvalidExperiment)
	case strings.TrimSpace(e.Version) == "":
		return fmt.Errorf("%w: version is required", ErrInvalidExperiment)
	case strings.TrimSpace(e.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidExperiment)
	case e.Temperature < 0:
		return fmt.Errorf("%w: temperature must be >= 0", ErrInvalidExperiment)
	case e.TokenLimit <= 0:
		return fmt.Errorf("%w: token_limit must be positive", ErrInvalidExperiment)
	}
	return nil
}

// CompletionRequest is the single frame sent on a completion stream.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Tokens      int      `json:"tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionRequest builds the outbound stream payload for the experiment.
func (e Experiment) CompletionRequest() CompletionRequest {
	temperature := e.Temperature
	return CompletionRequest{
		Prompt:      e.Prompt,
		Tokens:      e.TokenLimit,
		Temperature: &temperature,
	}
}

// ExperimentState is the live or historical record of running an Experiment.
type ExperimentState struct {
	Experiment Experiment       `json:"experiment"`
	Output     string           `json:"output"`
	Status     ExperimentStatus `json:"status"`
	Saved      bool             `json:"saved,omitempty"`
	SavedID    string           `json:"saved_id,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

// Active reports whether the experiment is still streaming.
func (s ExperimentState) Active() bool {
	return s.Status.Active()
}

// Failed reports whether the experiment ended with a failure.
func (s ExperimentState) Failed() bool {
	return s.Status == ExperimentStatusFailed
}

// MarshalJSON adds the derived active and failed flags.
func (s ExperimentState) MarshalJSON() ([]byte, error) {
	type plain ExperimentState
	return json.Marshal(struct {
		plain
		Active bool `json:"active"`
		Failed bool `json:"failed,omitempty"`
	}{
		plain:  plain(s),
		Active: s.Active(),
		Failed: s.Failed(),
	})
}

// ToSaved converts a finished state into the persistence payload.
func (s ExperimentState) ToSaved() SavedExperiment {
	return SavedExperiment{
		ID:           s.SavedID,
		ModelID:      s.Experiment.ModelID,
		ModelVersion: s.Experiment.Version,
		Temperature:  s.Experiment.Temperature,
		Tokens:       s.Experiment.TokenLimit,
		Prompt:       s.Experiment.Prompt,
		Output:       s.Output,
	}
}

// SavedExperiment is an experiment result persisted by the backend.
type SavedExperiment struct {
	ID           string    `json:"id,omitempty"`
	ModelID      string    `json:"model_id"`
	ModelVersion string    `json:"model_version"`
	Temperature  float64   `json:"temperature"`
	Tokens       int       `json:"tokens"`
	Prompt       string    `json:"prompt"`
	Output       string    `json:"output"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// ToState rebuilds a non-active ExperimentState from a saved record.
// The model name is not persisted, so callers pass it in.
func (s SavedExperiment) ToState(model string) ExperimentState {
	return ExperimentState{
		Experiment: Experiment{
			ID:          s.ID,
			Model:       model,
			ModelID:     s.ModelID,
			Version:     s.ModelVersion,
			Temperature: s.Temperature,
			TokenLimit:  s.Tokens,
			Prompt:      s.Prompt,
		},
		Output:     s.Output,
		Status:     ExperimentStatusFinished,
		Saved:      true,
		SavedID:    s.ID,
		StartedAt:  s.CreatedAt,
		FinishedAt: s.CreatedAt,
	}
}
