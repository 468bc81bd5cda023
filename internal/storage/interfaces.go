// Package storage persists saved experiment results.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/modeldeck/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SavedExperimentStore persists finished experiment results.
type SavedExperimentStore interface {
	// List returns a model's saved experiments, newest first.
	List(ctx context.Context, modelID string) ([]models.SavedExperiment, error)
	// Save persists exp, assigning ID and CreatedAt when they are empty.
	Save(ctx context.Context, exp *models.SavedExperiment) error
	// Delete removes a saved experiment by id.
	Delete(ctx context.Context, id string) error
}
