package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/modeldeck/internal/storage"
	"github.com/haasonsaas/modeldeck/pkg/models"
)

// SavedExperiments exposes the backend's experiment persistence as a
// storage.SavedExperimentStore.
func (c *Client) SavedExperiments() storage.SavedExperimentStore {
	return savedStore{client: c}
}

type savedStore struct {
	client *Client
}

func (s savedStore) List(ctx context.Context, modelID string) ([]models.SavedExperiment, error) {
	list, err := s.client.ListSavedExperiments(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = make([]models.SavedExperiment, 0)
	}
	return list, nil
}

func (s savedStore) Save(ctx context.Context, exp *models.SavedExperiment) error {
	if exp == nil || exp.ModelID == "" {
		return fmt.Errorf("saved experiment with model_id is required")
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	id, err := s.client.SaveExperiment(ctx, *exp)
	if err != nil {
		return err
	}
	exp.ID = id
	return nil
}

func (s savedStore) Delete(ctx context.Context, id string) error {
	return s.client.DeleteSavedExperiment(ctx, id)
}
