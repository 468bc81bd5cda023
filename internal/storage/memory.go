package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/modeldeck/pkg/models"
)

// MemorySavedExperimentStore provides an in-memory SavedExperimentStore.
type MemorySavedExperimentStore struct {
	mu          sync.RWMutex
	experiments map[string]models.SavedExperiment
}

// NewMemorySavedExperimentStore creates an in-memory saved experiment store.
func NewMemorySavedExperimentStore() *MemorySavedExperimentStore {
	return &MemorySavedExperimentStore{experiments: make(map[string]models.SavedExperiment)}
}

func (s *MemorySavedExperimentStore) List(ctx context.Context, modelID string) ([]models.SavedExperiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SavedExperiment, 0)
	for _, exp := range s.experiments {
		if exp.ModelID == modelID {
			out = append(out, exp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemorySavedExperimentStore) Save(ctx context.Context, exp *models.SavedExperiment) error {
	if exp == nil || exp.ModelID == "" {
		return fmt.Errorf("saved experiment with model_id is required")
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[exp.ID]; exists {
		return ErrAlreadyExists
	}
	s.experiments[exp.ID] = *exp
	return nil
}

func (s *MemorySavedExperimentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[id]; !exists {
		return ErrNotFound
	}
	delete(s.experiments, id)
	return nil
}
