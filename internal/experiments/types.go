package experiments

import "github.com/haasonsaas/modeldeck/pkg/models"

// ChangeKind identifies which registry operation produced a Change.
type ChangeKind string

const (
	ChangeBegin     ChangeKind = "begin"
	ChangeStreaming ChangeKind = "streaming"
	ChangeToken     ChangeKind = "token"
	ChangeFinished  ChangeKind = "finished"
	ChangeFailed    ChangeKind = "failed"
	ChangeCancelled ChangeKind = "cancelled"
	ChangeRemoved   ChangeKind = "removed"
	ChangeSaved     ChangeKind = "saved"
)

// Change is published to subscribers after every effective registry mutation.
// State is a copy taken while the mutation held the registry lock.
type Change struct {
	Kind         ChangeKind             `json:"kind"`
	ModelID      string                 `json:"model_id"`
	ExperimentID string                 `json:"experiment_id"`
	Fragment     string                 `json:"fragment,omitempty"`
	State        models.ExperimentState `json:"state"`
}

func changeForStatus(status models.ExperimentStatus) ChangeKind {
	switch status {
	case models.ExperimentStatusStreaming:
		return ChangeStreaming
	case models.ExperimentStatusFinished:
		return ChangeFinished
	case models.ExperimentStatusFailed:
		return ChangeFailed
	case models.ExperimentStatusCancelled:
		return ChangeCancelled
	default:
		return ChangeBegin
	}
}
