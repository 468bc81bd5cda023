package models

import "time"

// Model is a model registered with the serving backend.
type Model struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Versions    []ModelVersion `json:"versions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// LatestVersion returns the most recently added version string, or "".
func (m Model) LatestVersion() string {
	if len(m.Versions) == 0 {
		return ""
	}
	latest := m.Versions[0]
	for _, v := range m.Versions[1:] {
		if v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	return latest.Version
}

// ModelVersion is one deployable version of a model.
type ModelVersion struct {
	Version   string    `json:"version"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportRequest asks the backend to register a model from an external source.
type ImportRequest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// TaskStatus is the backend-reported state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a backend work item such as an import or version build.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	ModelID   string     `json:"model_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}
