package models

import (
	"time"
)

// Job statuses. Completed and failed are absorbing: once a job reaches one
// of them its row never changes again.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// TerminalStatus reports whether a job status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// Job represents one asynchronous agent run persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	DashboardID string         `json:"dashboard_id"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	Error       *string        `json:"error,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached an absorbing status.
func (j Job) Terminal() bool {
	return TerminalStatus(j.Status)
}
