package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the sync-job state machine state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state. Terminal jobs are
// never re-opened; a new job is created for subsequent syncs.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobKind selects which entity streams a sync covers.
type JobKind string

const (
	JobKindFull             JobKind = "full"
	JobKindIncremental      JobKind = "incremental"
	JobKindParticipantsOnly JobKind = "participants_only"
)

// Valid reports whether the kind is one of the known values.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindFull, JobKindIncremental, JobKindParticipantsOnly:
		return true
	}
	return false
}

// SyncOptions are per-run flags supplied by the caller.
type SyncOptions struct {
	Registrants  bool `json:"registrants"`
	Participants bool `json:"participants"`
	Polls        bool `json:"polls"`
	QA           bool `json:"qa"`
	ForceRefresh bool `json:"force_refresh"` // bypass already-synced shortcuts
}

// SyncJob is one execution of the sync engine for one connection.
// At most one job per connection may be pending or running at a time.
type SyncJob struct {
	ID              uuid.UUID       `json:"id"`
	ConnectionID    uuid.UUID       `json:"connection_id"`
	Kind            JobKind         `json:"kind"`
	Status          JobStatus       `json:"status"`
	Stage           string          `json:"stage"`
	CurrentIndex    int             `json:"current_index"`
	ProcessedCount  int             `json:"processed_count"`
	TotalCount      int             `json:"total_count"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Age returns how long ago the job was created.
func (j *SyncJob) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}
