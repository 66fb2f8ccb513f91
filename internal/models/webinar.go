package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebinarStatus is the normalized webinar lifecycle status.
type WebinarStatus string

const (
	WebinarStatusScheduled WebinarStatus = "scheduled"
	WebinarStatusUpcoming  WebinarStatus = "upcoming"
	WebinarStatusStarted   WebinarStatus = "started"
	WebinarStatusEnded     WebinarStatus = "ended"
	WebinarStatusOther     WebinarStatus = "other"
)

// ParticipantSyncStatus tracks the per-webinar participant reconciliation
// sub-status, separate from the job state machine.
type ParticipantSyncStatus string

const (
	ParticipantSyncPending        ParticipantSyncStatus = "pending"
	ParticipantSyncCompleted      ParticipantSyncStatus = "completed"
	ParticipantSyncNoParticipants ParticipantSyncStatus = "no_participants"
	ParticipantSyncFailed         ParticipantSyncStatus = "failed"
)

// Webinar is one top-level item pulled from the provider, unique per
// (connection_id, provider_id). The four aggregate counters are derived
// data: always recomputable from child registrant/participant rows and
// never the source of truth.
type Webinar struct {
	ID                 uuid.UUID             `json:"id"`
	ConnectionID       uuid.UUID             `json:"connection_id"`
	ProviderID         string                `json:"provider_id"`
	Topic              string                `json:"topic"`
	StartsAt           *time.Time            `json:"starts_at,omitempty"`
	DurationMinutes    int                   `json:"duration_minutes"`
	Timezone           string                `json:"timezone"`
	Status             WebinarStatus         `json:"status"`
	RegistrantCount    int                   `json:"registrant_count"`
	AttendeeCount      int                   `json:"attendee_count"`
	TotalMinutes       int                   `json:"total_minutes"`
	AvgDurationMinutes float64               `json:"avg_duration_minutes"`
	ParticipantSync    ParticipantSyncStatus `json:"participant_sync_status"`
	Settings           json.RawMessage       `json:"settings,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}
