package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RegistrantStatus is the normalized registration approval status.
type RegistrantStatus string

const (
	RegistrantStatusApproved RegistrantStatus = "approved"
	RegistrantStatusPending  RegistrantStatus = "pending"
	RegistrantStatusDenied   RegistrantStatus = "denied"
)

// Registrant is one registration for a webinar, unique per
// (webinar_id, provider_id). The attendance fields (JoinTime, LeaveTime,
// DurationMinutes, Attended) are filled only after participant
// reconciliation, not at registration-sync time.
type Registrant struct {
	ID              uuid.UUID        `json:"id"`
	WebinarID       uuid.UUID        `json:"webinar_id"`
	ProviderID      string           `json:"provider_id"`
	Email           string           `json:"email"`
	FirstName       string           `json:"first_name"`
	LastName        string           `json:"last_name"`
	OrgName         string           `json:"org_name"`
	Answers         json.RawMessage  `json:"answers,omitempty"`
	Status          RegistrantStatus `json:"status"`
	RegisteredAt    *time.Time       `json:"registered_at,omitempty"`
	JoinTime        *time.Time       `json:"join_time,omitempty"`
	LeaveTime       *time.Time       `json:"leave_time,omitempty"`
	DurationMinutes int              `json:"duration_minutes"`
	Attended        bool             `json:"attended"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
