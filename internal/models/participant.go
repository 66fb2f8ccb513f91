package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParticipantStatus is the normalized participant session status.
type ParticipantStatus string

const (
	ParticipantStatusInMeeting ParticipantStatus = "in_meeting"
	ParticipantStatusInWaiting ParticipantStatus = "in_waiting_room"
	ParticipantStatusLeft      ParticipantStatus = "left"
)

// Participant is one join/leave record for a webinar, unique per
// (webinar_id, provider_id). A single person may have multiple rows when
// they rejoined; identity-based dedup happens at aggregation time.
// RegistrantID is a derived, best-effort association (email/id heuristics),
// recomputed on each pass, never treated as authoritative.
type Participant struct {
	ID                   uuid.UUID         `json:"id"`
	WebinarID            uuid.UUID         `json:"webinar_id"`
	RegistrantID         *uuid.UUID        `json:"registrant_id,omitempty"`
	ProviderID           string            `json:"provider_id"`
	RegistrantProviderID string            `json:"registrant_provider_id,omitempty"`
	UserID               string            `json:"user_id"`
	Email                string            `json:"email"`
	Name                 string            `json:"name"`
	JoinTime             *time.Time        `json:"join_time,omitempty"`
	LeaveTime            *time.Time        `json:"leave_time,omitempty"`
	DurationMinutes      int               `json:"duration_minutes"`
	RaisedHand           bool              `json:"raised_hand"`
	AskedQuestion        bool              `json:"asked_question"`
	AnsweredPoll         bool              `json:"answered_poll"`
	CameraMinutes        int               `json:"camera_minutes"`
	Status               ParticipantStatus `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// IdentityKey collapses multiple join/leave segments of the same person to
// one attendee: provider user id first, then lowercased email, then name.
func (p *Participant) IdentityKey() string {
	if p.UserID != "" {
		return "u:" + p.UserID
	}
	if p.Email != "" {
		return "e:" + strings.ToLower(p.Email)
	}
	return "n:" + strings.ToLower(p.Name)
}
