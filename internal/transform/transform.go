// Package transform maps provider wire records to internal rows. All
// functions are pure: no network, no database, no clock.
package transform

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/provider"
)

// ValidationError marks a single record that cannot be stored. Callers skip
// and count the row; a malformed record never aborts its page.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

// Provider status vocabularies differ between API versions, so unknown or
// absent values fall back to a per-entity default instead of failing the row.
var webinarStatuses = map[string]models.WebinarStatus{
	"scheduled": models.WebinarStatusScheduled,
	"waiting":   models.WebinarStatusUpcoming,
	"upcoming":  models.WebinarStatusUpcoming,
	"started":   models.WebinarStatusStarted,
	"live":      models.WebinarStatusStarted,
	"ended":     models.WebinarStatusEnded,
	"finished":  models.WebinarStatusEnded,
	"aborted":   models.WebinarStatusOther,
	"deleted":   models.WebinarStatusOther,
}

var registrantStatuses = map[string]models.RegistrantStatus{
	"approved": models.RegistrantStatusApproved,
	"approve":  models.RegistrantStatusApproved,
	"pending":  models.RegistrantStatusPending,
	"denied":   models.RegistrantStatusDenied,
	"deny":     models.RegistrantStatusDenied,
}

var participantStatuses = map[string]models.ParticipantStatus{
	"in_meeting":      models.ParticipantStatusInMeeting,
	"in_waiting_room": models.ParticipantStatusInWaiting,
	"left":            models.ParticipantStatusLeft,
}

// NormalizeWebinarStatus maps a provider status string to the internal enum,
// defaulting to scheduled.
func NormalizeWebinarStatus(s string) models.WebinarStatus {
	if v, ok := webinarStatuses[s]; ok {
		return v
	}
	return models.WebinarStatusScheduled
}

// NormalizeRegistrantStatus maps a provider status string to the internal
// enum, defaulting to approved.
func NormalizeRegistrantStatus(s string) models.RegistrantStatus {
	if v, ok := registrantStatuses[s]; ok {
		return v
	}
	return models.RegistrantStatusApproved
}

// NormalizeParticipantStatus maps a provider status string to the internal
// enum, defaulting to in_meeting.
func NormalizeParticipantStatus(s string) models.ParticipantStatus {
	if v, ok := participantStatuses[s]; ok {
		return v
	}
	return models.ParticipantStatusInMeeting
}

// ToWebinarRow maps a provider webinar record to an internal row.
func ToWebinarRow(rec provider.WebinarRecord, connectionID uuid.UUID) (*models.Webinar, error) {
	if rec.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "missing provider webinar id"}
	}
	w := &models.Webinar{
		ConnectionID:    connectionID,
		ProviderID:      rec.ID,
		Topic:           rec.Topic,
		DurationMinutes: rec.DurationMinutes,
		Timezone:        rec.Timezone,
		Status:          NormalizeWebinarStatus(rec.Status),
		ParticipantSync: models.ParticipantSyncPending,
		Settings:        rec.Settings,
	}
	w.StartsAt = parseTime(rec.StartTime)
	return w, nil
}

// ToRegistrantRow maps a provider registrant record to an internal row.
func ToRegistrantRow(rec provider.RegistrantRecord, webinarID uuid.UUID) (*models.Registrant, error) {
	if rec.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "missing provider registrant id"}
	}
	if rec.Email == "" {
		return nil, &ValidationError{Field: "email", Reason: "missing email"}
	}
	r := &models.Registrant{
		WebinarID:  webinarID,
		ProviderID: rec.ID,
		Email:      rec.Email,
		FirstName:  rec.FirstName,
		LastName:   rec.LastName,
		OrgName:    rec.OrgName,
		Answers:    rec.CustomQuestions,
		Status:     NormalizeRegistrantStatus(rec.Status),
	}
	r.RegisteredAt = parseTime(rec.CreateTime)
	return r, nil
}

// ToParticipantRow maps a provider participant record to an internal row.
// Wire durations are seconds; rows store whole minutes rounded up so a short
// join still counts as engagement.
func ToParticipantRow(rec provider.ParticipantRecord, webinarID uuid.UUID) (*models.Participant, error) {
	if rec.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "missing provider participant id"}
	}
	if rec.Email == "" && rec.Name == "" && rec.UserID == "" {
		return nil, &ValidationError{Field: "identity", Reason: "record has no user id, email or name"}
	}
	p := &models.Participant{
		WebinarID:            webinarID,
		ProviderID:           rec.ID,
		RegistrantProviderID: rec.RegistrantID,
		UserID:               rec.UserID,
		Email:                rec.Email,
		Name:                 rec.Name,
		DurationMinutes:      secondsToMinutes(rec.DurationSeconds),
		RaisedHand:           rec.RaisedHand,
		AskedQuestion:        rec.AskedQuestion,
		AnsweredPoll:         rec.AnsweredPoll,
		CameraMinutes:        secondsToMinutes(rec.CameraSeconds),
		Status:               NormalizeParticipantStatus(rec.Status),
	}
	p.JoinTime = parseTime(rec.JoinTime)
	p.LeaveTime = parseTime(rec.LeaveTime)
	return p, nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func secondsToMinutes(secs int) int {
	if secs <= 0 {
		return 0
	}
	return (secs + 59) / 60
}
