package transform

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/provider"
)

func TestNormalizeWebinarStatus(t *testing.T) {
	cases := []struct {
		in   string
		want models.WebinarStatus
	}{
		{"scheduled", models.WebinarStatusScheduled},
		{"waiting", models.WebinarStatusUpcoming},
		{"live", models.WebinarStatusStarted},
		{"started", models.WebinarStatusStarted},
		{"ended", models.WebinarStatusEnded},
		{"finished", models.WebinarStatusEnded},
		{"deleted", models.WebinarStatusOther},
		{"", models.WebinarStatusScheduled},
		{"some-new-vocab", models.WebinarStatusScheduled},
	}
	for _, c := range cases {
		if got := NormalizeWebinarStatus(c.in); got != c.want {
			t.Errorf("NormalizeWebinarStatus(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeRegistrantStatus(t *testing.T) {
	if got := NormalizeRegistrantStatus("deny"); got != models.RegistrantStatusDenied {
		t.Errorf("deny → %q", got)
	}
	if got := NormalizeRegistrantStatus("???"); got != models.RegistrantStatusApproved {
		t.Errorf("unknown should default to approved, got %q", got)
	}
}

func TestNormalizeParticipantStatus(t *testing.T) {
	if got := NormalizeParticipantStatus("in_waiting_room"); got != models.ParticipantStatusInWaiting {
		t.Errorf("in_waiting_room → %q", got)
	}
	if got := NormalizeParticipantStatus(""); got != models.ParticipantStatusInMeeting {
		t.Errorf("absent should default to in_meeting, got %q", got)
	}
}

func TestToWebinarRow(t *testing.T) {
	connID := uuid.New()
	w, err := ToWebinarRow(provider.WebinarRecord{
		ID:              "987",
		Topic:           "Quarterly Review",
		StartTime:       "2026-03-01T15:00:00Z",
		DurationMinutes: 60,
		Timezone:        "UTC",
		Status:          "finished",
	}, connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.ConnectionID != connID || w.ProviderID != "987" {
		t.Fatalf("keys not carried: %+v", w)
	}
	if w.Status != models.WebinarStatusEnded {
		t.Fatalf("status = %q, want ended", w.Status)
	}
	if w.StartsAt == nil || w.StartsAt.Hour() != 15 {
		t.Fatalf("starts_at not parsed: %v", w.StartsAt)
	}
	if w.ParticipantSync != models.ParticipantSyncPending {
		t.Fatalf("new webinar rows start with participant sync pending, got %q", w.ParticipantSync)
	}
}

func TestToWebinarRowMissingID(t *testing.T) {
	_, err := ToWebinarRow(provider.WebinarRecord{Topic: "No ID"}, uuid.New())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "id" {
		t.Fatalf("want ValidationError on id, got %v", err)
	}
}

func TestToRegistrantRowMissingEmail(t *testing.T) {
	_, err := ToRegistrantRow(provider.RegistrantRecord{ID: "r1"}, uuid.New())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "email" {
		t.Fatalf("want ValidationError on email, got %v", err)
	}
}

func TestToRegistrantRowLeavesAttendanceEmpty(t *testing.T) {
	r, err := ToRegistrantRow(provider.RegistrantRecord{
		ID:         "r1",
		Email:      "a@example.com",
		FirstName:  "Ada",
		Status:     "approve",
		CreateTime: "2026-02-01T09:00:00Z",
	}, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != models.RegistrantStatusApproved {
		t.Fatalf("status = %q", r.Status)
	}
	// Attendance fields are filled by participant reconciliation, never here.
	if r.Attended || r.JoinTime != nil || r.LeaveTime != nil || r.DurationMinutes != 0 {
		t.Fatalf("attendance fields must be empty at registration-sync time: %+v", r)
	}
}

func TestToParticipantRowDurations(t *testing.T) {
	p, err := ToParticipantRow(provider.ParticipantRecord{
		ID:              "p1",
		Email:           "a@example.com",
		DurationSeconds: 61,
		CameraSeconds:   59,
	}, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.DurationMinutes != 2 {
		t.Fatalf("61s should round up to 2 minutes, got %d", p.DurationMinutes)
	}
	if p.CameraMinutes != 1 {
		t.Fatalf("59s should round up to 1 minute, got %d", p.CameraMinutes)
	}
}

func TestToParticipantRowNoIdentity(t *testing.T) {
	_, err := ToParticipantRow(provider.ParticipantRecord{ID: "p1"}, uuid.New())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "identity" {
		t.Fatalf("want ValidationError on identity, got %v", err)
	}
}
