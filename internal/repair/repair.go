// Package repair recomputes derived webinar metrics from child rows. It is
// the safety net for aggregates left wrong by interrupted syncs: counters
// are never incremented in place, always recomputed, so running a repair is
// idempotent.
package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/internal/webinars"
)

// WebinarStore is the slice of the webinar repository the pass needs.
type WebinarStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Webinar, error)
	FindNeedingRepair(ctx context.Context, connectionID *uuid.UUID) ([]uuid.UUID, error)
	RecomputeAggregates(ctx context.Context, id uuid.UUID) (*webinars.Aggregates, error)
	SetParticipantSyncStatus(ctx context.Context, id uuid.UUID, status models.ParticipantSyncStatus) error
}

// ParticipantStore recomputes the derived registrant association.
type ParticipantStore interface {
	MatchRegistrants(ctx context.Context, webinarID uuid.UUID) error
}

// RegistrantStore fills attendance fields from matched participant segments.
type RegistrantStore interface {
	BackfillAttendance(ctx context.Context, webinarID uuid.UUID) error
}

// Result is the repaired state of one webinar.
type Result struct {
	WebinarID   uuid.UUID                    `json:"webinar_id"`
	Registrants int                          `json:"registrant_count"`
	Attendees   int                          `json:"attendee_count"`
	Minutes     int                          `json:"total_minutes"`
	AvgMinutes  float64                      `json:"avg_duration_minutes"`
	SubStatus   models.ParticipantSyncStatus `json:"participant_sync_status"`
}

// Pass runs metric repairs over webinars whose aggregates look inconsistent.
type Pass struct {
	webinars     WebinarStore
	participants ParticipantStore
	registrants  RegistrantStore
	logger       *zap.Logger
}

// NewPass wires a repair pass.
func NewPass(webinarStore WebinarStore, participantStore ParticipantStore, registrantStore RegistrantStore, logger *zap.Logger) *Pass {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pass{webinars: webinarStore, participants: participantStore, registrants: registrantStore, logger: logger}
}

// RepairWebinar recomputes one webinar's metrics: re-derive the
// registrant/participant association, backfill attendance, then recompute
// the counters and the participant-sync sub-status from what the child rows
// actually contain.
func (p *Pass) RepairWebinar(ctx context.Context, webinarID uuid.UUID) (*Result, error) {
	w, err := p.webinars.GetByID(ctx, webinarID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("webinar %s not found", webinarID)
	}

	if err := p.participants.MatchRegistrants(ctx, webinarID); err != nil {
		return nil, fmt.Errorf("match registrants: %w", err)
	}
	if err := p.registrants.BackfillAttendance(ctx, webinarID); err != nil {
		return nil, fmt.Errorf("backfill attendance: %w", err)
	}
	agg, err := p.webinars.RecomputeAggregates(ctx, webinarID)
	if err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	sub := w.ParticipantSync
	switch {
	case agg.Attendees > 0:
		sub = models.ParticipantSyncCompleted
	case agg.Registrants > 0 && w.Status == models.WebinarStatusEnded:
		sub = models.ParticipantSyncNoParticipants
	}
	if sub != w.ParticipantSync {
		if err := p.webinars.SetParticipantSyncStatus(ctx, webinarID, sub); err != nil {
			return nil, fmt.Errorf("set participant sync status: %w", err)
		}
	}

	p.logger.Info("webinar metrics repaired",
		zap.String("webinar_id", webinarID.String()),
		zap.Int("registrants", agg.Registrants),
		zap.Int("attendees", agg.Attendees),
		zap.Int("total_minutes", agg.Minutes))
	return &Result{
		WebinarID:   webinarID,
		Registrants: agg.Registrants,
		Attendees:   agg.Attendees,
		Minutes:     agg.Minutes,
		AvgMinutes:  agg.AvgMinutes,
		SubStatus:   sub,
	}, nil
}

// RepairConnection sweeps every webinar of one connection (or all
// connections when connectionID is nil) that looks inconsistent. A failure
// on one webinar is logged and does not stop the sweep.
func (p *Pass) RepairConnection(ctx context.Context, connectionID *uuid.UUID) ([]Result, error) {
	ids, err := p.webinars.FindNeedingRepair(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("find webinars needing repair: %w", err)
	}
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.RepairWebinar(ctx, id)
		if err != nil {
			p.logger.Warn("webinar repair failed",
				zap.String("webinar_id", id.String()), zap.Error(err))
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
