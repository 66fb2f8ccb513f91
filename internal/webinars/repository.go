package webinars

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/database"
)

const webinarColumns = `id, connection_id, provider_id, topic, starts_at, duration_minutes, timezone, status,
	registrant_count, attendee_count, total_minutes, avg_duration_minutes, participant_sync_status, settings,
	created_at, updated_at`

// Aggregates are the derived counters recomputed from child rows.
type Aggregates struct {
	Registrants int
	Attendees   int
	Minutes     int
	AvgMinutes  float64
}

// Repository handles webinar persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a webinar repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert inserts or updates a webinar by its (connection_id, provider_id)
// natural key. Replaying the same record is a no-op apart from updated_at.
// The latest observed lifecycle status always wins; aggregate counters and
// the participant-sync sub-status are derived data and are not touched here.
func (r *Repository) Upsert(ctx context.Context, w *models.Webinar) error {
	const q = `INSERT INTO webinars (id, connection_id, provider_id, topic, starts_at, duration_minutes, timezone, status, participant_sync_status, settings)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (connection_id, provider_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			starts_at = EXCLUDED.starts_at,
			duration_minutes = EXCLUDED.duration_minutes,
			timezone = EXCLUDED.timezone,
			status = EXCLUDED.status,
			settings = EXCLUDED.settings,
			updated_at = NOW()
		RETURNING id, participant_sync_status, registrant_count, attendee_count, total_minutes, avg_duration_minutes, created_at, updated_at`
	return database.WithRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, q,
			w.ConnectionID, w.ProviderID, w.Topic, w.StartsAt, w.DurationMinutes, w.Timezone, w.Status, w.ParticipantSync, w.Settings).
			Scan(&w.ID, &w.ParticipantSync, &w.RegistrantCount, &w.AttendeeCount, &w.TotalMinutes, &w.AvgDurationMinutes, &w.CreatedAt, &w.UpdatedAt)
	})
}

// GetByID returns a webinar by internal ID, or nil.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webinar, error) {
	const q = `SELECT ` + webinarColumns + ` FROM webinars WHERE id = $1`
	w, err := scanWebinar(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// ListByConnection returns all webinars for a connection, newest first.
func (r *Repository) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]models.Webinar, error) {
	const q = `SELECT ` + webinarColumns + ` FROM webinars WHERE connection_id = $1 ORDER BY starts_at DESC NULLS LAST`
	rows, err := r.pool.Query(ctx, q, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Webinar
	for rows.Next() {
		w, err := scanWebinar(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *w)
	}
	return list, rows.Err()
}

// SetParticipantSyncStatus updates the participant reconciliation sub-status.
func (r *Repository) SetParticipantSyncStatus(ctx context.Context, id uuid.UUID, status models.ParticipantSyncStatus) error {
	const q = `UPDATE webinars SET participant_sync_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// RecomputeAggregates recalculates the four derived counters from child rows
// and persists them. Attendees are deduplicated by identity (provider user
// id, else email, else name) so repeated join/leave segments count once;
// total minutes sums every segment. Safe to re-run at any time.
func (r *Repository) RecomputeAggregates(ctx context.Context, id uuid.UUID) (*Aggregates, error) {
	const q = `UPDATE webinars w SET
		registrant_count = agg.registrants,
		attendee_count = agg.attendees,
		total_minutes = agg.minutes,
		avg_duration_minutes = CASE WHEN agg.attendees > 0 THEN agg.minutes::float / agg.attendees ELSE 0 END,
		updated_at = NOW()
		FROM (
			SELECT
				(SELECT COUNT(*) FROM registrants WHERE webinar_id = $1) AS registrants,
				(SELECT COUNT(DISTINCT COALESCE(NULLIF(user_id, ''), LOWER(NULLIF(email, '')), LOWER(name)))
					FROM participants WHERE webinar_id = $1) AS attendees,
				(SELECT COALESCE(SUM(duration_minutes), 0) FROM participants WHERE webinar_id = $1) AS minutes
		) agg
		WHERE w.id = $1
		RETURNING agg.registrants, agg.attendees, agg.minutes, w.avg_duration_minutes`
	var out Aggregates
	err := database.WithRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, q, id).Scan(&out.Registrants, &out.Attendees, &out.Minutes, &out.AvgMinutes)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindNeedingRepair returns webinars whose derived counters look
// inconsistent: ended with registrants but no attendees recorded, or with
// participant reconciliation left pending/failed. Scoped to one connection
// when connectionID is non-nil.
func (r *Repository) FindNeedingRepair(ctx context.Context, connectionID *uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT id FROM webinars
		WHERE ($1::uuid IS NULL OR connection_id = $1)
		AND status = 'ended'
		AND (
			(registrant_count > 0 AND attendee_count = 0)
			OR participant_sync_status IN ('pending', 'failed')
		)
		ORDER BY starts_at DESC NULLS LAST`
	rows, err := r.pool.Query(ctx, q, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanWebinar(row pgx.Row) (*models.Webinar, error) {
	var w models.Webinar
	err := row.Scan(&w.ID, &w.ConnectionID, &w.ProviderID, &w.Topic, &w.StartsAt, &w.DurationMinutes,
		&w.Timezone, &w.Status, &w.RegistrantCount, &w.AttendeeCount, &w.TotalMinutes,
		&w.AvgDurationMinutes, &w.ParticipantSync, &w.Settings, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
