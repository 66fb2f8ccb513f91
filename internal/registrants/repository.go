package registrants

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/database"
)

// Repository handles registrant persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registrants repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertBatch inserts or updates registrants by their (webinar_id,
// provider_id) natural key in one round trip. Attendance fields are owned by
// participant reconciliation and deliberately left out of the update set, so
// a registrant re-sync never wipes previously backfilled attendance.
func (r *Repository) UpsertBatch(ctx context.Context, regs []*models.Registrant) error {
	if len(regs) == 0 {
		return nil
	}
	const q = `INSERT INTO registrants (id, webinar_id, provider_id, email, first_name, last_name, org_name, answers, status, registered_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (webinar_id, provider_id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			org_name = EXCLUDED.org_name,
			answers = EXCLUDED.answers,
			status = EXCLUDED.status,
			registered_at = EXCLUDED.registered_at,
			updated_at = NOW()`
	return database.WithRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for _, reg := range regs {
			batch.Queue(q, reg.WebinarID, reg.ProviderID, reg.Email, reg.FirstName, reg.LastName,
				reg.OrgName, reg.Answers, reg.Status, reg.RegisteredAt)
		}
		return r.pool.SendBatch(ctx, batch).Close()
	})
}

// CountByWebinar returns total registrants and how many attended.
func (r *Repository) CountByWebinar(ctx context.Context, webinarID uuid.UUID) (total, attended int, err error) {
	const q = `SELECT COUNT(*), COUNT(*) FILTER (WHERE attended) FROM registrants WHERE webinar_id = $1`
	err = r.pool.QueryRow(ctx, q, webinarID).Scan(&total, &attended)
	return total, attended, err
}

// ListByWebinar returns all registrants for a webinar.
func (r *Repository) ListByWebinar(ctx context.Context, webinarID uuid.UUID) ([]models.Registrant, error) {
	const q = `SELECT id, webinar_id, provider_id, email, first_name, last_name, org_name, answers, status,
		registered_at, join_time, leave_time, duration_minutes, attended, created_at, updated_at
		FROM registrants WHERE webinar_id = $1 ORDER BY registered_at DESC NULLS LAST`
	rows, err := r.pool.Query(ctx, q, webinarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Registrant
	for rows.Next() {
		var reg models.Registrant
		if err := rows.Scan(&reg.ID, &reg.WebinarID, &reg.ProviderID, &reg.Email, &reg.FirstName, &reg.LastName,
			&reg.OrgName, &reg.Answers, &reg.Status, &reg.RegisteredAt, &reg.JoinTime, &reg.LeaveTime,
			&reg.DurationMinutes, &reg.Attended, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, reg)
	}
	return list, rows.Err()
}

// BackfillAttendance fills join/leave/duration/attended on registrants from
// their matched participant segments. Matching is best-effort (provider
// registrant id first, then case-insensitive email) and recomputed on every
// pass, so an improved heuristic needs no compensating writes.
func (r *Repository) BackfillAttendance(ctx context.Context, webinarID uuid.UUID) error {
	const q = `UPDATE registrants reg SET
		join_time = m.first_join,
		leave_time = m.last_leave,
		duration_minutes = m.minutes,
		attended = TRUE,
		updated_at = NOW()
		FROM (
			SELECT COALESCE(r2.id, r3.id) AS registrant_id,
				MIN(p.join_time) AS first_join,
				MAX(p.leave_time) AS last_leave,
				SUM(p.duration_minutes) AS minutes
			FROM participants p
			LEFT JOIN registrants r2 ON r2.webinar_id = p.webinar_id AND r2.provider_id = p.registrant_provider_id
			LEFT JOIN registrants r3 ON r3.webinar_id = p.webinar_id AND LOWER(r3.email) = LOWER(p.email) AND p.email <> ''
			WHERE p.webinar_id = $1 AND COALESCE(r2.id, r3.id) IS NOT NULL
			GROUP BY COALESCE(r2.id, r3.id)
		) m
		WHERE reg.id = m.registrant_id`
	return database.WithRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, q, webinarID)
		return err
	})
}
