package participants

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/database"
)

// Repository handles participant persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a participants repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertBatch inserts or updates participants by their (webinar_id,
// provider_id) natural key in one round trip. The derived registrant_id
// association is not written here; MatchRegistrants recomputes it.
func (r *Repository) UpsertBatch(ctx context.Context, parts []*models.Participant) error {
	if len(parts) == 0 {
		return nil
	}
	const q = `INSERT INTO participants (id, webinar_id, provider_id, registrant_provider_id, user_id, email, name,
			join_time, leave_time, duration_minutes, raised_hand, asked_question, answered_poll, camera_minutes, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (webinar_id, provider_id) DO UPDATE SET
			registrant_provider_id = EXCLUDED.registrant_provider_id,
			user_id = EXCLUDED.user_id,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			join_time = EXCLUDED.join_time,
			leave_time = EXCLUDED.leave_time,
			duration_minutes = EXCLUDED.duration_minutes,
			raised_hand = EXCLUDED.raised_hand,
			asked_question = EXCLUDED.asked_question,
			answered_poll = EXCLUDED.answered_poll,
			camera_minutes = EXCLUDED.camera_minutes,
			status = EXCLUDED.status,
			updated_at = NOW()`
	return database.WithRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for _, p := range parts {
			batch.Queue(q, p.WebinarID, p.ProviderID, p.RegistrantProviderID, p.UserID, p.Email, p.Name,
				p.JoinTime, p.LeaveTime, p.DurationMinutes, p.RaisedHand, p.AskedQuestion, p.AnsweredPoll,
				p.CameraMinutes, p.Status)
		}
		return r.pool.SendBatch(ctx, batch).Close()
	})
}

// ListByWebinar returns all participant segments for a webinar.
func (r *Repository) ListByWebinar(ctx context.Context, webinarID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT id, webinar_id, registrant_id, provider_id, registrant_provider_id, user_id, email, name,
		join_time, leave_time, duration_minutes, raised_hand, asked_question, answered_poll, camera_minutes,
		status, created_at, updated_at
		FROM participants WHERE webinar_id = $1 ORDER BY join_time NULLS LAST`
	rows, err := r.pool.Query(ctx, q, webinarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.WebinarID, &p.RegistrantID, &p.ProviderID, &p.RegistrantProviderID,
			&p.UserID, &p.Email, &p.Name, &p.JoinTime, &p.LeaveTime, &p.DurationMinutes, &p.RaisedHand,
			&p.AskedQuestion, &p.AnsweredPoll, &p.CameraMinutes, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// MatchRegistrants recomputes the derived participant→registrant association
// for a webinar: provider registrant id first, then case-insensitive email.
// Not a hard foreign key; attendance matching is best-effort.
func (r *Repository) MatchRegistrants(ctx context.Context, webinarID uuid.UUID) error {
	const q = `UPDATE participants p SET
		registrant_id = m.registrant_id,
		updated_at = NOW()
		FROM (
			SELECT p2.id AS participant_id, COALESCE(r1.id, r2.id) AS registrant_id
			FROM participants p2
			LEFT JOIN registrants r1 ON r1.webinar_id = p2.webinar_id AND r1.provider_id = p2.registrant_provider_id AND p2.registrant_provider_id <> ''
			LEFT JOIN registrants r2 ON r2.webinar_id = p2.webinar_id AND LOWER(r2.email) = LOWER(p2.email) AND p2.email <> ''
			WHERE p2.webinar_id = $1
		) m
		WHERE p.id = m.participant_id AND p.registrant_id IS DISTINCT FROM m.registrant_id`
	return database.WithRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, q, webinarID)
		return err
	})
}
