package connections

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attendwise/syncengine/internal/models"
)

// Repository handles provider connection persistence. The sync engine only
// reads connections; create/update exist for the dashboard's settings pages.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a connections repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new connection.
func (r *Repository) Create(ctx context.Context, c *models.Connection) error {
	const q = `INSERT INTO connections (id, name, provider_account_id, auth_token, active)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, c.Name, c.ProviderAccountID, c.AuthToken, c.Active).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// GetByID returns a connection by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	const q = `SELECT id, name, provider_account_id, auth_token, active, created_at, updated_at
		FROM connections WHERE id = $1`
	var c models.Connection
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Name, &c.ProviderAccountID, &c.AuthToken, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns all connections.
func (r *Repository) List(ctx context.Context) ([]models.Connection, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, provider_account_id, auth_token, active, created_at, updated_at
		FROM connections ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Connection
	for rows.Next() {
		var c models.Connection
		if err := rows.Scan(&c.ID, &c.Name, &c.ProviderAccountID, &c.AuthToken, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// ListActive returns connections with the active flag set, for the periodic
// sweep and repair passes.
func (r *Repository) ListActive(ctx context.Context) ([]models.Connection, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, provider_account_id, auth_token, active, created_at, updated_at
		FROM connections WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Connection
	for rows.Next() {
		var c models.Connection
		if err := rows.Scan(&c.ID, &c.Name, &c.ProviderAccountID, &c.AuthToken, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Update updates name, auth token and active flag.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, name, authToken *string, active *bool) error {
	const q = `UPDATE connections SET
		name = COALESCE($1, name),
		auth_token = COALESCE($2, auth_token),
		active = COALESCE($3, active),
		updated_at = NOW()
		WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, name, authToken, active, id)
	return err
}
