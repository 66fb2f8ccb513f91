package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection identifies one account on the external webinar provider.
// The auth token is opaque to the sync engine; it is passed through to the
// provider client as a bearer credential.
type Connection struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	ProviderAccountID string    `json:"provider_account_id"`
	AuthToken         string    `json:"-"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
