// Package domain holds the catalog entities the pricing path reads.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MenuItem is a sellable catalog entry. Price is in minor units; it is the
// authoritative price at lookup time, not a quote the client can override.
type MenuItem struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	Category    string    `json:"category"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
