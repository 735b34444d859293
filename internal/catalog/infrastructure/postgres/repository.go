package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodworks/orderflow/internal/catalog/domain"
)

// Repository reads catalog rows. The pricing path only needs the one batch
// lookup; catalog CRUD lives outside this service.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// GetByIDs returns the catalog entries matching ids. Missing ids are simply
// absent from the result; the caller decides whether that is an error.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.MenuItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, price, category, is_available, created_at, updated_at
		FROM menu_items
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.MenuItem, 0, len(ids))
	for rows.Next() {
		var m domain.MenuItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Price, &m.Category, &m.IsAvailable, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
