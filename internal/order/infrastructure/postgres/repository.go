// Package postgres persists the order aggregate. Mutations are
// compare-and-swap on the version column: an UPDATE that matches zero rows
// because the version moved is reported as a conflict, never retried or
// merged here.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodworks/orderflow/internal/order/application"
	"github.com/foodworks/orderflow/internal/order/domain"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// Create inserts the order and its item snapshot in one transaction.
func (r *Repository) Create(ctx context.Context, o *domain.Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, gateway_order_id, gateway_payment_id, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, o.ID, o.UserID, o.Status, o.TotalAmount, o.GatewayOrderID, o.GatewayPaymentID, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, menu_item_id, name, unit_price, quantity)
			VALUES ($1,$2,$3,$4,$5)
		`, o.ID, item.MenuItemID, item.Name, item.UnitPrice, item.Quantity)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	return r.getOne(ctx, `WHERE gateway_order_id = $1`, gatewayOrderID)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*domain.Order, error) {
	o := &domain.Order{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, COALESCE(gateway_order_id, ''), COALESCE(gateway_payment_id, ''), version, created_at, updated_at
		FROM orders `+where,
		arg,
	).Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.GatewayOrderID, &o.GatewayPaymentID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, application.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := r.loadItems(ctx, []uuid.UUID{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, status, total_amount, COALESCE(gateway_order_id, ''), COALESCE(gateway_payment_id, ''), version, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	var ids []uuid.UUID
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.GatewayOrderID, &o.GatewayPaymentID, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (r *Repository) loadItems(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]domain.OrderItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT order_id, menu_item_id, name, unit_price, quantity
		FROM order_items
		WHERE order_id = ANY($1)
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make(map[uuid.UUID][]domain.OrderItem)
	for rows.Next() {
		var orderID uuid.UUID
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.MenuItemID, &item.Name, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items[orderID] = append(items[orderID], item)
	}
	return items, rows.Err()
}

// AttachGatewayOrder records the remote order id and advances the order to
// AWAITING_PAYMENT, conditionally on expectedVersion.
func (r *Repository) AttachGatewayOrder(ctx context.Context, id uuid.UUID, gatewayOrderID string, expectedVersion int) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET gateway_order_id = $2, status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $4
	`, id, gatewayOrderID, domain.StatusAwaitingPayment, expectedVersion)
	if err != nil {
		return fmt.Errorf("attach gateway order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.staleWriteError(ctx, id)
	}
	return nil
}

// UpdateStatus is the conditional status write used by fulfillment.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, expectedVersion int) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
	`, id, status, expectedVersion)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.staleWriteError(ctx, id)
	}
	return nil
}

// RecordPaymentOutcome settles a payment terminal status and appends the
// matching outbox event in the same transaction, so the event is published
// exactly when the status change commits.
func (r *Repository) RecordPaymentOutcome(ctx context.Context, id uuid.UUID, status domain.OrderStatus, gatewayPaymentID string, expectedVersion int, eventType string, payload []byte, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, gateway_payment_id = NULLIF($3, ''), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $4
	`, id, status, gatewayPaymentID, expectedVersion)
	if err != nil {
		return fmt.Errorf("record payment outcome: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return r.staleWriteError(ctx, id)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ('order', $1, $2, $3, $4, 'pending')
	`, id, eventType, payload, traceparent)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return tx.Commit(ctx)
}

// staleWriteError distinguishes a missing row from a version mismatch
// after a conditional update touched nothing.
func (r *Repository) staleWriteError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order existence: %w", err)
	}
	if !exists {
		return application.ErrNotFound
	}
	return application.ErrVersionConflict
}

// LogWebhook appends one attempt to the audit ledger.
func (r *Repository) LogWebhook(ctx context.Context, entry domain.WebhookAudit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_audit (source, event_type, payload, signature_valid, order_id, note)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.Source, entry.EventType, entry.Payload, entry.SignatureValid, entry.OrderID, entry.Note)
	if err != nil {
		return fmt.Errorf("insert webhook audit: %w", err)
	}
	return nil
}
