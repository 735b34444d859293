package application

import (
	"context"
	"errors"

	"github.com/google/uuid"

	catalogdomain "github.com/foodworks/orderflow/internal/catalog/domain"
	"github.com/foodworks/orderflow/internal/order/domain"
)

var (
	// Client input errors, terminal to the request.
	ErrInvalidCart     = errors.New("invalid cart: no items, bad quantity or duplicate item")
	ErrItemUnavailable = errors.New("one or more items are not available")

	// Trust-boundary and external-dependency errors.
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// Store-level signals. A version conflict means the row moved under us;
	// callers re-read and either converge or bubble one retry up.
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict: record was modified")

	ErrInvalidTransition = errors.New("illegal status transition")
)

// OrderRepository is the order store: the only mutable shared resource.
// Every mutation is conditional on the version the caller read; a stale
// version yields ErrVersionConflict, never a silent overwrite.
type OrderRepository interface {
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)

	// AttachGatewayOrder moves PENDING -> AWAITING_PAYMENT and records the
	// remote order id, conditionally on expectedVersion.
	AttachGatewayOrder(ctx context.Context, id uuid.UUID, gatewayOrderID string, expectedVersion int) error

	// UpdateStatus is the plain conditional status write used by the
	// fulfillment path (PAID -> ACCEPTED -> DELIVERED).
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, expectedVersion int) error

	// RecordPaymentOutcome settles a payment terminal status and, in the
	// same transaction, appends an outbox event for downstream consumers.
	RecordPaymentOutcome(ctx context.Context, id uuid.UUID, status domain.OrderStatus, gatewayPaymentID string, expectedVersion int, eventType string, payload []byte, traceparent string) error

	// LogWebhook appends to the webhook audit ledger. Entries are never
	// updated or deleted.
	LogWebhook(ctx context.Context, entry domain.WebhookAudit) error
}

// CatalogLookup is the single batch read the price authority performs.
type CatalogLookup interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]catalogdomain.MenuItem, error)
}

// PaymentGateway opens a remote payment order. One attempt per call under
// a bounded timeout; retries of the whole creation flow belong to the
// caller, gated by idempotency.
type PaymentGateway interface {
	CreatePaymentOrder(ctx context.Context, orderID, userID uuid.UUID, amount int64, currency string) (string, error)
}

// IdempotencyCache maps a cart fingerprint to a previously issued creation
// response. It is an optimization: misses and outages both fall through to
// real order creation.
type IdempotencyCache interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}
