package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	catalogdomain "github.com/foodworks/orderflow/internal/catalog/domain"
	"github.com/foodworks/orderflow/internal/order/domain"
)

// fakeOrderRepo mirrors the postgres repository's compare-and-swap
// semantics in memory so the engine's concurrency behaviour is testable
// without a database.
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
	audits []domain.WebhookAudit
	events []fakeOutboxEvent

	// beforeRecord runs once at the start of the next
	// RecordPaymentOutcome, before the version check. Tests use it to
	// simulate a concurrent writer sneaking in between read and write.
	beforeRecord func()
}

type fakeOutboxEvent struct {
	orderID   uuid.UUID
	eventType string
	payload   []byte
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[uuid.UUID]*domain.Order)}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	return &c
}

func (r *fakeOrderRepo) Create(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *fakeOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *fakeOrderRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.GatewayOrderID == gatewayOrderID {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeOrderRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

func (r *fakeOrderRepo) cas(id uuid.UUID, expectedVersion int, mutate func(*domain.Order)) error {
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Version != expectedVersion {
		return ErrVersionConflict
	}
	mutate(o)
	o.Version++
	return nil
}

func (r *fakeOrderRepo) AttachGatewayOrder(ctx context.Context, id uuid.UUID, gatewayOrderID string, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(id, expectedVersion, func(o *domain.Order) {
		o.GatewayOrderID = gatewayOrderID
		o.Status = domain.StatusAwaitingPayment
	})
}

func (r *fakeOrderRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(id, expectedVersion, func(o *domain.Order) {
		o.Status = status
	})
}

func (r *fakeOrderRepo) RecordPaymentOutcome(ctx context.Context, id uuid.UUID, status domain.OrderStatus, gatewayPaymentID string, expectedVersion int, eventType string, payload []byte, traceparent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeRecord != nil {
		hook := r.beforeRecord
		r.beforeRecord = nil
		hook()
	}
	err := r.cas(id, expectedVersion, func(o *domain.Order) {
		o.Status = status
		if gatewayPaymentID != "" {
			o.GatewayPaymentID = gatewayPaymentID
		}
	})
	if err != nil {
		return err
	}
	r.events = append(r.events, fakeOutboxEvent{orderID: id, eventType: eventType, payload: payload})
	return nil
}

func (r *fakeOrderRepo) LogWebhook(ctx context.Context, entry domain.WebhookAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
	return nil
}

func (r *fakeOrderRepo) lastAudit() domain.WebhookAudit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audits[len(r.audits)-1]
}

func (r *fakeOrderRepo) mustGet(id uuid.UUID) *domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[id])
}

type fakeCatalog struct {
	items map[uuid.UUID]catalogdomain.MenuItem
}

func (c *fakeCatalog) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]catalogdomain.MenuItem, error) {
	var out []catalogdomain.MenuItem
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (g *fakeGateway) CreatePaymentOrder(ctx context.Context, orderID, userID uuid.UUID, amount int64, currency string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail {
		return "", fmt.Errorf("%w: connection refused", ErrGatewayUnavailable)
	}
	return fmt.Sprintf("rzp_order_%d", g.calls), nil
}

// fakeCache is a map-backed idempotency cache; failing toggles an outage.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return false, errors.New("cache unavailable")
	}
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (c *fakeCache) SetJSON(ctx context.Context, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache unavailable")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}
