// Package domain holds the order aggregate and its state machine.
// Amounts are integer minor units (paisa); floats would drift.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order is the aggregate root. Version backs optimistic locking: every
// mutation names the version it read and the store rejects stale writes.
type Order struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"user_id"`
	Status           OrderStatus `json:"status"`
	TotalAmount      int64       `json:"total_amount"`
	GatewayOrderID   string      `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string      `json:"gateway_payment_id,omitempty"`
	Version          int         `json:"version"`
	Items            []OrderItem `json:"items"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// OrderItem is a price snapshot taken at order creation. Catalog price
// changes after this point never affect an existing order.
type OrderItem struct {
	MenuItemID uuid.UUID `json:"menu_item_id"`
	Name       string    `json:"name"`
	UnitPrice  int64     `json:"unit_price"`
	Quantity   int       `json:"quantity"`
}

// Subtotal returns the line total in minor units.
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// NewOrder builds a PENDING order from already-priced items. The total is
// derived from the snapshot, never taken from the caller.
func NewOrder(userID uuid.UUID, items []OrderItem) *Order {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	now := time.Now().UTC()
	return &Order{
		ID:          uuid.New(),
		UserID:      userID,
		Status:      StatusPending,
		TotalAmount: total,
		Version:     1,
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CartLine is a client-submitted (item, quantity) pair. Prices are looked
// up server-side; any client-supplied price is ignored.
type CartLine struct {
	MenuItemID uuid.UUID `json:"menu_item_id"`
	Quantity   int       `json:"quantity"`
}
