package domain

import "github.com/google/uuid"

// Integration events published through the outbox once a payment outcome
// is settled. Event type strings double as the outbox "type" column.
const (
	EventOrderPaid          = "order.paid"
	EventOrderPaymentFailed = "order.payment_failed"
)

type OrderPaid struct {
	OrderID          uuid.UUID `json:"order_id"`
	UserID           uuid.UUID `json:"user_id"`
	GatewayPaymentID string    `json:"gateway_payment_id"`
	TotalAmount      int64     `json:"total_amount"`
}

type OrderPaymentFailed struct {
	OrderID uuid.UUID `json:"order_id"`
	UserID  uuid.UUID `json:"user_id"`
	Reason  string    `json:"reason"`
}
