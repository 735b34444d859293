package domain

// OrderStatus is the order lifecycle state.
//
//	PENDING -> AWAITING_PAYMENT -> PAID -> ACCEPTED -> DELIVERED
//	PENDING | AWAITING_PAYMENT -> PAYMENT_FAILED
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	StatusPaymentFailed   OrderStatus = "PAYMENT_FAILED"
	StatusPaid            OrderStatus = "PAID"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusDelivered       OrderStatus = "DELIVERED"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusAwaitingPayment, StatusPaymentFailed},
	StatusAwaitingPayment: {StatusPaid, StatusPaymentFailed},
	StatusPaid:            {StatusAccepted},
	StatusAccepted:        {StatusDelivered},
}

// CanTransitionTo reports whether next is a legal transition from s. Both
// the client-verification path and the webhook path go through this check;
// neither is allowed a transition the other could not take.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// PaidOrLater reports whether payment already succeeded for this order.
// Driving such an order to PAID again is an idempotent success: this is
// what lets the verification call and the webhook race safely.
func (s OrderStatus) PaidOrLater() bool {
	return s == StatusPaid || s == StatusAccepted || s == StatusDelivered
}

// PaymentTerminal reports whether the payment outcome is settled. Once
// PAID, no path may revert the order to PAYMENT_FAILED.
func (s OrderStatus) PaymentTerminal() bool {
	return s == StatusPaymentFailed || s.PaidOrLater()
}

// Valid reports whether s is a known status value.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusPaymentFailed,
		StatusPaid, StatusAccepted, StatusDelivered:
		return true
	}
	return false
}
