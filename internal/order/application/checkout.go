// Package application drives the order-and-payment flow: pricing, order
// creation behind the idempotency cache, and the two racing confirmation
// paths (client verification and gateway webhook) that converge on one
// payment outcome through the order store's optimistic lock.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/foodworks/orderflow/internal/order/domain"
)

// Checkout is the transaction engine. All coordination between replicas
// goes through the injected stores; there are no in-process locks.
type Checkout struct {
	orders   OrderRepository
	catalog  CatalogLookup
	cache    IdempotencyCache
	gateway  PaymentGateway
	verifier *SignatureVerifier
	keyID    string
	currency string
	log      *slog.Logger
}

func NewCheckout(
	orders OrderRepository,
	catalog CatalogLookup,
	cache IdempotencyCache,
	gateway PaymentGateway,
	verifier *SignatureVerifier,
	keyID, currency string,
	log *slog.Logger,
) *Checkout {
	return &Checkout{
		orders:   orders,
		catalog:  catalog,
		cache:    cache,
		gateway:  gateway,
		verifier: verifier,
		keyID:    keyID,
		currency: currency,
		log:      log,
	}
}

type InitiateOrderRequest struct {
	UserID uuid.UUID         `json:"user_id"`
	Items  []domain.CartLine `json:"items"`
}

type InitiateOrderResponse struct {
	OrderID        uuid.UUID `json:"order_id"`
	GatewayOrderID string    `json:"gateway_order_id"`
	KeyID          string    `json:"key_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Receipt        string    `json:"receipt"`
}

// InitiateOrder prices the cart, persists a PENDING order and opens the
// remote payment order. Identical carts from the same user within the
// cache TTL return the previously issued response without re-creating.
func (s *Checkout) InitiateOrder(ctx context.Context, req InitiateOrderRequest) (*InitiateOrderResponse, error) {
	items, total, err := s.priceCart(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	fingerprint := cartFingerprint(req.UserID, req.Items)
	return s.checkOrCreate(ctx, fingerprint, func() (*InitiateOrderResponse, error) {
		return s.createOrder(ctx, req.UserID, items, total)
	})
}

// checkOrCreate consults the idempotency cache before running produce and
// caches the result after. Cache misses and cache outages both fall
// through: the cache is a safety net, never a gate on order creation.
// Two producers racing before the first write is a tolerated duplicate.
func (s *Checkout) checkOrCreate(ctx context.Context, fingerprint string, produce func() (*InitiateOrderResponse, error)) (*InitiateOrderResponse, error) {
	var cached InitiateOrderResponse
	found, err := s.cache.GetJSON(ctx, fingerprint, &cached)
	if err != nil {
		s.log.Warn("idempotency cache read failed", "err", err)
	} else if found {
		s.log.Info("returning cached order for duplicate cart", "order_id", cached.OrderID)
		return &cached, nil
	}

	resp, err := produce()
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, fingerprint, resp); err != nil {
		s.log.Warn("idempotency cache write failed", "err", err)
	}
	return resp, nil
}

func (s *Checkout) createOrder(ctx context.Context, userID uuid.UUID, items []domain.OrderItem, total int64) (*InitiateOrderResponse, error) {
	order := domain.NewOrder(userID, items)
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	log := s.log.With("order_id", order.ID, "user_id", userID, "amount", total)

	gatewayOrderID, err := s.gateway.CreatePaymentOrder(ctx, order.ID, userID, total, s.currency)
	if err != nil {
		log.Error("gateway order creation failed", "err", err)
		// The persisted status must stay truthful even when this call
		// fails, so settle the failure before surfacing it.
		payload, _ := json.Marshal(domain.OrderPaymentFailed{
			OrderID: order.ID,
			UserID:  userID,
			Reason:  "gateway unavailable",
		})
		if uerr := s.orders.RecordPaymentOutcome(ctx, order.ID, domain.StatusPaymentFailed, "", order.Version,
			domain.EventOrderPaymentFailed, payload, traceparent(ctx)); uerr != nil {
			log.Error("failed to mark order PAYMENT_FAILED", "err", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if err := s.orders.AttachGatewayOrder(ctx, order.ID, gatewayOrderID, order.Version); err != nil {
		return nil, fmt.Errorf("attach gateway order: %w", err)
	}

	log.Info("order created", "gateway_order_id", gatewayOrderID)
	return &InitiateOrderResponse{
		OrderID:        order.ID,
		GatewayOrderID: gatewayOrderID,
		KeyID:          s.keyID,
		Amount:         total,
		Currency:       s.currency,
		Receipt:        order.ID.String(),
	}, nil
}

type VerifyPaymentRequest struct {
	OrderID          uuid.UUID `json:"order_id"`
	GatewayOrderID   string    `json:"gateway_order_id"`
	GatewayPaymentID string    `json:"gateway_payment_id"`
	Signature        string    `json:"signature"`
}

type VerifyPaymentResponse struct {
	Success bool               `json:"success"`
	OrderID uuid.UUID          `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
	Message string             `json:"message"`
}

// VerifyPayment handles the client-initiated confirmation. A signature
// mismatch is an expected outcome, reported as success=false alongside
// ErrInvalidSignature; it never mutates the order.
func (s *Checkout) VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*VerifyPaymentResponse, error) {
	log := s.log.With("order_id", req.OrderID, "gateway_order_id", req.GatewayOrderID)

	order, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	if order.Status.PaidOrLater() {
		log.Info("order already paid, verification is a no-op")
		return &VerifyPaymentResponse{
			Success: true,
			OrderID: order.ID,
			Status:  order.Status,
			Message: "payment already verified",
		}, nil
	}

	if !s.verifier.VerifyPayment(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		log.Warn("invalid payment signature")
		return &VerifyPaymentResponse{
			Success: false,
			OrderID: order.ID,
			Status:  order.Status,
			Message: "invalid signature",
		}, ErrInvalidSignature
	}

	if !order.Status.CanTransitionTo(domain.StatusPaid) {
		return &VerifyPaymentResponse{
			Success: false,
			OrderID: order.ID,
			Status:  order.Status,
			Message: fmt.Sprintf("order is %s and cannot be paid", order.Status),
		}, ErrInvalidTransition
	}

	payload, _ := json.Marshal(domain.OrderPaid{
		OrderID:          order.ID,
		UserID:           order.UserID,
		GatewayPaymentID: req.GatewayPaymentID,
		TotalAmount:      order.TotalAmount,
	})
	err = s.orders.RecordPaymentOutcome(ctx, order.ID, domain.StatusPaid, req.GatewayPaymentID, order.Version,
		domain.EventOrderPaid, payload, traceparent(ctx))
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// The webhook path may have won the race; converge on the
			// current state instead of failing the client.
			current, gerr := s.orders.GetByID(ctx, req.OrderID)
			if gerr == nil && current.Status.PaidOrLater() {
				return &VerifyPaymentResponse{
					Success: true,
					OrderID: current.ID,
					Status:  current.Status,
					Message: "payment already verified",
				}, nil
			}
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("record payment outcome: %w", err)
	}

	log.Info("payment verified", "gateway_payment_id", req.GatewayPaymentID)
	return &VerifyPaymentResponse{
		Success: true,
		OrderID: order.ID,
		Status:  domain.StatusPaid,
		Message: "payment verified",
	}, nil
}

// GetOrder returns one order. When userID is non-nil the order must belong
// to that user; a mismatch reads as not found rather than leaking
// another user's order.
func (s *Checkout) GetOrder(ctx context.Context, id uuid.UUID, userID *uuid.UUID) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != nil && order.UserID != *userID {
		return nil, ErrNotFound
	}
	return order, nil
}

// ListOrders returns a user's order history, newest first.
func (s *Checkout) ListOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	return s.orders.ListByUser(ctx, userID)
}

// AdvanceFulfillment drives PAID -> ACCEPTED -> DELIVERED. It goes through
// the same state machine and conditional update as the payment paths.
func (s *Checkout) AdvanceFulfillment(ctx context.Context, id uuid.UUID, next domain.OrderStatus) (*domain.Order, error) {
	if next != domain.StatusAccepted && next != domain.StatusDelivered {
		return nil, ErrInvalidTransition
	}

	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status == next {
		return order, nil
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, ErrInvalidTransition
	}

	if err := s.orders.UpdateStatus(ctx, id, next, order.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			current, gerr := s.orders.GetByID(ctx, id)
			if gerr == nil && current.Status == next {
				return current, nil
			}
			return nil, ErrVersionConflict
		}
		return nil, err
	}

	s.log.Info("fulfillment advanced", "order_id", id, "status", next)
	return s.orders.GetByID(ctx, id)
}

// traceparent renders the current span context as a W3C traceparent so the
// outbox relay can hand it to Kafka consumers.
func traceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"]
}
