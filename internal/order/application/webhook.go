package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foodworks/orderflow/internal/order/domain"
)

const webhookSource = "razorpay"

// webhookEnvelope is the outer gateway event shape.
type webhookEnvelope struct {
	Entity    string          `json:"entity"`
	AccountID string          `json:"account_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// paymentEntity is the payment body nested inside payment.* events.
type paymentEntity struct {
	Payment struct {
		Entity struct {
			ID        string `json:"id"`
			Amount    int64  `json:"amount"`
			Currency  string `json:"currency"`
			Status    string `json:"status"`
			OrderID   string `json:"order_id"`
			ErrorCode string `json:"error_code,omitempty"`
			ErrorDesc string `json:"error_description,omitempty"`
		} `json:"entity"`
	} `json:"payment"`
}

// HandleWebhook processes one gateway-pushed event. Every attempt, valid
// or not, is appended to the audit ledger before this returns; a nil
// return means the attempt was durably recorded and the gateway can be
// acknowledged, even for bad signatures, parse errors and unknown orders.
// A non-nil return means the record could not be written and the gateway
// should retry delivery.
func (s *Checkout) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	log := s.log.With("source", webhookSource)

	// Signature covers the raw bytes; verify before any parsing.
	signatureValid := s.verifier.VerifyWebhook(body, signature)

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Warn("webhook payload is not valid JSON", "err", err)
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      "parse_error",
			Payload:        body,
			SignatureValid: signatureValid,
			Note:           "parse error",
		})
	}

	log = log.With("event", envelope.Event)

	if !signatureValid {
		log.Warn("invalid webhook signature")
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: false,
			Note:           "invalid signature",
		})
	}

	switch envelope.Event {
	case "payment.captured":
		return s.webhookPaymentCaptured(ctx, envelope, body, log)
	case "payment.failed":
		return s.webhookPaymentFailed(ctx, envelope, body, log)
	default:
		// The channel can carry events this system does not own.
		log.Info("ignoring unhandled webhook event")
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			Note:           "unhandled event",
		})
	}
}

func (s *Checkout) webhookPaymentCaptured(ctx context.Context, envelope webhookEnvelope, body []byte, log *slog.Logger) error {
	var data paymentEntity
	if err := json.Unmarshal(envelope.Payload, &data); err != nil {
		log.Warn("malformed payment entity", "err", err)
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			Note:           "parse error",
		})
	}
	payment := data.Payment.Entity
	log = log.With("gateway_order_id", payment.OrderID, "gateway_payment_id", payment.ID)

	order, err := s.orders.GetByGatewayOrderID(ctx, payment.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Possibly an event for an order outside this system.
			log.Warn("no order for webhook")
			return s.audit(ctx, domain.WebhookAudit{
				Source:         webhookSource,
				EventType:      envelope.Event,
				Payload:        body,
				SignatureValid: true,
				Note:           "order not found",
			})
		}
		return fmt.Errorf("lookup order for webhook: %w", err)
	}
	log = log.With("order_id", order.ID)

	if order.Status.PaidOrLater() {
		// The client-verification path won the race. Idempotent success:
		// record the delivery, change nothing.
		log.Info("order already paid, webhook is a no-op")
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			OrderID:        &order.ID,
			Note:           "already paid",
		})
	}

	payload, _ := json.Marshal(domain.OrderPaid{
		OrderID:          order.ID,
		UserID:           order.UserID,
		GatewayPaymentID: payment.ID,
		TotalAmount:      order.TotalAmount,
	})
	err = s.orders.RecordPaymentOutcome(ctx, order.ID, domain.StatusPaid, payment.ID, order.Version,
		domain.EventOrderPaid, payload, traceparent(ctx))
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			current, gerr := s.orders.GetByID(ctx, order.ID)
			if gerr == nil && current.Status.PaidOrLater() {
				log.Info("order paid concurrently, webhook converges")
				return s.audit(ctx, domain.WebhookAudit{
					Source:         webhookSource,
					EventType:      envelope.Event,
					Payload:        body,
					SignatureValid: true,
					OrderID:        &order.ID,
					Note:           "already paid",
				})
			}
			log.Warn("version conflict applying payment.captured")
			return s.audit(ctx, domain.WebhookAudit{
				Source:         webhookSource,
				EventType:      envelope.Event,
				Payload:        body,
				SignatureValid: true,
				OrderID:        &order.ID,
				Note:           "version conflict",
			})
		}
		return fmt.Errorf("apply payment.captured: %w", err)
	}

	log.Info("payment captured via webhook")
	return s.audit(ctx, domain.WebhookAudit{
		Source:         webhookSource,
		EventType:      envelope.Event,
		Payload:        body,
		SignatureValid: true,
		OrderID:        &order.ID,
	})
}

func (s *Checkout) webhookPaymentFailed(ctx context.Context, envelope webhookEnvelope, body []byte, log *slog.Logger) error {
	var data paymentEntity
	if err := json.Unmarshal(envelope.Payload, &data); err != nil {
		log.Warn("malformed payment entity", "err", err)
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			Note:           "parse error",
		})
	}
	payment := data.Payment.Entity
	log = log.With("gateway_order_id", payment.OrderID, "error_code", payment.ErrorCode)

	order, err := s.orders.GetByGatewayOrderID(ctx, payment.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("no order for failed-payment webhook")
			return s.audit(ctx, domain.WebhookAudit{
				Source:         webhookSource,
				EventType:      envelope.Event,
				Payload:        body,
				SignatureValid: true,
				Note:           "order not found",
			})
		}
		return fmt.Errorf("lookup order for webhook: %w", err)
	}
	log = log.With("order_id", order.ID)

	if order.Status.PaidOrLater() {
		// A failure report for an order we already consider paid is a
		// genuine disagreement with the gateway. Never revert; leave a
		// conflict marker for reconciliation.
		log.Warn("payment.failed received for paid order")
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			OrderID:        &order.ID,
			Note:           "conflict: failure reported for paid order",
		})
	}
	if order.Status == domain.StatusPaymentFailed {
		return s.audit(ctx, domain.WebhookAudit{
			Source:         webhookSource,
			EventType:      envelope.Event,
			Payload:        body,
			SignatureValid: true,
			OrderID:        &order.ID,
			Note:           "already failed",
		})
	}

	reason := payment.ErrorDesc
	if reason == "" {
		reason = "payment failed"
	}
	payload, _ := json.Marshal(domain.OrderPaymentFailed{
		OrderID: order.ID,
		UserID:  order.UserID,
		Reason:  reason,
	})
	err = s.orders.RecordPaymentOutcome(ctx, order.ID, domain.StatusPaymentFailed, "", order.Version,
		domain.EventOrderPaymentFailed, payload, traceparent(ctx))
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			log.Warn("version conflict applying payment.failed")
			return s.audit(ctx, domain.WebhookAudit{
				Source:         webhookSource,
				EventType:      envelope.Event,
				Payload:        body,
				SignatureValid: true,
				OrderID:        &order.ID,
				Note:           "version conflict",
			})
		}
		return fmt.Errorf("apply payment.failed: %w", err)
	}

	log.Info("payment failure recorded via webhook")
	return s.audit(ctx, domain.WebhookAudit{
		Source:         webhookSource,
		EventType:      envelope.Event,
		Payload:        body,
		SignatureValid: true,
		OrderID:        &order.ID,
	})
}

// audit appends one webhook attempt to the ledger. The write must land
// before the handler acknowledges the gateway; its failure is the only
// webhook error that propagates.
func (s *Checkout) audit(ctx context.Context, entry domain.WebhookAudit) error {
	if err := s.orders.LogWebhook(ctx, entry); err != nil {
		s.log.Error("webhook audit write failed", "event", entry.EventType, "err", err)
		return fmt.Errorf("log webhook: %w", err)
	}
	return nil
}
