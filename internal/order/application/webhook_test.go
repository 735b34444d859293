package application

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodworks/orderflow/internal/order/domain"
)

func webhookBody(event, gatewayOrderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(
		`{"entity":"event","event":%q,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":500,"currency":"INR"}}}}`,
		event, paymentID, gatewayOrderID,
	))
}

func signWebhook(body []byte) string {
	return hmacHex(body, testWebhookSecret)
}

func TestWebhookPaymentCaptured(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t, uuid.New(), []domain.CartLine{{MenuItemID: env.itemA, Quantity: 1}})

	body := webhookBody("payment.captured", created.GatewayOrderID, "pay_wh_1")
	err := env.checkout.HandleWebhook(context.Background(), body, signWebhook(body))
	require.NoError(t, err)

	order := env.repo.mustGet(created.OrderID)
	assert.Equal(t, domain.StatusPaid, order.Status)
	assert.Equal(t, "pay_wh_1", order.GatewayPaymentID)
	assert.Equal(t, 3, order.Version)

	audit := env.repo.lastAudit()
	assert.Equal(t, "payment.captured", audit.EventType)
	assert.True(t, audit.SignatureValid)
	require.NotNil(t, audit.OrderID)
	assert.Equal(t, created.OrderID, *audit.OrderID)
	assert.Empty(t, audit.Note)
}

func TestWebhookAfterClientVerificationIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.initiate(t, uuid.New(), []domain.CartLine{{MenuItemID: env.itemA, Quantity: 1}})

	_, err := env.checkout.VerifyPayment(ctx, VerifyPaymentRequest{
		OrderID:          created.OrderID,
		GatewayOrderID:   created.GatewayOrderID,
		GatewayPaymentID: "pay_client",
		Signature:        signPayment(created.GatewayOrderID, "pay_client"),
	})
	require.NoError(t, err)
	versionAfterVerify := env.repo.mustGet(created.OrderID).Version

	body := webhookBody("payment.captured", created.GatewayOrderID, "pay_wh_late")
	require.NoError(t, env.checkout.HandleWebhook(ctx, body, signWebhook(body)))

	// Exactly one of the two racing paths performed the mutation.
	order := env.repo.mustGet(created.OrderID)
	assert.Equal(t, domain.StatusPaid, order.Status)
	assert.Equal(t, "pay_client", order.GatewayPaymentID)
	assert.Equal(t, versionAfterVerify, order.Version)
	assert.Len(t, env.repo.events, 1)
	assert.Equal(t, "already paid", env.repo.lastAudit().Note)
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t, uuid.New(), []domain.CartLine{{MenuItemID: env.itemA, Quantity: 1}})

	body := webhookBody("payment.captured", created.GatewayOrderID, "pay_evil")
	err := env.checkout.HandleWebhook(context.Background(), body, "not-a-signature")
	require.NoError(t, err, "a logged bad signature is still acknowledged")

	order := env.repo.mustGet(created.OrderID)
	assert.Equal(t, domain.StatusAwaitingPayment, order.Status)
	assert.Equal(t, 2, order.Version)

	audit := env.repo.lastAudit()
	assert.False(t, audit.SignatureValid)
	assert.Equal(t, "invalid signature", audit.Note)
}

func TestWebhookMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event": "payment.captured",`)

	err := env.checkout.HandleWebhook(context.Background(), body, signWebhook(body))
	require.NoError(t, err)

	audit := env.repo.lastAudit()
	assert.Equal(t, "parse_error", audit.EventType)
	assert.Equal(t, "parse error", audit.Note)
	assert.True(t, audit.SignatureValid, "the signature covered the raw bytes and was genuine")
}

func TestWebhookUnhandledEvent(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event":"refund.processed","payload":{}}`)

	require.NoError(t, env.checkout.HandleWebhook(context.Background(), body, signWebhook(body)))

	audit := env.repo.lastAudit()
	assert.Equal(t, "refund.processed", audit.EventType)
	assert.Equal(t, "unhandled event", audit.Note)
}

func TestWebhookUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody("payment.captured", "order_from_another_system", "pay_x")

	require.NoError(t, env.checkout.HandleWebhook(context.Background(), body, signWebhook(body)))
	assert.Equal(t, "order not found", env.repo.lastAudit().Note)
}

func TestWebhookPaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	created := env.initiate(t, uuid.New(), []domain.CartLine{{MenuItemID: env.itemA, Quantity: 1}})

	body := webhookBody("payment.failed", created.GatewayOrderID, "pay_wh_f")
	require.NoError(t, env.checkout.HandleWebhook(context.Background(), body, signWebhook(body)))

	order := env.repo.mustGet(created.OrderID)
	assert.Equal(t, domain.StatusPaymentFailed, order.Status)

	require.Len(t, env.repo.events, 1)
	assert.Equal(t, domain.EventOrderPaymentFailed, env.repo.events[0].eventType)
}

func TestWebhookFailureAfterPaidIsConflictLoggedNotApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.initiate(t, uuid.New(), []domain.CartLine{{MenuItemID: env.itemA, Quantity: 1}})

	capture := webhookBody("payment.captured", created.GatewayOrderID, "pay_1")
	require.NoError(t, env.checkout.HandleWebhook(ctx, capture, signWebhook(capture)))

	failed := webhookBody("payment.failed", created.GatewayOrderID, "pay_1")
	require.NoError(t, env.checkout.HandleWebhook(ctx, failed, signWebhook(failed)))

	// Once PAID, nothing reverts the order; the disagreement is on record.
	order := env.repo.mustGet(created.OrderID)
	assert.Equal(t, domain.StatusPaid, order.Status)
	assert.Equal(t, "conflict: failure reported for paid order", env.repo.lastAudit().Note)
}

func TestWebhookMalformedPaymentEntity(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := json.Marshal(map[string]any{"payment": "not-an-object"})
	body := []byte(fmt.Sprintf(`{"event":"payment.captured","payload":%s}`, payload))

	require.NoError(t, env.checkout.HandleWebhook(context.Background(), body, signWebhook(body)))
	assert.Equal(t, "parse error", env.repo.lastAudit().Note)
}
