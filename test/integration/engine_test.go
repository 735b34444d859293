package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalogpg "github.com/foodworks/orderflow/internal/catalog/infrastructure/postgres"
	"github.com/foodworks/orderflow/internal/order/application"
	"github.com/foodworks/orderflow/internal/order/domain"
	orderpg "github.com/foodworks/orderflow/internal/order/infrastructure/postgres"
	"github.com/foodworks/orderflow/pkg/idempotency"
	"github.com/foodworks/orderflow/pkg/outbox"
)

const (
	keySecret     = "it_key_secret"
	webhookSecret = "it_webhook_secret"
)

// stubGateway stands in for Razorpay; everything else is real.
type stubGateway struct{ calls int }

func (g *stubGateway) CreatePaymentOrder(ctx context.Context, orderID, userID uuid.UUID, amount int64, currency string) (string, error) {
	g.calls++
	return fmt.Sprintf("order_it_%d", g.calls), nil
}

func TestEngineEndToEnd(t *testing.T) {
	if os.Getenv("ORDERFLOW_INTEGRATION") == "" {
		t.Skip("set ORDERFLOW_INTEGRATION to run container-backed tests")
	}

	ctx := context.Background()
	env, err := Setup(ctx)
	require.NoError(t, err)
	defer env.Teardown(ctx)

	pool, err := pgxpool.New(ctx, env.PGURL)
	require.NoError(t, err)
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	itemID := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO menu_items (id, name, price, is_available) VALUES ($1, 'Masala Dosa', 500, TRUE)`,
		itemID)
	require.NoError(t, err)

	redisOpts, err := redis.ParseURL(env.RedisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	log := slog.New(slog.DiscardHandler)
	orders := orderpg.NewRepository(log, pool)
	catalog := catalogpg.NewRepository(log, pool)
	cache := idempotency.NewStore(rdb, idempotency.DefaultTTL)
	gw := &stubGateway{}
	verifier := application.NewSignatureVerifier(keySecret, webhookSecret)
	checkout := application.NewCheckout(orders, catalog, cache, gw, verifier, "rzp_it_key", "INR", log)

	userID := uuid.New()
	lines := []domain.CartLine{{MenuItemID: itemID, Quantity: 2}}

	// Creation is idempotent through the redis cache.
	first, err := checkout.InitiateOrder(ctx, application.InitiateOrderRequest{UserID: userID, Items: lines})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.Amount)

	second, err := checkout.InitiateOrder(ctx, application.InitiateOrderRequest{UserID: userID, Items: lines})
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, gw.calls)

	// A stale-version write is rejected by the store, not merged.
	stored, err := orders.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAwaitingPayment, stored.Status)
	err = orders.UpdateStatus(ctx, first.OrderID, domain.StatusPaymentFailed, stored.Version-1)
	assert.ErrorIs(t, err, application.ErrVersionConflict)

	// Client verification settles the payment and stages the outbox event.
	sig := sign(keySecret, first.GatewayOrderID+"|pay_it_1")
	resp, err := checkout.VerifyPayment(ctx, application.VerifyPaymentRequest{
		OrderID:          first.OrderID,
		GatewayOrderID:   first.GatewayOrderID,
		GatewayPaymentID: "pay_it_1",
		Signature:        sig,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	// Late webhook for the same payment converges without another write.
	body := []byte(fmt.Sprintf(
		`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_it_1","order_id":%q}}}}`,
		first.GatewayOrderID))
	require.NoError(t, checkout.HandleWebhook(ctx, body, sign(webhookSecret, string(body))))

	paid, err := orders.GetByID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)
	assert.Equal(t, "pay_it_1", paid.GatewayPaymentID)

	var auditCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM webhook_audit WHERE order_id = $1`, first.OrderID).Scan(&auditCount))
	assert.Equal(t, 1, auditCount)

	// The staged event reaches Kafka through the relay machinery.
	store := orderpg.NewOutboxStore(log, pool)
	events, err := store.LockBatch(ctx, "it-relay", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderPaid, events[0].Type)

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(env.Brokers...),
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()
	dispatch := outbox.NewDispatcher(log, writer, "order.events")
	require.NoError(t, dispatch.Dispatch(ctx, events[0]))
	require.NoError(t, store.MarkSent(ctx, []int64{events[0].ID}))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     env.Brokers,
		Topic:       "order.events",
		GroupID:     "it-consumer",
		StartOffset: kafkago.FirstOffset,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID.String(), string(msg.Key))
}

func sign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
