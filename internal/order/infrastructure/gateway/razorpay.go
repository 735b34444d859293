// Package gateway adapts the Razorpay SDK to the engine's PaymentGateway
// port. It is a thin client: one attempt per call, bounded by a timeout,
// with every failure mapped to ErrGatewayUnavailable.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	razorpay "github.com/razorpay/razorpay-go"

	"github.com/foodworks/orderflow/internal/order/application"
)

type Client struct {
	rz      *razorpay.Client
	timeout time.Duration
	log     *slog.Logger
}

func New(keyID, keySecret string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		rz:      razorpay.NewClient(keyID, keySecret),
		timeout: timeout,
		log:     log,
	}
}

// CreatePaymentOrder opens a remote payment order and returns the gateway
// order id. The SDK call is not context-aware, so it runs on its own
// goroutine and the result is abandoned if the deadline passes first; a
// timeout is indistinguishable from the gateway being down.
func (c *Client) CreatePaymentOrder(ctx context.Context, orderID, userID uuid.UUID, amount int64, currency string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data := map[string]interface{}{
		"amount":          amount,
		"currency":        currency,
		"receipt":         orderID.String(),
		"payment_capture": 1,
		"notes": map[string]interface{}{
			"order_id": orderID.String(),
			"user_id":  userID.String(),
		},
	}

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := c.rz.Order.Create(data, nil)
		if err != nil {
			ch <- result{err: err}
			return
		}
		id, ok := body["id"].(string)
		if !ok {
			ch <- result{err: fmt.Errorf("gateway response missing order id")}
			return
		}
		ch <- result{id: id}
	}()

	select {
	case <-ctx.Done():
		c.log.Warn("gateway order creation timed out", "order_id", orderID)
		return "", fmt.Errorf("%w: %v", application.ErrGatewayUnavailable, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("%w: %v", application.ErrGatewayUnavailable, res.err)
		}
		return res.id, nil
	}
}
