// Package idempotency is the short-TTL cart-fingerprint cache in front of
// order creation. It absorbs client retries and double-clicks; it is not a
// correctness mechanism, and callers must treat every failure as a miss.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps entries long enough to swallow a retry burst and short
// enough that re-ordering the same cart later creates a new order.
const DefaultTTL = time.Minute

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) key(fingerprint string) string {
	return "idem:order:" + fingerprint
}

// GetJSON loads the cached value for fingerprint into out. A missing key
// is (false, nil), not an error.
func (s *Store) GetJSON(ctx context.Context, fingerprint string, out any) (bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency get: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("idempotency decode: %w", err)
	}
	return true, nil
}

// SetJSON stores v under fingerprint with the store TTL.
func (s *Store) SetJSON(ctx context.Context, fingerprint string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(fingerprint), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}
