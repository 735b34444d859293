package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/foodworks/orderflow/internal/order/domain"
)

// priceCart resolves cart lines against the catalog and returns the priced
// snapshot plus total. Prices come from the catalog at call time; once an
// order is created from the result the snapshot is frozen.
func (s *Checkout) priceCart(ctx context.Context, lines []domain.CartLine) ([]domain.OrderItem, int64, error) {
	if len(lines) == 0 {
		return nil, 0, ErrInvalidCart
	}

	ids := make([]uuid.UUID, 0, len(lines))
	quantities := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, 0, ErrInvalidCart
		}
		if _, dup := quantities[line.MenuItemID]; dup {
			return nil, 0, ErrInvalidCart
		}
		ids = append(ids, line.MenuItemID)
		quantities[line.MenuItemID] = line.Quantity
	}

	menuItems, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch menu items: %w", err)
	}
	if len(menuItems) != len(lines) {
		return nil, 0, ErrItemUnavailable
	}

	var total int64
	items := make([]domain.OrderItem, 0, len(menuItems))
	for _, m := range menuItems {
		if !m.IsAvailable {
			return nil, 0, ErrItemUnavailable
		}
		qty := quantities[m.ID]
		items = append(items, domain.OrderItem{
			MenuItemID: m.ID,
			Name:       m.Name,
			UnitPrice:  m.Price,
			Quantity:   qty,
		})
		total += m.Price * int64(qty)
	}
	return items, total, nil
}

// cartFingerprint is the idempotency key: a digest of the user plus the
// sorted cart contents. Same cart within the TTL collapses to one order.
func cartFingerprint(userID uuid.UUID, lines []domain.CartLine) string {
	sorted := make([]domain.CartLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MenuItemID.String() < sorted[j].MenuItemID.String()
	})

	var sb strings.Builder
	sb.WriteString(userID.String())
	for _, line := range sorted {
		fmt.Fprintf(&sb, ":%s:%d", line.MenuItemID, line.Quantity)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
