package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
)

// Broker order states as reported by the order status endpoint.
const (
	BrokerFilled   = "filled"
	BrokerCanceled = "canceled"
	BrokerRejected = "rejected"
	BrokerExpired  = "expired"
)

// IsFilled reports whether the broker considers the order complete.
func IsFilled(o *models.Order) bool {
	return o != nil && strings.EqualFold(o.Status, BrokerFilled)
}

// IsDead reports whether the order ended without a fill.
func IsDead(o *models.Order) bool {
	if o == nil {
		return false
	}
	switch strings.ToLower(o.Status) {
	case BrokerCanceled, BrokerRejected, BrokerExpired:
		return true
	}
	return false
}

// ClearOpenOrders cancels every open order for the given symbols (all open
// orders when symbols is empty) and polls until the broker no longer lists
// them. It gives up after attempts polls spaced by interval.
func ClearOpenOrders(ctx context.Context, book OrderBook, symbols []string, attempts int, interval time.Duration, log zerolog.Logger) (int, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	match := func(o models.Order) bool { return len(wanted) == 0 || wanted[o.Symbol] }

	orders, err := book.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open orders: %w", err)
	}

	canceled := 0
	for _, o := range orders {
		if !match(o) {
			continue
		}
		if err := book.CancelOrder(ctx, o.ID); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("Failed to cancel open order")
			continue
		}
		canceled++
		log.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("🧹 Canceled open order")
	}
	if canceled == 0 {
		return 0, nil
	}

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return canceled, ctx.Err()
		case <-time.After(interval):
		}
		orders, err = book.ListOpenOrders(ctx)
		if err != nil {
			continue
		}
		pending := false
		for _, o := range orders {
			if match(o) {
				pending = true
				break
			}
		}
		if !pending {
			return canceled, nil
		}
	}
	return canceled, fmt.Errorf("timeout waiting for open orders to clear")
}
