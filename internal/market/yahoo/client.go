package yahoo

import (
	"context"
	"fmt"

	"alpha_rebalancer/internal/market"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// Client serves last prices from Yahoo Finance. It is used as the fallback
// price source when the broker's market data has no trade for a symbol.
type Client struct {
	log zerolog.Logger
}

var _ market.PriceSource = (*Client)(nil)

// NewClient creates a Yahoo Finance price source.
func NewClient(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("component", "yahoo").Logger()}
}

func (c *Client) Name() string { return "yahoo" }

// LatestPrice tries the quote endpoint first (regular, then pre/post market)
// and falls back to the info endpoint.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	type result struct {
		price float64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := lastPrice(symbol)
		ch <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, market.Wrap("yahoo price", 0, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return decimal.Zero, market.Wrap("yahoo price", 0, r.err)
		}
		c.log.Debug().Str("symbol", symbol).Float64("price", r.price).Msg("Fallback price resolved")
		return decimal.NewFromFloat(r.price), nil
	}
}

func lastPrice(symbol string) (float64, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	quote, err := t.Quote()
	if err == nil && quote != nil {
		switch {
		case quote.RegularMarketPrice > 0:
			return quote.RegularMarketPrice, nil
		case quote.PreMarketPrice > 0:
			return quote.PreMarketPrice, nil
		case quote.PostMarketPrice > 0:
			return quote.PostMarketPrice, nil
		}
	}

	info, err := t.Info()
	if err != nil {
		return 0, fmt.Errorf("no price for %s: %w", symbol, err)
	}
	if info != nil {
		if info.CurrentPrice > 0 {
			return info.CurrentPrice, nil
		}
		if info.RegularMarketPreviousClose > 0 {
			return info.RegularMarketPreviousClose, nil
		}
	}
	return 0, fmt.Errorf("no price for %s", symbol)
}
