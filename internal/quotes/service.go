package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/retry"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultTTL bounds how long a resolved price is reused.
const DefaultTTL = 60 * time.Second

// Service resolves prices from a primary source, falling back to a secondary
// source, and caches successes per symbol for the TTL.
type Service struct {
	primary  market.PriceSource
	fallback market.PriceSource
	policy   retry.Policy
	ttl      time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]models.PriceQuote
}

// NewService builds a quote service. fallback may be nil.
func NewService(primary, fallback market.PriceSource, policy retry.Policy, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		ttl:      ttl,
		log:      log.With().Str("component", "quotes").Logger(),
		now:      time.Now,
		cache:    make(map[string]models.PriceQuote),
	}
}

// GetPrice returns a fresh quote for symbol. It fails with
// market.ErrQuoteUnavailable only when every source failed; failures are not
// cached.
func (s *Service) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	if q, ok := s.cached(symbol); ok {
		return q, nil
	}

	price, err := s.resolve(ctx, s.primary, symbol)
	if err == nil {
		return s.store(symbol, price, models.SourcePrimary), nil
	}
	primaryErr := err

	if s.fallback == nil {
		return models.PriceQuote{}, fmt.Errorf("%w: %s: %v", market.ErrQuoteUnavailable, symbol, primaryErr)
	}
	s.log.Warn().Err(primaryErr).Str("symbol", symbol).Str("fallback", s.fallback.Name()).Msg("Primary price failed, trying fallback")

	price, err = s.resolve(ctx, s.fallback, symbol)
	if err != nil {
		return models.PriceQuote{}, fmt.Errorf("%w: %s: %v", market.ErrQuoteUnavailable, symbol, errors.Join(primaryErr, err))
	}
	return s.store(symbol, price, models.SourceFallback), nil
}

// Prices resolves every symbol, collecting failures as warnings.
func (s *Service) Prices(ctx context.Context, symbols []string) (map[string]models.PriceQuote, []models.Warning) {
	out := make(map[string]models.PriceQuote, len(symbols))
	var warnings []models.Warning
	for _, sym := range symbols {
		if _, done := out[sym]; done {
			continue
		}
		q, err := s.GetPrice(ctx, sym)
		if err != nil {
			warnings = append(warnings, models.Warning{Symbol: sym, Reason: err.Error()})
			continue
		}
		out[sym] = q
	}
	return out, warnings
}

// Invalidate drops a cached quote.
func (s *Service) Invalidate(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, symbol)
}

// Clear empties the cache.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]models.PriceQuote)
}

func (s *Service) resolve(ctx context.Context, src market.PriceSource, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := s.policy.Do(ctx, src.Name()+" price "+symbol, func(ctx context.Context, _ int) error {
		p, err := src.LatestPrice(ctx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s returned non-positive price %s for %s", src.Name(), price, symbol)
	}
	return price, nil
}

func (s *Service) cached(symbol string) (models.PriceQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.cache[symbol]
	if !ok {
		return models.PriceQuote{}, false
	}
	if q.Expired(s.now(), s.ttl) {
		delete(s.cache, symbol)
		return models.PriceQuote{}, false
	}
	return q, true
}

func (s *Service) store(symbol string, price decimal.Decimal, source models.PriceSource) models.PriceQuote {
	q := models.PriceQuote{
		Symbol:    symbol,
		Price:     price,
		Source:    source,
		Timestamp: s.now(),
	}
	s.mu.Lock()
	s.cache[symbol] = q
	s.mu.Unlock()

	s.log.Debug().Str("symbol", symbol).Str("price", price.String()).Str("source", string(source)).Msg("Price resolved")
	return q
}
