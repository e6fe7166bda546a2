package account

import (
	"context"
	"fmt"
	"sort"
	"time"

	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fetcher captures account snapshots. It does not retry; callers wrap Fetch
// in their own retry policy.
type Fetcher struct {
	api       market.AccountReader
	accountID string
	log       zerolog.Logger
	now       func() time.Time
}

// NewFetcher creates a snapshot fetcher. An empty accountID accepts whatever
// account the credentials resolve to.
func NewFetcher(api market.AccountReader, accountID string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		api:       api,
		accountID: accountID,
		log:       log.With().Str("component", "account").Logger(),
		now:       time.Now,
	}
}

// Fetch returns a complete snapshot or an error wrapping
// market.ErrAccountUnavailable. A partial snapshot is never returned.
func (f *Fetcher) Fetch(ctx context.Context) (*models.AccountSnapshot, error) {
	acct, err := f.api.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: account lookup: %w", market.ErrAccountUnavailable, err)
	}
	if acct == nil || acct.ID == "" {
		return nil, fmt.Errorf("%w: account lookup returned no account", market.ErrAccountUnavailable)
	}
	if f.accountID != "" && acct.ID != f.accountID {
		return nil, fmt.Errorf("%w: credentials resolve to account %s, expected %s", market.ErrAccountUnavailable, acct.ID, f.accountID)
	}
	if acct.IsAccountBlocked {
		return nil, fmt.Errorf("%w: account %s is blocked", market.ErrAccountUnavailable, acct.ID)
	}

	positions, err := f.api.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: position lookup: %w", market.ErrAccountUnavailable, err)
	}

	snap := &models.AccountSnapshot{
		AccountID:     acct.ID,
		AvailableCash: acct.Cash,
		BuyingPower:   acct.BuyingPower,
		TotalCash:     acct.Cash,
		CapturedAt:    f.now().UTC(),
	}
	// Available cash never exceeds what the broker will let us spend.
	if acct.BuyingPower.LessThan(acct.Cash) {
		snap.AvailableCash = acct.BuyingPower
	}
	if snap.AvailableCash.IsNegative() {
		snap.AvailableCash = decimal.Zero
	}

	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			return nil, fmt.Errorf("%w: position without symbol", market.ErrAccountUnavailable)
		}
		if seen[p.Symbol] {
			return nil, fmt.Errorf("%w: duplicate position for %s", market.ErrAccountUnavailable, p.Symbol)
		}
		seen[p.Symbol] = true

		if p.Qty.IsNegative() {
			f.log.Warn().Str("symbol", p.Symbol).Str("qty", p.Qty.String()).Msg("Short position excluded from snapshot")
			continue
		}
		qty := p.Qty.Floor().IntPart()
		if !p.Qty.Equal(p.Qty.Floor()) {
			f.log.Warn().Str("symbol", p.Symbol).Str("qty", p.Qty.String()).Int64("whole", qty).Msg("Fractional shares ignored")
		}
		if qty == 0 {
			continue
		}
		mv := p.MarketValue
		if mv.IsZero() && p.CurrentPrice.IsPositive() {
			mv = p.CurrentPrice.Mul(p.Qty)
		}
		snap.Positions = append(snap.Positions, models.Holding{
			Symbol:      p.Symbol,
			Quantity:    qty,
			MarketValue: mv,
		})
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Symbol < snap.Positions[j].Symbol })

	f.log.Info().
		Str("account", snap.AccountID).
		Str("cash", snap.TotalCash.StringFixed(2)).
		Str("buying_power", snap.BuyingPower.StringFixed(2)).
		Int("positions", len(snap.Positions)).
		Msg("📸 Account snapshot captured")
	return snap, nil
}
