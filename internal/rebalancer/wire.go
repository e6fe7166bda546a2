package rebalancer

import (
	"fmt"
	"time"

	"alpha_rebalancer/internal/account"
	"alpha_rebalancer/internal/config"
	"alpha_rebalancer/internal/executor"
	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/planner"
	"alpha_rebalancer/internal/quotes"
	"alpha_rebalancer/internal/retry"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Open-order clearance polls every clearInterval, at most clearAttempts times.
const (
	clearAttempts = 10
	clearInterval = time.Second
)

// New wires a Rebalancer from configuration. fallback may be nil; notifier
// may be nil to disable run notifications.
func New(cfg *config.Config, broker market.Broker, fallback market.PriceSource, targets models.AllocationTarget, l ledger.Appender, notifier Notifier, log zerolog.Logger) (*Rebalancer, error) {
	mode, err := planner.ParseMode(cfg.Rebalancing.Mode)
	if err != nil {
		return nil, err
	}
	if err := targets.Validate(); err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}

	log = log.With().Str("component", "rebalancer").Logger()
	policy := PolicyFrom(cfg, log)

	r := &Rebalancer{
		broker:   broker,
		quotes:   quotes.NewService(broker, fallback, policy, cfg.API.QuoteCacheTTL.Duration(), log),
		accounts: account.NewFetcher(broker, cfg.AccountID, log),
		targets:  targets,
		ledger:   l,
		notifier: notifier,
		policy:   policy,
		plan: planner.Settings{
			Mode:                     mode,
			RebalanceThreshold:       cfg.Rebalancing.RebalanceThreshold,
			MinTradeAmount:           decimal.NewFromFloat(cfg.Rebalancing.MinTradeAmount),
			MaxTradeAmount:           decimal.NewFromFloat(cfg.Rebalancing.MaxTradeAmount),
			IncludeExistingPositions: cfg.Rebalancing.IncludeExistingPositions,
			SellExistingPositions:    cfg.Rebalancing.SellExistingPositions,
			ConservativePriceMargin:  cfg.Trading.ConservativePriceMargin,
			CapBuysToBudget:          cfg.Rebalancing.CapBuysToBudget,
		},
		exec: executor.Settings{
			OrderType:               models.OrderType(cfg.Trading.OrderType),
			ConservativePriceMargin: cfg.Trading.ConservativePriceMargin,
			PriceSlippage:           cfg.Trading.PriceSlippage,
			MinOrderAmount:          decimal.NewFromFloat(cfg.Trading.MinOrderAmount),
			MaxOrderAmount:          decimal.NewFromFloat(cfg.Trading.MaxOrderAmount),
			PollInterval:            cfg.Trading.StatusPollInterval.Duration(),
			FillTimeout:             cfg.Trading.FillTimeout.Duration(),
		},
		opts: Options{
			DryRun:            cfg.DryRun,
			CancelOpenOrders:  cfg.Rebalancing.CancelOpenOrders,
			RequireMarketOpen: cfg.Rebalancing.RequireMarketOpen,
			ClearAttempts:     clearAttempts,
			ClearInterval:     clearInterval,
		},
		log:        log,
		now:        time.Now,
		newSession: newSessionID,
	}
	r.newExec = r.executor
	return r, nil
}

// PolicyFrom builds the shared retry policy from api_settings. order_timeout
// bounds each individual call.
func PolicyFrom(cfg *config.Config, log zerolog.Logger) retry.Policy {
	return retry.Policy{
		MaxRetries:  cfg.API.MaxRetries,
		Delay:       cfg.API.RetryDelay.Duration(),
		CallTimeout: cfg.Trading.OrderTimeout.Duration(),
		Pacer:       retry.NewPacer(cfg.API.RateLimitDelay.Duration()),
		Log:         log,
	}
}
