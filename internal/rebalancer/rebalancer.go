package rebalancer

import (
	"context"
	"fmt"
	"time"

	"alpha_rebalancer/internal/account"
	"alpha_rebalancer/internal/executor"
	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/planner"
	"alpha_rebalancer/internal/quotes"
	"alpha_rebalancer/internal/retry"
	"alpha_rebalancer/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier delivers the run summary.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Options are the pass-level switches.
type Options struct {
	DryRun            bool
	CancelOpenOrders  bool
	RequireMarketOpen bool
	ClearAttempts     int
	ClearInterval     time.Duration
}

// Rebalancer runs snapshot, pricing, planning and execution in strict
// sequence against one brokerage connection.
type Rebalancer struct {
	broker   market.Broker
	quotes   *quotes.Service
	accounts *account.Fetcher
	targets  models.AllocationTarget
	ledger   ledger.Appender
	notifier Notifier
	state    *storage.Store
	policy   retry.Policy
	plan     planner.Settings
	exec     executor.Settings
	opts     Options
	log      zerolog.Logger

	now        func() time.Time
	newSession func() string
	newExec    func(sessionID string) *executor.Executor
}

// RecordTo persists every pass outcome to store.
func (r *Rebalancer) RecordTo(store *storage.Store) {
	r.state = store
}

// Run performs one rebalancing pass. The error is non-nil when the pass could
// not start (market state or account unknowable) or was canceled; the report
// is returned in every case.
//
// Cancellation is honoured only between instructions. Instructions left over
// are listed in Report.NotAttempted.
func (r *Rebalancer) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		SessionID: r.newSession(),
		DryRun:    r.opts.DryRun,
		StartedAt: r.now(),
	}
	log := r.log.With().Str("session", report.SessionID).Bool("dry_run", r.opts.DryRun).Logger()
	log.Info().Int("targets", len(r.targets)).Msg("🔄 Rebalancing pass started")
	for _, tw := range r.targets {
		log.Debug().Str("symbol", tw.Instrument.Symbol).Float64("pct", tw.Percentage).Str("description", tw.Description).Msg("Target")
	}

	r.quotes.Clear()

	if !r.opts.DryRun {
		clock, err := r.marketClock(ctx)
		if err != nil {
			return r.finish(ctx, report, log, fmt.Errorf("market clock: %w", err))
		}
		if clock != nil && !clock.IsOpen {
			report.MarketClosed = true
			report.NextOpen = clock.NextOpen
			log.Warn().Time("next_open", clock.NextOpen).Msg("🔴 Market closed, skipping execution")
			return r.finish(ctx, report, log, nil)
		}
		if err := r.clearOpenOrders(ctx, log); err != nil {
			return r.finish(ctx, report, log, err)
		}
	}

	var snap *models.AccountSnapshot
	err := r.policy.Do(ctx, "account snapshot", func(ctx context.Context, _ int) error {
		s, err := r.accounts.Fetch(ctx)
		snap = s
		return err
	})
	if err != nil {
		return r.finish(ctx, report, log, fmt.Errorf("snapshot: %w", err))
	}
	report.AccountID = snap.AccountID

	prices, warns := r.quotes.Prices(ctx, r.symbols(snap))
	report.Warnings = append(report.Warnings, warns...)

	result := planner.Plan(snap, r.targets, prices, r.plan)
	report.Basis = result.Basis
	report.Planned = result.Instructions
	report.Warnings = append(report.Warnings, result.Warnings...)
	report.Allocations = allocations(snap, r.targets, prices, result.Basis)
	log.Info().
		Str("basis", result.Basis.StringFixed(2)).
		Int("sells", result.Sells()).
		Int("buys", len(result.Instructions)-result.Sells()).
		Int("warnings", len(result.Warnings)).
		Msg("📋 Plan ready")

	exec := r.newExec(report.SessionID)
	for i, inst := range result.Instructions {
		if ctx.Err() != nil {
			report.NotAttempted = result.Instructions[i:]
			log.Warn().Int("remaining", len(report.NotAttempted)).Msg("🛑 Pass canceled between instructions")
			break
		}
		rec, err := exec.Execute(ctx, inst, r.opts.DryRun)
		report.Records = append(report.Records, rec)
		if err != nil {
			report.LedgerErrors++
			report.Warnings = append(report.Warnings, models.Warning{Symbol: inst.Symbol(), Reason: err.Error()})
		}
	}

	if err := ctx.Err(); err != nil {
		return r.finish(ctx, report, log, err)
	}
	if !r.opts.DryRun && len(report.Records) > 0 {
		r.postTrade(ctx, report, log)
	}
	return r.finish(ctx, report, log, nil)
}

func (r *Rebalancer) finish(ctx context.Context, report *Report, log zerolog.Logger, runErr error) (*Report, error) {
	report.FinishedAt = r.now()
	counts := report.Counts()
	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Int("planned", len(report.Planned)).
		Int("filled", counts[models.StatusFilled]).
		Int("submitted", counts[models.StatusSubmitted]).
		Int("simulated", counts[models.StatusSimulated]).
		Int("rejected", counts[models.StatusRejected]).
		Int("failed", counts[models.StatusFailed]).
		Int("not_attempted", len(report.NotAttempted)).
		Int("warnings", len(report.Warnings)).
		Msg("🏁 Rebalancing pass finished")
	for _, w := range report.Warnings {
		log.Warn().Str("symbol", w.Symbol).Msg(w.Reason)
	}

	if r.state != nil {
		if err := r.state.Record(report.RunSummary(runErr)); err != nil {
			log.Warn().Err(err).Msg("Failed to save run state")
		}
	}

	if r.notifier != nil {
		text := report.Summary()
		if runErr != nil {
			text += fmt.Sprintf("❌ Pass aborted: %v\n", runErr)
		}
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := r.notifier.Notify(notifyCtx, text); err != nil {
			log.Warn().Err(err).Msg("Failed to send run notification")
		}
	}
	return report, runErr
}

// marketClock reads the clock when an open market is required. A nil clock
// means the check is disabled.
func (r *Rebalancer) marketClock(ctx context.Context) (*models.Clock, error) {
	if !r.opts.RequireMarketOpen {
		return nil, nil
	}
	var clock *models.Clock
	err := r.policy.Do(ctx, "market clock", func(ctx context.Context, _ int) error {
		c, err := r.broker.GetClock(ctx)
		clock = c
		return err
	})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		return &models.Clock{}, nil
	}
	return clock, nil
}

// postTrade re-reads the account and lists orders still working on symbols
// this pass traded. Failures become warnings.
func (r *Rebalancer) postTrade(ctx context.Context, report *Report, log zerolog.Logger) {
	traded := make(map[string]bool, len(report.Records))
	for _, rec := range report.Records {
		traded[rec.Symbol] = true
	}
	post := &PostTrade{}

	var open []models.Order
	err := r.policy.Do(ctx, "post-pass open orders", func(ctx context.Context, _ int) error {
		o, err := r.broker.ListOpenOrders(ctx)
		open = o
		return err
	})
	if err != nil {
		report.Warnings = append(report.Warnings, models.Warning{Reason: fmt.Sprintf("post-pass open orders: %v", err)})
	}
	for _, o := range open {
		if !traded[o.Symbol] {
			continue
		}
		post.OpenOrders = append(post.OpenOrders, o)
		report.Warnings = append(report.Warnings, models.Warning{Symbol: o.Symbol, Reason: fmt.Sprintf("order %s still %s after pass", o.ID, o.Status)})
	}

	var snap *models.AccountSnapshot
	err = r.policy.Do(ctx, "post-pass snapshot", func(ctx context.Context, _ int) error {
		s, err := r.accounts.Fetch(ctx)
		snap = s
		return err
	})
	if err != nil {
		report.Warnings = append(report.Warnings, models.Warning{Reason: fmt.Sprintf("post-pass snapshot: %v", err)})
	} else {
		post.Cash = snap.AvailableCash
		post.Positions = len(snap.Positions)
	}

	report.Post = post
	log.Info().
		Str("cash", post.Cash.StringFixed(2)).
		Int("positions", post.Positions).
		Int("open_orders", len(post.OpenOrders)).
		Msg("🔎 Post-pass check")
}

// clearOpenOrders cancels working orders that would overlap this pass. With
// liquidation enabled any symbol may trade, so every open order is canceled.
func (r *Rebalancer) clearOpenOrders(ctx context.Context, log zerolog.Logger) error {
	if !r.opts.CancelOpenOrders {
		return nil
	}
	var symbols []string
	if !r.plan.SellExistingPositions {
		symbols = r.targets.Symbols()
	}
	n, err := market.ClearOpenOrders(ctx, r.broker, symbols, r.opts.ClearAttempts, r.opts.ClearInterval, log)
	if err != nil {
		return fmt.Errorf("pre-trade order clearance: %w", err)
	}
	if n > 0 {
		log.Info().Int("canceled", n).Msg("✅ Open orders cleared")
	}
	return nil
}

// symbols lists what needs a price: every target, plus untracked holdings
// when they will be liquidated.
func (r *Rebalancer) symbols(snap *models.AccountSnapshot) []string {
	out := r.targets.Symbols()
	if !r.plan.SellExistingPositions {
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s] = true
	}
	for _, h := range snap.Positions {
		if !seen[h.Symbol] {
			out = append(out, h.Symbol)
		}
	}
	return out
}

func (r *Rebalancer) executor(sessionID string) *executor.Executor {
	return executor.New(r.broker, r.ledger, r.policy, r.exec, sessionID, r.log)
}

func newSessionID() string {
	return time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}
