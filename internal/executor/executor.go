package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Settings are the execution knobs from trading_settings.
type Settings struct {
	OrderType               models.OrderType
	ConservativePriceMargin float64
	PriceSlippage           float64         // max preview drift from the reference price, zero disables
	MinOrderAmount          decimal.Decimal // zero disables
	MaxOrderAmount          decimal.Decimal // zero disables
	PollInterval            time.Duration
	FillTimeout             time.Duration // zero skips status polling
}

// Executor drives one instruction at a time through preview, place and
// status polling, and records the outcome in the ledger.
type Executor struct {
	orders    market.OrderAPI
	ledger    ledger.Appender
	policy    retry.Policy
	settings  Settings
	sessionID string
	log       zerolog.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an executor for one rebalancing session.
func New(orders market.OrderAPI, l ledger.Appender, policy retry.Policy, settings Settings, sessionID string, log zerolog.Logger) *Executor {
	return &Executor{
		orders:    orders,
		ledger:    l,
		policy:    policy,
		settings:  settings,
		sessionID: sessionID,
		log:       log.With().Str("component", "executor").Str("session", sessionID).Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
		sleep:     retry.SleepContext,
	}
}

// Execute runs inst to a terminal state and appends the resulting record.
// The returned error is non-nil only when the ledger append failed; broker
// failures are expressed in the record's status.
//
// Once started, an instruction is not interrupted by ctx cancellation.
func (e *Executor) Execute(ctx context.Context, inst models.TradeInstruction, dryRun bool) (models.TradeRecord, error) {
	ctx = context.WithoutCancel(ctx)
	log := e.log.With().Str("symbol", inst.Symbol()).Str("side", string(inst.Side)).Int64("qty", inst.Quantity).Logger()

	o := &order{inst: inst, state: models.StatusPending, price: inst.Price, clientID: e.newID()}
	if dryRun {
		e.simulate(o)
	} else {
		e.run(ctx, o, log)
	}

	rec := o.record(e.sessionID, e.now())
	ev := log.Info()
	if o.state == models.StatusFailed || o.state == models.StatusRejected {
		ev = log.Warn().Str("reason", o.reason)
	}
	ev.Str("status", string(rec.Status)).Str("order_id", rec.OrderID).Str("price", rec.Price.String()).Msg(statusIcon(rec.Status) + " Instruction finished")

	if err := e.ledger.Append(rec); err != nil {
		log.Error().Err(err).Str("order_id", rec.OrderID).Msg("Failed to record trade")
		return rec, fmt.Errorf("ledger append for %s: %w", inst.Symbol(), err)
	}
	return rec, nil
}

func (e *Executor) simulate(o *order) {
	if e.settings.OrderType != models.MarketOrder {
		o.price = LimitPrice(o.inst.Side, o.inst.Price, e.settings.ConservativePriceMargin)
	}
	o.transition(models.StatusSimulated, "dry run")
}

func (e *Executor) run(ctx context.Context, o *order, log zerolog.Logger) {
	inst := o.inst

	if reason := e.guard(inst); reason != "" {
		o.transition(models.StatusRejected, reason)
		return
	}

	req := models.OrderRequest{
		Instrument: inst.Instrument,
		Side:       inst.Side,
		Quantity:   inst.Quantity,
		Type:       e.orderType(),
	}
	if req.Type == models.LimitOrder {
		req.LimitPrice = LimitPrice(inst.Side, inst.Price, e.settings.ConservativePriceMargin)
		o.price = req.LimitPrice
	}

	// Preview
	var preview *models.OrderPreview
	req.ClientOrderID = o.clientID
	err := e.policy.Do(ctx, "preview "+inst.Symbol(), func(ctx context.Context, _ int) error {
		p, err := e.orders.PreviewOrder(ctx, req)
		preview = p
		return err
	})
	if err != nil {
		o.fail(err)
		return
	}
	if reason := e.checkSlippage(inst, preview); reason != "" {
		o.transition(models.StatusRejected, reason)
		return
	}
	o.transition(models.StatusPreviewed, "")
	log.Debug().Str("estimated_price", preview.EstimatedPrice.String()).Str("estimated_cost", preview.EstimatedCost.StringFixed(2)).Msg("Preview accepted")

	// Place, with a fresh client id on every attempt. A failed attempt may
	// still have reached the broker, so it is looked up before the next one.
	var placed *models.Order
	err = e.policy.Do(ctx, "place "+inst.Symbol(), func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if prev := e.findPrevious(ctx, o.clientID, log); prev != nil {
				placed = prev
				return nil
			}
		}
		req.ClientOrderID = e.newID()
		o.clientID = req.ClientOrderID
		log.Debug().Int("attempt", attempt).Str("client_order_id", req.ClientOrderID).Msg("Placing order")
		p, err := e.orders.PlaceOrder(ctx, req)
		placed = p
		return err
	})
	if err == nil && placed == nil {
		err = market.Wrap("place", 0, errors.New("broker returned no order"))
	}
	if err != nil {
		o.fail(err)
		return
	}
	o.transition(models.StatusSubmitted, "")
	log.Info().Str("order_id", placed.ID).Str("client_order_id", o.clientID).Msg("🚀 Order submitted")

	e.monitor(ctx, o, placed, log)
}

// findPrevious returns the order a failed attempt left at the broker, if any.
// A failed lookup is treated as not found.
func (e *Executor) findPrevious(ctx context.Context, clientID string, log zerolog.Logger) *models.Order {
	prev, err := e.orders.FindOrder(ctx, clientID)
	if err != nil {
		log.Warn().Err(err).Str("client_order_id", clientID).Msg("Could not look up previous attempt, placing again")
		return nil
	}
	if prev != nil {
		log.Warn().Str("client_order_id", clientID).Str("order_id", prev.ID).Msg("Previous attempt reached the broker, not placing again")
	}
	return prev
}

// monitor polls the order until it is filled, dies or FillTimeout passes.
// A timeout leaves the order SUBMITTED.
func (e *Executor) monitor(ctx context.Context, o *order, placed *models.Order, log zerolog.Logger) {
	if e.resolve(o, placed) {
		return
	}
	if e.settings.FillTimeout <= 0 {
		return
	}
	interval := e.settings.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := e.now().Add(e.settings.FillTimeout)
	for e.now().Before(deadline) {
		if err := e.sleep(ctx, interval); err != nil {
			return
		}
		var status *models.Order
		err := e.policy.Do(ctx, "status "+o.inst.Symbol(), func(ctx context.Context, _ int) error {
			s, err := e.orders.GetOrder(ctx, placed.ID)
			status = s
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("order_id", placed.ID).Msg("Verification poll failed")
			continue
		}
		if e.resolve(o, status) {
			return
		}
	}
	log.Warn().Str("order_id", placed.ID).Dur("timeout", e.settings.FillTimeout).Msg("⏳ Fill not confirmed before timeout, order left working")
}

// resolve applies a broker order state. It reports whether the order is final.
func (e *Executor) resolve(o *order, status *models.Order) bool {
	switch {
	case market.IsFilled(status):
		if status.FilledAvgPrice.IsPositive() {
			o.price = status.FilledAvgPrice
		}
		o.transition(models.StatusFilled, "")
		return true
	case market.IsDead(status):
		o.transition(models.StatusRejected, "order "+status.Status)
		return true
	}
	return false
}

func (e *Executor) guard(inst models.TradeInstruction) string {
	notional := inst.Notional()
	if e.settings.MinOrderAmount.IsPositive() && notional.LessThan(e.settings.MinOrderAmount) {
		return fmt.Sprintf("order value $%s below min order amount $%s", notional.StringFixed(2), e.settings.MinOrderAmount.StringFixed(2))
	}
	if e.settings.MaxOrderAmount.IsPositive() && notional.GreaterThan(e.settings.MaxOrderAmount) {
		return fmt.Sprintf("order value $%s above max order amount $%s", notional.StringFixed(2), e.settings.MaxOrderAmount.StringFixed(2))
	}
	return ""
}

func (e *Executor) checkSlippage(inst models.TradeInstruction, preview *models.OrderPreview) string {
	if preview == nil || e.settings.PriceSlippage <= 0 || !preview.EstimatedPrice.IsPositive() {
		return ""
	}
	drift := preview.EstimatedPrice.Sub(inst.Price).Abs().Div(inst.Price)
	if drift.GreaterThan(decimal.NewFromFloat(e.settings.PriceSlippage)) {
		return fmt.Sprintf("preview price $%s drifted %s%% from quote $%s",
			preview.EstimatedPrice.StringFixed(2), drift.Mul(decimal.NewFromInt(100)).StringFixed(2), inst.Price.StringFixed(2))
	}
	return ""
}

func (e *Executor) orderType() models.OrderType {
	if e.settings.OrderType == models.MarketOrder {
		return models.MarketOrder
	}
	return models.LimitOrder
}

// LimitPrice applies the conservative margin: up for buys, down for sells.
// Prices are rounded to cents, or to four places below one dollar.
func LimitPrice(side models.Side, quote decimal.Decimal, margin float64) decimal.Decimal {
	m := decimal.NewFromFloat(margin)
	one := decimal.NewFromInt(1)
	var p decimal.Decimal
	if side == models.Buy {
		p = quote.Mul(one.Add(m))
	} else {
		p = quote.Mul(one.Sub(m))
	}
	if p.LessThan(one) {
		return p.Round(4)
	}
	return p.Round(2)
}

func statusIcon(s models.OrderStatus) string {
	switch s {
	case models.StatusFilled:
		return "✅"
	case models.StatusSubmitted:
		return "📨"
	case models.StatusSimulated:
		return "🧪"
	case models.StatusRejected:
		return "⛔"
	}
	return "❌"
}

// classify maps a preview/place error to the terminal state it implies.
func classify(err error) models.OrderStatus {
	switch {
	case errors.Is(err, market.ErrInsufficientBuyingPower), errors.Is(err, market.ErrOrderRejected):
		return models.StatusRejected
	}
	return models.StatusFailed
}
