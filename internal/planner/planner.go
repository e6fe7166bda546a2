package planner

import (
	"fmt"
	"strings"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
)

// Mode selects the basis value for target allocations.
type Mode string

const (
	// TotalValue uses cash plus the market value of every held position.
	TotalValue Mode = "TOTAL_VALUE"
	// AvailableCash deploys only the spendable cash.
	AvailableCash Mode = "AVAILABLE_CASH"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case TotalValue, AvailableCash:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown rebalancing mode %q", s)
}

// Rationales attached to instructions.
const (
	ReasonOverweight  = "reduce overweight"
	ReasonLiquidate   = "liquidate untracked position"
	ReasonNew         = "new allocation"
	ReasonUnderweight = "increase underweight"
)

// Settings are the planning knobs.
type Settings struct {
	Mode                     Mode
	RebalanceThreshold       float64 // fractional deviation below which a symbol is left alone
	MinTradeAmount           decimal.Decimal
	MaxTradeAmount           decimal.Decimal // zero means no cap
	IncludeExistingPositions bool
	SellExistingPositions    bool
	ConservativePriceMargin  float64
	CapBuysToBudget          bool
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Mode:                     TotalValue,
		RebalanceThreshold:       0.05,
		MinTradeAmount:           decimal.NewFromInt(100),
		IncludeExistingPositions: true,
		ConservativePriceMargin:  0.01,
		CapBuysToBudget:          true,
	}
}

// Result is the ordered plan plus anything that was skipped.
type Result struct {
	Basis        decimal.Decimal
	Instructions []models.TradeInstruction
	Warnings     []models.Warning
}

// Sells returns the number of SELL instructions.
func (r Result) Sells() int {
	n := 0
	for _, in := range r.Instructions {
		if in.Side == models.Sell {
			n++
		}
	}
	return n
}

var hundred = decimal.NewFromInt(100)

// Plan computes the trades that move the account toward targets. Every SELL
// precedes every BUY; within a side, target order is kept and untracked
// liquidations follow the targeted sells. A missing or non-positive price
// skips only that symbol.
func Plan(snap *models.AccountSnapshot, targets models.AllocationTarget, prices map[string]models.PriceQuote, s Settings) Result {
	var res Result
	res.Basis = basis(snap, prices, s.Mode)

	margin := decimal.NewFromFloat(s.ConservativePriceMargin)
	buyFactor := decimal.NewFromInt(1).Add(margin)
	sellFactor := decimal.NewFromInt(1).Sub(margin)

	var sells, buys []models.TradeInstruction
	targeted := make(map[string]bool, len(targets))

	for _, tw := range targets {
		sym := tw.Instrument.Symbol
		targeted[sym] = true

		quote, ok := prices[sym]
		if !ok || !quote.Price.IsPositive() {
			res.Warnings = append(res.Warnings, models.Warning{Symbol: sym, Reason: "no usable price, symbol skipped"})
			continue
		}
		price := quote.Price

		targetValue := res.Basis.Mul(decimal.NewFromFloat(tw.Percentage)).Div(hundred)
		targetQty := targetValue.Div(price.Mul(buyFactor)).Floor().IntPart()
		if targetQty < 0 {
			targetQty = 0
		}

		var current int64
		if s.IncludeExistingPositions {
			if h, held := snap.Holding(sym); held {
				current = h.Quantity
			}
		}

		inst, warn, ok := instruction(tw.Instrument, quote, current, targetQty, targetValue, s)
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
		}
		if !ok {
			continue
		}
		if inst.Side == models.Sell {
			sells = append(sells, inst)
		} else {
			buys = append(buys, inst)
		}
	}

	if s.SellExistingPositions {
		for _, h := range snap.Positions {
			if targeted[h.Symbol] {
				continue
			}
			instrument := models.Instrument{Symbol: h.Symbol, Type: models.Equity, Market: models.DefaultMarket}
			quote, ok := prices[h.Symbol]
			if !ok || !quote.Price.IsPositive() {
				res.Warnings = append(res.Warnings, models.Warning{Symbol: h.Symbol, Reason: "no usable price, liquidation skipped"})
				continue
			}
			inst, warn, ok := instruction(instrument, quote, h.Quantity, 0, decimal.Zero, s)
			if warn != nil {
				res.Warnings = append(res.Warnings, *warn)
			}
			if ok {
				inst.Rationale = ReasonLiquidate + suffix(inst.Rationale)
				sells = append(sells, inst)
			}
		}
	}

	if s.CapBuysToBudget {
		budget := snap.AvailableCash
		for _, in := range sells {
			budget = budget.Add(in.Notional().Mul(sellFactor))
		}
		var warns []models.Warning
		buys, warns = trimToBudget(buys, budget, buyFactor, s.MinTradeAmount)
		res.Warnings = append(res.Warnings, warns...)
	}

	res.Instructions = append(sells, buys...)
	return res
}

func basis(snap *models.AccountSnapshot, prices map[string]models.PriceQuote, mode Mode) decimal.Decimal {
	if mode == AvailableCash {
		return snap.AvailableCash
	}
	total := snap.TotalCash
	for _, h := range snap.Positions {
		mv := h.MarketValue
		if mv.IsZero() {
			if q, ok := prices[h.Symbol]; ok {
				mv = q.Price.Mul(decimal.NewFromInt(h.Quantity))
			}
		}
		total = total.Add(mv)
	}
	return total
}

// instruction applies the suppression and cap rules to one symbol.
func instruction(instrument models.Instrument, quote models.PriceQuote, current, target int64, targetValue decimal.Decimal, s Settings) (models.TradeInstruction, *models.Warning, bool) {
	delta := target - current
	if delta == 0 {
		return models.TradeInstruction{}, nil, false
	}

	price := quote.Price
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	if price.Mul(decimal.NewFromInt(qty)).LessThan(s.MinTradeAmount) {
		return models.TradeInstruction{}, nil, false
	}

	currentValue := price.Mul(decimal.NewFromInt(current))
	if targetValue.IsPositive() {
		deviation := currentValue.Sub(targetValue).Abs().Div(targetValue)
		if deviation.LessThan(decimal.NewFromFloat(s.RebalanceThreshold)) {
			return models.TradeInstruction{}, nil, false
		}
	}

	side := models.Buy
	reason := ReasonUnderweight
	switch {
	case delta < 0:
		side = models.Sell
		reason = ReasonOverweight
	case current == 0:
		reason = ReasonNew
	}

	if s.MaxTradeAmount.IsPositive() && price.Mul(decimal.NewFromInt(qty)).GreaterThan(s.MaxTradeAmount) {
		capped := s.MaxTradeAmount.Div(price).Floor().IntPart()
		if capped <= 0 {
			return models.TradeInstruction{}, &models.Warning{
				Symbol: instrument.Symbol,
				Reason: fmt.Sprintf("one share at $%s exceeds max trade amount $%s", price.StringFixed(2), s.MaxTradeAmount.StringFixed(2)),
			}, false
		}
		if price.Mul(decimal.NewFromInt(capped)).LessThan(s.MinTradeAmount) {
			return models.TradeInstruction{}, &models.Warning{
				Symbol: instrument.Symbol,
				Reason: fmt.Sprintf("capped trade of %d shares falls below min trade amount $%s", capped, s.MinTradeAmount.StringFixed(2)),
			}, false
		}
		qty = capped
		reason += " (capped)"
	}

	return models.TradeInstruction{
		Instrument:  instrument,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		PriceSource: quote.Source,
		Rationale:   reason,
	}, nil, true
}

// trimToBudget shrinks buys, in order, so their conservative cost fits budget.
// A buy trimmed below minAmount is dropped.
func trimToBudget(buys []models.TradeInstruction, budget, buyFactor, minAmount decimal.Decimal) ([]models.TradeInstruction, []models.Warning) {
	var out []models.TradeInstruction
	var warnings []models.Warning
	for _, in := range buys {
		unit := in.Price.Mul(buyFactor)
		cost := unit.Mul(decimal.NewFromInt(in.Quantity))
		if cost.GreaterThan(budget) {
			affordable := int64(0)
			if budget.IsPositive() {
				affordable = budget.Div(unit).Floor().IntPart()
			}
			if affordable <= 0 {
				warnings = append(warnings, models.Warning{Symbol: in.Symbol(), Reason: fmt.Sprintf("buy of %d skipped, budget exhausted", in.Quantity)})
				continue
			}
			if in.Price.Mul(decimal.NewFromInt(affordable)).LessThan(minAmount) {
				warnings = append(warnings, models.Warning{Symbol: in.Symbol(), Reason: fmt.Sprintf("buy of %d skipped, %d affordable shares fall below min trade amount", in.Quantity, affordable)})
				continue
			}
			warnings = append(warnings, models.Warning{Symbol: in.Symbol(), Reason: fmt.Sprintf("buy trimmed from %d to %d shares to fit budget", in.Quantity, affordable)})
			in.Quantity = affordable
			cost = unit.Mul(decimal.NewFromInt(affordable))
		}
		budget = budget.Sub(cost)
		out = append(out, in)
	}
	return out, warnings
}

func suffix(reason string) string {
	if strings.HasSuffix(reason, " (capped)") {
		return " (capped)"
	}
	return ""
}
