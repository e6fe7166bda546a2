package rebalancer

import (
	"fmt"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/storage"

	"github.com/shopspring/decimal"
)

// Report summarises one rebalancing pass.
type Report struct {
	SessionID    string
	DryRun       bool
	StartedAt    time.Time
	FinishedAt   time.Time
	MarketClosed bool
	NextOpen     time.Time

	AccountID    string
	Basis        decimal.Decimal
	Planned      []models.TradeInstruction
	Records      []models.TradeRecord
	NotAttempted []models.TradeInstruction
	Warnings     []models.Warning
	LedgerErrors int

	Allocations []Allocation
	Post        *PostTrade
}

// Allocation compares one symbol's holding with its target before trading.
type Allocation struct {
	Symbol       string
	Description  string
	CurrentValue decimal.Decimal
	TargetValue  decimal.Decimal
	CurrentPct   decimal.Decimal
	TargetPct    decimal.Decimal
}

// Delta is the dollar move needed to reach the target.
func (a Allocation) Delta() decimal.Decimal {
	return a.TargetValue.Sub(a.CurrentValue)
}

// PostTrade is the account as re-read after a live pass.
type PostTrade struct {
	Cash       decimal.Decimal
	Positions  int
	OpenOrders []models.Order
}

// allocations builds the pre-trade table: every target in file order, then
// untracked holdings at a zero target.
func allocations(snap *models.AccountSnapshot, targets models.AllocationTarget, prices map[string]models.PriceQuote, basis decimal.Decimal) []Allocation {
	value := func(sym string) decimal.Decimal {
		h, held := snap.Holding(sym)
		if !held {
			return decimal.Zero
		}
		if q, ok := prices[sym]; ok {
			return q.Price.Mul(decimal.NewFromInt(h.Quantity))
		}
		return h.MarketValue
	}
	pct := func(v decimal.Decimal) decimal.Decimal {
		if !basis.IsPositive() {
			return decimal.Zero
		}
		return v.Div(basis).Mul(decimal.NewFromInt(100))
	}

	out := make([]Allocation, 0, len(targets)+len(snap.Positions))
	targeted := make(map[string]bool, len(targets))
	for _, tw := range targets {
		sym := tw.Instrument.Symbol
		targeted[sym] = true
		cur := value(sym)
		tv := basis.Mul(decimal.NewFromFloat(tw.Percentage)).Div(decimal.NewFromInt(100))
		out = append(out, Allocation{
			Symbol:       sym,
			Description:  tw.Description,
			CurrentValue: cur,
			TargetValue:  tv,
			CurrentPct:   pct(cur),
			TargetPct:    decimal.NewFromFloat(tw.Percentage),
		})
	}
	for _, h := range snap.Positions {
		if targeted[h.Symbol] {
			continue
		}
		cur := value(h.Symbol)
		out = append(out, Allocation{
			Symbol:       h.Symbol,
			CurrentValue: cur,
			CurrentPct:   pct(cur),
		})
	}
	return out
}

// Counts tallies the recorded outcomes by status.
func (r *Report) Counts() map[models.OrderStatus]int {
	out := make(map[models.OrderStatus]int)
	for _, rec := range r.Records {
		out[rec.Status]++
	}
	return out
}

// Traded is the notional of every record the broker accepted or simulated.
func (r *Report) Traded() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range r.Records {
		switch rec.Status {
		case models.StatusFilled, models.StatusSubmitted, models.StatusSimulated:
			total = total.Add(rec.Price.Mul(decimal.NewFromInt(rec.Quantity)))
		}
	}
	return total
}

// RunSummary condenses the report for the state file.
func (r *Report) RunSummary(runErr error) storage.RunSummary {
	counts := make(map[string]int)
	for s, n := range r.Counts() {
		counts[string(s)] = n
	}
	out := storage.RunSummary{
		SessionID:    r.SessionID,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		DryRun:       r.DryRun,
		MarketClosed: r.MarketClosed,
		Planned:      len(r.Planned),
		Counts:       counts,
		NotAttempted: len(r.NotAttempted),
		Warnings:     len(r.Warnings),
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	return out
}

var statusOrder = []models.OrderStatus{
	models.StatusFilled,
	models.StatusSubmitted,
	models.StatusSimulated,
	models.StatusRejected,
	models.StatusFailed,
}

// Summary renders the report as a Markdown message.
func (r *Report) Summary() string {
	var sb strings.Builder

	title := "⚖️ *REBALANCE REPORT*"
	if r.DryRun {
		title = "🧪 *REBALANCE REPORT (DRY RUN)*"
	}
	sb.WriteString(title + "\n")
	sb.WriteString(fmt.Sprintf("Session: `%s`\n", r.SessionID))

	if r.MarketClosed {
		sb.WriteString("Market closed 🔴, no orders placed.\n")
		if !r.NextOpen.IsZero() {
			sb.WriteString(fmt.Sprintf("Next open: %s\n", r.NextOpen.Format("2006-01-02 15:04 MST")))
		}
		return sb.String()
	}

	if r.AccountID != "" {
		sb.WriteString(fmt.Sprintf("Account: %s | Basis: $%s\n", r.AccountID, r.Basis.StringFixed(2)))
	}
	sb.WriteString(fmt.Sprintf("Planned: %d | Executed: %d", len(r.Planned), len(r.Records)))
	if len(r.NotAttempted) > 0 {
		sb.WriteString(fmt.Sprintf(" | Not attempted: %d", len(r.NotAttempted)))
	}
	sb.WriteString("\n")

	counts := r.Counts()
	var parts []string
	for _, s := range statusOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	if len(parts) > 0 {
		sb.WriteString(strings.Join(parts, ", ") + "\n")
	}
	if len(r.Records) > 0 {
		sb.WriteString(fmt.Sprintf("Traded: $%s\n", r.Traded().StringFixed(2)))
	}

	if len(r.Allocations) > 0 {
		sb.WriteString("📊 Allocation (current → target):\n")
		for _, a := range r.Allocations {
			name := a.Symbol
			if a.Description != "" {
				name += " (" + a.Description + ")"
			}
			sb.WriteString(fmt.Sprintf("• %s: $%s (%s%%) → $%s (%s%%), Δ $%s\n",
				name, a.CurrentValue.StringFixed(2), a.CurrentPct.StringFixed(1),
				a.TargetValue.StringFixed(2), a.TargetPct.StringFixed(1), a.Delta().StringFixed(2)))
		}
	}

	for _, rec := range r.Records {
		sb.WriteString(fmt.Sprintf("• %s %d %s @ $%s: %s\n", rec.Side, rec.Quantity, rec.Symbol, rec.Price.StringFixed(2), rec.Status))
	}
	if r.Post != nil {
		sb.WriteString(fmt.Sprintf("🔎 After pass: cash $%s, %d positions, %d open orders\n", r.Post.Cash.StringFixed(2), r.Post.Positions, len(r.Post.OpenOrders)))
		for _, o := range r.Post.OpenOrders {
			sb.WriteString(fmt.Sprintf("• ⏳ %s %s %s still %s\n", o.Side, o.Qty.String(), o.Symbol, o.Status))
		}
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("⚠️ Warnings:\n")
		for _, w := range r.Warnings {
			sb.WriteString("• " + w.String() + "\n")
		}
	}
	if r.LedgerErrors > 0 {
		sb.WriteString(fmt.Sprintf("❌ %d ledger write(s) failed\n", r.LedgerErrors))
	}
	return sb.String()
}
