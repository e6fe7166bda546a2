package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts the legacy lower-case spellings found in old ledgers.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return Buy, nil
	case "SELL", "S":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// OrderStatus covers the full per-instruction lifecycle. Only the terminal
// values are ever written to the ledger.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPreviewed OrderStatus = "PREVIEWED"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusFailed    OrderStatus = "FAILED"
	StatusSimulated OrderStatus = "SIMULATED"
)

// Recordable reports whether the status may appear in a TradeRecord.
func (s OrderStatus) Recordable() bool {
	switch s {
	case StatusSimulated, StatusSubmitted, StatusFilled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// PriceSource tags where a quote came from.
type PriceSource string

const (
	SourcePrimary  PriceSource = "primary"
	SourceFallback PriceSource = "fallback"
)

// InstrumentType is EQUITY or ETF.
type InstrumentType string

const (
	Equity InstrumentType = "EQUITY"
	ETF    InstrumentType = "ETF"
)

// DefaultMarket is used when the target file names no venue.
const DefaultMarket = "US"

// Instrument identifies a tradable symbol.
type Instrument struct {
	Symbol string         `json:"symbol"`
	Type   InstrumentType `json:"instrument_type"`
	Market string         `json:"market"`
}

// PriceQuote is a resolved price for one symbol.
type PriceQuote struct {
	Symbol    string
	Price     decimal.Decimal
	Source    PriceSource
	Timestamp time.Time
}

// IsFallback reports whether the quote was served by the secondary source.
func (q PriceQuote) IsFallback() bool {
	return q.Source == SourceFallback
}

// Expired reports whether the quote is older than ttl at now.
func (q PriceQuote) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.Timestamp) >= ttl
}

// Holding is a whole-share position in the account.
type Holding struct {
	Symbol      string
	Quantity    int64
	MarketValue decimal.Decimal
}

// AccountSnapshot is the account state captured in a single fetch cycle.
// It is read-only for the duration of a rebalancing pass.
type AccountSnapshot struct {
	AccountID     string
	AvailableCash decimal.Decimal
	BuyingPower   decimal.Decimal
	TotalCash     decimal.Decimal
	Positions     []Holding // sorted by symbol
	CapturedAt    time.Time
}

// Holding returns the position for symbol, if any.
func (s *AccountSnapshot) Holding(symbol string) (Holding, bool) {
	i := sort.Search(len(s.Positions), func(i int) bool { return s.Positions[i].Symbol >= symbol })
	if i < len(s.Positions) && s.Positions[i].Symbol == symbol {
		return s.Positions[i], true
	}
	return Holding{}, false
}

// TargetWeight is one row of the allocation model.
type TargetWeight struct {
	Instrument  Instrument
	Percentage  float64
	Description string
}

// AllocationTarget is the ordered allocation model. File order is kept
// because it drives instruction order within a side.
type AllocationTarget []TargetWeight

// Validate checks that every weight is within [0, 100] and symbols are unique.
// The weights are not required to sum to 100.
func (a AllocationTarget) Validate() error {
	seen := make(map[string]bool, len(a))
	for _, w := range a {
		if w.Instrument.Symbol == "" {
			return fmt.Errorf("allocation row with empty symbol")
		}
		if w.Percentage < 0 || w.Percentage > 100 {
			return fmt.Errorf("allocation for %s out of range: %v", w.Instrument.Symbol, w.Percentage)
		}
		if seen[w.Instrument.Symbol] {
			return fmt.Errorf("duplicate allocation for %s", w.Instrument.Symbol)
		}
		seen[w.Instrument.Symbol] = true
	}
	return nil
}

// Total is the sum of all weights.
func (a AllocationTarget) Total() float64 {
	var sum float64
	for _, w := range a {
		sum += w.Percentage
	}
	return sum
}

// Symbols lists the targeted symbols in model order.
func (a AllocationTarget) Symbols() []string {
	out := make([]string, 0, len(a))
	for _, w := range a {
		out = append(out, w.Instrument.Symbol)
	}
	return out
}

// TradeInstruction is a single planned order. It is consumed once.
type TradeInstruction struct {
	Instrument  Instrument
	Side        Side
	Quantity    int64
	Price       decimal.Decimal // reference quote, before any conservative adjustment
	PriceSource PriceSource
	Rationale   string
}

// Symbol is a shortcut for Instrument.Symbol.
func (t TradeInstruction) Symbol() string {
	return t.Instrument.Symbol
}

// Notional is quantity × reference price.
func (t TradeInstruction) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

func (t TradeInstruction) String() string {
	return fmt.Sprintf("%s %d %s @ $%s (%s)", t.Side, t.Quantity, t.Instrument.Symbol, t.Price.StringFixed(2), t.Rationale)
}

// TradeRecord is one ledger row.
type TradeRecord struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  int64
	Price     decimal.Decimal
	Status    OrderStatus
	Timestamp time.Time
	SessionID string
	Rationale string
}

// Validate enforces the ledger schema before a record is written.
func (r TradeRecord) Validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("trade record: missing order id")
	case r.Symbol == "":
		return fmt.Errorf("trade record %s: missing symbol", r.OrderID)
	case r.Side != Buy && r.Side != Sell:
		return fmt.Errorf("trade record %s: invalid side %q", r.OrderID, r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("trade record %s: quantity must be positive", r.OrderID)
	case r.Price.IsNegative():
		return fmt.Errorf("trade record %s: negative price", r.OrderID)
	case !r.Status.Recordable():
		return fmt.Errorf("trade record %s: status %q is not terminal", r.OrderID, r.Status)
	case r.Timestamp.IsZero():
		return fmt.Errorf("trade record %s: missing timestamp", r.OrderID)
	case r.SessionID == "":
		return fmt.Errorf("trade record %s: missing session id", r.OrderID)
	}
	return nil
}

// Warning is a per-symbol or per-instruction problem that did not stop the pass.
type Warning struct {
	Symbol string
	Reason string
}

func (w Warning) String() string {
	if w.Symbol == "" {
		return w.Reason
	}
	return w.Symbol + ": " + w.Reason
}
