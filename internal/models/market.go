package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a generic order found in any broker.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Type           string          `json:"type"`   // market, limit
	Side           string          `json:"side"`   // buy, sell
	Status         string          `json:"status"` // new, filled, canceled, expired, rejected
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
}

// OrderType is LIMIT or MARKET.
type OrderType string

const (
	LimitOrder  OrderType = "LIMIT"
	MarketOrder OrderType = "MARKET"
)

// OrderRequest is the broker-neutral order payload.
type OrderRequest struct {
	ClientOrderID string
	Instrument    Instrument
	Side          Side
	Quantity      int64
	Type          OrderType
	LimitPrice    decimal.Decimal // zero for market orders
}

// OrderPreview is what the broker reports before an order is placed.
type OrderPreview struct {
	Symbol         string
	EstimatedPrice decimal.Decimal
	EstimatedCost  decimal.Decimal
}

// Account represents the generic account state.
type Account struct {
	ID               string
	Currency         string
	Equity           decimal.Decimal
	BuyingPower      decimal.Decimal
	Cash             decimal.Decimal
	IsAccountBlocked bool
}

// Clock represents the market status.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// BrokerPosition represents a position held at the broker.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
}
