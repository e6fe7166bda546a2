package market

import (
	"context"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
)

// PriceSource resolves a last price for a symbol. Both the Alpaca market-data
// client and the Yahoo fallback implement it.
type PriceSource interface {
	Name() string
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AccountReader exposes the account state needed for a snapshot.
type AccountReader interface {
	GetAccount(ctx context.Context) (*models.Account, error)
	ListPositions(ctx context.Context) ([]models.BrokerPosition, error)
}

// OrderAPI is the order lifecycle surface used by the executor.
type OrderAPI interface {
	PreviewOrder(ctx context.Context, req models.OrderRequest) (*models.OrderPreview, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	// FindOrder looks an order up by client order id. A nil order with a nil
	// error means the broker never saw it.
	FindOrder(ctx context.Context, clientOrderID string) (*models.Order, error)
}

// OrderBook covers the pre-trade housekeeping calls.
type OrderBook interface {
	ListOpenOrders(ctx context.Context) ([]models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetClock(ctx context.Context) (*models.Clock, error)
}

// Broker is the full capability set of a brokerage connection.
// Interfaces define behavior, so a fake broker can stand in for Alpaca in tests.
type Broker interface {
	PriceSource
	AccountReader
	OrderAPI
	OrderBook
}
