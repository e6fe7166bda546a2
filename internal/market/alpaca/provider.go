package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Provider implements market.Broker for Alpaca.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
}

// Ensure Provider implements the interface
var _ market.Broker = (*Provider)(nil)

// NewProvider returns a new Alpaca provider. The SDK clients pick up
// APCA_API_KEY_ID, APCA_API_SECRET_KEY and APCA_API_BASE_URL from the environment.
func NewProvider() *Provider {
	return &Provider{
		mdClient:    marketdata.NewClient(marketdata.ClientOpts{}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{}),
	}
}

// call runs a blocking SDK call and gives up when ctx ends. The SDK has no
// context support, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, market.Wrap(op, 0, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.v, market.Wrap(op, statusOf(r.err), r.err)
		}
		return r.v, nil
	}
}

func statusOf(err error) int {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// --- Market Data ---

func (p *Provider) Name() string { return "alpaca" }

// LatestPrice returns the last trade price for a symbol.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := call(ctx, "latest trade", func() (*marketdata.Trade, error) {
		return p.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, err
	}
	if trade == nil || trade.Price <= 0 {
		return decimal.Zero, fmt.Errorf("no trade found for %s", symbol)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

func (p *Provider) GetClock(ctx context.Context) (*models.Clock, error) {
	c, err := call(ctx, "clock", p.tradeClient.GetClock)
	if err != nil {
		return nil, err
	}
	return &models.Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// --- Account ---

func (p *Provider) GetAccount(ctx context.Context) (*models.Account, error) {
	a, err := call(ctx, "account", p.tradeClient.GetAccount)
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:               a.ID,
		Currency:         a.Currency,
		Equity:           a.Equity,
		BuyingPower:      a.BuyingPower,
		Cash:             a.Cash,
		IsAccountBlocked: a.AccountBlocked,
	}, nil
}

func (p *Provider) ListPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	alpacaPositions, err := call(ctx, "positions", p.tradeClient.GetPositions)
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(alpacaPositions))
	for _, x := range alpacaPositions {
		result = append(result, mapPosition(x))
	}
	return result, nil
}

// --- Execution ---

// PreviewOrder validates an order without placing it. Alpaca has no preview
// endpoint, so the checks are assembled from asset, quote, account and
// position lookups.
func (p *Provider) PreviewOrder(ctx context.Context, req models.OrderRequest) (*models.OrderPreview, error) {
	symbol := req.Instrument.Symbol

	asset, err := call(ctx, "preview asset", func() (*alpaca.Asset, error) {
		return p.tradeClient.GetAsset(symbol)
	})
	if err != nil {
		return nil, err
	}
	if !asset.Tradable || string(asset.Status) != "active" {
		return nil, &market.BrokerError{Op: "preview", Kind: market.KindRejected, StatusCode: http.StatusUnprocessableEntity,
			Err: fmt.Errorf("%s is not tradable", symbol)}
	}

	price, err := p.LatestPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := decimal.NewFromInt(req.Quantity)
	worst := price
	if req.Type == models.LimitOrder && req.LimitPrice.GreaterThan(worst) && req.Side == models.Buy {
		worst = req.LimitPrice
	}
	preview := &models.OrderPreview{
		Symbol:         symbol,
		EstimatedPrice: price,
		EstimatedCost:  worst.Mul(qty),
	}

	switch req.Side {
	case models.Buy:
		acct, err := p.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		if preview.EstimatedCost.GreaterThan(acct.BuyingPower) {
			return nil, &market.BrokerError{Op: "preview", Kind: market.KindInsufficientFunds, StatusCode: http.StatusForbidden,
				Err: fmt.Errorf("cost $%s exceeds buying power $%s", preview.EstimatedCost.StringFixed(2), acct.BuyingPower.StringFixed(2))}
		}
	case models.Sell:
		pos, err := call(ctx, "preview position", func() (*alpaca.Position, error) {
			return p.tradeClient.GetPosition(symbol)
		})
		if err != nil {
			return nil, err
		}
		if pos.Qty.LessThan(qty) {
			return nil, &market.BrokerError{Op: "preview", Kind: market.KindRejected, StatusCode: http.StatusUnprocessableEntity,
				Err: fmt.Errorf("sell %s exceeds held %s", qty, pos.Qty)}
		}
	}
	return preview, nil
}

func (p *Provider) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	qty := decimal.NewFromInt(req.Quantity)
	side := alpaca.Buy
	if req.Side == models.Sell {
		side = alpaca.Sell
	}
	r := alpaca.PlaceOrderRequest{
		Symbol:        req.Instrument.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == models.LimitOrder {
		limit := req.LimitPrice
		r.Type = alpaca.Limit
		r.LimitPrice = &limit
	}

	o, err := call(ctx, "place order", func() (*alpaca.Order, error) {
		return p.tradeClient.PlaceOrder(r)
	})
	if err != nil {
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := call(ctx, "order status", func() (*alpaca.Order, error) {
		return p.tradeClient.GetOrder(orderID)
	})
	if err != nil {
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) FindOrder(ctx context.Context, clientOrderID string) (*models.Order, error) {
	o, err := call(ctx, "order lookup", func() (*alpaca.Order, error) {
		return p.tradeClient.GetOrderByClientOrderID(clientOrderID)
	})
	if err != nil {
		var be *market.BrokerError
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	orders, err := call(ctx, "open orders", func() ([]alpaca.Order, error) {
		return p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
			Status: "open",
			Limit:  100,
		})
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

func (p *Provider) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, "cancel order", func() (struct{}, error) {
		return struct{}{}, p.tradeClient.CancelOrder(orderID)
	})
	return err
}

// Helpers

func mapPosition(x alpaca.Position) models.BrokerPosition {
	current := decimal.Zero
	if x.CurrentPrice != nil {
		current = *x.CurrentPrice
	}
	marketValue := decimal.Zero
	if x.MarketValue != nil {
		marketValue = *x.MarketValue
	}
	return models.BrokerPosition{
		Symbol:        x.Symbol,
		Qty:           x.Qty,
		AvgEntryPrice: x.AvgEntryPrice,
		CurrentPrice:  current,
		MarketValue:   marketValue,
	}
}

func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}

	var qty decimal.Decimal
	if o.Qty != nil {
		qty = *o.Qty
	}
	var filledAvgPrice decimal.Decimal
	if o.FilledAvgPrice != nil {
		filledAvgPrice = *o.FilledAvgPrice
	}

	return &models.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Qty:            qty,
		FilledQty:      o.FilledQty,
		Type:           string(o.Type),
		Side:           string(o.Side),
		Status:         o.Status,
		FilledAvgPrice: filledAvgPrice,
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
	}
}
