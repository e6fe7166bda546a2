package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/retry"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockBroker scripts the order API.
type MockBroker struct {
	previewErr   error
	previewPrice decimal.Decimal
	placeErrs    []error // consumed one per attempt
	placeStatus  string
	statuses     []string // returned by successive GetOrder calls
	statusErr    error
	reached      map[string]*models.Order // orders the broker holds despite a failed place
	findErr      error

	previews  int
	places    []models.OrderRequest
	getOrders int
	finds     []string
}

func (m *MockBroker) PreviewOrder(_ context.Context, req models.OrderRequest) (*models.OrderPreview, error) {
	m.previews++
	if m.previewErr != nil {
		return nil, m.previewErr
	}
	price := m.previewPrice
	if price.IsZero() {
		price = req.LimitPrice
	}
	return &models.OrderPreview{Symbol: req.Instrument.Symbol, EstimatedPrice: price, EstimatedCost: price.Mul(decimal.NewFromInt(req.Quantity))}, nil
}

func (m *MockBroker) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	m.places = append(m.places, req)
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	status := m.placeStatus
	if status == "" {
		status = "new"
	}
	return &models.Order{ID: "broker-1", ClientOrderID: req.ClientOrderID, Symbol: req.Instrument.Symbol, Status: status}, nil
}

func (m *MockBroker) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.getOrders++
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	status := "new"
	if len(m.statuses) > 0 {
		status = m.statuses[0]
		m.statuses = m.statuses[1:]
	}
	o := &models.Order{ID: id, Status: status}
	if status == market.BrokerFilled {
		o.FilledAvgPrice = decimal.RequireFromString("100.40")
	}
	return o, nil
}

func (m *MockBroker) FindOrder(_ context.Context, clientOrderID string) (*models.Order, error) {
	m.finds = append(m.finds, clientOrderID)
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.reached[clientOrderID], nil
}

type memLedger struct {
	records []models.TradeRecord
	err     error
}

func (l *memLedger) Append(rec models.TradeRecord) error {
	if l.err != nil {
		return l.err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	l.records = append(l.records, rec)
	return nil
}

func brokerErr(kind market.ErrorKind, code int) error {
	return &market.BrokerError{Op: "test", Kind: kind, StatusCode: code, Err: errors.New("scripted")}
}

func newTestExecutor(b *MockBroker, l *memLedger) *Executor {
	policy := retry.Policy{
		MaxRetries: 3,
		Delay:      time.Second,
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Log:        zerolog.Nop(),
	}
	settings := Settings{
		OrderType:               models.LimitOrder,
		ConservativePriceMargin: 0.01,
		PriceSlippage:           0.02,
		MinOrderAmount:          decimal.NewFromInt(10),
		MaxOrderAmount:          decimal.NewFromInt(50000),
		PollInterval:            time.Second,
		FillTimeout:             5 * time.Second,
	}
	e := New(b, l, policy, settings, "session-test", zerolog.Nop())

	clock := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	e.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("cid-%d", n)
	}
	return e
}

func buyInstruction() models.TradeInstruction {
	return models.TradeInstruction{
		Instrument:  models.Instrument{Symbol: "VTI", Type: models.ETF, Market: models.DefaultMarket},
		Side:        models.Buy,
		Quantity:    10,
		Price:       decimal.NewFromInt(100),
		PriceSource: models.SourcePrimary,
		Rationale:   "new allocation",
	}
}

func TestExecute_DryRunMakesNoCalls(t *testing.T) {
	b := &MockBroker{}
	l := &memLedger{}
	e := newTestExecutor(b, l)

	rec, err := e.Execute(context.Background(), buyInstruction(), true)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSimulated, rec.Status)
	assert.Zero(t, b.previews)
	assert.Empty(t, b.places)
	assert.Zero(t, b.getOrders)
	assert.True(t, rec.Price.Equal(decimal.NewFromInt(101)), "limit price with margin")
	require.Len(t, l.records, 1)
	assert.Equal(t, "session-test", l.records[0].SessionID)
}

func TestExecute_FilledAfterPolling(t *testing.T) {
	b := &MockBroker{statuses: []string{"new", "partially_filled", market.BrokerFilled}}
	l := &memLedger{}
	e := newTestExecutor(b, l)

	rec, err := e.Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFilled, rec.Status)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("100.40")), "fill price recorded")
	assert.Equal(t, 1, b.previews)
	require.Len(t, b.places, 1)
	assert.Equal(t, models.LimitOrder, b.places[0].Type)
	assert.True(t, b.places[0].LimitPrice.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, 3, b.getOrders)
	assert.Len(t, l.records, 1)
}

func TestExecute_ImmediateFillSkipsPolling(t *testing.T) {
	b := &MockBroker{placeStatus: market.BrokerFilled}
	e := newTestExecutor(b, &memLedger{})

	rec, err := e.Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, rec.Status)
	assert.Zero(t, b.getOrders)
}

func TestExecute_TimeoutLeavesSubmitted(t *testing.T) {
	b := &MockBroker{}
	e := newTestExecutor(b, &memLedger{})

	rec, err := e.Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, rec.Status)
	assert.Equal(t, 5, b.getOrders)
}

func TestExecute_CanceledOrderIsRejected(t *testing.T) {
	b := &MockBroker{statuses: []string{market.BrokerCanceled}}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Contains(t, rec.Rationale, "canceled")
}

func TestExecute_InsufficientBuyingPowerRejectsWithoutPlace(t *testing.T) {
	b := &MockBroker{previewErr: brokerErr(market.KindInsufficientFunds, 403)}
	l := &memLedger{}
	rec, err := newTestExecutor(b, l).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Empty(t, b.places)
	require.Len(t, l.records, 1)
	assert.Equal(t, models.StatusRejected, l.records[0].Status)
}

func TestExecute_PreviewSlippageRejects(t *testing.T) {
	b := &MockBroker{previewPrice: decimal.NewFromInt(110)}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Empty(t, b.places)
}

func TestExecute_RetriesPlaceWithFreshClientIDs(t *testing.T) {
	b := &MockBroker{
		placeErrs:   []error{brokerErr(market.KindTransient, 503), brokerErr(market.KindTransient, 429), nil},
		placeStatus: market.BrokerFilled,
	}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFilled, rec.Status)
	require.Len(t, b.places, 3)
	ids := map[string]bool{}
	for _, p := range b.places {
		ids[p.ClientOrderID] = true
	}
	assert.Len(t, ids, 3, "every attempt gets a new client order id")
	assert.Equal(t, b.places[2].ClientOrderID, rec.OrderID)
}

func TestExecute_RetryAdoptsOrderThatReachedBroker(t *testing.T) {
	b := &MockBroker{
		placeErrs: []error{brokerErr(market.KindTransient, 0)},
		reached: map[string]*models.Order{
			"cid-2": {ID: "broker-7", ClientOrderID: "cid-2", Symbol: "VTI", Status: market.BrokerFilled, FilledAvgPrice: decimal.RequireFromString("100.20")},
		},
	}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Len(t, b.places, 1, "the timed-out order is not placed twice")
	assert.Equal(t, []string{"cid-2"}, b.finds)
	assert.Equal(t, models.StatusFilled, rec.Status)
	assert.Equal(t, "cid-2", rec.OrderID)
	assert.Equal(t, "100.2", rec.Price.String())
}

func TestExecute_LookupFailureStillRetries(t *testing.T) {
	b := &MockBroker{
		placeErrs:   []error{brokerErr(market.KindTransient, 503), nil},
		placeStatus: market.BrokerFilled,
		findErr:     brokerErr(market.KindTransient, 503),
	}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Len(t, b.places, 2)
	assert.Len(t, b.finds, 1)
	assert.Equal(t, models.StatusFilled, rec.Status)
}

func TestExecute_ExhaustedRetriesFail(t *testing.T) {
	transient := brokerErr(market.KindTransient, 500)
	b := &MockBroker{placeErrs: []error{transient, transient, transient, transient, transient}}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Len(t, b.places, 4)
}

func TestExecute_PersistentErrorFailsImmediately(t *testing.T) {
	b := &MockBroker{placeErrs: []error{brokerErr(market.KindPersistent, 0)}}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Len(t, b.places, 1)
}

func TestExecute_PlaceRejectionIsRejected(t *testing.T) {
	b := &MockBroker{placeErrs: []error{brokerErr(market.KindRejected, 422)}}
	rec, err := newTestExecutor(b, &memLedger{}).Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
}

func TestExecute_OrderAmountGuards(t *testing.T) {
	b := &MockBroker{}
	e := newTestExecutor(b, &memLedger{})

	small := buyInstruction()
	small.Price = decimal.NewFromFloat(0.5)
	small.Quantity = 1
	rec, err := e.Execute(context.Background(), small, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.NotEmpty(t, rec.OrderID)

	big := buyInstruction()
	big.Quantity = 1000
	rec, err = e.Execute(context.Background(), big, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rec.Status)
	assert.Zero(t, b.previews)
}

func TestExecute_MarketOrderSkipsAdjustment(t *testing.T) {
	b := &MockBroker{placeStatus: market.BrokerFilled, previewPrice: decimal.NewFromInt(100)}
	e := newTestExecutor(b, &memLedger{})
	e.settings.OrderType = models.MarketOrder

	_, err := e.Execute(context.Background(), buyInstruction(), false)
	require.NoError(t, err)
	require.Len(t, b.places, 1)
	assert.Equal(t, models.MarketOrder, b.places[0].Type)
	assert.True(t, b.places[0].LimitPrice.IsZero())
}

func TestExecute_CanceledContextStillCompletes(t *testing.T) {
	b := &MockBroker{placeStatus: market.BrokerFilled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := newTestExecutor(b, &memLedger{}).Execute(ctx, buyInstruction(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, rec.Status)
}

func TestExecute_LedgerFailureSurfaces(t *testing.T) {
	l := &memLedger{err: errors.New("disk full")}
	rec, err := newTestExecutor(&MockBroker{}, l).Execute(context.Background(), buyInstruction(), true)
	require.Error(t, err)
	assert.Equal(t, models.StatusSimulated, rec.Status)
}

func TestLimitPrice(t *testing.T) {
	assert.Equal(t, "101", LimitPrice(models.Buy, decimal.NewFromInt(100), 0.01).String())
	assert.Equal(t, "99", LimitPrice(models.Sell, decimal.NewFromInt(100), 0.01).String())
	assert.Equal(t, "187.04", LimitPrice(models.Buy, decimal.RequireFromString("185.19"), 0.01).String())
	assert.Equal(t, "0.4975", LimitPrice(models.Sell, decimal.RequireFromString("0.5025"), 0.01).String())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatusPending, models.StatusSimulated))
	assert.True(t, CanTransition(models.StatusSubmitted, models.StatusFailed))
	assert.False(t, CanTransition(models.StatusSimulated, models.StatusSubmitted))
	assert.False(t, CanTransition(models.StatusPreviewed, models.StatusSimulated))
	assert.False(t, CanTransition(models.StatusFilled, models.StatusRejected))
}
