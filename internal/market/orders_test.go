package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBook struct {
	open      []models.Order
	canceled  []string
	cancelErr map[string]error
	sticky    bool // canceled orders stay listed
	listErr   error
}

func (f *fakeBook) ListOpenOrders(context.Context) ([]models.Order, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Order, 0, len(f.open))
	out = append(out, f.open...)
	return out, nil
}

func (f *fakeBook) CancelOrder(_ context.Context, id string) error {
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	f.canceled = append(f.canceled, id)
	if !f.sticky {
		kept := f.open[:0]
		for _, o := range f.open {
			if o.ID != id {
				kept = append(kept, o)
			}
		}
		f.open = kept
	}
	return nil
}

func (f *fakeBook) GetClock(context.Context) (*models.Clock, error) {
	return &models.Clock{IsOpen: true}, nil
}

func TestClearOpenOrders_OnlyMatchingSymbols(t *testing.T) {
	book := &fakeBook{open: []models.Order{
		{ID: "1", Symbol: "VTI"},
		{ID: "2", Symbol: "AAPL"},
		{ID: "3", Symbol: "BND"},
	}}

	n, err := ClearOpenOrders(context.Background(), book, []string{"VTI", "BND"}, 3, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"1", "3"}, book.canceled)
	require.Len(t, book.open, 1)
	assert.Equal(t, "AAPL", book.open[0].Symbol)
}

func TestClearOpenOrders_AllWhenNoSymbols(t *testing.T) {
	book := &fakeBook{open: []models.Order{{ID: "1", Symbol: "VTI"}, {ID: "2", Symbol: "AAPL"}}}

	n, err := ClearOpenOrders(context.Background(), book, nil, 3, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, book.open)
}

func TestClearOpenOrders_NothingOpen(t *testing.T) {
	n, err := ClearOpenOrders(context.Background(), &fakeBook{}, nil, 3, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearOpenOrders_TimesOut(t *testing.T) {
	book := &fakeBook{open: []models.Order{{ID: "1", Symbol: "VTI"}}, sticky: true}

	n, err := ClearOpenOrders(context.Background(), book, nil, 2, time.Millisecond, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "timeout")
}

func TestClearOpenOrders_CancelFailureIsSkipped(t *testing.T) {
	book := &fakeBook{
		open:      []models.Order{{ID: "1", Symbol: "VTI"}},
		cancelErr: map[string]error{"1": errors.New("already filled")},
	}
	n, err := ClearOpenOrders(context.Background(), book, nil, 2, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearOpenOrders_ListFailure(t *testing.T) {
	_, err := ClearOpenOrders(context.Background(), &fakeBook{listErr: errors.New("down")}, nil, 2, time.Millisecond, zerolog.Nop())
	assert.Error(t, err)
}

func TestOrderStates(t *testing.T) {
	assert.True(t, IsFilled(&models.Order{Status: "FILLED"}))
	assert.False(t, IsFilled(nil))
	assert.True(t, IsDead(&models.Order{Status: BrokerExpired}))
	assert.False(t, IsDead(&models.Order{Status: "partially_filled"}))
}
