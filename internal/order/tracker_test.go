package order

import (
	"context"
	"sync"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	core.IExchange

	mu          sync.Mutex
	placed      []core.PlaceOrderRequest
	cancelled   []string
	nextOrderID int
	ticker      decimal.Decimal
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOrderID++
	f.placed = append(f.placed, req)
	return core.PlaceOrderResult{OrderID: string(rune('a' + f.nextOrderID)), ClientOID: req.ClientOID}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	return core.Ticker{Symbol: symbol, LastPrice: f.ticker}, nil
}

func newTestTracker(t *testing.T, ex *fakeExchange) *Tracker {
	t.Helper()
	return NewTracker(ex, 0.03, 3, logging.NewLogger(logging.InfoLevel, nil))
}

func TestTracker_PlaceOffsetsBuyUp(t *testing.T) {
	ex := &fakeExchange{ticker: decimal.NewFromInt(100)}
	tr := newTestTracker(t, ex)

	_, err := tr.Place(context.Background(), "DOGEUSDT", core.OrderSideBuy, 1, decimal.NewFromInt(10), decimal.NewFromInt(100), ReasonInitialEntry)
	require.NoError(t, err)
	require.Len(t, ex.placed, 1)

	req := ex.placed[0]
	assert.Equal(t, core.OrderTypeLimit, req.OrderType)
	assert.True(t, req.Price.GreaterThan(decimal.NewFromInt(100)))
	assert.Equal(t, 1, tr.PendingCount())
}

func TestTracker_PlaceOffsetsSellDown(t *testing.T) {
	ex := &fakeExchange{ticker: decimal.NewFromInt(100)}
	tr := newTestTracker(t, ex)

	_, err := tr.Place(context.Background(), "DOGEUSDT", core.OrderSideSell, 2, decimal.NewFromInt(10), decimal.NewFromInt(100), ReasonAveraging)
	require.NoError(t, err)

	req := ex.placed[0]
	assert.True(t, req.Price.LessThan(decimal.NewFromInt(100)))
}

func TestTracker_OnOrderFillResolvesPending(t *testing.T) {
	ex := &fakeExchange{ticker: decimal.NewFromInt(100)}
	tr := newTestTracker(t, ex)

	orderID, err := tr.Place(context.Background(), "DOGEUSDT", core.OrderSideBuy, 1, decimal.NewFromInt(10), decimal.NewFromInt(100), ReasonInitialEntry)
	require.NoError(t, err)

	tr.OnOrderFill(orderID)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestTracker_TimeoutRetriesThenFallsBackToMarket(t *testing.T) {
	ex := &fakeExchange{ticker: decimal.NewFromInt(100)}
	tr := newTestTracker(t, ex)
	ctx := context.Background()

	orderID, err := tr.Place(ctx, "DOGEUSDT", core.OrderSideBuy, 1, decimal.NewFromInt(10), decimal.NewFromInt(100), ReasonInitialEntry)
	require.NoError(t, err)

	// Drive timeouts directly instead of waiting on the real 10s timer.
	// onTimeout re-places on retry and re-arms a fresh timer each time, so
	// walk the chain of order ids it produces.
	currentID := orderID
	for i := 0; i < 4; i++ {
		tr.mu.Lock()
		_, stillPending := tr.pending[currentID]
		tr.mu.Unlock()
		if !stillPending {
			break
		}
		tr.onTimeout(ctx, currentID)

		tr.mu.Lock()
		var next string
		for id := range tr.pending {
			next = id
		}
		tr.mu.Unlock()
		currentID = next
	}

	assert.GreaterOrEqual(t, len(ex.cancelled), 1)
	// Exhausted retries: a market order should have been placed as fallback.
	foundMarket := false
	for _, req := range ex.placed {
		if req.OrderType == core.OrderTypeMarket {
			foundMarket = true
		}
	}
	assert.True(t, foundMarket, "expected a market fallback order after retries exhausted")
}
