package grid

import (
	"context"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/ledger"
	"market_maker/internal/logging"
	"market_maker/internal/order"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchange struct {
	core.IExchange
	nextOrderID int
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	s.nextOrderID++
	return core.PlaceOrderResult{OrderID: "o", ClientOID: req.ClientOID}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (s *stubExchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	return core.Ticker{Symbol: symbol}, nil
}

type stubRisk struct {
	allow     bool
	available decimal.Decimal
	reserve   decimal.Decimal
	panic     bool
}

func (r *stubRisk) CheckReserve(ctx context.Context, symbol string, nextMargin decimal.Decimal) bool {
	return r.allow
}
func (r *stubRisk) IsFrozen() bool                          { return false }
func (r *stubRisk) IsPanicMode() bool                       { return r.panic }
func (r *stubRisk) NotifyCloseEvent(symbol string, side core.Side) {}
func (r *stubRisk) SafetyReserve() decimal.Decimal          { return r.reserve }
func (r *stubRisk) AvailableForTrading() decimal.Decimal    { return r.available }

type stubWallet struct{}

func (stubWallet) Update(core.WalletUpdate) {}

func newTestStrategy(t *testing.T) (*Strategy, core.IPositionLedger) {
	t.Helper()
	l, err := ledger.New(t.TempDir(), 1, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	cfg := Config{
		Symbol:                 "DOGEUSDT",
		Leverage:               10,
		InitialPositionSizeUSD: decimal.NewFromInt(100),
		GridStepPercent:        decimal.NewFromInt(1),
		AveragingMultiplier:    decimal.NewFromInt(2),
		TakeProfitPercent:      decimal.NewFromInt(1),
		MaxGridLevelsPerSide:   20,
		TakerFeePercent:        decimal.NewFromFloat(0.055),
	}
	ex := &stubExchange{}
	tr := order.NewTracker(ex, 0.03, 3, logging.NewLogger(logging.InfoLevel, nil))
	risk := &stubRisk{allow: true, available: decimal.NewFromInt(1000)}

	return NewStrategy(cfg, l, risk, ex, tr, stubWallet{}, logging.NewLogger(logging.InfoLevel, nil)), l
}

func TestAveragingTriggered_LongTriggersOnDrop(t *testing.T) {
	s, _ := newTestStrategy(t)
	avg := decimal.NewFromInt(100)

	// level 0: threshold = avg*(1-0.01)^1 = 99
	assert.True(t, s.averagingTriggered(core.SideLong, avg, decimal.NewFromFloat(98.5), 0))
	assert.False(t, s.averagingTriggered(core.SideLong, avg, decimal.NewFromFloat(99.5), 0))
}

func TestAveragingTriggered_ShortTriggersOnRise(t *testing.T) {
	s, _ := newTestStrategy(t)
	avg := decimal.NewFromInt(100)

	assert.True(t, s.averagingTriggered(core.SideShort, avg, decimal.NewFromFloat(101.5), 0))
	assert.False(t, s.averagingTriggered(core.SideShort, avg, decimal.NewFromFloat(100.5), 0))
}

func TestTakeProfitPrice_LongAddsFeeAdjustedMargin(t *testing.T) {
	s, _ := newTestStrategy(t)
	avg := decimal.NewFromInt(100)

	tp := s.takeProfitPrice(core.SideLong, avg, decimal.NewFromInt(1))
	// tp% = 1, fee_adj = (1*0.055 + 0.055)/100 = 0.0011 -> fraction = 0.0111
	assert.True(t, tp.GreaterThan(decimal.NewFromFloat(101.0)))
	assert.True(t, tp.LessThan(decimal.NewFromFloat(101.2)))
}

func TestTakeProfitPrice_ShortSubtractsFeeAdjustedMargin(t *testing.T) {
	s, _ := newTestStrategy(t)
	avg := decimal.NewFromInt(100)

	tp := s.takeProfitPrice(core.SideShort, avg, decimal.NewFromInt(1))
	assert.True(t, tp.LessThan(decimal.NewFromFloat(99.0)))
}

func TestCoefficientFor_TableLookup(t *testing.T) {
	c, ok := coefficientFor(decimal.NewFromInt(20))
	require.True(t, ok)
	assert.True(t, c.Equal(decimal.NewFromFloat(1.0)))

	c, ok = coefficientFor(decimal.NewFromInt(10))
	require.True(t, ok)
	assert.True(t, c.Equal(decimal.NewFromFloat(0.5)))

	c, ok = coefficientFor(decimal.NewFromInt(5))
	require.True(t, ok)
	assert.True(t, c.Equal(decimal.NewFromFloat(0.25)))

	_, ok = coefficientFor(decimal.NewFromInt(3))
	assert.False(t, ok)
}

func TestOnPositionStream_ClosesSideOnZeroSize(t *testing.T) {
	s, l := newTestStrategy(t)
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o1"))

	s.OnPositionStream(context.Background(), core.SideLong, decimal.Zero, decimal.Zero)

	assert.True(t, l.TotalQty("DOGEUSDT", core.SideLong).IsZero())
}

func TestOnOrder_IgnoresPendingPlaceholder(t *testing.T) {
	s, _ := newTestStrategy(t)
	// Must not panic or attempt to resolve a pending placeholder id.
	s.OnOrder(context.Background(), core.Order{OrderID: core.PendingTPPlaceholder, OrderStatus: core.OrderStatusFilled})
}
