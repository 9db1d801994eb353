package risk

import (
	"context"
	"os"
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/ledger"
	"market_maker/internal/logging"
	"market_maker/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRiskExchange struct {
	core.IExchange
	klines []core.Kline
	ticker decimal.Decimal
	placed []core.PlaceOrderRequest
}

func (f *fakeRiskExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	return f.klines, nil
}

func (f *fakeRiskExchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	return core.Ticker{Symbol: symbol, LastPrice: f.ticker}, nil
}

func (f *fakeRiskExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	f.placed = append(f.placed, req)
	return core.PlaceOrderResult{OrderID: "risk-order"}, nil
}

func (f *fakeRiskExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

type fakeRiskStrategy struct {
	symbol          string
	nextMargin      decimal.Decimal
	cancelledSides  []core.Side
}

func (f *fakeRiskStrategy) Symbol() string { return f.symbol }
func (f *fakeRiskStrategy) NextAveragingMargin(side core.Side) decimal.Decimal { return f.nextMargin }
func (f *fakeRiskStrategy) CancelTakeProfit(ctx context.Context, side core.Side) {
	f.cancelledSides = append(f.cancelledSides, side)
}

func flatKlines(n int, price decimal.Decimal) []core.Kline {
	out := make([]core.Kline, n)
	for i := range out {
		out[i] = core.Kline{Open: price, High: price, Low: price, Close: price}
	}
	return out
}

func newTestController(t *testing.T, ex *fakeRiskExchange) (*Controller, core.IPositionLedger, *wallet.Cache, *fakeRiskStrategy) {
	t.Helper()
	l, err := ledger.New(t.TempDir(), 1, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	w := wallet.New(logging.NewLogger(logging.InfoLevel, nil))
	c := NewController(1, t.TempDir(), ex, w, l, logging.NewLogger(logging.InfoLevel, nil), 90)
	strat := &fakeRiskStrategy{symbol: "DOGEUSDT", nextMargin: decimal.NewFromInt(10)}
	c.RegisterStrategy("DOGEUSDT", 10, strat)
	return c, l, w, strat
}

func TestSafetyReserve_ZeroWhenSidesBalanced(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, l, _, _ := newTestController(t, ex)
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o1"))
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideShort, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o2"))

	reserve := c.recomputeSafetyReserve(context.Background())
	assert.True(t, reserve.IsZero())
}

func TestSafetyReserve_ScalesWithImbalanceAndATR(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, l, _, _ := newTestController(t, ex)
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o1"))

	reserve := c.recomputeSafetyReserve(context.Background())
	// imbalance = 10 coins * 100 = 1000 usd; flat candles -> atr 0 -> gap_buf 0.02
	// safety_factor = 1.0 + 0.10 + 0.02 + 0.05 = 1.17
	assert.True(t, reserve.Equal(decimal.NewFromInt(1000).Mul(decimal.NewFromFloat(1.17))))
}

func TestAvailableForTrading_SubtractsReserveNotInitialMargin(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, _, w, _ := newTestController(t, ex)
	w.Update(core.WalletUpdate{TotalAvailableBalance: decimal.NewFromInt(500), TotalInitialMargin: decimal.NewFromInt(200)})

	c.recomputeSafetyReserve(context.Background())
	assert.True(t, c.AvailableForTrading().Equal(decimal.NewFromInt(500)))
}

func TestCheckReserve_DeniesWhenFrozen(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, _, w, _ := newTestController(t, ex)
	w.Update(core.WalletUpdate{TotalAvailableBalance: decimal.NewFromInt(1)})

	ok := c.CheckReserve(context.Background(), "DOGEUSDT", decimal.NewFromInt(5))
	assert.False(t, ok)
	assert.True(t, c.IsFrozen())
}

func TestCheckReserve_AllowsWhenAmpleBalance(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, _, w, _ := newTestController(t, ex)
	w.Update(core.WalletUpdate{TotalAvailableBalance: decimal.NewFromInt(10000)})

	ok := c.CheckReserve(context.Background(), "DOGEUSDT", decimal.NewFromInt(5))
	assert.True(t, ok)
	assert.False(t, c.IsFrozen())
}

func TestTrendSide_PicksHigherGridLevel(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, l, _, _ := newTestController(t, ex)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.AddEntry("DOGEUSDT", core.SideShort, decimal.NewFromInt(100), decimal.NewFromInt(1), uint32(i), "s"))
	}
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(1), 0, "l"))

	assert.Equal(t, core.SideShort, c.trendSide("DOGEUSDT"))
}

func TestEvaluatePanic_HighMMRateEntersAndCancelsTrendSideTP(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, l, w, strat := newTestController(t, ex)
	w.Update(core.WalletUpdate{TotalAvailableBalance: decimal.NewFromInt(1000), AccountMMRate: decimal.NewFromInt(75)})
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o1"))

	c.evaluatePanic(context.Background())

	assert.True(t, c.IsPanicMode())
	assert.True(t, c.IsFrozen())
	require.Len(t, strat.cancelledSides, 1)
	assert.Equal(t, core.SideLong, strat.cancelledSides[0])
}

func TestCheckEmergencyClose_ClosesPositionsAndWritesFlag(t *testing.T) {
	ex := &fakeRiskExchange{ticker: decimal.NewFromInt(100), klines: flatKlines(25, decimal.NewFromInt(100))}
	c, l, w, _ := newTestController(t, ex)
	w.Update(core.WalletUpdate{TotalAvailableBalance: decimal.NewFromInt(100), AccountMMRate: decimal.NewFromInt(95)})
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(100), decimal.NewFromInt(10), 0, "o1"))

	c.checkEmergencyClose(context.Background())

	assert.True(t, l.TotalQty("DOGEUSDT", core.SideLong).IsZero())
	require.Len(t, ex.placed, 1)
	assert.True(t, ex.placed[0].ReduceOnly)

	_, err := os.Stat(emergencyStopPath(c.dataDir, c.accountID))
	assert.NoError(t, err)
}
