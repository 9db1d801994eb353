package account

import (
	"context"
	"testing"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	core.IExchange
	leverageSet      map[string]int64
	positionModeSet  map[string]bool
	wallet           core.WalletSnapshot
}

func (f *fakeExchange) CheckHealth(ctx context.Context) error { return nil }

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	f.leverageSet[symbol] = leverage
	return nil
}

func (f *fakeExchange) SetPositionMode(ctx context.Context, symbol string, hedge bool) error {
	f.positionModeSet[symbol] = hedge
	return nil
}

func (f *fakeExchange) GetWallet(ctx context.Context) (core.WalletSnapshot, error) {
	return f.wallet, nil
}

func (f *fakeExchange) GetActivePosition(ctx context.Context, symbol string, side core.Side) (core.PositionSnapshot, error) {
	return core.PositionSnapshot{Symbol: symbol, Side: side}, nil
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	return core.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(100)}, nil
}

func (f *fakeExchange) GetOrderHistory(ctx context.Context, symbol string, limit int, cursor string) (core.OrderHistoryPage, error) {
	return core.OrderHistoryPage{}, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	return core.PlaceOrderResult{OrderID: "acct-order"}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

type fakeStreamHub struct {
	privateOpened   bool
	privateClosed   bool
	tickerSubs      map[string]func(core.Ticker)
	unsubscribeCalls int
}

func (f *fakeStreamHub) SubscribeTicker(symbol string, env core.Env, callback func(core.Ticker)) func() {
	if f.tickerSubs == nil {
		f.tickerSubs = make(map[string]func(core.Ticker))
	}
	f.tickerSubs[symbol] = callback
	return func() { f.unsubscribeCalls++ }
}

func (f *fakeStreamHub) OpenPrivate(ctx context.Context, accountID uint16, creds core.Credentials, env core.Env, cbs core.PrivateCallbacks) error {
	f.privateOpened = true
	return nil
}

func (f *fakeStreamHub) ClosePrivate(accountID uint16) error {
	f.privateClosed = true
	return nil
}

func (f *fakeStreamHub) PauseCallbacks(accountID uint16)  {}
func (f *fakeStreamHub) ResumeCallbacks(accountID uint16) {}

func testAccountConfig(dataDir string) (config.AccountConfig, config.SystemConfig) {
	acc := config.DefaultConfig().Accounts[0]
	sys := config.DefaultConfig().System
	sys.DataDir = dataDir
	return acc, sys
}

func TestRuntime_StartWiresPositionModeLeverageAndStream(t *testing.T) {
	accCfg, sysCfg := testAccountConfig(t.TempDir())
	ex := &fakeExchange{leverageSet: map[string]int64{}, positionModeSet: map[string]bool{}, wallet: core.WalletSnapshot{TotalAvailableBalance: decimal.NewFromInt(1000)}}
	hub := &fakeStreamHub{}

	rt, err := New(accCfg, sysCfg, ex, hub, core.Credentials{}, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	assert.Equal(t, int64(75), ex.leverageSet["DOGEUSDT"])
	assert.True(t, ex.positionModeSet["DOGEUSDT"])
	assert.True(t, hub.privateOpened)
	assert.NotNil(t, hub.tickerSubs["DOGEUSDT"])
}

func TestRuntime_TickerCallbackForwardsPriceUnderLock(t *testing.T) {
	accCfg, sysCfg := testAccountConfig(t.TempDir())
	ex := &fakeExchange{leverageSet: map[string]int64{}, positionModeSet: map[string]bool{}, wallet: core.WalletSnapshot{TotalAvailableBalance: decimal.NewFromInt(1000)}}
	hub := &fakeStreamHub{}

	rt, err := New(accCfg, sysCfg, ex, hub, core.Credentials{}, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { rt.Shutdown(context.Background()) })

	cb, ok := hub.tickerSubs["DOGEUSDT"]
	require.True(t, ok)
	assert.NotPanics(t, func() { cb(core.Ticker{Symbol: "DOGEUSDT", LastPrice: decimal.NewFromInt(101)}) })
}

func TestRuntime_ShutdownUnsubscribesAndClosesPrivateStream(t *testing.T) {
	accCfg, sysCfg := testAccountConfig(t.TempDir())
	ex := &fakeExchange{leverageSet: map[string]int64{}, positionModeSet: map[string]bool{}, wallet: core.WalletSnapshot{TotalAvailableBalance: decimal.NewFromInt(1000)}}
	hub := &fakeStreamHub{}

	rt, err := New(accCfg, sysCfg, ex, hub, core.Credentials{}, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown(context.Background())

	assert.True(t, hub.privateClosed)
	assert.Equal(t, 1, hub.unsubscribeCalls)
}
