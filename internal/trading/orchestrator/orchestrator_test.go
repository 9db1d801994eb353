package orchestrator

import (
	"context"
	"testing"

	"market_maker/internal/account"
	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	core.IExchange
}

func (f *fakeExchange) CheckHealth(ctx context.Context) error { return nil }

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	return nil
}

func (f *fakeExchange) SetPositionMode(ctx context.Context, symbol string, hedge bool) error {
	return nil
}

func (f *fakeExchange) GetWallet(ctx context.Context) (core.WalletSnapshot, error) {
	return core.WalletSnapshot{TotalAvailableBalance: decimal.NewFromInt(1000)}, nil
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
	return core.PlaceOrderResult{OrderID: "orch-order"}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

type fakeStreamHub struct{}

func (f *fakeStreamHub) SubscribeTicker(symbol string, env core.Env, callback func(core.Ticker)) func() {
	return func() {}
}

func (f *fakeStreamHub) OpenPrivate(ctx context.Context, accountID uint16, creds core.Credentials, env core.Env, cbs core.PrivateCallbacks) error {
	return nil
}

func (f *fakeStreamHub) ClosePrivate(accountID uint16) error { return nil }
func (f *fakeStreamHub) PauseCallbacks(accountID uint16)     {}
func (f *fakeStreamHub) ResumeCallbacks(accountID uint16)    {}

func newTestRuntime(t *testing.T, id uint16) *account.Runtime {
	t.Helper()
	cfg := config.DefaultConfig()
	accCfg := cfg.Accounts[0]
	accCfg.ID = id
	sysCfg := cfg.System
	sysCfg.DataDir = t.TempDir()

	rt, err := account.New(accCfg, sysCfg, &fakeExchange{}, &fakeStreamHub{}, core.Credentials{}, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	return rt
}

func TestOrchestrator_RegisterRejectsDuplicateID(t *testing.T) {
	o := New(logging.NewLogger(logging.InfoLevel, nil))

	require.NoError(t, o.Register(1, newTestRuntime(t, 1)))
	err := o.Register(1, newTestRuntime(t, 1))
	assert.Error(t, err)
}

func TestOrchestrator_StartAllStartsEveryAccount(t *testing.T) {
	o := New(logging.NewLogger(logging.InfoLevel, nil))

	require.NoError(t, o.Register(1, newTestRuntime(t, 1)))
	require.NoError(t, o.Register(2, newTestRuntime(t, 2)))

	err := o.StartAll(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []uint16{1, 2}, o.AccountIDs())

	o.ShutdownAll(context.Background())
}

func TestOrchestrator_AccountIDsPreservesRegistrationOrder(t *testing.T) {
	o := New(logging.NewLogger(logging.InfoLevel, nil))

	require.NoError(t, o.Register(3, newTestRuntime(t, 3)))
	require.NoError(t, o.Register(1, newTestRuntime(t, 1)))
	require.NoError(t, o.Register(2, newTestRuntime(t, 2)))

	assert.Equal(t, []uint16{3, 1, 2}, o.AccountIDs())
}
