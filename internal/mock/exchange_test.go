package mock

import (
	"context"
	"testing"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_IdempotentClientOrderID(t *testing.T) {
	ex := NewExchange("test")
	req := core.PlaceOrderRequest{Symbol: "BTCUSDT", Side: core.OrderSideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeLimit, ClientOID: "client-123"}

	res1, err := ex.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	res2, err := ex.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, res1.OrderID, res2.OrderID)
}

func TestExchange_MarketOrderFillsImmediatelyAtTicker(t *testing.T) {
	ex := NewExchange("test")
	ex.SetTicker("BTCUSDT", decimal.NewFromInt(50000))

	res, err := ex.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeMarket,
	})
	require.NoError(t, err)

	orders, err := ex.GetOrderHistory(context.Background(), "BTCUSDT", 0, "")
	require.NoError(t, err)
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, core.OrderStatusFilled, orders.Orders[0].OrderStatus)
	assert.True(t, orders.Orders[0].AvgPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, res.OrderID, orders.Orders[0].OrderID)
}

func TestExchange_LimitOrderRestsUntilFilled(t *testing.T) {
	ex := NewExchange("test")

	res, err := ex.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeLimit, Price: decimal.NewFromInt(49000),
	})
	require.NoError(t, err)

	open, err := ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	ex.Fill(res.OrderID, decimal.NewFromInt(49000))

	open, err = ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestExchange_CancelOrder(t *testing.T) {
	ex := NewExchange("test")
	res, err := ex.PlaceOrder(context.Background(), core.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeLimit, Price: decimal.NewFromInt(49000),
	})
	require.NoError(t, err)

	require.NoError(t, ex.CancelOrder(context.Background(), "BTCUSDT", res.OrderID))

	open, err := ex.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestExchange_GetActivePositionReturnsSetFixture(t *testing.T) {
	ex := NewExchange("test")
	ex.SetPosition("BTCUSDT", core.SideLong, decimal.NewFromInt(2), decimal.NewFromInt(48000))

	pos, err := ex.GetActivePosition(context.Background(), "BTCUSDT", core.SideLong)
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(48000)))
}

func TestStreamHub_PushTickerDeliversToLiveSubscribersOnly(t *testing.T) {
	hub := NewStreamHub()
	var received []decimal.Decimal

	unsub := hub.SubscribeTicker("BTCUSDT", core.EnvDemo, func(tick core.Ticker) {
		received = append(received, tick.LastPrice)
	})

	hub.PushTicker("BTCUSDT", core.Ticker{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(1)})
	unsub()
	hub.PushTicker("BTCUSDT", core.Ticker{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(2)})

	require.Len(t, received, 1)
	assert.True(t, received[0].Equal(decimal.NewFromInt(1)))
}

func TestStreamHub_PushPositionRoutesToRegisteredAccount(t *testing.T) {
	hub := NewStreamHub()
	var got core.PositionUpdate

	require.NoError(t, hub.OpenPrivate(context.Background(), 7, core.Credentials{}, core.EnvDemo, core.PrivateCallbacks{
		OnPosition: func(u core.PositionUpdate) { got = u },
	}))

	hub.PushPosition(7, core.PositionUpdate{Symbol: "BTCUSDT", Side: core.SideLong, Size: decimal.NewFromInt(1)})

	assert.Equal(t, "BTCUSDT", got.Symbol)
}

func TestStreamHub_PauseCallbacksSuppressesDispatch(t *testing.T) {
	hub := NewStreamHub()
	calls := 0

	require.NoError(t, hub.OpenPrivate(context.Background(), 1, core.Credentials{}, core.EnvDemo, core.PrivateCallbacks{
		OnWallet: func(u core.WalletUpdate) { calls++ },
	}))

	hub.PauseCallbacks(1)
	hub.PushWallet(1, core.WalletUpdate{})
	assert.Equal(t, 0, calls)

	hub.ResumeCallbacks(1)
	hub.PushWallet(1, core.WalletUpdate{})
	assert.Equal(t, 1, calls)
}
