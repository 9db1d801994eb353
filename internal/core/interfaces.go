// Package core defines the domain types and component interfaces shared
// across the hedge-grid engine.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging contract used throughout the engine.
// Production wiring (cmd/engine) backs it with internal/logging; pkg/logging
// holds a zap-backed implementation that only tests construct.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the command surface of spec §6, implemented per venue
// (only Bybit USDT-linear in this repository).
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	GetActivePosition(ctx context.Context, symbol string, side Side) (PositionSnapshot, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int, cursor string) (OrderHistoryPage, error)
	GetWallet(ctx context.Context) (WalletSnapshot, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	SetLeverage(ctx context.Context, symbol string, leverage int64) error
	SetPositionMode(ctx context.Context, symbol string, hedge bool) error

	// GetKlines returns 1-minute closes newest-last, used by RiskController's ATR.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]Kline, error)

	GetPriceDecimals(symbol string) int
	GetQuantityDecimals(symbol string) int
}

// Kline is a single OHLC candle.
type Kline struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

// IStreamHub is the C2 contract: shared public ticker streams and one
// private stream per account.
type IStreamHub interface {
	SubscribeTicker(symbol string, env Env, callback func(Ticker)) (unsubscribe func())
	OpenPrivate(ctx context.Context, accountID uint16, creds Credentials, env Env, cbs PrivateCallbacks) error
	ClosePrivate(accountID uint16) error
	PauseCallbacks(accountID uint16)
	ResumeCallbacks(accountID uint16)
}

// Env distinguishes demo vs production trading endpoints.
type Env bool

const (
	EnvProduction Env = false
	EnvDemo       Env = true
)

type Credentials struct {
	APIKey    string
	APISecret string
}

// PrivateCallbacks bundles the per-account stream handlers a StreamHub
// dispatches on its private connection.
type PrivateCallbacks struct {
	OnPosition  func(PositionUpdate)
	OnWallet    func(WalletUpdate)
	OnOrder     func(Order)
	OnExecution func(Execution)
}

// IPositionLedger is the C4 contract: the per-symbol, per-side store of
// filled grid entries and their TP tracking, with atomic persistence.
type IPositionLedger interface {
	AddEntry(symbol string, side Side, price, qty decimal.Decimal, level uint32, orderID string) error
	ClearSide(symbol string, side Side)
	TotalQty(symbol string, side Side) decimal.Decimal
	AvgEntry(symbol string, side Side) decimal.Decimal
	GridLevel(symbol string, side Side) uint32
	TotalMargin(symbol string, side Side, price decimal.Decimal, leverage int64) decimal.Decimal

	SetTPID(symbol string, side Side, orderID string)
	GetTPID(symbol string, side Side) string

	SetReferenceQty(symbol string, level uint32, qty decimal.Decimal)
	GetReferenceQty(symbol string, level uint32) (decimal.Decimal, bool)

	SetPendingEntryOrders(symbol string, side Side, orderIDs []string)
	GetPendingEntryOrders(symbol string, side Side) []string

	Snapshot() *AccountState
	Restore(snapshot *AccountState) error
}

// IRiskController is the C8 capability handed to strategies, per the
// cyclic-reference note in spec §9: no back-ownership edge to AccountRuntime.
type IRiskController interface {
	CheckReserve(ctx context.Context, symbol string, nextMargin decimal.Decimal) bool
	IsFrozen() bool
	IsPanicMode() bool
	NotifyCloseEvent(symbol string, side Side)
	SafetyReserve() decimal.Decimal
	AvailableForTrading() decimal.Decimal
}

// IGridStrategy is the C6 contract.
type IGridStrategy interface {
	Symbol() string
	OnPrice(ctx context.Context, price decimal.Decimal)
	OnPositionStream(ctx context.Context, side Side, size, avgPrice decimal.Decimal)
	OnExecution(ctx context.Context, exec Execution)
	OnOrder(ctx context.Context, order Order)
	OnWallet(w WalletUpdate)
}

// IReconciler is the C7 contract.
type IReconciler interface {
	StartupRestore(ctx context.Context) error
	PeriodicSync(ctx context.Context) error
	Start(ctx context.Context)
	Stop()
}
