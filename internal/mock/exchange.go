// Package mock provides an in-memory core.IExchange and core.IStreamHub
// pair for end-to-end scenario tests (spec §8): a single test can drive a
// full AccountRuntime through order placement, fills, price moves and
// wallet changes without a network call.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_maker/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange is an in-memory core.IExchange. Market orders fill immediately
// against the symbol's last-set ticker price; limit orders rest as "New"
// until the test calls Fill to simulate a match, mirroring how the real
// exchange's REST acknowledgement and its stream fill notification are two
// separate events.
type Exchange struct {
	name string

	mu             sync.Mutex
	orders         map[string]*core.Order // keyed by OrderID
	clientOrderMap map[string]string       // ClientOID -> OrderID
	orderSeq       int64

	tickers   map[string]core.Ticker
	klines    map[string][]core.Kline
	wallet    core.WalletSnapshot
	positions map[string]map[core.Side]core.PositionSnapshot

	leverage     map[string]int64
	positionMode map[string]bool

	priceDecimals    map[string]int
	quantityDecimals map[string]int
}

func NewExchange(name string) *Exchange {
	return &Exchange{
		name:             name,
		orders:           make(map[string]*core.Order),
		clientOrderMap:   make(map[string]string),
		tickers:          make(map[string]core.Ticker),
		klines:           make(map[string][]core.Kline),
		positions:        make(map[string]map[core.Side]core.PositionSnapshot),
		leverage:         make(map[string]int64),
		positionMode:     make(map[string]bool),
		priceDecimals:    make(map[string]int),
		quantityDecimals: make(map[string]int),
	}
}

// --- Test fixture setup ---

func (e *Exchange) SetTicker(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[symbol] = core.Ticker{Symbol: symbol, LastPrice: price, Timestamp: time.Now()}
}

func (e *Exchange) SetKlines(symbol string, klines []core.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[symbol] = klines
}

func (e *Exchange) SetWallet(w core.WalletSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallet = w
}

func (e *Exchange) SetPosition(symbol string, side core.Side, size, avgPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.positions[symbol] == nil {
		e.positions[symbol] = make(map[core.Side]core.PositionSnapshot)
	}
	e.positions[symbol][side] = core.PositionSnapshot{Symbol: symbol, Side: side, Size: size, AvgPrice: avgPrice}
}

func (e *Exchange) SetDecimals(symbol string, priceDecimals, quantityDecimals int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priceDecimals[symbol] = priceDecimals
	e.quantityDecimals[symbol] = quantityDecimals
}

// Fill marks a resting order filled at the given price, for tests
// simulating a limit order match; it does not itself push a stream
// event — pair with StreamHub.PushExecution/PushPosition.
func (e *Exchange) Fill(orderID string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		o.OrderStatus = core.OrderStatusFilled
		o.AvgPrice = price
		o.CumExecQty = o.Qty
	}
}

// --- core.IExchange ---

func (e *Exchange) GetName() string { return e.name }

func (e *Exchange) CheckHealth(ctx context.Context) error { return nil }

func (e *Exchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOID != "" {
		if existingID, exists := e.clientOrderMap[req.ClientOID]; exists {
			return core.PlaceOrderResult{OrderID: existingID, ClientOID: req.ClientOID}, nil
		}
	}

	e.orderSeq++
	orderID := fmt.Sprintf("mock-%d", e.orderSeq)
	clientOID := req.ClientOID
	if clientOID == "" {
		clientOID = uuid.NewString()
	}

	status := core.OrderStatusNew
	avgPrice := req.Price
	cumExecQty := decimal.Zero
	if req.OrderType == core.OrderTypeMarket {
		status = core.OrderStatusFilled
		cumExecQty = req.Qty
		if t, ok := e.tickers[req.Symbol]; ok {
			avgPrice = t.LastPrice
		}
	}

	e.orders[orderID] = &core.Order{
		OrderID:     orderID,
		ClientOID:   clientOID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Price:       req.Price,
		OrderType:   req.OrderType,
		OrderStatus: status,
		ReduceOnly:  req.ReduceOnly,
		PositionIdx: req.PositionIdx,
		CumExecQty:  cumExecQty,
		AvgPrice:    avgPrice,
		CreatedAt:   time.Now(),
	}
	e.clientOrderMap[clientOID] = orderID

	return core.PlaceOrderResult{OrderID: orderID, ClientOID: clientOID}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if o.OrderStatus == core.OrderStatusFilled || o.OrderStatus == core.OrderStatusCancelled {
		return nil
	}
	o.OrderStatus = core.OrderStatusCancelled
	return nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var open []core.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.OrderStatus == core.OrderStatusNew {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (e *Exchange) GetActivePosition(ctx context.Context, symbol string, side core.Side) (core.PositionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bySide, ok := e.positions[symbol]; ok {
		if pos, ok := bySide[side]; ok {
			return pos, nil
		}
	}
	return core.PositionSnapshot{Symbol: symbol, Side: side}, nil
}

func (e *Exchange) GetOrderHistory(ctx context.Context, symbol string, limit int, cursor string) (core.OrderHistoryPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var history []core.HistoricalOrder
	for _, o := range e.orders {
		if o.Symbol != symbol {
			continue
		}
		history = append(history, core.HistoricalOrder{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			PositionIdx: o.PositionIdx,
			OrderStatus: o.OrderStatus,
			ReduceOnly:  o.ReduceOnly,
			CumExecQty:  o.CumExecQty,
			AvgPrice:    o.AvgPrice,
			UpdatedAt:   o.CreatedAt,
		})
		if limit > 0 && len(history) >= limit {
			break
		}
	}
	return core.OrderHistoryPage{Orders: history}, nil
}

func (e *Exchange) GetWallet(ctx context.Context) (core.WalletSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickers[symbol]
	if !ok {
		return core.Ticker{}, fmt.Errorf("no ticker set for %s", symbol)
	}
	return t, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

func (e *Exchange) SetPositionMode(ctx context.Context, symbol string, hedge bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionMode[symbol] = hedge
	return nil
}

func (e *Exchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	klines := e.klines[symbol]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (e *Exchange) GetPriceDecimals(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.priceDecimals[symbol]; ok {
		return d
	}
	return 4
}

func (e *Exchange) GetQuantityDecimals(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.quantityDecimals[symbol]; ok {
		return d
	}
	return 0
}

var _ core.IExchange = (*Exchange)(nil)
