// Package order implements LimitOrderTracker (C5): places post-only-offset
// limit entries, retries on timeout, and falls back to a market order after
// repeated failures.
//
// The command-wrapper shape is grounded on this lineage's own order
// executor, without its rate limiting or OTel instrumentation (neither is
// present here); the retry-then-fallback state
// machine itself (timer per in-flight order, resolve-on-fill, cancel+retry
// on timeout, market fallback after N attempts) is new state this package
// adds on top of that shape, since the teacher's executor only retries
// REST-level transient failures and has no concept of a resting order
// timing out unfilled.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_maker/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const trackerTimeout = 10 * time.Second

// Reason labels why a tracked order was placed, surfaced in logs only.
type Reason string

const (
	ReasonInitialEntry Reason = "initial_entry"
	ReasonAveraging    Reason = "averaging"
	ReasonPendingEntry Reason = "pending_entry"
)

// Tracker places post-only-offset limit orders and manages their
// retry/fallback lifecycle. One Tracker is shared by all of an account's
// GridStrategy instances.
type Tracker struct {
	exchange core.IExchange
	logger   core.ILogger

	offsetPercent decimal.Decimal
	maxRetries    int

	mu      sync.Mutex
	pending map[string]*trackedOrder // orderID -> tracker state
	timers  map[string]*time.Timer
}

type trackedOrder struct {
	symbol      string
	side        core.OrderSide
	positionIdx int
	qty         decimal.Decimal
	reduceOnly  bool
	reason      Reason
	attempt     int
	resolved    bool
	onFilled    func(core.Execution)
}

func NewTracker(exchange core.IExchange, offsetPercent float64, maxRetries int, logger core.ILogger) *Tracker {
	return &Tracker{
		exchange:      exchange,
		logger:        logger.WithField("component", "limit_order_tracker"),
		offsetPercent: decimal.NewFromFloat(offsetPercent),
		maxRetries:    maxRetries,
		pending:       make(map[string]*trackedOrder),
		timers:        make(map[string]*time.Timer),
	}
}

// Place computes a post-only-offset limit price from currentPrice (Buy
// shades up, Sell shades down) and submits it. The returned order id is
// also the tracker's internal key; OnOrderFill and the timeout handler look
// orders up by it.
func (t *Tracker) Place(ctx context.Context, symbol string, side core.OrderSide, positionIdx int, qty, currentPrice decimal.Decimal, reason Reason) (string, error) {
	limitPrice := t.offsetPrice(side, currentPrice)

	clientOID := uuid.NewString()
	res, err := t.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		OrderType:   core.OrderTypeLimit,
		Price:       limitPrice,
		PositionIdx: positionIdx,
		ClientOID:   clientOID,
	})
	if err != nil {
		return "", fmt.Errorf("place tracked limit order: %w", err)
	}

	t.mu.Lock()
	t.pending[res.OrderID] = &trackedOrder{
		symbol:      symbol,
		side:        side,
		positionIdx: positionIdx,
		qty:         qty,
		reason:      reason,
	}
	t.timers[res.OrderID] = time.AfterFunc(trackerTimeout, func() {
		t.onTimeout(ctx, res.OrderID)
	})
	t.mu.Unlock()

	t.logger.Info("limit order placed",
		"symbol", symbol, "side", string(side), "order_id", res.OrderID,
		"limit_price", limitPrice.String(), "reason", string(reason))
	return res.OrderID, nil
}

func (t *Tracker) offsetPrice(side core.OrderSide, currentPrice decimal.Decimal) decimal.Decimal {
	offset := t.offsetPercent.Div(decimal.NewFromInt(100))
	if side == core.OrderSideBuy {
		return currentPrice.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return currentPrice.Mul(decimal.NewFromInt(1).Sub(offset))
}

// OnOrderFill must be called by the GridStrategy's order-stream dispatch
// whenever a filled/partially-filled order update arrives; it resolves any
// in-flight tracked order with that id and stops its timeout timer.
func (t *Tracker) OnOrderFill(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.pending[orderID]
	if !ok {
		return
	}
	tracked.resolved = true
	if timer, ok := t.timers[orderID]; ok {
		timer.Stop()
		delete(t.timers, orderID)
	}
	delete(t.pending, orderID)
}

func (t *Tracker) onTimeout(ctx context.Context, orderID string) {
	t.mu.Lock()
	tracked, ok := t.pending[orderID]
	if !ok || tracked.resolved {
		t.mu.Unlock()
		return
	}
	delete(t.pending, orderID)
	delete(t.timers, orderID)
	t.mu.Unlock()

	if err := t.exchange.CancelOrder(ctx, tracked.symbol, orderID); err != nil {
		t.logger.Warn("cancel on timeout failed", "order_id", orderID, "error", err)
	}

	tracked.attempt++
	if tracked.attempt > t.maxRetries {
		t.fallbackToMarket(ctx, tracked)
		return
	}

	ticker, err := t.exchange.GetTicker(ctx, tracked.symbol)
	if err != nil {
		t.logger.Warn("retry re-price fetch failed, falling back to market", "symbol", tracked.symbol, "error", err)
		t.fallbackToMarket(ctx, tracked)
		return
	}

	newID, err := t.Place(ctx, tracked.symbol, tracked.side, tracked.positionIdx, tracked.qty, ticker.LastPrice, tracked.reason)
	if err != nil {
		t.logger.Error("retry placement failed, falling back to market", "symbol", tracked.symbol, "error", err)
		t.fallbackToMarket(ctx, tracked)
		return
	}

	t.mu.Lock()
	if retried, ok := t.pending[newID]; ok {
		retried.attempt = tracked.attempt
	}
	t.mu.Unlock()
}

func (t *Tracker) fallbackToMarket(ctx context.Context, tracked *trackedOrder) {
	t.logger.Warn("limit order exhausted retries, falling back to market",
		"symbol", tracked.symbol, "side", string(tracked.side), "attempts", tracked.attempt)

	_, err := t.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      tracked.symbol,
		Side:        tracked.side,
		Qty:         tracked.qty,
		OrderType:   core.OrderTypeMarket,
		PositionIdx: tracked.positionIdx,
		ReduceOnly:  tracked.reduceOnly,
		ClientOID:   uuid.NewString(),
	})
	if err != nil {
		t.logger.Error("market fallback order failed", "symbol", tracked.symbol, "error", err)
	}
}

// PendingCount reports the number of in-flight tracked orders, for tests
// and diagnostics.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
