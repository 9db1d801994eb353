// Package stream implements core.IStreamHub (C2): one shared public ticker
// connection per environment with ref-counted subscriptions, and one
// private connection per account carrying order/position/wallet/execution
// updates.
// Callback dispatch runs on a bounded worker pool so a slow strategy
// handler cannot stall the WebSocket read loop (spec §4.1).
package stream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/pkg/concurrency"
	"market_maker/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	publicWSURL      = "wss://stream.bybit.com/v5/public/linear"
	publicDemoWSURL  = "wss://stream-demo.bybit.com/v5/public/linear"
	privateWSURL     = "wss://stream.bybit.com/v5/private"
	privateDemoWSURL = "wss://stream-demo.bybit.com/v5/private"
)

type tickerSub struct {
	id       uint64
	callback func(core.Ticker)
}

// publicConn is the shared ticker connection for one environment: every
// symbol any strategy subscribes to multiplexes over this one socket.
type publicConn struct {
	mu   sync.Mutex
	conn *websocket.Client
	subs map[string][]tickerSub // symbol -> subscribers
}

type privateConn struct {
	conn      *websocket.Client
	cbs       core.PrivateCallbacks
	accountID uint16
}

// Hub implements core.IStreamHub against Bybit's v5 WebSocket API.
type Hub struct {
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu          sync.Mutex
	public      map[core.Env]*publicConn
	private     map[uint16]*privateConn
	nextSubID   uint64
}

// NewHub constructs a Hub. All subscriber callbacks run through a single
// bounded dispatch pool shared across environments and accounts.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		logger: logger.WithField("component", "stream_hub"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "stream_dispatch",
			MaxWorkers:  16,
			MaxCapacity: 4096,
		}, logger),
		public:  make(map[core.Env]*publicConn),
		private: make(map[uint16]*privateConn),
	}
}

// SubscribeTicker registers callback for symbol's last-price stream on the
// given environment, opening the shared public connection on first use.
func (h *Hub) SubscribeTicker(symbol string, env core.Env, callback func(core.Ticker)) func() {
	h.mu.Lock()
	pc, ok := h.public[env]
	if !ok {
		pc = h.openPublic(env)
		h.public[env] = pc
	}
	h.nextSubID++
	subID := h.nextSubID
	h.mu.Unlock()

	pc.mu.Lock()
	_, alreadySubscribed := pc.subs[symbol]
	pc.subs[symbol] = append(pc.subs[symbol], tickerSub{id: subID, callback: callback})
	pc.mu.Unlock()

	if !alreadySubscribed {
		pc.conn.Send(map[string]interface{}{"op": "subscribe", "args": []string{"tickers." + symbol}})
	}

	return func() {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		subs := pc.subs[symbol]
		for i, s := range subs {
			if s.id == subID {
				pc.subs[symbol] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(pc.subs[symbol]) == 0 {
			delete(pc.subs, symbol)
			pc.conn.Send(map[string]interface{}{"op": "unsubscribe", "args": []string{"tickers." + symbol}})
		}
	}
}

func (h *Hub) openPublic(env core.Env) *publicConn {
	url := publicWSURL
	if env == core.EnvDemo {
		url = publicDemoWSURL
	}

	pc := &publicConn{subs: make(map[string][]tickerSub)}
	pc.conn = websocket.NewClient(url, func(msg []byte) { h.handlePublicMessage(pc, msg) }, h.logger)
	pc.conn.SetOnConnected(func() {
		pc.mu.Lock()
		symbols := make([]string, 0, len(pc.subs))
		for s := range pc.subs {
			symbols = append(symbols, "tickers."+s)
		}
		pc.mu.Unlock()
		if len(symbols) > 0 {
			pc.conn.Send(map[string]interface{}{"op": "subscribe", "args": symbols})
		}
	})
	pc.conn.Start()
	return pc
}

func (h *Hub) handlePublicMessage(pc *publicConn, msg []byte) {
	var event struct {
		Topic string `json:"topic"`
		TS    int64  `json:"ts"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &event); err != nil {
		return
	}
	if event.Data.Symbol == "" {
		return
	}

	ticker := core.Ticker{Symbol: event.Data.Symbol, Timestamp: time.UnixMilli(event.TS)}
	if p, err := parseDecimal(event.Data.LastPrice); err == nil {
		ticker.LastPrice = p
	}

	pc.mu.Lock()
	subs := append([]tickerSub(nil), pc.subs[event.Data.Symbol]...)
	pc.mu.Unlock()

	for _, s := range subs {
		cb := s.callback
		h.pool.Submit(func() { cb(ticker) })
	}
}

// OpenPrivate opens one authenticated private connection for the account,
// subscribing to order/position/wallet/execution and dispatching updates to
// cbs.
func (h *Hub) OpenPrivate(ctx context.Context, accountID uint16, creds core.Credentials, env core.Env, cbs core.PrivateCallbacks) error {
	url := privateWSURL
	if env == core.EnvDemo {
		url = privateDemoWSURL
	}

	pc := &privateConn{cbs: cbs, accountID: accountID}
	pc.conn = websocket.NewClient(url, func(msg []byte) { h.handlePrivateMessage(pc, msg) }, h.logger.WithField("account_id", accountID))
	pc.conn.SetOnConnected(func() {
		apiKey, expires, sig := signWSAuth(creds.APISecret, creds.APIKey)
		pc.conn.Send(map[string]interface{}{"op": "auth", "args": []interface{}{apiKey, expires, sig}})
		go func() {
			time.Sleep(100 * time.Millisecond)
			pc.conn.Send(map[string]interface{}{"op": "subscribe", "args": []string{"order", "position", "wallet", "execution"}})
		}()
	})
	pc.conn.Start()

	h.mu.Lock()
	h.private[accountID] = pc
	h.mu.Unlock()
	return nil
}

func (h *Hub) ClosePrivate(accountID uint16) error {
	h.mu.Lock()
	pc, ok := h.private[accountID]
	delete(h.private, accountID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	pc.conn.Stop()
	return nil
}

// PauseCallbacks stops dispatching inbound messages for accountID so a
// racing stream update cannot be observed mid-mutation (spec §4.1). No
// engine component calls it; averaging placement and TP replacement run
// without pausing the stream.
func (h *Hub) PauseCallbacks(accountID uint16) {
	h.mu.Lock()
	pc, ok := h.private[accountID]
	h.mu.Unlock()
	if ok {
		pc.conn.Pause()
	}
}

func (h *Hub) ResumeCallbacks(accountID uint16) {
	h.mu.Lock()
	pc, ok := h.private[accountID]
	h.mu.Unlock()
	if ok {
		pc.conn.Resume()
	}
}

func (h *Hub) handlePrivateMessage(pc *privateConn, msg []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return
	}

	switch envelope.Topic {
	case "order":
		h.dispatchOrders(pc, envelope.Data)
	case "position":
		h.dispatchPositions(pc, envelope.Data)
	case "wallet":
		h.dispatchWallet(pc, envelope.Data)
	case "execution":
		h.dispatchExecutions(pc, envelope.Data)
	}
}

type rawOrderEvent struct {
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	PositionIdx int    `json:"positionIdx"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func (h *Hub) dispatchOrders(pc *privateConn, data json.RawMessage) {
	if pc.cbs.OnOrder == nil {
		return
	}
	var events []rawOrderEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for _, e := range events {
		order := core.Order{
			OrderID:     e.OrderID,
			ClientOID:   e.OrderLinkID,
			Symbol:      e.Symbol,
			Side:        sideFromWire(e.Side),
			Qty:         mustDecimal(e.Qty),
			Price:       mustDecimal(e.Price),
			OrderType:   orderTypeFromWire(e.OrderType),
			OrderStatus: orderStatusFromWire(e.OrderStatus),
			ReduceOnly:  e.ReduceOnly,
			PositionIdx: e.PositionIdx,
			CumExecQty:  mustDecimal(e.CumExecQty),
			AvgPrice:    mustDecimal(e.AvgPrice),
		}
		cb := pc.cbs.OnOrder
		h.pool.Submit(func() { cb(order) })
	}
}

type rawExecutionEvent struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	IsMaker     bool   `json:"isMaker"`
	PositionIdx int    `json:"positionIdx"`
	ExecTime    string `json:"execTime"`
}

func (h *Hub) dispatchExecutions(pc *privateConn, data json.RawMessage) {
	if pc.cbs.OnExecution == nil {
		return
	}
	var events []rawExecutionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for _, e := range events {
		execTimeMs, _ := strconv.ParseInt(e.ExecTime, 10, 64)
		exec := core.Execution{
			OrderID:     e.OrderID,
			Symbol:      e.Symbol,
			Side:        sideFromWire(e.Side),
			ExecQty:     mustDecimal(e.ExecQty),
			ExecPrice:   mustDecimal(e.ExecPrice),
			PositionIdx: e.PositionIdx,
			ExecTime:    time.UnixMilli(execTimeMs),
		}
		cb := pc.cbs.OnExecution
		h.pool.Submit(func() { cb(exec) })
	}
}

type rawPositionEvent struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	EntryPrice     string `json:"entryPrice"`
	CumRealisedPnl string `json:"cumRealisedPnl"`
}

func (h *Hub) dispatchPositions(pc *privateConn, data json.RawMessage) {
	if pc.cbs.OnPosition == nil {
		return
	}
	var events []rawPositionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for _, e := range events {
		side := core.SideLong
		if e.Side == "Sell" {
			side = core.SideShort
		}
		update := core.PositionUpdate{
			Symbol:         e.Symbol,
			Side:           side,
			Size:           mustDecimal(e.Size),
			AvgPrice:       mustDecimal(e.EntryPrice),
			CumRealisedPnL: mustDecimal(e.CumRealisedPnl),
		}
		cb := pc.cbs.OnPosition
		h.pool.Submit(func() { cb(update) })
	}
}

type rawWalletEvent struct {
	TotalEquity            string `json:"totalEquity"`
	TotalAvailableBalance  string `json:"totalAvailableBalance"`
	TotalInitialMargin     string `json:"totalInitialMargin"`
	TotalOrderIM           string `json:"totalOrderIM"`
	TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
	AccountMMRate          string `json:"accountMMRate"`
}

func (h *Hub) dispatchWallet(pc *privateConn, data json.RawMessage) {
	if pc.cbs.OnWallet == nil {
		return
	}
	var events []rawWalletEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for _, e := range events {
		update := core.WalletUpdate{
			TotalEquity:            mustDecimal(e.TotalEquity),
			TotalAvailableBalance:  mustDecimal(e.TotalAvailableBalance),
			TotalInitialMargin:     mustDecimal(e.TotalInitialMargin),
			TotalOrderIM:           mustDecimal(e.TotalOrderIM),
			TotalMaintenanceMargin: mustDecimal(e.TotalMaintenanceMargin),
			AccountMMRate:          mustDecimal(e.AccountMMRate),
		}
		cb := pc.cbs.OnWallet
		h.pool.Submit(func() { cb(update) })
	}
}

func signWSAuth(secret, key string) (string, int64, string) {
	expires := time.Now().UnixMilli() + 10000
	val := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(val))
	return key, expires, hex.EncodeToString(mac.Sum(nil))
}

func sideFromWire(raw string) core.OrderSide {
	if raw == "Sell" {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}

func orderTypeFromWire(raw string) core.OrderType {
	if raw == "Market" {
		return core.OrderTypeMarket
	}
	return core.OrderTypeLimit
}

func orderStatusFromWire(raw string) core.OrderStatus {
	switch raw {
	case "Created", "New":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "Deactivated":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusUnspecified
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := parseDecimal(s)
	return d
}

var _ core.IStreamHub = (*Hub)(nil)
