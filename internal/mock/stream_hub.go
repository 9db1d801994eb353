package mock

import (
	"context"
	"sync"

	"market_maker/internal/core"
)

// StreamHub is an in-memory core.IStreamHub: scenario tests call its
// Push* methods to simulate exchange stream traffic arriving at
// AccountRuntime, the same shape the real internal/stream.Hub delivers
// through its WebSocket read loop and worker pool.
type StreamHub struct {
	mu          sync.Mutex
	tickerSubs  map[string][]func(core.Ticker)
	private     map[uint16]core.PrivateCallbacks
	paused      map[uint16]bool
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		tickerSubs: make(map[string][]func(core.Ticker)),
		private:    make(map[uint16]core.PrivateCallbacks),
		paused:     make(map[uint16]bool),
	}
}

func (h *StreamHub) SubscribeTicker(symbol string, env core.Env, callback func(core.Ticker)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tickerSubs[symbol] = append(h.tickerSubs[symbol], callback)
	idx := len(h.tickerSubs[symbol]) - 1

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.tickerSubs[symbol]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

func (h *StreamHub) OpenPrivate(ctx context.Context, accountID uint16, creds core.Credentials, env core.Env, cbs core.PrivateCallbacks) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.private[accountID] = cbs
	return nil
}

func (h *StreamHub) ClosePrivate(accountID uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.private, accountID)
	return nil
}

func (h *StreamHub) PauseCallbacks(accountID uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused[accountID] = true
}

func (h *StreamHub) ResumeCallbacks(accountID uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused[accountID] = false
}

// --- Scenario drivers ---

// PushTicker delivers a price tick to every live subscriber of symbol.
func (h *StreamHub) PushTicker(symbol string, t core.Ticker) {
	h.mu.Lock()
	subs := append([]func(core.Ticker){}, h.tickerSubs[symbol]...)
	h.mu.Unlock()

	for _, cb := range subs {
		if cb != nil {
			cb(t)
		}
	}
}

func (h *StreamHub) PushPosition(accountID uint16, u core.PositionUpdate) {
	if cbs, ok := h.callbacksFor(accountID); ok && cbs.OnPosition != nil {
		cbs.OnPosition(u)
	}
}

func (h *StreamHub) PushWallet(accountID uint16, u core.WalletUpdate) {
	if cbs, ok := h.callbacksFor(accountID); ok && cbs.OnWallet != nil {
		cbs.OnWallet(u)
	}
}

func (h *StreamHub) PushOrder(accountID uint16, o core.Order) {
	if cbs, ok := h.callbacksFor(accountID); ok && cbs.OnOrder != nil {
		cbs.OnOrder(o)
	}
}

func (h *StreamHub) PushExecution(accountID uint16, e core.Execution) {
	if cbs, ok := h.callbacksFor(accountID); ok && cbs.OnExecution != nil {
		cbs.OnExecution(e)
	}
}

func (h *StreamHub) callbacksFor(accountID uint16) (core.PrivateCallbacks, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused[accountID] {
		return core.PrivateCallbacks{}, false
	}
	cbs, ok := h.private[accountID]
	return cbs, ok
}

var _ core.IStreamHub = (*StreamHub)(nil)
