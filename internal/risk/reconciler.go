// Package risk implements Reconciler (C7) and RiskController (C8): the
// startup-restore/periodic-sync state recovery pass, and the per-account
// safety-reserve and panic-mode gate that guards every averaging decision.
//
// The ticker-driven run loop with a context/cancel/WaitGroup lifecycle is
// this lineage's own reconciliation loop shape; the restore/reconstruct/emergency-stop
// algorithm itself is new domain logic this package adds; the teacher's
// own reconciler reconciles resting quote slots against exchange open
// orders, not a martingale grid's ledger and take-profit state.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"market_maker/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	reconcileTolerance = 0.001
	historyPageSize    = 200
	historyMaxPages    = 10
	reopenDebounce     = 3 * time.Second
)

// reconcilableStrategy is the narrow slice of GridStrategy the Reconciler
// needs. Accepting this interface rather than importing the grid package
// directly keeps risk free of a dependency edge it doesn't otherwise need.
type reconcilableStrategy interface {
	Symbol() string
	ForceRefreshTakeProfit(ctx context.Context, side core.Side)
	CheckRecoveryMode(ctx context.Context)
	AdaptiveReopen(ctx context.Context, side core.Side)
}

// Reconciler implements core.IReconciler for one account.
type Reconciler struct {
	accountID  uint16
	dataDir    string
	exchange   core.IExchange
	ledger     core.IPositionLedger
	strategies map[string]reconcilableStrategy
	leverage   map[string]int64
	initialUSD map[string]decimal.Decimal
	logger     core.ILogger
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	firstSyncDone bool
	lastReopenAt  map[string]time.Time
}

func NewReconciler(accountID uint16, dataDir string, exchange core.IExchange, ledger core.IPositionLedger, logger core.ILogger, interval time.Duration) *Reconciler {
	return &Reconciler{
		accountID:    accountID,
		dataDir:      dataDir,
		exchange:     exchange,
		ledger:       ledger,
		strategies:   make(map[string]reconcilableStrategy),
		leverage:     make(map[string]int64),
		initialUSD:   make(map[string]decimal.Decimal),
		logger:       logger.WithField("component", "reconciler").WithField("account_id", accountID),
		interval:     interval,
		lastReopenAt: make(map[string]time.Time),
	}
}

// RegisterStrategy attaches one symbol's GridStrategy so the reconciler can
// drive its TP-refresh and recovery-mode checks.
func (r *Reconciler) RegisterStrategy(symbol string, leverage int64, initialUSD decimal.Decimal, strategy reconcilableStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[symbol] = strategy
	r.leverage[symbol] = leverage
	r.initialUSD[symbol] = initialUSD
}

// --- 4.4.4 Emergency-stop file ---

type emergencyStopRecord struct {
	Timestamp  time.Time       `json:"timestamp"`
	AccountID  uint16          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Reason     string          `json:"reason"`
	Diagnostic json.RawMessage `json:"diagnostic"`
}

func (r *Reconciler) emergencyStopPath() string {
	return emergencyStopPath(r.dataDir, r.accountID)
}

// HasEmergencyStop reports whether this account is barred from starting.
func (r *Reconciler) HasEmergencyStop() bool {
	_, err := os.Stat(r.emergencyStopPath())
	return err == nil
}

func (r *Reconciler) writeEmergencyStop(symbol, reason string, diagnostic interface{}) error {
	return writeEmergencyStopFile(r.dataDir, r.accountID, symbol, reason, diagnostic)
}

// emergencyStopPath is shared by Reconciler and RiskController: both guard
// the same per-account flag file (§4.4.4), RiskController as the writer on
// an MM-rate breach (§4.5.7), Reconciler as the reader that refuses startup.
func emergencyStopPath(dataDir string, accountID uint16) string {
	return filepath.Join(dataDir, fmt.Sprintf(".%03d_emergency_stop", accountID))
}

func writeEmergencyStopFile(dataDir string, accountID uint16, symbol, reason string, diagnostic interface{}) error {
	diag, _ := json.Marshal(diagnostic)
	rec := emergencyStopRecord{
		Timestamp:  time.Now(),
		AccountID:  accountID,
		Symbol:     symbol,
		Reason:     reason,
		Diagnostic: diag,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal emergency stop record: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(emergencyStopPath(dataDir, accountID), data, 0o600)
}

// --- 4.4.1 Startup restore ---

// StartupRestore runs the full startup-restore algorithm for every
// registered symbol. Refuses to run at all if an emergency-stop flag is
// present (it must be cleared manually).
func (r *Reconciler) StartupRestore(ctx context.Context) error {
	if r.HasEmergencyStop() {
		return fmt.Errorf("account %03d has an emergency-stop flag present, refusing to start", r.accountID)
	}

	r.mu.Lock()
	symbols := make([]string, 0, len(r.strategies))
	for symbol := range r.strategies {
		symbols = append(symbols, symbol)
	}
	r.mu.Unlock()

	for _, symbol := range symbols {
		if err := r.restoreSymbolWithRetry(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) restoreSymbolWithRetry(ctx context.Context, symbol string) error {
	const maxAttempts = 3
	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		needsResync, err := r.restoreSymbol(restoreCtx, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if !needsResync {
			return nil
		}
		lastErr = fmt.Errorf("restore observed concurrent state change, retrying")
	}

	diagnostic := map[string]interface{}{
		"retry_count": maxAttempts,
		"last_error":  fmt.Sprint(lastErr),
	}
	if werr := r.writeEmergencyStop(symbol, "startup restore exhausted retries", diagnostic); werr != nil {
		r.logger.Error("failed to write emergency stop record", "symbol", symbol, "error", werr)
	}
	return fmt.Errorf("startup restore for %s exhausted retries: %w", symbol, lastErr)
}

// restoreSymbol runs one restore pass for both sides; returns needsResync
// true if the caller should retry the whole pass.
func (r *Reconciler) restoreSymbol(ctx context.Context, symbol string) (bool, error) {
	for _, side := range []core.Side{core.SideLong, core.SideShort} {
		needsResync, err := r.restoreSide(ctx, symbol, side)
		if err != nil {
			return false, err
		}
		if needsResync {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) restoreSide(ctx context.Context, symbol string, side core.Side) (bool, error) {
	exchPos, err := r.exchange.GetActivePosition(ctx, symbol, side)
	if err != nil {
		return false, fmt.Errorf("fetch exchange position for %s/%s: %w", symbol, side, err)
	}
	exchQty := exchPos.Size
	localQty := r.ledger.TotalQty(symbol, side)
	diff := exchQty.Sub(localQty).Abs()
	tol := decimal.NewFromFloat(reconcileTolerance)

	switch {
	case exchQty.IsZero() && localQty.IsZero():
		return false, r.openInitialPosition(ctx, symbol, side)

	case diff.LessThanOrEqual(tol):
		if r.ledger.GetTPID(symbol, side) == "" && localQty.GreaterThan(decimal.Zero) {
			r.forceRefreshTP(ctx, symbol, side)
		}
		return false, nil

	case localQty.IsZero():
		return r.reconstructFromHistory(ctx, symbol, side, exchQty)

	default:
		diagnostic := map[string]interface{}{
			"exchange_qty": exchQty.String(),
			"local_qty":    localQty.String(),
		}
		if werr := r.writeEmergencyStop(symbol, "unreconcilable divergence between exchange and local state", diagnostic); werr != nil {
			r.logger.Error("failed to write emergency stop record", "symbol", symbol, "error", werr)
		}
		return false, fmt.Errorf("%s/%s: unreconcilable divergence exchange=%s local=%s", symbol, side, exchQty, localQty)
	}
}

func (r *Reconciler) openInitialPosition(ctx context.Context, symbol string, side core.Side) error {
	r.mu.Lock()
	leverage := r.leverage[symbol]
	initialUSD := r.initialUSD[symbol]
	r.mu.Unlock()

	ticker, err := r.exchange.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker for initial position: %w", err)
	}
	qty := initialUSD.Mul(decimal.NewFromInt(leverage)).Div(ticker.LastPrice)

	orderSide := core.OrderSideBuy
	if side == core.SideShort {
		orderSide = core.OrderSideSell
	}

	res, err := r.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      symbol,
		Side:        orderSide,
		Qty:         qty,
		OrderType:   core.OrderTypeMarket,
		PositionIdx: int(side),
		ClientOID:   uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("place initial position order: %w", err)
	}

	if err := r.ledger.AddEntry(symbol, side, ticker.LastPrice, qty, 0, res.OrderID); err != nil {
		return fmt.Errorf("record initial position entry: %w", err)
	}
	r.forceRefreshTP(ctx, symbol, side)
	return nil
}

// --- 4.4.2 Grid reconstruction from history ---

func (r *Reconciler) reconstructFromHistory(ctx context.Context, symbol string, side core.Side, exchangeQty decimal.Decimal) (bool, error) {
	orders, err := r.fetchFilledHistory(ctx, symbol)
	if err != nil {
		return false, err
	}

	lastTPCloseIdx := -1
	for i, o := range orders {
		if o.ReduceOnly && sideFromPositionIdx(o.PositionIdx) == side {
			lastTPCloseIdx = i
		}
	}
	var candidates []core.HistoricalOrder
	if lastTPCloseIdx >= 0 {
		candidates = orders[lastTPCloseIdx+1:]
	} else {
		candidates = orders
	}

	var opens []core.HistoricalOrder
	for _, o := range candidates {
		if sideFromPositionIdx(o.PositionIdx) == side && !o.ReduceOnly {
			opens = append(opens, o)
		}
	}

	if len(opens) == 0 {
		// Grid state reset: no opens follow the last TP close; treat the
		// whole exchange qty as a single level-0 entry (safe reset).
		ticker, err := r.exchange.GetTicker(ctx, symbol)
		if err != nil {
			return false, fmt.Errorf("fetch ticker for grid reset: %w", err)
		}
		r.logger.Warn("grid state reset: no open history after last TP close",
			"symbol", symbol, "side", side.String(), "exchange_qty", exchangeQty.String())
		if err := r.ledger.AddEntry(symbol, side, ticker.LastPrice, exchangeQty, 0, ""); err != nil {
			return false, fmt.Errorf("record grid reset entry: %w", err)
		}
		r.forceRefreshTP(ctx, symbol, side)
		return false, nil
	}

	var reconstructed decimal.Decimal
	for level, o := range opens {
		orderID := o.OrderID
		if !r.orderStillExists(ctx, symbol, orderID) {
			orderID = ""
		}
		if err := r.ledger.AddEntry(symbol, side, o.AvgPrice, o.CumExecQty, uint32(level), orderID); err != nil {
			return false, fmt.Errorf("record reconstructed entry: %w", err)
		}
		reconstructed = reconstructed.Add(o.CumExecQty)
	}

	tol := decimal.NewFromFloat(reconcileTolerance)
	switch {
	case reconstructed.LessThan(exchangeQty.Sub(tol)):
		r.logger.Warn("reconstructed qty less than exchange qty, requesting resync",
			"symbol", symbol, "side", side.String(), "reconstructed", reconstructed.String(), "exchange", exchangeQty.String())
		return true, nil
	case reconstructed.GreaterThan(exchangeQty.Add(tol)):
		return false, fmt.Errorf("%s/%s: reconstructed qty %s exceeds exchange qty %s, logic error", symbol, side, reconstructed, exchangeQty)
	}

	r.forceRefreshTP(ctx, symbol, side)
	return false, nil
}

func (r *Reconciler) fetchFilledHistory(ctx context.Context, symbol string) ([]core.HistoricalOrder, error) {
	var all []core.HistoricalOrder
	cursor := ""
	for page := 0; page < historyMaxPages; page++ {
		res, err := r.exchange.GetOrderHistory(ctx, symbol, historyPageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetch order history page %d: %w", page, err)
		}
		for _, o := range res.Orders {
			if o.OrderStatus == core.OrderStatusFilled {
				all = append(all, o)
			}
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	// Oldest-first, matching the "last TP close" scan direction used above.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (r *Reconciler) orderStillExists(ctx context.Context, symbol, orderID string) bool {
	if orderID == "" {
		return false
	}
	openOrders, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return false
	}
	for _, o := range openOrders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

func (r *Reconciler) forceRefreshTP(ctx context.Context, symbol string, side core.Side) {
	r.mu.Lock()
	strategy := r.strategies[symbol]
	r.mu.Unlock()
	if strategy == nil {
		r.logger.Warn("no strategy registered, cannot refresh TP", "symbol", symbol, "side", side.String())
		return
	}
	strategy.ForceRefreshTakeProfit(ctx, side)
}

func sideFromPositionIdx(idx int) core.Side {
	if idx == int(core.SideShort) {
		return core.SideShort
	}
	return core.SideLong
}

// --- 4.4.3 Periodic sync ---

// PeriodicSync runs one 60s invariant-maintenance pass across every
// registered symbol.
func (r *Reconciler) PeriodicSync(ctx context.Context) error {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.strategies))
	for symbol := range r.strategies {
		symbols = append(symbols, symbol)
	}
	firstSync := !r.firstSyncDone
	r.firstSyncDone = true
	r.mu.Unlock()

	for _, symbol := range symbols {
		if firstSync {
			r.cancelAllOpenOrders(ctx, symbol)
			r.ledger.SetTPID(symbol, core.SideLong, "")
			r.ledger.SetTPID(symbol, core.SideShort, "")
		}
		for _, side := range []core.Side{core.SideLong, core.SideShort} {
			r.syncSide(ctx, symbol, side)
		}

		r.mu.Lock()
		strategy := r.strategies[symbol]
		r.mu.Unlock()
		if strategy != nil {
			strategy.CheckRecoveryMode(ctx)
		}
	}
	return nil
}

func (r *Reconciler) cancelAllOpenOrders(ctx context.Context, symbol string) {
	orders, err := r.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn("failed to list open orders for first-sync cancel", "symbol", symbol, "error", err)
		return
	}
	for _, o := range orders {
		if err := r.exchange.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			r.logger.Warn("failed to cancel order during first sync", "symbol", symbol, "order_id", o.OrderID, "error", err)
		}
	}
}

func (r *Reconciler) syncSide(ctx context.Context, symbol string, side core.Side) {
	exchPos, err := r.exchange.GetActivePosition(ctx, symbol, side)
	if err != nil {
		r.logger.Warn("periodic sync position fetch failed", "symbol", symbol, "side", side.String(), "error", err)
		return
	}

	localQty := r.ledger.TotalQty(symbol, side)
	if exchPos.Size.IsZero() && localQty.GreaterThan(decimal.Zero) {
		r.logger.Warn("untracked close detected, WebSocket missed it", "symbol", symbol, "side", side.String())
		r.ledger.ClearSide(symbol, side)
		r.triggerDebouncedReopen(ctx, symbol, side)
		return
	}

	if localQty.GreaterThan(decimal.Zero) && r.ledger.GetTPID(symbol, side) == "" {
		r.forceRefreshTP(ctx, symbol, side)
	}
}

func (r *Reconciler) triggerDebouncedReopen(ctx context.Context, symbol string, side core.Side) {
	key := symbol + "/" + side.String()
	r.mu.Lock()
	last, seen := r.lastReopenAt[key]
	if seen && time.Since(last) < reopenDebounce {
		r.mu.Unlock()
		return
	}
	r.lastReopenAt[key] = time.Now()
	strategy := r.strategies[symbol]
	r.mu.Unlock()

	if strategy != nil {
		strategy.AdaptiveReopen(ctx, side)
	}
}

// --- Lifecycle ---

// Start begins the periodic-sync loop, ticking every r.interval.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runLoop()
}

// Stop cancels the periodic-sync loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			if err := r.PeriodicSync(syncCtx); err != nil {
				r.logger.Error("periodic sync failed", "error", err)
			}
			cancel()
		}
	}
}

var _ core.IReconciler = (*Reconciler)(nil)
