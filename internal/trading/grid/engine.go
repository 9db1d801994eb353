// Package grid implements GridStrategy (C6): the per-account, per-symbol
// price-to-decision state machine — averaging triggers, take-profit
// maintenance, adaptive reopen after a TP close, pending-entry symmetry
// between the two hedge-mode sides, and recovery-mode detection.
//
// The pure-logic-object-over-a-config-struct shape (one GridStrategy per
// traded symbol, driven by callbacks from the stream layer) is this
// lineage's own strategy shape; the decision rules themselves (averaging
// trigger, TP recompute with a fee adjustment, adaptive-reopen coefficient
// table, pending-entry symmetry) are new domain logic this package adds.
package grid

import (
	"context"
	"sync"

	"market_maker/internal/core"
	"market_maker/internal/order"

	"github.com/shopspring/decimal"
)

const pendingEntryDriftPercent = 5.0

// Config holds one symbol's grid parameters, sourced from StrategyConfig.
type Config struct {
	Symbol                 string
	Leverage               int64
	InitialPositionSizeUSD decimal.Decimal
	GridStepPercent        decimal.Decimal
	AveragingMultiplier    decimal.Decimal
	TakeProfitPercent      decimal.Decimal
	MaxGridLevelsPerSide   uint32
	TakerFeePercent        decimal.Decimal
}

// Strategy is one symbol's GridStrategy instance. All mutating operations
// run single-threaded per strategy: the owning AccountRuntime serializes
// calls through its account-wide mutex.
type Strategy struct {
	cfg Config

	ledger   core.IPositionLedger
	risk     core.IRiskController
	exchange core.IExchange
	tracker  *order.Tracker
	wallet   walletForwarder
	logger   core.ILogger

	mu              sync.Mutex
	lastPrice       decimal.Decimal
	lastPendingPrice decimal.Decimal
}

// walletForwarder is the narrow slice of WalletCache that on_wallet needs.
type walletForwarder interface {
	Update(core.WalletUpdate)
}

func NewStrategy(cfg Config, ledger core.IPositionLedger, risk core.IRiskController, exchange core.IExchange, tracker *order.Tracker, wallet walletForwarder, logger core.ILogger) *Strategy {
	return &Strategy{
		cfg:      cfg,
		ledger:   ledger,
		risk:     risk,
		exchange: exchange,
		tracker:  tracker,
		wallet:   wallet,
		logger:   logger.WithField("symbol", cfg.Symbol),
	}
}

func (s *Strategy) Symbol() string { return s.cfg.Symbol }

// OnPrice runs the full per-tick pipeline: averaging check, TP verification,
// pending-entry recalculation. Single-threaded per strategy.
func (s *Strategy) OnPrice(ctx context.Context, price decimal.Decimal) {
	s.mu.Lock()
	s.lastPrice = price
	s.mu.Unlock()

	s.checkAveraging(ctx, core.SideLong, price)
	s.checkAveraging(ctx, core.SideShort, price)
	s.ensurePendingEntrySymmetry(ctx, price)
}

// OnPositionStream handles a position snapshot push. Close events (size==0)
// are processed unconditionally, even during a reconciler sync window, so a
// TP fill is never missed.
func (s *Strategy) OnPositionStream(ctx context.Context, side core.Side, size, avgPrice decimal.Decimal) {
	if size.IsZero() && s.ledger.TotalQty(s.cfg.Symbol, side).GreaterThan(decimal.Zero) {
		s.onSideClosed(ctx, side)
	}
}

// OnExecution reacts to a single fill. A reduce-only execution is
// attributed to the side of its own hedge-mode positionIdx; when the ledger
// already holds no quantity on that side, it is that side's TP close and
// triggers adaptive reopen.
func (s *Strategy) OnExecution(ctx context.Context, exec core.Execution) {
	if !exec.ReduceOnly {
		return
	}
	side := sideFromPositionIdx(exec.PositionIdx)
	if s.ledger.TotalQty(s.cfg.Symbol, side).IsZero() {
		s.onSideClosed(ctx, side)
	}
}

// OnOrder updates local TP/pending tracking state from an order-stream
// push. Updates carrying the literal "PENDING" placeholder id are not yet
// resolved to a real order and are ignored here; the placement call site
// patches the real id directly.
func (s *Strategy) OnOrder(ctx context.Context, ord core.Order) {
	if ord.OrderID == core.PendingTPPlaceholder {
		return
	}
	if ord.OrderStatus == core.OrderStatusFilled || ord.OrderStatus == core.OrderStatusPartiallyFilled {
		s.tracker.OnOrderFill(ord.OrderID)
	}
}

// OnWallet forwards a wallet push straight to the account's WalletCache.
func (s *Strategy) OnWallet(w core.WalletUpdate) {
	s.wallet.Update(w)
}

// --- 4.3.1 Averaging trigger ---

func (s *Strategy) checkAveraging(ctx context.Context, side core.Side, price decimal.Decimal) {
	level := s.ledger.GridLevel(s.cfg.Symbol, side)
	if level == 0 {
		return
	}
	if level >= s.cfg.MaxGridLevelsPerSide {
		return
	}

	avg := s.ledger.AvgEntry(s.cfg.Symbol, side)
	if avg.IsZero() {
		return
	}

	if !s.averagingTriggered(side, avg, price, level) {
		return
	}

	lastMargin := s.lastEntryMargin(side, level, price)
	nextMargin := lastMargin.Mul(s.cfg.AveragingMultiplier)

	if !s.risk.CheckReserve(ctx, s.cfg.Symbol, nextMargin) {
		s.logger.Info("averaging skipped: reserve check denied", "side", side.String(), "next_margin", nextMargin.String())
		return
	}

	s.executeAveragingEntry(ctx, side, price, nextMargin, level)
}

// averagingTriggered implements: Long triggers when price <= avg*(1-step/100)^(k+1);
// Short triggers when price >= avg*(1+step/100)^(k+1).
func (s *Strategy) averagingTriggered(side core.Side, avg, price decimal.Decimal, level uint32) bool {
	step := s.cfg.GridStepPercent.Div(decimal.NewFromInt(100))
	var factor decimal.Decimal
	if side == core.SideLong {
		factor = decimal.NewFromInt(1).Sub(step)
	} else {
		factor = decimal.NewFromInt(1).Add(step)
	}

	threshold := avg
	for i := uint32(0); i < level+1; i++ {
		threshold = threshold.Mul(factor)
	}

	if side == core.SideLong {
		return price.LessThanOrEqual(threshold)
	}
	return price.GreaterThanOrEqual(threshold)
}

// lastEntryMargin returns initial_position_size_usd for level 0, else the
// margin of the most recently filled entry valued at its own entry price.
func (s *Strategy) lastEntryMargin(side core.Side, level uint32, price decimal.Decimal) decimal.Decimal {
	if level == 0 {
		return s.cfg.InitialPositionSizeUSD
	}
	return s.ledger.TotalMargin(s.cfg.Symbol, side, price, s.cfg.Leverage).Div(decimal.NewFromInt(int64(level)))
}

func (s *Strategy) executeAveragingEntry(ctx context.Context, side core.Side, price, marginUSD decimal.Decimal, level uint32) {
	qty := marginUSD.Mul(decimal.NewFromInt(s.cfg.Leverage)).Div(price)
	orderSide := orderSideFor(side, true)
	positionIdx := int(side)

	orderID, err := s.tracker.Place(ctx, s.cfg.Symbol, orderSide, positionIdx, qty, price, order.ReasonAveraging)
	if err != nil {
		s.logger.Error("averaging order placement failed", "side", side.String(), "error", err)
		return
	}

	if err := s.ledger.AddEntry(s.cfg.Symbol, side, price, qty, level, orderID); err != nil {
		s.logger.Error("ledger add entry failed after averaging fill", "side", side.String(), "error", err)
		return
	}
	s.refreshTakeProfit(ctx, side)
}

// --- 4.3.2 Take-profit maintenance ---

func (s *Strategy) refreshTakeProfit(ctx context.Context, side core.Side) {
	totalQty := s.ledger.TotalQty(s.cfg.Symbol, side)
	if totalQty.IsZero() {
		return
	}
	avg := s.ledger.AvgEntry(s.cfg.Symbol, side)
	nEntries := decimal.NewFromInt(int64(s.ledger.GridLevel(s.cfg.Symbol, side)))

	existing := s.ledger.GetTPID(s.cfg.Symbol, side)
	if existing != "" && existing != core.PendingTPPlaceholder {
		if err := s.exchange.CancelOrder(ctx, s.cfg.Symbol, existing); err != nil {
			s.logger.Warn("cancel existing TP failed", "side", side.String(), "order_id", existing, "error", err)
		}
	}

	tpPrice := s.takeProfitPrice(side, avg, nEntries)

	s.ledger.SetTPID(s.cfg.Symbol, side, core.PendingTPPlaceholder)

	res, err := s.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      s.cfg.Symbol,
		Side:        orderSideFor(side, false),
		Qty:         totalQty,
		OrderType:   core.OrderTypeLimit,
		Price:       tpPrice,
		ReduceOnly:  true,
		PositionIdx: int(side),
	})
	if err != nil {
		s.ledger.SetTPID(s.cfg.Symbol, side, "")
		s.logger.Fatal("take-profit placement failed, this side is unprotected", "side", side.String(), "error", err)
		return
	}
	s.ledger.SetTPID(s.cfg.Symbol, side, res.OrderID)
}

// takeProfitPrice computes the fee-adjusted TP: Long = avg*(1+tp%+fee_adj),
// Short = avg*(1-tp%-fee_adj), fee_adj = (n_entries*taker_fee+taker_fee)/100.
func (s *Strategy) takeProfitPrice(side core.Side, avg, nEntries decimal.Decimal) decimal.Decimal {
	feeAdjust := nEntries.Mul(s.cfg.TakerFeePercent).Add(s.cfg.TakerFeePercent).Div(decimal.NewFromInt(100))
	tpFraction := s.cfg.TakeProfitPercent.Div(decimal.NewFromInt(100)).Add(feeAdjust)
	if side == core.SideLong {
		return avg.Mul(decimal.NewFromInt(1).Add(tpFraction))
	}
	return avg.Mul(decimal.NewFromInt(1).Sub(tpFraction))
}

// NextAveragingMargin reports the USD margin an averaging entry on this side
// would request right now, used by RiskController to size the early-freeze
// comfort threshold (§4.5.4) and the panic low-IM trigger (§4.5.5). Returns
// zero once the side has reached its grid-level cap, since no further
// averaging entry can ever be requested.
func (s *Strategy) NextAveragingMargin(side core.Side) decimal.Decimal {
	level := s.ledger.GridLevel(s.cfg.Symbol, side)
	if level >= s.cfg.MaxGridLevelsPerSide {
		return decimal.Zero
	}
	price := s.currentPrice()
	if price.IsZero() {
		return decimal.Zero
	}
	return s.lastEntryMargin(side, level, price).Mul(s.cfg.AveragingMultiplier)
}

// CancelTakeProfit cancels this side's live take-profit order without
// replacing it, used by the panic-mode balancer to pull protection off the
// trend side (§4.5.5 step 2) ahead of an intelligent rebalance.
func (s *Strategy) CancelTakeProfit(ctx context.Context, side core.Side) {
	existing := s.ledger.GetTPID(s.cfg.Symbol, side)
	if existing == "" || existing == core.PendingTPPlaceholder {
		return
	}
	if err := s.exchange.CancelOrder(ctx, s.cfg.Symbol, existing); err != nil {
		s.logger.Warn("panic-mode TP cancel failed", "side", side.String(), "order_id", existing, "error", err)
		return
	}
	s.ledger.SetTPID(s.cfg.Symbol, side, "")
}

// ForceRefreshTakeProfit is the Reconciler's force-cancel mode (§4.4.2,
// §4.4.3): instead of cancelling a tracked id, the caller has already
// cancelled every open reduce-only order on this side; this just places a
// fresh TP.
func (s *Strategy) ForceRefreshTakeProfit(ctx context.Context, side core.Side) {
	totalQty := s.ledger.TotalQty(s.cfg.Symbol, side)
	if totalQty.IsZero() {
		return
	}
	avg := s.ledger.AvgEntry(s.cfg.Symbol, side)
	nEntries := decimal.NewFromInt(int64(s.ledger.GridLevel(s.cfg.Symbol, side)))
	tpPrice := s.takeProfitPrice(side, avg, nEntries)

	s.ledger.SetTPID(s.cfg.Symbol, side, core.PendingTPPlaceholder)
	res, err := s.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      s.cfg.Symbol,
		Side:        orderSideFor(side, false),
		Qty:         totalQty,
		OrderType:   core.OrderTypeLimit,
		Price:       tpPrice,
		ReduceOnly:  true,
		PositionIdx: int(side),
	})
	if err != nil {
		s.ledger.SetTPID(s.cfg.Symbol, side, "")
		s.logger.Fatal("force-cancel TP placement failed, this side is unprotected", "side", side.String(), "error", err)
		return
	}
	s.ledger.SetTPID(s.cfg.Symbol, side, res.OrderID)
}

// --- 4.3.3 Adaptive reopen ---

var reopenCoefficients = []struct {
	minRatio    decimal.Decimal
	coefficient decimal.Decimal
}{
	{decimal.NewFromInt(16), decimal.NewFromFloat(1.0)},
	{decimal.NewFromInt(8), decimal.NewFromFloat(0.5)},
	{decimal.NewFromInt(4), decimal.NewFromFloat(0.25)},
}

func (s *Strategy) onSideClosed(ctx context.Context, closedSide core.Side) {
	s.risk.NotifyCloseEvent(s.cfg.Symbol, closedSide)
	s.ledger.ClearSide(s.cfg.Symbol, closedSide)
	s.cancelPendingEntries(ctx, closedSide)
	s.cancelPendingEntries(ctx, closedSide.Opposite())

	opposite := closedSide.Opposite()
	oppositeQty := s.ledger.TotalQty(s.cfg.Symbol, opposite)
	if oppositeQty.IsZero() {
		s.reopenAtInitialSize(ctx, closedSide)
		return
	}

	price := s.currentPrice()
	oppositeMargin := s.ledger.TotalMargin(s.cfg.Symbol, opposite, price, s.cfg.Leverage)
	ratio := oppositeMargin.Div(s.cfg.InitialPositionSizeUSD)

	coefficient, ok := coefficientFor(ratio)
	if !ok {
		s.reopenAtInitialSize(ctx, closedSide)
		return
	}

	reopenMargin := oppositeMargin.Mul(coefficient)
	available := s.risk.AvailableForTrading()
	reserve := s.risk.SafetyReserve()
	marginCap := available.Sub(reserve)
	if marginCap.IsNegative() {
		if s.risk.IsPanicMode() {
			marginCap = available
		} else {
			reopenMargin = decimal.Zero
		}
	}
	if reopenMargin.GreaterThan(marginCap) {
		reopenMargin = marginCap
	}
	if !reopenMargin.IsPositive() {
		s.logger.Warn("adaptive reopen skipped: no margin available", "side", closedSide.String())
		return
	}

	level := s.ledger.GridLevel(s.cfg.Symbol, opposite)
	s.placeReopenEntry(ctx, closedSide, price, reopenMargin, level)
}

func coefficientFor(ratio decimal.Decimal) (decimal.Decimal, bool) {
	for _, row := range reopenCoefficients {
		if ratio.GreaterThanOrEqual(row.minRatio) {
			return row.coefficient, true
		}
	}
	return decimal.Zero, false
}

func (s *Strategy) reopenAtInitialSize(ctx context.Context, side core.Side) {
	price := s.currentPrice()
	s.placeReopenEntry(ctx, side, price, s.cfg.InitialPositionSizeUSD, 0)
}

func (s *Strategy) placeReopenEntry(ctx context.Context, side core.Side, price, marginUSD decimal.Decimal, level uint32) {
	qty := marginUSD.Mul(decimal.NewFromInt(s.cfg.Leverage)).Div(price)
	res, err := s.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:      s.cfg.Symbol,
		Side:        orderSideFor(side, true),
		Qty:         qty,
		OrderType:   core.OrderTypeMarket,
		PositionIdx: int(side),
	})
	if err != nil {
		s.logger.Error("adaptive reopen market order failed", "side", side.String(), "error", err)
		return
	}
	if err := s.ledger.AddEntry(s.cfg.Symbol, side, price, qty, level, res.OrderID); err != nil {
		s.logger.Error("ledger add entry failed after reopen", "side", side.String(), "error", err)
		return
	}
	s.refreshTakeProfit(ctx, side)
}

// --- 4.3.4 Pending-entry symmetry ---

func (s *Strategy) cancelPendingEntries(ctx context.Context, side core.Side) {
	ids := s.ledger.GetPendingEntryOrders(s.cfg.Symbol, side)
	for _, id := range ids {
		if err := s.exchange.CancelOrder(ctx, s.cfg.Symbol, id); err != nil {
			s.logger.Warn("cancel pending entry failed", "side", side.String(), "order_id", id, "error", err)
		}
	}
	s.ledger.SetPendingEntryOrders(s.cfg.Symbol, side, nil)
}

func (s *Strategy) ensurePendingEntrySymmetry(ctx context.Context, price decimal.Decimal) {
	for _, side := range []core.Side{core.SideLong, core.SideShort} {
		opposite := side.Opposite()
		if s.ledger.TotalQty(s.cfg.Symbol, side).IsZero() {
			continue
		}
		if !s.ledger.TotalQty(s.cfg.Symbol, opposite).IsZero() {
			continue
		}
		s.maybePlacePendingEntry(ctx, opposite, price)
	}
}

func (s *Strategy) maybePlacePendingEntry(ctx context.Context, side core.Side, price decimal.Decimal) {
	s.mu.Lock()
	lastPrice := s.lastPendingPrice
	s.mu.Unlock()

	existing := s.ledger.GetPendingEntryOrders(s.cfg.Symbol, side)
	if len(existing) > 0 {
		if lastPrice.IsZero() {
			return
		}
		drift := price.Sub(lastPrice).Abs().Div(lastPrice).Mul(decimal.NewFromInt(100))
		if drift.LessThan(decimal.NewFromFloat(pendingEntryDriftPercent)) {
			return
		}
		s.cancelPendingEntries(ctx, side)
	}

	step := s.cfg.GridStepPercent.Div(decimal.NewFromInt(100))
	var entryPrice decimal.Decimal
	if side == core.SideLong {
		entryPrice = price.Mul(decimal.NewFromInt(1).Sub(step))
	} else {
		entryPrice = price.Mul(decimal.NewFromInt(1).Add(step))
	}

	qty := s.cfg.InitialPositionSizeUSD.Mul(decimal.NewFromInt(s.cfg.Leverage)).Div(entryPrice)
	orderID, err := s.tracker.Place(ctx, s.cfg.Symbol, orderSideFor(side, true), int(side), qty, entryPrice, order.ReasonPendingEntry)
	if err != nil {
		s.logger.Warn("pending entry placement failed", "side", side.String(), "error", err)
		return
	}

	s.ledger.SetPendingEntryOrders(s.cfg.Symbol, side, []string{orderID})
	s.mu.Lock()
	s.lastPendingPrice = price
	s.mu.Unlock()
}

// --- 4.3.5 Recovery mode ---

// AdaptiveReopen is the Reconciler's direct hook for an untracked close
// (§8 invariant 8.7): the side's local qty has just been cleared against a
// flat exchange position that the WebSocket stream missed, and it must be
// reopened via the same adaptive sizing as a normal take-profit close,
// regardless of how far long/short grid levels have diverged.
func (s *Strategy) AdaptiveReopen(ctx context.Context, side core.Side) {
	s.onSideClosed(ctx, side)
}

// CheckRecoveryMode implements the Reconciler's periodic-sync detection of
// severe imbalance (|long_count - short_count| >= 2 with one count zero),
// reopening the missing side via adaptive sizing.
func (s *Strategy) CheckRecoveryMode(ctx context.Context) {
	longLevel := s.ledger.GridLevel(s.cfg.Symbol, core.SideLong)
	shortLevel := s.ledger.GridLevel(s.cfg.Symbol, core.SideShort)

	diff := int(longLevel) - int(shortLevel)
	if diff < 0 {
		diff = -diff
	}
	if diff < 2 {
		return
	}

	if longLevel == 0 {
		s.onSideClosed(ctx, core.SideLong)
	} else if shortLevel == 0 {
		s.onSideClosed(ctx, core.SideShort)
	}
}

func (s *Strategy) currentPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice
}

func sideFromPositionIdx(idx int) core.Side {
	if idx == int(core.SideShort) {
		return core.SideShort
	}
	return core.SideLong
}

// orderSideFor returns the exchange-facing Buy/Sell direction for opening
// (opening=true) or closing (opening=false) a hedge-mode Side.
func orderSideFor(side core.Side, opening bool) core.OrderSide {
	if side == core.SideLong {
		if opening {
			return core.OrderSideBuy
		}
		return core.OrderSideSell
	}
	if opening {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}

var _ core.IGridStrategy = (*Strategy)(nil)
