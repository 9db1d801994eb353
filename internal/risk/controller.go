package risk

import (
	"context"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	atrPeriod      = 20
	atrInterval    = "1"
	atrCacheTTL    = 60 * time.Second
	reserveBase    = 0.10
	reserveTier    = 0.05
	minBalanceScale = 1.00
)

// riskStrategy is the narrow slice of GridStrategy the Controller needs to
// size the early-freeze threshold and to strip TP protection off the trend
// side on panic entry (§4.5.4, §4.5.5 step 2). Accepting this interface
// rather than importing the grid package keeps risk free of a dependency
// edge it doesn't otherwise need, the same shape as reconcilableStrategy
// in reconciler.go.
type riskStrategy interface {
	Symbol() string
	NextAveragingMargin(side core.Side) decimal.Decimal
	CancelTakeProfit(ctx context.Context, side core.Side)
}

type registeredRiskSymbol struct {
	leverage int64
	strategy riskStrategy
}

type atrEntry struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// Controller implements core.IRiskController (C8) for one account: the
// dynamic safety reserve, early-freeze gate, panic mode with intelligent TP
// cancellation and balancing, and the emergency-close breaker.
//
// The ticker-driven run loop over a context/cancel/WaitGroup lifecycle
// mirrors Reconciler's own shape in this package; the reserve/freeze/panic
// formulas are new domain logic this package adds, grounded on this
// lineage's ATR/anomaly aggregation in monitor.go (candle-window true-range
// averaging) generalized from a volatility alarm into a funding-cushion
// input.
type Controller struct {
	accountID       uint16
	dataDir         string
	exchange        core.IExchange
	wallet          *wallet.Cache
	ledger          core.IPositionLedger
	logger          core.ILogger
	mmRateThreshold decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	symbols map[string]*registeredRiskSymbol
	prices  map[string]decimal.Decimal
	atr     map[string]atrEntry

	stateMu          sync.Mutex
	safetyReserve    decimal.Decimal
	averagingFrozen  bool
	freezeReason     string
	panicMode        bool
	panicReason      string
	panicEnteredAt   time.Time
	emergencyStopped bool
}

func NewController(accountID uint16, dataDir string, exchange core.IExchange, w *wallet.Cache, ledger core.IPositionLedger, logger core.ILogger, mmRateThresholdPercent float64) *Controller {
	return &Controller{
		accountID:       accountID,
		dataDir:         dataDir,
		exchange:        exchange,
		wallet:          w,
		ledger:          ledger,
		logger:          logger.WithField("component", "risk_controller").WithField("account_id", accountID),
		mmRateThreshold: decimal.NewFromFloat(mmRateThresholdPercent),
		symbols:         make(map[string]*registeredRiskSymbol),
		prices:          make(map[string]decimal.Decimal),
		atr:             make(map[string]atrEntry),
	}
}

// RegisterStrategy attaches one symbol so its imbalance/margin figures feed
// the account-wide reserve and freeze/panic checks.
func (c *Controller) RegisterStrategy(symbol string, leverage int64, strategy riskStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[symbol] = &registeredRiskSymbol{leverage: leverage, strategy: strategy}
}

// OnPrice is called by AccountRuntime alongside the GridStrategy dispatch so
// the reserve calculation always has a fresh price without issuing its own
// REST ticker call on every check.
func (c *Controller) OnPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

func (c *Controller) priceOf(symbol string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[symbol]
}

// --- 4.5.1 Safety reserve ---

// recomputeSafetyReserve is the pure function of (qtys, prices, ATRs) spec
// §8 requires be deterministic: same inputs, same output. Called from
// CheckReserve, from NotifyCloseEvent, and from the 60s tick.
func (c *Controller) recomputeSafetyReserve(ctx context.Context) decimal.Decimal {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()

	baseReserve := decimal.Zero
	atrMax := decimal.Zero

	for _, sym := range symbols {
		longQty := c.ledger.TotalQty(sym, core.SideLong)
		shortQty := c.ledger.TotalQty(sym, core.SideShort)
		imbalanceCoins := longQty.Sub(shortQty).Abs()

		price := c.priceOf(sym)
		if price.IsZero() {
			if t, err := c.exchange.GetTicker(ctx, sym); err == nil {
				price = t.LastPrice
				c.mu.Lock()
				c.prices[sym] = price
				c.mu.Unlock()
			}
		}

		baseReserve = baseReserve.Add(imbalanceCoins.Mul(price))

		atrPercent := c.atrPercent(ctx, sym, price)
		if atrPercent.GreaterThan(atrMax) {
			atrMax = atrPercent
		}
	}

	safetyFactor := decimal.NewFromFloat(1.0 + reserveBase + reserveTier).Add(gapBuffer(atrMax))
	reserve := baseReserve.Mul(safetyFactor)

	c.stateMu.Lock()
	c.safetyReserve = reserve
	c.stateMu.Unlock()

	return reserve
}

// gapBuffer implements the ATR-tiered volatility cushion: 0.02 under 1%,
// 0.05 under 2%, 0.10 otherwise.
func gapBuffer(atrPercent decimal.Decimal) decimal.Decimal {
	switch {
	case atrPercent.LessThan(decimal.NewFromInt(1)):
		return decimal.NewFromFloat(0.02)
	case atrPercent.LessThan(decimal.NewFromInt(2)):
		return decimal.NewFromFloat(0.05)
	default:
		return decimal.NewFromFloat(0.10)
	}
}

// atrPercent returns the cached 20-period ATR of 1-minute closes for a
// symbol, expressed as a percentage of the current price, refetching at
// most once per cache TTL.
func (c *Controller) atrPercent(ctx context.Context, symbol string, price decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	entry, ok := c.atr[symbol]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < atrCacheTTL {
		return entry.value
	}

	klines, err := c.exchange.GetKlines(ctx, symbol, atrInterval, atrPeriod+1)
	if err != nil || len(klines) < 2 {
		c.logger.Warn("atr refresh failed, reusing stale value", "symbol", symbol, "error", err)
		return entry.value
	}

	atr := computeATR(klines)
	var pct decimal.Decimal
	if price.GreaterThan(decimal.Zero) {
		pct = atr.Div(price).Mul(decimal.NewFromInt(100))
	}

	c.mu.Lock()
	c.atr[symbol] = atrEntry{value: pct, fetchedAt: time.Now()}
	c.mu.Unlock()

	return pct
}

// computeATR is the true-range average over consecutive klines: TR =
// max(H-L, |H-prevClose|, |L-prevClose|), ATR = mean(TR).
func computeATR(klines []core.Kline) decimal.Decimal {
	var trSum decimal.Decimal
	count := 0
	for i := 1; i < len(klines); i++ {
		cur, prev := klines[i], klines[i-1]
		tr := cur.High.Sub(cur.Low)
		if t := cur.High.Sub(prev.Close).Abs(); t.GreaterThan(tr) {
			tr = t
		}
		if t := cur.Low.Sub(prev.Close).Abs(); t.GreaterThan(tr) {
			tr = t
		}
		trSum = trSum.Add(tr)
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return trSum.Div(decimal.NewFromInt(int64(count)))
}

// --- 4.5.2 Available-for-trading ---

// AvailableForTrading is total_available_balance minus the safety reserve.
// Deliberately does not also subtract total_initial_margin: the exchange's
// totalAvailableBalance figure already nets it out.
func (c *Controller) AvailableForTrading() decimal.Decimal {
	c.stateMu.Lock()
	reserve := c.safetyReserve
	c.stateMu.Unlock()
	return c.wallet.AvailableBalance().Sub(reserve)
}

func (c *Controller) SafetyReserve() decimal.Decimal {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.safetyReserve
}

// --- 4.5.3 Check before averaging ---

// CheckReserve recomputes the reserve, then refuses if the account is
// frozen or if the refreshed available balance can't cover the requested
// margin. Called under no external lock; GridStrategy holds its own
// per-symbol call path serialized by AccountRuntime's account mutex.
func (c *Controller) CheckReserve(ctx context.Context, symbol string, nextMargin decimal.Decimal) bool {
	c.recomputeSafetyReserve(ctx)
	c.evaluateFreeze(ctx)

	if c.IsFrozen() {
		return false
	}
	return c.AvailableForTrading().GreaterThanOrEqual(nextMargin)
}

// --- 4.5.4 Early freeze ---

func (c *Controller) nextWorstCase() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := decimal.Zero
	for _, reg := range c.symbols {
		total = total.Add(reg.strategy.NextAveragingMargin(core.SideLong))
		total = total.Add(reg.strategy.NextAveragingMargin(core.SideShort))
	}
	return total
}

// evaluateFreeze sets or clears averaging_frozen based on the comfort
// threshold. TPs are unaffected either way; only new averaging entries are
// gated.
func (c *Controller) evaluateFreeze(ctx context.Context) {
	worstCase := c.nextWorstCase()
	comfortThreshold := worstCase.Mul(decimal.NewFromFloat(1.5))
	available := c.AvailableForTrading()

	c.stateMu.Lock()
	wasFrozen := c.averagingFrozen
	if available.LessThan(comfortThreshold) {
		c.averagingFrozen = true
		c.freezeReason = "available balance below comfort threshold"
	} else if wasFrozen {
		c.averagingFrozen = false
		c.freezeReason = ""
	}
	isFrozen := c.averagingFrozen
	c.stateMu.Unlock()

	if isFrozen && !wasFrozen {
		c.logger.Warn("averaging frozen", "available", available.String(), "comfort_threshold", comfortThreshold.String())
	} else if !isFrozen && wasFrozen {
		c.logger.Info("averaging unfrozen", "available", available.String(), "comfort_threshold", comfortThreshold.String())
	}
}

func (c *Controller) IsFrozen() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.averagingFrozen
}

// --- 4.5.5 Panic mode ---

func (c *Controller) IsPanicMode() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.panicMode
}

// evaluatePanic checks the three panic triggers and, on entry, freezes
// averaging, strips TP protection off each symbol's trend side, and invokes
// the balancer. Clearing is implicit: the next tick simply finds no
// trigger still holding once a counter-trend TP has fired and the wallet
// has recovered.
func (c *Controller) evaluatePanic(ctx context.Context) {
	worstCase := c.nextWorstCase()
	available := c.AvailableForTrading()
	totalAvailable := c.wallet.AvailableBalance()

	lowIM := available.LessThan(worstCase.Mul(decimal.NewFromInt(3)))

	imbalanceLowIM := false
	c.mu.RLock()
	for sym := range c.symbols {
		longQty := c.ledger.TotalQty(sym, core.SideLong)
		shortQty := c.ledger.TotalQty(sym, core.SideShort)
		maxQty, minQty := longQty, shortQty
		if shortQty.GreaterThan(longQty) {
			maxQty, minQty = shortQty, longQty
		}
		if minQty.GreaterThan(decimal.Zero) && maxQty.Div(minQty).GreaterThan(decimal.NewFromInt(10)) {
			if totalAvailable.GreaterThan(decimal.Zero) && available.Div(totalAvailable).LessThan(decimal.NewFromFloat(0.30)) {
				imbalanceLowIM = true
				break
			}
		}
	}
	c.mu.RUnlock()

	mmRate := c.wallet.MMRatePercent()
	highMMRate := mmRate.GreaterThanOrEqual(decimal.NewFromInt(70))

	var reason string
	switch {
	case lowIM:
		reason = "low available margin relative to worst-case averaging"
	case imbalanceLowIM:
		reason = "side imbalance exceeds 10x with available below 30% of balance"
	case highMMRate:
		reason = "account maintenance margin rate at or above 70%"
	}

	c.stateMu.Lock()
	wasPanic := c.panicMode
	if reason != "" {
		c.panicMode = true
		c.panicReason = reason
		if !wasPanic {
			c.panicEnteredAt = time.Now()
		}
	} else {
		c.panicMode = false
		c.panicReason = ""
	}
	enteringNow := c.panicMode && !wasPanic
	c.stateMu.Unlock()

	if enteringNow {
		c.logger.Warn("panic mode entered", "reason", reason)
		c.enterPanic(ctx)
	} else if wasPanic && reason == "" {
		c.logger.Info("panic mode cleared")
	}
}

func (c *Controller) enterPanic(ctx context.Context) {
	c.stateMu.Lock()
	c.averagingFrozen = true
	c.freezeReason = "panic mode active"
	c.stateMu.Unlock()

	c.mu.RLock()
	symbols := make(map[string]*registeredRiskSymbol, len(c.symbols))
	for sym, reg := range c.symbols {
		symbols[sym] = reg
	}
	c.mu.RUnlock()

	for sym, reg := range symbols {
		trendSide := c.trendSide(sym)
		reg.strategy.CancelTakeProfit(ctx, trendSide)
		c.logger.Info("panic: TP cancelled on trend side, kept on counter-trend side", "symbol", sym, "trend_side", trendSide.String())
	}

	c.runBalancer(ctx, symbols)
}

// trendSide is the side whose grid level is higher: it has averaged
// against the move and is the side panic protection strips TP from.
func (c *Controller) trendSide(symbol string) core.Side {
	longLevel := c.ledger.GridLevel(symbol, core.SideLong)
	shortLevel := c.ledger.GridLevel(symbol, core.SideShort)
	if shortLevel > longLevel {
		return core.SideShort
	}
	return core.SideLong
}

// --- 4.5.6 Adaptive balancer ---

type balanceOrder struct {
	symbol      string
	laggingSide core.Side
	qtyToBuy    decimal.Decimal
	marginNeeded decimal.Decimal
	price       decimal.Decimal
}

func (c *Controller) runBalancer(ctx context.Context, symbols map[string]*registeredRiskSymbol) {
	var orders []balanceOrder

	for sym, reg := range symbols {
		longQty := c.ledger.TotalQty(sym, core.SideLong)
		shortQty := c.ledger.TotalQty(sym, core.SideShort)
		if longQty.Equal(shortQty) {
			continue
		}

		laggingSide := core.SideLong
		deficit := shortQty.Sub(longQty)
		if longQty.GreaterThan(shortQty) {
			laggingSide = core.SideShort
			deficit = longQty.Sub(shortQty)
		}

		price := c.priceOf(sym)
		if price.IsZero() {
			t, err := c.exchange.GetTicker(ctx, sym)
			if err != nil {
				c.logger.Error("balancer: ticker fetch failed, skipping symbol", "symbol", sym, "error", err)
				continue
			}
			price = t.LastPrice
		}

		margin := deficit.Mul(price).Div(decimal.NewFromInt(reg.leverage))
		orders = append(orders, balanceOrder{symbol: sym, laggingSide: laggingSide, qtyToBuy: deficit, marginNeeded: margin, price: price})
	}

	if len(orders) == 0 {
		return
	}

	totalNeeded := decimal.Zero
	for _, o := range orders {
		totalNeeded = totalNeeded.Add(o.marginNeeded)
	}

	available := c.AvailableForTrading()

	var scale decimal.Decimal
	switch {
	case available.GreaterThanOrEqual(totalNeeded):
		scale = decimal.NewFromInt(1)
	case available.GreaterThan(decimal.NewFromFloat(minBalanceScale)):
		scale = available.Div(totalNeeded)
	default:
		c.logger.Error("balancer: insufficient funds to rebalance any symbol", "available", available.String(), "total_needed", totalNeeded.String())
		return
	}

	for _, o := range orders {
		qty := o.qtyToBuy.Mul(scale)
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		req := core.PlaceOrderRequest{
			Symbol:      o.symbol,
			Side:        orderSideFor(o.laggingSide),
			Qty:         qty,
			OrderType:   core.OrderTypeMarket,
			ReduceOnly:  false,
			PositionIdx: int(o.laggingSide),
			ClientOID:   uuid.NewString(),
		}
		res, err := c.exchange.PlaceOrder(ctx, req)
		if err != nil {
			c.logger.Error("balancer order failed", "symbol", o.symbol, "side", o.laggingSide.String(), "error", err)
			continue
		}

		if err := c.ledger.AddEntry(o.symbol, o.laggingSide, o.price, qty, c.ledger.GridLevel(o.symbol, o.laggingSide), res.OrderID); err != nil {
			c.logger.Error("balancer ledger update failed", "symbol", o.symbol, "error", err)
			continue
		}

		if reg, ok := symbols[o.symbol]; ok {
			if r, ok := reg.strategy.(interface {
				ForceRefreshTakeProfit(ctx context.Context, side core.Side)
			}); ok {
				reg.strategy.CancelTakeProfit(ctx, o.laggingSide)
				r.ForceRefreshTakeProfit(ctx, o.laggingSide)
			}
		}
	}
}

func orderSideFor(side core.Side) core.OrderSide {
	if side == core.SideLong {
		return core.OrderSideBuy
	}
	return core.OrderSideSell
}

// --- 4.5.7 Emergency close ---

// checkEmergencyClose closes every position across every registered symbol
// via market reduce-only orders once the account MM rate crosses the
// configured threshold, then writes the emergency-stop flag barring
// restart.
func (c *Controller) checkEmergencyClose(ctx context.Context) {
	if c.wallet.MMRatePercent().LessThan(c.mmRateThreshold) {
		return
	}

	c.stateMu.Lock()
	if c.emergencyStopped {
		c.stateMu.Unlock()
		return
	}
	c.emergencyStopped = true
	c.stateMu.Unlock()

	c.logger.Error("account maintenance margin rate breach, closing all positions", "mm_rate", c.wallet.MMRatePercent().String(), "threshold", c.mmRateThreshold.String())

	c.mu.RLock()
	symbols := make(map[string]*registeredRiskSymbol, len(c.symbols))
	for sym, reg := range c.symbols {
		symbols[sym] = reg
	}
	c.mu.RUnlock()

	for sym := range symbols {
		for _, side := range []core.Side{core.SideLong, core.SideShort} {
			qty := c.ledger.TotalQty(sym, side)
			if qty.IsZero() {
				continue
			}
			_, err := c.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
				Symbol:      sym,
				Side:        orderSideFor(side.Opposite()),
				Qty:         qty,
				OrderType:   core.OrderTypeMarket,
				ReduceOnly:  true,
				PositionIdx: int(side),
				ClientOID:   uuid.NewString(),
			})
			if err != nil {
				c.logger.Error("emergency close order failed", "symbol", sym, "side", side.String(), "error", err)
				continue
			}
			c.ledger.ClearSide(sym, side)
		}
	}

	diagnostic := map[string]interface{}{
		"mm_rate_percent": c.wallet.MMRatePercent().String(),
		"threshold":       c.mmRateThreshold.String(),
	}
	if err := writeEmergencyStopFile(c.dataDir, c.accountID, "", "MM_RATE_BREACH", diagnostic); err != nil {
		c.logger.Error("failed to write emergency-stop flag", "error", err)
	}
}

// NotifyCloseEvent lets GridStrategy tell the controller a side just closed
// (TP fill or forced close), so the reserve and panic checks run against
// fresh ledger state without waiting for the next tick.
func (c *Controller) NotifyCloseEvent(symbol string, side core.Side) {
	ctx := context.Background()
	c.recomputeSafetyReserve(ctx)
	c.evaluateFreeze(ctx)
	c.evaluatePanic(ctx)
}

// --- Lifecycle ---

// Start launches the 60s tick that re-evaluates the reserve, freeze, panic,
// and emergency-close state even absent any averaging check or close event.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop()
}

func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) runLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(atrCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			reserve := c.recomputeSafetyReserve(c.ctx)
			c.evaluateFreeze(c.ctx)
			c.evaluatePanic(c.ctx)
			c.checkEmergencyClose(c.ctx)
			c.logger.Info("risk tick", "safety_reserve", reserve.String(), "available", c.AvailableForTrading().String(), "frozen", c.IsFrozen(), "panic", c.IsPanicMode())
		}
	}
}

var _ core.IRiskController = (*Controller)(nil)
