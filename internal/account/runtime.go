// Package account implements AccountRuntime (C9): the owner of one
// account's RiskController, its set of per-symbol GridStrategy instances,
// the shared exchange adapter and WalletCache, and the account-wide
// serializing mutex spec §5 requires around every AccountState mutation.
//
// The single owning-struct-with-a-lifecycle-mutex shape (construct, wire
// dependencies, Start, Shutdown) mirrors this lineage's own orchestrator
// and adapter constructors; the accept-two-narrow-interfaces resolution of
// the strategy/account/risk cyclic reference is new domain wiring this
// package adds, per spec §9's own note on the cycle.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/ledger"
	"market_maker/internal/order"
	"market_maker/internal/risk"
	"market_maker/internal/trading/grid"
	"market_maker/internal/wallet"

	"github.com/shopspring/decimal"
)

const reconcileInterval = 60 * time.Second

// Runtime is one account's full vertical slice.
type Runtime struct {
	id     uint16
	cfg    config.AccountConfig
	env    core.Env
	creds  core.Credentials
	logger core.ILogger

	exchange  core.IExchange
	streamHub core.IStreamHub

	wallet     *wallet.Cache
	ledger     core.IPositionLedger
	risk       *risk.Controller
	reconciler *risk.Reconciler

	// mu is the account-wide serializing mutex of spec §5: every stream
	// callback that mutates AccountState runs under it, in the order
	// acquire -> recompute -> re-check -> command -> update ledger -> release.
	mu         sync.Mutex
	strategies map[string]*grid.Strategy
	leverage   map[string]int64

	unsubscribe []func()
}

// New wires one account's components from its configuration, following
// the teacher's own pattern of validated config in, fully-constructed
// runtime object out. The exchange and stream hub (C1, C2) are supplied by
// the caller; everything else here is constructed for this account alone.
func New(cfg config.AccountConfig, systemCfg config.SystemConfig, exchange core.IExchange, streamHub core.IStreamHub, creds core.Credentials, logger core.ILogger) (*Runtime, error) {
	accountLogger := logger.WithField("account_id", cfg.ID)

	l, err := ledger.New(systemCfg.DataDir, cfg.ID, accountLogger)
	if err != nil {
		return nil, fmt.Errorf("account %03d: open ledger: %w", cfg.ID, err)
	}

	w := wallet.New(accountLogger)
	riskController := risk.NewController(cfg.ID, systemCfg.DataDir, exchange, w, l, accountLogger, cfg.RiskManagement.MMRateThresholdPercent)
	reconciler := risk.NewReconciler(cfg.ID, systemCfg.DataDir, exchange, l, accountLogger, reconcileInterval)

	env := core.EnvProduction
	if cfg.DemoTrading {
		env = core.EnvDemo
	}

	rt := &Runtime{
		id:         cfg.ID,
		cfg:        cfg,
		env:        env,
		creds:      creds,
		logger:     accountLogger,
		exchange:   exchange,
		streamHub:  streamHub,
		wallet:     w,
		ledger:     l,
		risk:       riskController,
		reconciler: reconciler,
		strategies: make(map[string]*grid.Strategy),
		leverage:   make(map[string]int64),
	}

	for _, sc := range cfg.Strategies {
		tracker := order.NewTracker(exchange, sc.LimitOrderOffsetPercent, sc.LimitOrderMaxRetries, accountLogger)
		strategy := grid.NewStrategy(grid.Config{
			Symbol:                 sc.Symbol,
			Leverage:               sc.Leverage,
			InitialPositionSizeUSD: decimal.NewFromFloat(sc.InitialPositionSizeUSD),
			GridStepPercent:        decimal.NewFromFloat(sc.GridStepPercent),
			AveragingMultiplier:    decimal.NewFromFloat(sc.AveragingMultiplier),
			TakeProfitPercent:      decimal.NewFromFloat(sc.TakeProfitPercent),
			MaxGridLevelsPerSide:   uint32(sc.MaxGridLevelsPerSide),
			TakerFeePercent:        decimal.NewFromFloat(systemCfg.TakerFeePercent),
		}, l, riskController, exchange, tracker, w, accountLogger)

		rt.strategies[sc.Symbol] = strategy
		rt.leverage[sc.Symbol] = sc.Leverage
		riskController.RegisterStrategy(sc.Symbol, sc.Leverage, strategy)
		reconciler.RegisterStrategy(sc.Symbol, sc.Leverage, decimal.NewFromFloat(sc.InitialPositionSizeUSD), strategy)
	}

	return rt, nil
}

// Start performs the exchange-side startup sequence (position mode,
// leverage), seeds the wallet cache, runs the Reconciler's startup
// restore, opens the private stream, subscribes every symbol's public
// ticker, and launches the periodic-sync and risk-tick background loops.
// Returns an error without starting any background work if any step
// fails, matching spec §6's "failure is fatal with a precise diagnostic".
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.exchange.CheckHealth(ctx); err != nil {
		return fmt.Errorf("account %03d: exchange health check: %w", rt.id, err)
	}

	for symbol := range rt.strategies {
		if err := rt.exchange.SetPositionMode(ctx, symbol, true); err != nil {
			return fmt.Errorf("account %03d: set hedge mode for %s: %w", rt.id, symbol, err)
		}
	}
	for symbol, leverage := range rt.leverage {
		if err := rt.exchange.SetLeverage(ctx, symbol, leverage); err != nil {
			return fmt.Errorf("account %03d: set leverage for %s: %w", rt.id, symbol, err)
		}
	}

	if err := rt.wallet.Seed(ctx, rt.exchange); err != nil {
		return fmt.Errorf("account %03d: seed wallet: %w", rt.id, err)
	}

	if err := rt.reconciler.StartupRestore(ctx); err != nil {
		return fmt.Errorf("account %03d: startup restore: %w", rt.id, err)
	}

	if err := rt.streamHub.OpenPrivate(ctx, rt.id, rt.creds, rt.env, core.PrivateCallbacks{
		OnPosition:  rt.onPosition,
		OnWallet:    rt.onWallet,
		OnOrder:     rt.onOrder,
		OnExecution: rt.onExecution,
	}); err != nil {
		return fmt.Errorf("account %03d: open private stream: %w", rt.id, err)
	}

	for symbol, strategy := range rt.strategies {
		sym, strat := symbol, strategy
		unsub := rt.streamHub.SubscribeTicker(sym, rt.env, func(t core.Ticker) {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			rt.risk.OnPrice(sym, t.LastPrice)
			strat.OnPrice(context.Background(), t.LastPrice)
		})
		rt.unsubscribe = append(rt.unsubscribe, unsub)
	}

	rt.risk.Start(ctx)
	rt.reconciler.Start(ctx)

	rt.logger.Info("account runtime started", "symbols", rt.symbolList())
	return nil
}

// Shutdown performs the graceful shutdown ordering: stop the timer loops,
// close the private stream, then release. The ledger persists on every
// mutation already, so there is no separate flush step beyond closing its
// underlying handles.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.risk.Stop()
	rt.reconciler.Stop()

	for _, unsub := range rt.unsubscribe {
		unsub()
	}

	if err := rt.streamHub.ClosePrivate(rt.id); err != nil {
		rt.logger.Warn("close private stream failed", "error", err)
	}

	if closer, ok := rt.ledger.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			rt.logger.Warn("ledger close failed", "error", err)
		}
	}

	rt.logger.Info("account runtime stopped")
}

func (rt *Runtime) symbolList() []string {
	symbols := make([]string, 0, len(rt.strategies))
	for s := range rt.strategies {
		symbols = append(symbols, s)
	}
	return symbols
}

// --- Stream callback dispatch, each under the account mutex (spec §5) ---

func (rt *Runtime) onPosition(u core.PositionUpdate) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if strat, ok := rt.strategies[u.Symbol]; ok {
		strat.OnPositionStream(context.Background(), u.Side, u.Size, u.AvgPrice)
	}
}

// onWallet updates the shared cache once; strategies read it via the
// WalletCache handle they were constructed with, rather than each
// receiving a duplicate push.
func (rt *Runtime) onWallet(u core.WalletUpdate) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.wallet.Update(u)
}

func (rt *Runtime) onOrder(o core.Order) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if strat, ok := rt.strategies[o.Symbol]; ok {
		strat.OnOrder(context.Background(), o)
	}
}

func (rt *Runtime) onExecution(e core.Execution) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if strat, ok := rt.strategies[e.Symbol]; ok {
		strat.OnExecution(context.Background(), e)
	}
}
