// Package wallet implements WalletCache (C3): a real-time mirror of one
// account's balance/IM/MM/accountMMRate, seeded from REST and kept current by
// a single writer (the private stream dispatch thread), with many concurrent
// readers (every GridStrategy and the RiskController checking available
// margin before averaging).
//
// The single-writer-RWMutex-cache shape is this lineage's own pattern for
// mirroring an exchange-pushed account snapshot in memory.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// Cache holds the latest WalletSnapshot for one account. Seed populates it
// from a REST call at startup; every subsequent update comes from the
// account's private wallet stream via Update.
type Cache struct {
	mu    sync.RWMutex
	snap  core.WalletSnapshot
	ready bool

	logger core.ILogger
}

func New(logger core.ILogger) *Cache {
	return &Cache{logger: logger.WithField("component", "wallet_cache")}
}

// Seed fetches the current wallet balance over REST and stores it. Called
// once at AccountRuntime startup, before the private stream's first Update
// can race ahead of it.
func (c *Cache) Seed(ctx context.Context, exchange core.IExchange) error {
	snap, err := exchange.GetWallet(ctx)
	if err != nil {
		return fmt.Errorf("seed wallet cache: %w", err)
	}

	c.mu.Lock()
	c.snap = snap
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("wallet cache seeded",
		"total_equity", snap.TotalEquity.String(),
		"total_available_balance", snap.TotalAvailableBalance.String())
	return nil
}

// Update applies a wallet push from the private stream. Single writer: only
// the stream dispatch goroutine for this account ever calls this.
func (c *Cache) Update(u core.WalletUpdate) {
	c.mu.Lock()
	c.snap = core.WalletSnapshot{
		TotalEquity:            u.TotalEquity,
		TotalAvailableBalance:  u.TotalAvailableBalance,
		TotalInitialMargin:     u.TotalInitialMargin,
		TotalOrderIM:           u.TotalOrderIM,
		TotalMaintenanceMargin: u.TotalMaintenanceMargin,
		AccountMMRatePercent:   u.AccountMMRate,
	}
	c.ready = true
	c.mu.Unlock()
}

// Snapshot returns the current wallet mirror. Safe for concurrent readers.
func (c *Cache) Snapshot() core.WalletSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Ready reports whether the cache has received at least one seed or update.
// Neither RiskController nor GridStrategy consults it; Runtime.Start seeds
// the cache, and fails if seeding fails, before any stream callback is
// wired.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// AvailableBalance is the shorthand most callers want: free margin before
// any reserve is applied.
func (c *Cache) AvailableBalance() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.TotalAvailableBalance
}

// MMRatePercent is the account's current maintenance-margin-rate percentage,
// the primary input to RiskController's panic/early-freeze thresholds.
func (c *Cache) MMRatePercent() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.AccountMMRatePercent
}
