// Package orchestrator implements Orchestrator (C10): the process-wide
// registry of AccountRuntime instances and their coordinated startup and
// shutdown. Stream fan-out to multiple subscribers of the same (symbol,
// env) pair is handled beneath this by the StreamHub itself (C2's
// subscription-sharing contract); the Orchestrator's job is registering
// accounts and giving the process a single place to start and stop all of
// them together.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"market_maker/internal/account"
	"market_maker/internal/core"

	"golang.org/x/sync/errgroup"
)

// Orchestrator owns the full set of configured accounts for this process.
type Orchestrator struct {
	logger core.ILogger

	mu       sync.RWMutex
	accounts map[uint16]*account.Runtime
	order    []uint16
}

func New(logger core.ILogger) *Orchestrator {
	return &Orchestrator{
		logger:   logger.WithField("component", "orchestrator"),
		accounts: make(map[uint16]*account.Runtime),
	}
}

// Register attaches one account's runtime. Accounts are started in
// registration order and stopped in reverse registration order, so the
// log trace reads predictably; actual startup work still runs concurrently.
func (o *Orchestrator) Register(id uint16, rt *account.Runtime) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.accounts[id]; exists {
		return fmt.Errorf("account %03d already registered", id)
	}
	o.accounts[id] = rt
	o.order = append(o.order, id)
	return nil
}

// StartAll starts every registered account concurrently. If any account
// fails to start, the others already in flight are allowed to finish (or
// fail) and the first error is returned; the caller is expected to treat
// any error here as fatal to the whole process, per spec §6's "failure is
// fatal with a precise diagnostic".
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.RLock()
	ids := append([]uint16(nil), o.order...)
	accounts := make(map[uint16]*account.Runtime, len(o.accounts))
	for id, rt := range o.accounts {
		accounts[id] = rt
	}
	o.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		rt := accounts[id]
		accountID := id
		g.Go(func() error {
			if err := rt.Start(gctx); err != nil {
				return fmt.Errorf("account %03d: %w", accountID, err)
			}
			o.logger.Info("account started", "account_id", accountID)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	o.logger.Info("all accounts started", "count", len(ids))
	return nil
}

// ShutdownAll stops every registered account's background work and closes
// its private stream, in reverse registration order. Shutdown is
// best-effort: one account's failure to stop cleanly does not block the
// others, since spec §9's graceful-shutdown sequencing is per-account.
func (o *Orchestrator) ShutdownAll(ctx context.Context) {
	o.mu.RLock()
	ids := append([]uint16(nil), o.order...)
	accounts := make(map[uint16]*account.Runtime, len(o.accounts))
	for id, rt := range o.accounts {
		accounts[id] = rt
	}
	o.mu.RUnlock()

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		accounts[id].Shutdown(ctx)
		o.logger.Info("account stopped", "account_id", id)
	}
}

// AccountIDs returns the registered account ids in registration order.
func (o *Orchestrator) AccountIDs() []uint16 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]uint16(nil), o.order...)
}
