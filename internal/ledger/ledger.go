// Package ledger implements core.IPositionLedger (C4): the per-account,
// per-symbol, per-side store of filled grid entries and take-profit
// tracking. State mutation and persistence happen under the same lock, so
// a crash can never observe a state change that wasn't also durable
// (adapted from this lineage's position manager locking discipline).
//
// Snapshots are written atomically (temp file + rename, this lineage's
// crash-safe file store pattern) and every mutation is additionally
// appended to a SQLite audit log for post-incident forensics.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"market_maker/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Ledger is one account's position ledger. All IPositionLedger methods lock
// mu for their entire duration, including the persistence write, so a
// reader (Snapshot, or the process dying) never observes a half-applied
// mutation.
type Ledger struct {
	mu    sync.Mutex
	state *core.AccountState

	dataDir string
	auditDB *sql.DB
	logger  core.ILogger
}

// New constructs a Ledger for accountID, opening (creating if absent) its
// SQLite audit log under dataDir.
func New(dataDir string, accountID uint16, logger core.ILogger) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("account_%03d_audit.db", accountID))
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ledger_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		event TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side INTEGER NOT NULL,
		detail TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create ledger_events table: %w", err)
	}

	l := &Ledger{
		state:   core.NewAccountState(accountID),
		dataDir: dataDir,
		auditDB: db,
		logger:  logger.WithField("component", "ledger").WithField("account_id", accountID),
	}
	return l, nil
}

func (l *Ledger) snapshotPath() string {
	return filepath.Join(l.dataDir, fmt.Sprintf("account_%03d_state.json", l.state.AccountID))
}

// persistLocked writes the current state atomically. Caller must hold mu.
func (l *Ledger) persistLocked() error {
	data, err := json.Marshal(l.state)
	if err != nil {
		return fmt.Errorf("marshal account state: %w", err)
	}

	path := l.snapshotPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state tempfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state tempfile: %w", err)
	}
	return nil
}

func (l *Ledger) auditLocked(event, symbol string, side core.Side, detail interface{}) {
	payload, _ := json.Marshal(detail)
	if _, err := l.auditDB.Exec(
		`INSERT INTO ledger_events (ts, event, symbol, side, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), event, symbol, int(side), string(payload),
	); err != nil {
		l.logger.Warn("audit log write failed", "event", event, "symbol", symbol, "error", err)
	}
}

// AddEntry records a filled grid entry and bumps the side's level counter.
// Three invariants are enforced fail-fast (spec §4.2): level must match the
// side's current grid_level exactly, so entries can never be recorded out
// of order or skip a level; qty and price must both be strictly positive,
// so a bad fill or a reconstruction bug can never corrupt the
// grid_level == len(entries) accounting silently.
func (l *Ledger) AddEntry(symbol string, side core.Side, price, qty decimal.Decimal, level uint32, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sym := l.state.Symbol(symbol)
	sideState := sym.Side(side)

	if current := sideState.GridLevel(); level != current {
		return fmt.Errorf("ledger: add_entry level mismatch for %s/%s: got level=%d, current grid_level=%d", symbol, side.String(), level, current)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("ledger: add_entry requires positive qty for %s/%s, got %s", symbol, side.String(), qty.String())
	}
	if !price.IsPositive() {
		return fmt.Errorf("ledger: add_entry requires positive price for %s/%s, got %s", symbol, side.String(), price.String())
	}

	entry := core.GridEntry{
		GridLevel:  level,
		QtyCoins:   qty,
		EntryPrice: price,
		OrderID:    orderID,
		OpenedAt:   time.Now(),
	}
	sideState.Entries = append(sideState.Entries, entry)

	if err := l.persistLocked(); err != nil {
		return err
	}
	l.auditLocked("add_entry", symbol, side, entry)
	return nil
}

// ClearSide wipes one side's grid entries and TP tracking, used after a TP
// fill closes the whole side (spec §4.3.2).
func (l *Ledger) ClearSide(symbol string, side core.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sym := l.state.Symbol(symbol)
	sideState := sym.Side(side)
	closedQty := sideState.TotalQty()
	*sideState = core.SideState{}

	if err := l.persistLocked(); err != nil {
		l.logger.Warn("persist after ClearSide failed", "symbol", symbol, "error", err)
	}
	l.auditLocked("clear_side", symbol, side, map[string]string{"closed_qty": closedQty.String()})
}

func (l *Ledger) TotalQty(symbol string, side core.Side) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).Side(side).TotalQty()
}

func (l *Ledger) AvgEntry(symbol string, side core.Side) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).Side(side).AvgEntry()
}

func (l *Ledger) GridLevel(symbol string, side core.Side) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).Side(side).GridLevel()
}

func (l *Ledger) TotalMargin(symbol string, side core.Side, price decimal.Decimal, leverage int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).Side(side).TotalMargin(price, leverage)
}

func (l *Ledger) SetTPID(symbol string, side core.Side, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Symbol(symbol).Side(side).TPOrderID = orderID
	if err := l.persistLocked(); err != nil {
		l.logger.Warn("persist after SetTPID failed", "symbol", symbol, "error", err)
	}
	l.auditLocked("set_tp_id", symbol, side, map[string]string{"order_id": orderID})
}

func (l *Ledger) GetTPID(symbol string, side core.Side) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).Side(side).TPOrderID
}

// referenceQtyTolerance is the maximum allowed divergence between a
// previously recorded reference qty and a newly observed one for the same
// level before it is logged as a mismatch (spec §4.2); exchange-side
// rounding can legitimately drift a level's qty by a hair, so this is
// logged and accepted rather than rejected.
var referenceQtyTolerance = decimal.New(1, -9)

func (l *Ledger) SetReferenceQty(symbol string, level uint32, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sym := l.state.Symbol(symbol)
	if sym.ReferenceQtyPerLevel == nil {
		sym.ReferenceQtyPerLevel = make(map[uint32]decimal.Decimal)
	}
	if existing, ok := sym.ReferenceQtyPerLevel[level]; ok {
		if existing.Sub(qty).Abs().GreaterThan(referenceQtyTolerance) {
			l.logger.Warn("reference qty mismatch beyond tolerance", "symbol", symbol, "level", level, "existing", existing.String(), "new", qty.String())
		}
	}
	sym.ReferenceQtyPerLevel[level] = qty
	if err := l.persistLocked(); err != nil {
		l.logger.Warn("persist after SetReferenceQty failed", "symbol", symbol, "error", err)
	}
}

func (l *Ledger) GetReferenceQty(symbol string, level uint32) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	qty, ok := l.state.Symbol(symbol).ReferenceQtyPerLevel[level]
	return qty, ok
}

func (l *Ledger) SetPendingEntryOrders(symbol string, side core.Side, orderIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sym := l.state.Symbol(symbol)
	if sym.PendingEntryOrders == nil {
		sym.PendingEntryOrders = make(map[core.Side][]string)
	}
	sym.PendingEntryOrders[side] = orderIDs
	if err := l.persistLocked(); err != nil {
		l.logger.Warn("persist after SetPendingEntryOrders failed", "symbol", symbol, "error", err)
	}
}

func (l *Ledger) GetPendingEntryOrders(symbol string, side core.Side) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Symbol(symbol).PendingEntryOrders[side]
}

// Snapshot returns a deep copy of the account state for diagnostics and
// reconciliation comparison.
func (l *Ledger) Snapshot() *core.AccountState {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(l.state)
	if err != nil {
		l.logger.Error("snapshot marshal failed", "error", err)
		return core.NewAccountState(l.state.AccountID)
	}
	var dup core.AccountState
	if err := json.Unmarshal(data, &dup); err != nil {
		l.logger.Error("snapshot unmarshal failed", "error", err)
		return core.NewAccountState(l.state.AccountID)
	}
	return &dup
}

// Restore replaces in-memory state wholesale, used by the reconciler's
// startup restore (spec §4.4.1) once it has validated the snapshot against
// the exchange.
func (l *Ledger) Restore(snapshot *core.AccountState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = snapshot
	return l.persistLocked()
}

// LoadSnapshot reads a persisted account state from disk, if present.
func LoadSnapshot(dataDir string, accountID uint16) (*core.AccountState, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("account_%03d_state.json", accountID))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var state core.AccountState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// Close releases the audit database handle.
func (l *Ledger) Close() error {
	return l.auditDB.Close()
}

var _ core.IPositionLedger = (*Ledger)(nil)
