package ledger

import (
	"testing"

	"market_maker/internal/core"
	"market_maker/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(t.TempDir(), 1, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_AddEntryAccumulatesAverage(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 0, "o1"))
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.099), decimal.NewFromInt(20), 1, "o2"))

	assert.Equal(t, uint32(2), l.GridLevel("DOGEUSDT", core.SideLong))
	assert.True(t, l.TotalQty("DOGEUSDT", core.SideLong).Equal(decimal.NewFromInt(30)))

	avg := l.AvgEntry("DOGEUSDT", core.SideLong)
	assert.True(t, avg.GreaterThan(decimal.NewFromFloat(0.0989)))
	assert.True(t, avg.LessThan(decimal.NewFromFloat(0.0994)))
}

func TestLedger_ClearSideResetsState(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideShort, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 0, "o1"))
	l.SetTPID("DOGEUSDT", core.SideShort, "tp1")

	l.ClearSide("DOGEUSDT", core.SideShort)

	assert.True(t, l.TotalQty("DOGEUSDT", core.SideShort).IsZero())
	assert.Equal(t, "", l.GetTPID("DOGEUSDT", core.SideShort))
}

func TestLedger_SnapshotAndRestoreRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 0, "o1"))

	snap := l.Snapshot()

	l2 := newTestLedger(t)
	require.NoError(t, l2.Restore(snap))
	assert.True(t, l2.TotalQty("DOGEUSDT", core.SideLong).Equal(decimal.NewFromInt(10)))
}

func TestLedger_AddEntryRejectsLevelSkip(t *testing.T) {
	l := newTestLedger(t)

	err := l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 1, "o1")
	assert.Error(t, err)
	assert.True(t, l.GridLevel("DOGEUSDT", core.SideLong) == 0)

	require.NoError(t, l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 0, "o1"))

	err = l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(10), 2, "o2")
	assert.Error(t, err)
	assert.Equal(t, uint32(1), l.GridLevel("DOGEUSDT", core.SideLong))
}

func TestLedger_AddEntryRejectsNonPositiveQtyOrPrice(t *testing.T) {
	l := newTestLedger(t)

	err := l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.Zero, 0, "o1")
	assert.Error(t, err)

	err = l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromFloat(0.10), decimal.NewFromInt(-5), 0, "o1")
	assert.Error(t, err)

	err = l.AddEntry("DOGEUSDT", core.SideLong, decimal.Zero, decimal.NewFromInt(10), 0, "o1")
	assert.Error(t, err)

	err = l.AddEntry("DOGEUSDT", core.SideLong, decimal.NewFromInt(-1), decimal.NewFromInt(10), 0, "o1")
	assert.Error(t, err)

	assert.True(t, l.TotalQty("DOGEUSDT", core.SideLong).IsZero())
}

func TestLedger_SetReferenceQtyLogsMismatchBeyondToleranceButStillAccepts(t *testing.T) {
	l := newTestLedger(t)

	l.SetReferenceQty("DOGEUSDT", 0, decimal.NewFromFloat(10.0))
	l.SetReferenceQty("DOGEUSDT", 0, decimal.NewFromFloat(10.0000000001)) // within 1e-9 tolerance
	qty, ok := l.GetReferenceQty("DOGEUSDT", 0)
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromFloat(10.0000000001)))

	l.SetReferenceQty("DOGEUSDT", 0, decimal.NewFromFloat(10.5)) // beyond tolerance, logged but accepted
	qty, ok = l.GetReferenceQty("DOGEUSDT", 0)
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromFloat(10.5)))
}

func TestLedger_PersistsSnapshotToDisk(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 7, logging.NewLogger(logging.InfoLevel, nil))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AddEntry("BTCUSDT", core.SideLong, decimal.NewFromInt(50000), decimal.NewFromFloat(0.01), 0, "o1"))

	restored, err := LoadSnapshot(dir, 7)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, uint16(7), restored.AccountID)
}
