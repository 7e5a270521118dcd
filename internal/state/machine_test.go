package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/wal"
)

func testMachine(t *testing.T) (*Machine, *database.Database, *core.Coordinator) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	walLog, err := wal.Open(filepath.Join(dir, "state.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	coord := core.NewCoordinator(time.Now())
	return NewMachine(db, walLog, coord, []byte("test-secret")), db, coord
}

func TestBootstrapIsObserveOnly(t *testing.T) {
	m, _, _ := testMachine(t)

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, ObserveOnly, st)
}

func TestTransitionBumpsCounterAndLogsWAL(t *testing.T) {
	m, db, _ := testMachine(t)

	before, err := m.Current()
	require.NoError(t, err)

	require.NoError(t, m.Transition(PaperTrading, "test", nil))

	after, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, string(PaperTrading), after.State)
	assert.Greater(t, after.Counter, before.Counter)

	n, err := db.CountEvents("STATE_CHANGED")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestTamperedSignatureForcesHalt(t *testing.T) {
	m, db, _ := testMachine(t)

	require.NoError(t, m.Transition(PaperTrading, "test", nil))

	// corrupt the stored state out-of-band
	require.NoError(t, db.DB().Model(&database.BotStateRow{}).
		Where("id = ?", 1).Update("state", string(LiveTrading)).Error)

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, Halted, st, "unverifiable state must read as HALTED")

	// and the forced HALTED row is itself durable and verifiable
	st2, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, Halted, st2)
}

func TestHaltRaisesBarrier(t *testing.T) {
	m, _, coord := testMachine(t)

	gen := coord.BarrierGeneration()
	require.NoError(t, m.Halt(core.HaltOperator))

	assert.True(t, coord.BarrierActive())
	assert.Greater(t, coord.BarrierGeneration(), gen)

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, Halted, st)
}

func TestBlockerPolicy(t *testing.T) {
	m, _, _ := testMachine(t)
	require.NoError(t, m.Transition(PaperTrading, "test", nil))

	ok, st, err := m.AllowNewExposure()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, PaperTrading, st)

	// PAPER tolerates only COST_ACCOUNTING_DEGRADED
	m.SetBlocker(BlockerCostAccountingDegraded)
	ok, _, err = m.AllowNewExposure()
	require.NoError(t, err)
	assert.True(t, ok)

	m.SetBlocker(BlockerWSDown)
	ok, _, err = m.AllowNewExposure()
	require.NoError(t, err)
	assert.False(t, ok)

	m.ClearBlocker(BlockerWSDown)
	ok, _, err = m.AllowNewExposure()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestObserveOnlyNeverAllowsExposure(t *testing.T) {
	m, _, _ := testMachine(t)

	ok, st, err := m.AllowNewExposure()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ObserveOnly, st)
}

func TestHaltedDailyResumesPriorPaperState(t *testing.T) {
	m, db, coord := testMachine(t)
	require.NoError(t, m.Transition(PaperTrading, "test", nil))

	require.NoError(t, m.HaltDaily())
	st, err := m.State()
	require.NoError(t, err)
	require.Equal(t, HaltedDaily, st)
	assert.True(t, coord.BarrierActive())

	// not yet expired
	require.NoError(t, m.TickDailyExpiry(time.Now().UTC()))
	st, _ = m.State()
	assert.Equal(t, HaltedDaily, st)

	// re-sign an already-expired halt window and tick again
	row, err := m.Current()
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	row.Counter++
	row.HaltUntil = &past
	row.Signature = m.signatureFor(row)
	require.NoError(t, db.SaveBotState(row))

	require.NoError(t, m.TickDailyExpiry(time.Now().UTC()))
	st, err = m.State()
	require.NoError(t, err)
	assert.Equal(t, PaperTrading, st, "resumes PAPER because that was the prior state")
	assert.False(t, coord.BarrierActive())
}

func TestRestartDowngradeScenario(t *testing.T) {
	m, _, _ := testMachine(t)

	// simulate a prior process having persisted LIVE_TRADING legitimately
	require.NoError(t, m.Transition(PaperTrading, "t", nil))
	require.NoError(t, m.Transition(LiveArmed, "t", nil))
	require.NoError(t, m.Transition(LiveTrading, "t", nil))

	// what startup step 5 does
	row, err := m.Current()
	require.NoError(t, err)
	require.Equal(t, string(LiveTrading), row.State)
	require.NoError(t, m.Transition(ObserveOnly, "startup downgrade", nil))

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, ObserveOnly, st)
}
