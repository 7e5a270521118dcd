package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/lockmgr"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/snapshot"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
	"github.com/web3guy0/polyedge/internal/wal"
)

type stubVenue struct {
	submitResult *venue.SubmitResult
	submitErr    error
	probeOrder   *venue.VenueOrder
	probeErr     error
}

func (s *stubVenue) OpenOrders(ctx context.Context, marketID string) ([]venue.VenueOrder, error) {
	return nil, nil
}
func (s *stubVenue) OrderByClientID(ctx context.Context, clientOrderID string) (*venue.VenueOrder, error) {
	return s.probeOrder, s.probeErr
}
func (s *stubVenue) Fills(ctx context.Context, marketID string, since time.Time) ([]venue.VenueFill, error) {
	return nil, nil
}
func (s *stubVenue) Positions(ctx context.Context) ([]venue.VenuePosition, error) { return nil, nil }
func (s *stubVenue) BalanceUSD(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}
func (s *stubVenue) SubmitLimitOrder(ctx context.Context, req venue.SubmitRequest) (*venue.SubmitResult, error) {
	return s.submitResult, s.submitErr
}
func (s *stubVenue) CancelOrder(ctx context.Context, exchangeOrderID string) error { return nil }
func (s *stubVenue) ServerTime(ctx context.Context) (time.Time, error)             { return time.Now(), nil }

type testRig struct {
	engine  *Engine
	db      *database.Database
	coord   *core.Coordinator
	machine *state.Machine
	locks   *lockmgr.Manager
	recon   *reconcile.Engine
	venue   *stubVenue
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "exec.db"))
	require.NoError(t, err)
	walLog, err := wal.Open(filepath.Join(dir, "exec.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	coord := core.NewCoordinator(time.Now())
	machine := state.NewMachine(db, walLog, coord, []byte("secret"))
	locks := lockmgr.New(db, "test-instance")
	sv := &stubVenue{}
	recon := reconcile.New(db, sv, coord, machine)

	manifest := &config.Manifest{
		ClientOrderIDMaxLen: 32,
		TickSize:            decimal.NewFromFloat(0.01),
	}
	cfg := config.ExecConfig{
		CandidateMaxAge:      120 * time.Second,
		DecisionToExecMax:    8 * time.Second,
		PendingUnknownPoll:   10 * time.Millisecond,
		PendingUnknownMax:    100 * time.Millisecond,
		ResidualMaxAge:       30 * time.Second,
		MarketBarAfterAbsent: 300 * time.Second,
		SubmitTimeout:        time.Second,
	}

	engine := New(db, walLog, coord, machine, locks, recon, sv, cfg, manifest)
	return &testRig{
		engine: engine, db: db, coord: coord, machine: machine,
		locks: locks, recon: recon, venue: sv,
	}
}

// readyTicket puts the rig into a state where the gate passes in PAPER and
// returns a matching ticket.
func (r *testRig) readyTicket(t *testing.T) *Ticket {
	t.Helper()
	require.NoError(t, r.machine.Transition(state.PaperTrading, "test", nil))

	nowMs := time.Now().UnixMilli()
	r.coord.WSConnected()
	r.coord.WSMessageReceived(nowMs)
	require.NoError(t, r.recon.Run(context.Background(), reconcile.TriggerStartup))

	yes := snapshot.Book{
		BestBid: dec("0.45"), BestAsk: dec("0.48"),
		Bids: []snapshot.Level{{Price: dec("0.45"), SizeUSD: dec("200")}},
		Asks: []snapshot.Level{{Price: dec("0.48"), SizeUSD: dec("200")}},
	}
	no := snapshot.Book{
		BestBid: dec("0.50"), BestAsk: dec("0.53"),
		Bids: []snapshot.Level{{Price: dec("0.50"), SizeUSD: dec("200")}},
		Asks: []snapshot.Level{{Price: dec("0.53"), SizeUSD: dec("200")}},
	}
	snap := snapshot.New("m1", snapshot.SourceWS, r.coord.WSEpoch(),
		nowMs, nowMs, nowMs, nowMs, yes, no)

	lease, err := r.locks.Acquire("m1", "w1")
	require.NoError(t, err)

	now := time.Now()
	return &Ticket{
		CandidateID:         "cand-1",
		MarketID:            "m1",
		TokenID:             "tok-yes",
		Side:                core.SideYes,
		LimitPrice:          dec("0.48"),
		SizeUSD:             dec("10"),
		DecisionID:          "d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1",
		ClientOrderID:       "d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1",
		SnapshotID:          snap.ID,
		Snap:                snap,
		CandidateCreatedAt:  now,
		DecidedAt:           now,
		Lease:               lease,
		LockVersionAtDecide: lease.Version,
	}
}

func TestPaperExecutionRestsOrder(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Empty(t, reason)

	order, err := rig.db.GetOrderByClientID(ticket.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, StatusOpen, order.Status)
	assert.Equal(t, ModePaper, order.Mode)
	assert.Equal(t, int64(1000), order.SizeCents)
}

func TestDuplicateExecuteIsSuppressed(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	_, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)

	// same decision id again: no second order row
	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Empty(t, reason)

	var n int64
	require.NoError(t, rig.db.DB().Model(&database.OrderRow{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestGateRejectsBarrier(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	rig.coord.RaiseBarrier()
	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	// the machine still allows PAPER, but the barrier clause fires first
	assert.Equal(t, core.ReasonBarrierActive, reason)
}

func TestGateRejectsObserveOnly(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)
	require.NoError(t, rig.machine.Transition(state.ObserveOnly, "test", nil))

	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonStateNotTrading, reason)
}

func TestGateRejectsStaleEpoch(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	// a disconnect after the snapshot invalidates its epoch
	rig.coord.WSDisconnected()
	rig.coord.WSConnected()
	rig.coord.WSMessageReceived(time.Now().UnixMilli())

	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonWSUnhealthyExec, reason)
}

func TestGateRejectsLateExecution(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)
	ticket.DecidedAt = time.Now().Add(-9 * time.Second)

	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonDecisionTooOld, reason)
}

func TestGateRejectsLostLock(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	// a renewal after decision time changes the version the gate rechecks
	require.NoError(t, rig.locks.Renew(ticket.Lease))

	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonLockLost, reason)
}

func TestGateRejectsBarredMarket(t *testing.T) {
	rig := newTestRig(t)
	ticket := rig.readyTicket(t)

	rig.engine.BarMarket("m1", time.Now().Add(time.Minute))
	reason, err := rig.engine.Execute(context.Background(), ticket, ModePaper)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonMarketBarred, reason)
}

func TestPendingUnknownAbsentBarsMarket(t *testing.T) {
	rig := newTestRig(t)

	pu := time.Now().UTC()
	order := &database.OrderRow{
		ID: "o1", DecisionID: "o1", MarketID: "m1", Side: "YES",
		Status: StatusPendingUnknown, Mode: ModeLive,
		ClientOrderID: "c1", Price: dec("0.48"),
		SizeCents: 1000, ResidualCents: 1000,
		PendingUnknownSince: &pu, CreatedAt: pu,
	}
	require.NoError(t, rig.db.SaveOrder(order))

	// venue cleanly reports no such order
	rig.venue.probeOrder = nil
	require.NoError(t, rig.engine.ResolvePendingUnknown(context.Background(), order, nil))

	got, err := rig.db.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, rig.engine.marketBarred("m1", time.Now()))
}

func TestPendingUnknownSideMismatchHalts(t *testing.T) {
	rig := newTestRig(t)

	pu := time.Now().UTC()
	order := &database.OrderRow{
		ID: "o1", DecisionID: "o1", MarketID: "m1", Side: "YES",
		Status: StatusPendingUnknown, Mode: ModeLive,
		ClientOrderID: "c1", Price: dec("0.48"),
		SizeCents: 1000, ResidualCents: 1000,
		PendingUnknownSince: &pu, CreatedAt: pu,
	}
	require.NoError(t, rig.db.SaveOrder(order))

	rig.venue.probeOrder = &venue.VenueOrder{
		ClientOrderID: "c1",
		Side:          "NO", // opposite of the decision
		Price:         dec("0.48"),
		SizeUSD:       dec("10"),
		Status:        venue.VenueOrderOpen,
	}
	require.NoError(t, rig.engine.ResolvePendingUnknown(context.Background(), order, nil))

	st, err := rig.machine.State()
	require.NoError(t, err)
	assert.Equal(t, state.Halted, st)

	// no CANCELLED was written over the mismatched order
	got, err := rig.db.GetOrder("o1")
	require.NoError(t, err)
	assert.NotEqual(t, StatusCancelled, got.Status)
}

func TestPendingUnknownInconclusiveHalts(t *testing.T) {
	rig := newTestRig(t)

	pu := time.Now().UTC()
	order := &database.OrderRow{
		ID: "o1", DecisionID: "o1", MarketID: "m1", Side: "YES",
		Status: StatusPendingUnknown, Mode: ModeLive,
		ClientOrderID: "c1", Price: dec("0.48"),
		SizeCents: 1000, ResidualCents: 1000,
		PendingUnknownSince: &pu, CreatedAt: pu,
	}
	require.NoError(t, rig.db.SaveOrder(order))

	// every probe stays ambiguous
	rig.venue.probeErr = &venue.ErrAmbiguousOutcome{Op: "probe", Cause: context.DeadlineExceeded}
	require.NoError(t, rig.engine.ResolvePendingUnknown(context.Background(), order, nil))

	st, err := rig.machine.State()
	require.NoError(t, err)
	assert.Equal(t, state.Halted, st)
}
