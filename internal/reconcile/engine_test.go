package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
	"github.com/web3guy0/polyedge/internal/wal"
)

// fakeVenue is a canned-response venue client.
type fakeVenue struct {
	orders    []venue.VenueOrder
	positions []venue.VenuePosition
	err       error
}

func (f *fakeVenue) OpenOrders(ctx context.Context, marketID string) ([]venue.VenueOrder, error) {
	return f.orders, f.err
}
func (f *fakeVenue) OrderByClientID(ctx context.Context, clientOrderID string) (*venue.VenueOrder, error) {
	for i := range f.orders {
		if f.orders[i].ClientOrderID == clientOrderID {
			return &f.orders[i], nil
		}
	}
	return nil, f.err
}
func (f *fakeVenue) Fills(ctx context.Context, marketID string, since time.Time) ([]venue.VenueFill, error) {
	return nil, f.err
}
func (f *fakeVenue) Positions(ctx context.Context) ([]venue.VenuePosition, error) {
	return f.positions, f.err
}
func (f *fakeVenue) BalanceUSD(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), f.err
}
func (f *fakeVenue) SubmitLimitOrder(ctx context.Context, req venue.SubmitRequest) (*venue.SubmitResult, error) {
	return nil, f.err
}
func (f *fakeVenue) CancelOrder(ctx context.Context, exchangeOrderID string) error { return f.err }
func (f *fakeVenue) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func testEngine(t *testing.T, fv *fakeVenue) (*Engine, *database.Database, *core.Coordinator, *state.Machine) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "recon.db"))
	require.NoError(t, err)
	walLog, err := wal.Open(filepath.Join(dir, "recon.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	coord := core.NewCoordinator(time.Now())
	machine := state.NewMachine(db, walLog, coord, []byte("secret"))
	eng := New(db, fv, coord, machine)
	return eng, db, coord, machine
}

func TestGreenRequiresACompletedCycle(t *testing.T) {
	eng, _, _, _ := testEngine(t, &fakeVenue{})

	green, reason := eng.Green(time.Now())
	assert.False(t, green)
	assert.Equal(t, core.ReasonReconcileNotGreen, reason)

	require.NoError(t, eng.Run(context.Background(), TriggerStartup))
	green, _ = eng.Green(time.Now())
	assert.True(t, green)
}

func TestGreenFalseWhilePendingUnknownExists(t *testing.T) {
	eng, db, _, _ := testEngine(t, &fakeVenue{})
	require.NoError(t, eng.Run(context.Background(), TriggerStartup))

	pu := time.Now().UTC()
	require.NoError(t, db.SaveOrder(&database.OrderRow{
		ID: "o1", MarketID: "m1", Side: "YES", Mode: "LIVE",
		ClientOrderID: "c1", Status: "PENDING_UNKNOWN",
		PendingUnknownSince: &pu, CreatedAt: pu,
	}))

	green, _ := eng.Green(time.Now())
	assert.False(t, green, "any PENDING_UNKNOWN order blocks green")
}

func TestGreenFalseWithBarrierOrWSDown(t *testing.T) {
	eng, _, coord, machine := testEngine(t, &fakeVenue{})
	require.NoError(t, eng.Run(context.Background(), TriggerStartup))

	coord.RaiseBarrier()
	green, reason := eng.Green(time.Now())
	assert.False(t, green)
	assert.Equal(t, core.ReasonBarrierActive, reason)
	coord.LowerBarrier()

	machine.SetBlocker(state.BlockerWSDown)
	green, _ = eng.Green(time.Now())
	assert.False(t, green)
}

func TestGreenFalseAfterWSActivityPostCycle(t *testing.T) {
	eng, _, coord, _ := testEngine(t, &fakeVenue{})
	require.NoError(t, eng.Run(context.Background(), TriggerStartup))

	// WS traffic after the cycle completion invalidates it
	coord.WSMessageReceived(time.Now().UnixMilli() + 1000)
	green, _ := eng.Green(time.Now().Add(2 * time.Second))
	assert.False(t, green)
}

func TestCycleFailureSetsDegradedBlocker(t *testing.T) {
	fv := &fakeVenue{err: assert.AnError}
	eng, _, _, machine := testEngine(t, fv)

	require.Error(t, eng.Run(context.Background(), TriggerHeartbeat))
	assert.True(t, machine.HasBlocker(state.BlockerReconcileDegraded))

	fv.err = nil
	require.NoError(t, eng.Run(context.Background(), TriggerHeartbeat))
	assert.False(t, machine.HasBlocker(state.BlockerReconcileDegraded))
}

func TestMismatchRecordingAndLevels(t *testing.T) {
	wallet := decimal.NewFromInt(1000)

	// thresholds floor at $1 / $5 for small wallets
	assert.Equal(t, 1, levelFor(99, wallet))
	assert.Equal(t, 2, levelFor(100, wallet))
	assert.Equal(t, 2, levelFor(499, wallet))
	assert.Equal(t, 3, levelFor(500, wallet))

	// a big wallet scales both thresholds to 0.1% of wallet: $100 on $100k
	big := decimal.NewFromInt(100_000)
	assert.Equal(t, 1, levelFor(9_999, big))
	assert.Equal(t, 3, levelFor(10_000, big))
}

func TestGhostOrderCreatesMismatchBlockingGreen(t *testing.T) {
	fv := &fakeVenue{orders: []venue.VenueOrder{{
		ExchangeOrderID: "x1",
		ClientOrderID:   "ghost",
		MarketID:        "m1",
		SizeUSD:         decimal.NewFromInt(50),
		Status:          venue.VenueOrderOpen,
	}}}
	eng, db, _, _ := testEngine(t, fv)

	require.NoError(t, eng.Run(context.Background(), TriggerHeartbeat))

	n, err := db.CountActiveMismatchesAtOrAbove(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a $50 ghost on a zero wallet is Level-3")

	green, reason := eng.Green(time.Now())
	assert.False(t, green)
	assert.Equal(t, core.ReasonMismatchActive, reason)
}
