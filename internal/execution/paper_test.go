package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/database"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fillRecorder struct {
	mu    sync.Mutex
	fills map[string]int64
	fees  map[string]int64
}

func newFillRecorder() *fillRecorder {
	return &fillRecorder{fills: make(map[string]int64), fees: make(map[string]int64)}
}

func (r *fillRecorder) record(orderID string, fillCents, feeCents int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills[orderID] = fillCents
	r.fees[orderID] = feeCents
}

func (r *fillRecorder) get(orderID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fills[orderID]
	return f, ok
}

func (r *fillRecorder) fee(orderID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fees[orderID]
}

func restOrder(pb *PaperBook, id, price string, sizeCents int64) {
	pb.Rest(&database.OrderRow{
		ID:        id,
		MarketID:  "m1",
		Side:      "YES",
		Price:     dec(price),
		SizeCents: sizeCents,
	}, 0)
}

func waitForFill(t *testing.T, rec *fillRecorder, orderID string) int64 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f, ok := rec.get(orderID); ok {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never filled", orderID)
	return 0
}

func TestTouchDoesNotFill(t *testing.T) {
	pb := NewPaperBook(dec("0.01"))
	rec := newFillRecorder()
	pb.OnFill(rec.record)
	restOrder(pb, "o1", "0.50", 1000)

	base := time.Now()
	// ask touches the limit price exactly: not a trade-through
	pb.ObserveBook("m1", "YES", dec("0.50"), base)
	pb.ObserveBook("m1", "YES", dec("0.50"), base.Add(5*time.Second))

	_, filled := rec.get("o1")
	assert.False(t, filled)
}

func TestTradeThroughMustHold(t *testing.T) {
	pb := NewPaperBook(dec("0.01"))
	rec := newFillRecorder()
	pb.OnFill(rec.record)
	restOrder(pb, "o1", "0.50", 1000)

	base := time.Now()
	// through by one tick, but snaps back before the hold window elapses
	pb.ObserveBook("m1", "YES", dec("0.49"), base)
	pb.ObserveBook("m1", "YES", dec("0.51"), base.Add(time.Second))
	pb.ObserveBook("m1", "YES", dec("0.49"), base.Add(2*time.Second))
	pb.ObserveBook("m1", "YES", dec("0.49"), base.Add(4*time.Second))

	_, filled := rec.get("o1")
	assert.False(t, filled, "hold clock must restart after the snap-back")

	// now hold through the full window
	pb.ObserveBook("m1", "YES", dec("0.49"), base.Add(8*time.Second))
	fill := waitForFill(t, rec, "o1")
	assert.Equal(t, int64(1000), fill)
}

func TestPaperFeeIsDoubledFloor(t *testing.T) {
	pb := NewPaperBook(dec("0.01"))
	rec := newFillRecorder()
	pb.OnFill(rec.record)

	// fee rate below the floor: max(0,10)bps * 2 = 20bps of $100 = 20c
	restOrder(pb, "o1", "0.50", 10000)

	base := time.Now()
	pb.ObserveBook("m1", "YES", dec("0.49"), base)
	pb.ObserveBook("m1", "YES", dec("0.49"), base.Add(4*time.Second))

	waitForFill(t, rec, "o1")
	assert.Equal(t, int64(20), rec.fee("o1"))
}

func TestWithdrawnOrderNeverFills(t *testing.T) {
	pb := NewPaperBook(dec("0.01"))
	rec := newFillRecorder()
	pb.OnFill(rec.record)
	restOrder(pb, "o1", "0.50", 1000)
	pb.Withdraw("o1")

	base := time.Now()
	pb.ObserveBook("m1", "YES", dec("0.45"), base)
	pb.ObserveBook("m1", "YES", dec("0.45"), base.Add(5*time.Second))

	_, filled := rec.get("o1")
	assert.False(t, filled)
}

func TestWithinTolerance(t *testing.T) {
	require.True(t, withinTolerance(dec("100"), dec("100"), dec("0.01")))
	require.True(t, withinTolerance(dec("101"), dec("100"), dec("0.01")))
	require.False(t, withinTolerance(dec("101.01"), dec("100"), dec("0.01")))
	require.True(t, withinTolerance(dec("0.502"), dec("0.50"), dec("0.005")))
	require.False(t, withinTolerance(dec("0.503"), dec("0.50"), dec("0.005")))
}
