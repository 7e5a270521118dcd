package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/execution"
	"github.com/web3guy0/polyedge/internal/wal"
)

func replayRig(t *testing.T) (*Orchestrator, *database.Database, *wal.Log) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "orch.db"))
	require.NoError(t, err)
	walLog, err := wal.Open(filepath.Join(dir, "orch.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	o := New(Deps{DB: db, WAL: walLog})
	return o, db, walLog
}

func intentPayload(clientOrderID string) map[string]any {
	return map[string]any{
		"client_order_id": clientOrderID,
		"market_id":       "m1",
		"side":            "YES",
		"price":           "0.480000",
		"size_cents":      int64(1000),
	}
}

func TestReplayAdoptsOrphanedIntent(t *testing.T) {
	o, db, walLog := replayRig(t)

	// the process died between the intent and the result
	_, err := walLog.Append(wal.RecordOrderIntent, "o1", "m1", intentPayload("c1"))
	require.NoError(t, err)

	require.NoError(t, o.replayWAL())

	order, err := db.GetOrderByClientID("c1")
	require.NoError(t, err)
	require.NotNil(t, order, "orphaned intent must materialize an order")
	assert.Equal(t, execution.StatusPendingUnknown, order.Status)
	assert.Equal(t, execution.ModeLive, order.Mode)
	assert.Equal(t, int64(1000), order.SizeCents)
	assert.NotNil(t, order.PendingUnknownSince)
}

func TestReplayDoesNotAdoptResolvedIntent(t *testing.T) {
	o, db, walLog := replayRig(t)

	_, err := walLog.Append(wal.RecordOrderIntent, "o1", "m1", intentPayload("c1"))
	require.NoError(t, err)
	_, err = walLog.Append(wal.RecordOrderResult, "o1", "m1", map[string]any{"status": "OPEN"})
	require.NoError(t, err)

	require.NoError(t, o.replayWAL())

	order, err := db.GetOrderByClientID("c1")
	require.NoError(t, err)
	assert.Nil(t, order, "a resolved intent is not an orphan")
}

func TestReplayDoesNotAdoptAbortedIntent(t *testing.T) {
	o, db, walLog := replayRig(t)

	_, err := walLog.Append(wal.RecordOrderIntent, "o1", "m1", intentPayload("c1"))
	require.NoError(t, err)
	_, err = walLog.Append(wal.RecordOrderIntentAborted, "o1", "m1", nil)
	require.NoError(t, err)

	require.NoError(t, o.replayWAL())

	order, err := db.GetOrderByClientID("c1")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestReplayIsIdempotent(t *testing.T) {
	o, db, walLog := replayRig(t)

	_, err := walLog.Append(wal.RecordStateChanged, "", "", map[string]any{"to": "OBSERVE_ONLY"})
	require.NoError(t, err)
	_, err = walLog.Append(wal.RecordOrderIntent, "o1", "m1", intentPayload("c1"))
	require.NoError(t, err)

	require.NoError(t, o.replayWAL())
	require.NoError(t, o.replayWAL())

	// the payload-hash unique index makes the second replay a no-op
	var n int64
	require.NoError(t, db.DB().Model(&database.EventRow{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)

	var orders int64
	require.NoError(t, db.DB().Model(&database.OrderRow{}).Count(&orders).Error)
	assert.Equal(t, int64(1), orders)
}
