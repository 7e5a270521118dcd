package budget

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/database"
)

func testManager(t *testing.T) (*Manager, *database.Database) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)

	cfg := config.BudgetConfig{
		DailyCapUSD:       decimal.NewFromFloat(2.00),
		DailyCapWalletPct: decimal.NewFromFloat(0.005),
		WindowSeconds:     600,
		WindowPctOfDaily:  decimal.NewFromFloat(0.20),
		MaxAnalysesPerDay: 100,
		ReservationTTL:    120 * time.Second,
		ReaperInterval:    30 * time.Second,
	}
	return New(db, cfg), db
}

// wallet of $400 makes the effective daily cap the full $2.00 and the
// window cap $0.40.
var testWallet = decimal.NewFromInt(400)

func TestCapDerivation(t *testing.T) {
	m, _ := testManager(t)

	assert.Equal(t, int64(200), m.DailyCapCents(testWallet))
	assert.Equal(t, int64(40), m.WindowCapCents(testWallet))

	// a small wallet shrinks the cap below the $2 ceiling
	small := decimal.NewFromInt(100) // 0.5% = $0.50
	assert.Equal(t, int64(50), m.DailyCapCents(small))
}

func TestWindowCapLimitsBurst(t *testing.T) {
	m, _ := testManager(t)

	granted := 0
	for i := 0; i < 10; i++ {
		_, err := m.Reserve(fmt.Sprintf("corr-%d", i), "model-a", 20, testWallet)
		if err == nil {
			granted++
		} else {
			require.ErrorIs(t, err, ErrDenied)
		}
	}

	// window cap 40c admits exactly two 20c reservations
	assert.Equal(t, 2, granted)

	day, err := m.DayTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(40), day.InFlightCents)
	assert.Equal(t, int64(0), day.SpentCents)
}

func TestSettleIsIdempotent(t *testing.T) {
	m, db := testManager(t)

	res, err := m.Reserve("corr-1", "model-a", 10, testWallet)
	require.NoError(t, err)

	require.NoError(t, m.Settle(res.ID, 7))
	// second settle is a logged no-op
	require.NoError(t, m.Settle(res.ID, 7))

	day, err := m.DayTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.InFlightCents, "in-flight released exactly once")
	assert.Equal(t, int64(7), day.SpentCents, "actual booked exactly once")

	var row database.AIReservation
	require.NoError(t, db.DB().First(&row, "id = ?", res.ID).Error)
	assert.Equal(t, StatusSettled, row.Status)
}

func TestReaperForceSettlesExpired(t *testing.T) {
	m, db := testManager(t)

	res, err := m.Reserve("corr-1", "model-a", 10, testWallet)
	require.NoError(t, err)

	// age the reservation past expiry plus grace
	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, db.DB().Model(&database.AIReservation{}).
		Where("id = ?", res.ID).Update("expires_at", past).Error)

	reaped, err := m.Reap()
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var row database.AIReservation
	require.NoError(t, db.DB().First(&row, "id = ?", res.ID).Error)
	assert.Equal(t, StatusForceSettled, row.Status)
	require.NotNil(t, row.ActualCents)
	assert.Equal(t, int64(10), *row.ActualCents, "force-settle values at reserved")

	day, err := m.DayTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.InFlightCents)
	assert.Equal(t, int64(10), day.SpentCents)
}

func TestSettleAfterReapIsNoOp(t *testing.T) {
	m, db := testManager(t)

	res, err := m.Reserve("corr-1", "model-a", 10, testWallet)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, db.DB().Model(&database.AIReservation{}).
		Where("id = ?", res.ID).Update("expires_at", past).Error)
	_, err = m.Reap()
	require.NoError(t, err)

	// the late settle loses the race and must not double-book
	require.NoError(t, m.Settle(res.ID, 7))

	day, err := m.DayTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.InFlightCents)
	assert.Equal(t, int64(10), day.SpentCents, "spent stays at the reaper's value")
}

func TestReapAfterSettleIsNoOp(t *testing.T) {
	m, db := testManager(t)

	res, err := m.Reserve("corr-1", "model-a", 10, testWallet)
	require.NoError(t, err)
	require.NoError(t, m.Settle(res.ID, 7))

	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, db.DB().Model(&database.AIReservation{}).
		Where("id = ?", res.ID).Update("expires_at", past).Error)

	reaped, err := m.Reap()
	require.NoError(t, err)
	assert.Equal(t, 0, reaped, "settled reservations are not reaped")
}

func TestDailyCapAcrossWindows(t *testing.T) {
	m, db := testManager(t)

	// Reserve and settle 180c in past windows so the rolling window is
	// clear but the day is nearly spent.
	for i := 0; i < 9; i++ {
		res, err := m.Reserve(fmt.Sprintf("old-%d", i), "model-a", 20, testWallet)
		require.NoError(t, err)
		require.NoError(t, m.Settle(res.ID, 20))
		// push the settled rows out of the rolling window
		old := time.Now().UTC().Add(-20 * time.Minute)
		require.NoError(t, db.DB().Model(&database.AIReservation{}).
			Where("id = ?", res.ID).Update("ts_utc_db", old).Error)
	}

	day, err := m.DayTotals()
	require.NoError(t, err)
	require.Equal(t, int64(180), day.SpentCents)

	// 20c more fits exactly; 21c would not
	_, err = m.Reserve("new-1", "model-a", 20, testWallet)
	assert.NoError(t, err)
	_, err = m.Reserve("new-2", "model-a", 1, testWallet)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestAnalysesCountedByCorrelationID(t *testing.T) {
	m, _ := testManager(t)

	// two reservations in the same analysis consume one slot
	_, err := m.Reserve("corr-x", "model-a", 1, testWallet)
	require.NoError(t, err)
	_, err = m.Reserve("corr-x", "model-b", 1, testWallet)
	require.NoError(t, err)

	day, err := m.DayTotals()
	require.NoError(t, err)
	assert.Equal(t, 1, day.AnalysesCount)
}
