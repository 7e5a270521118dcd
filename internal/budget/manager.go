// Package budget enforces the AI spend caps: a daily effective cap, a
// rolling-window cap, and a hard analyses-per-day count. Reservations are
// made and settled inside SERIALIZABLE transactions keyed on the UTC day
// row; a reaper force-settles reservations their callers never closed.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/database"
)

// Reservation statuses.
const (
	StatusReserved     = "RESERVED"
	StatusSettled      = "SETTLED"
	StatusForceSettled = "FORCE_SETTLED"
	StatusReleased     = "RELEASED"
)

// ErrDenied is returned when a reservation would breach any cap.
var ErrDenied = errors.New("ai budget denied")

// forceSettleDegradeThreshold is the count of force-settles within one UTC
// day that flips COST_ACCOUNTING_DEGRADED in LIVE.
const forceSettleDegradeThreshold = 3

// windowGraceSeconds widens the window upper bound to absorb clock jitter
// between the app and the database.
const windowGraceSeconds = 5

// Manager is the AI budget gatekeeper.
type Manager struct {
	db  *database.Database
	cfg config.BudgetConfig

	// onDegraded fires when force-settles cross the threshold in LIVE.
	onDegraded func(day string, count int)
	liveMode   func() bool
}

func New(db *database.Database, cfg config.BudgetConfig) *Manager {
	return &Manager{db: db, cfg: cfg, liveMode: func() bool { return false }}
}

// SetLiveCheck installs the callback telling the reaper whether the system
// is in LIVE when a force-settle lands.
func (m *Manager) SetLiveCheck(fn func() bool) { m.liveMode = fn }

// OnCostAccountingDegraded installs the degrade callback.
func (m *Manager) OnCostAccountingDegraded(fn func(day string, count int)) { m.onDegraded = fn }

// DailyCapCents computes the effective daily cap from the wallet reference.
func (m *Manager) DailyCapCents(walletUSD decimal.Decimal) int64 {
	pctCap := walletUSD.Mul(m.cfg.DailyCapWalletPct)
	cap := decimal.Min(m.cfg.DailyCapUSD, pctCap)
	return cap.Mul(decimal.NewFromInt(100)).IntPart()
}

// WindowCapCents is the rolling-window share of the daily cap.
func (m *Manager) WindowCapCents(walletUSD decimal.Decimal) int64 {
	daily := decimal.NewFromInt(m.DailyCapCents(walletUSD)).Div(decimal.NewFromInt(100))
	return daily.Mul(m.cfg.WindowPctOfDaily).Mul(decimal.NewFromInt(100)).IntPart()
}

// Reserve attempts to reserve worstCaseCents for one model call. The whole
// check-and-insert runs in a single SERIALIZABLE transaction with the day
// row locked, so parallel reservations serialize.
func (m *Manager) Reserve(correlationID, modelKey string, worstCaseCents int64, walletUSD decimal.Decimal) (*database.AIReservation, error) {
	if worstCaseCents <= 0 {
		return nil, fmt.Errorf("worst case must be positive")
	}

	dbNow, err := m.db.Now()
	if err != nil {
		return nil, err
	}
	day := dbNow.Format("2006-01-02")
	dailyCap := m.DailyCapCents(walletUSD)
	windowCap := m.WindowCapCents(walletUSD)

	var res *database.AIReservation
	err = m.db.Serializable(func(tx *gorm.DB) error {
		dayRow, err := lockDayRow(tx, day)
		if err != nil {
			return err
		}

		// Rolling window: reserved-or-settled spend with a db timestamp in
		// [now-window, now+grace], valued at actual when known.
		windowStart := dbNow.Add(-time.Duration(m.cfg.WindowSeconds) * time.Second)
		windowEnd := dbNow.Add(windowGraceSeconds * time.Second)
		var windowSum int64
		err = tx.Model(&database.AIReservation{}).
			Where("ts_utc_db >= ? AND ts_utc_db <= ? AND status IN ?",
				windowStart, windowEnd,
				[]string{StatusReserved, StatusSettled, StatusForceSettled}).
			Select("COALESCE(SUM(COALESCE(actual_cents, reserved_cents)), 0)").
			Scan(&windowSum).Error
		if err != nil {
			return err
		}

		if dayRow.SpentCents+dayRow.InFlightCents+worstCaseCents > dailyCap {
			return ErrDenied
		}
		if windowSum+worstCaseCents > windowCap {
			return ErrDenied
		}

		// Analyses counted by distinct correlation id; re-reserving within
		// the same analysis does not consume a new slot.
		var sameCorr int64
		if err := tx.Model(&database.AIReservation{}).
			Where("day = ? AND correlation_id = ?", day, correlationID).
			Count(&sameCorr).Error; err != nil {
			return err
		}
		if sameCorr == 0 && dayRow.AnalysesCount >= m.cfg.MaxAnalysesPerDay {
			return ErrDenied
		}

		row := &database.AIReservation{
			ID:            uuid.NewString(),
			Day:           day,
			TsUTCDb:       dbNow,
			ModelKey:      modelKey,
			ReservedCents: worstCaseCents,
			Status:        StatusReserved,
			CorrelationID: correlationID,
			ExpiresAt:     dbNow.Add(m.cfg.ReservationTTL),
			CreatedAt:     dbNow,
			UpdatedAt:     dbNow,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		dayRow.InFlightCents += worstCaseCents
		if sameCorr == 0 {
			dayRow.AnalysesCount++
		}
		dayRow.UpdatedAt = dbNow
		if err := tx.Save(dayRow).Error; err != nil {
			return err
		}

		res = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("reservation", res.ID).Str("model", modelKey).
		Int64("reserved_cents", worstCaseCents).Msg("💰 AI budget reserved")
	return res, nil
}

// Settle finalizes a reservation with its actual cost. Idempotent: the CAS
// update matches only RESERVED rows, so a second settle (or a settle racing
// the reaper) is a logged no-op.
func (m *Manager) Settle(reservationID string, actualCents int64) error {
	dbNow, err := m.db.Now()
	if err != nil {
		return err
	}

	err = m.db.Serializable(func(tx *gorm.DB) error {
		res := tx.Model(&database.AIReservation{}).
			Where("id = ? AND status = ?", reservationID, StatusReserved).
			Updates(map[string]any{
				"status":       StatusSettled,
				"actual_cents": actualCents,
				"updated_at":   dbNow,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return database.ErrAlreadyFinal
		}

		var row database.AIReservation
		if err := tx.First(&row, "id = ?", reservationID).Error; err != nil {
			return err
		}
		return applyFinalization(tx, &row, actualCents, dbNow)
	})

	if errors.Is(err, database.ErrAlreadyFinal) {
		log.Info().Str("reservation", reservationID).Msg("RESERVATION_ALREADY_FINAL")
		return nil
	}
	return err
}

// Reap force-settles reservations that sat RESERVED past expiry (plus
// grace), valuing them at their reserved amount. Returns how many were
// reaped this pass.
func (m *Manager) Reap() (int, error) {
	dbNow, err := m.db.Now()
	if err != nil {
		return 0, err
	}
	cutoff := dbNow.Add(-windowGraceSeconds * time.Second)

	var expired []database.AIReservation
	if err := m.db.DB().
		Where("status = ? AND expires_at < ?", StatusReserved, cutoff).
		Find(&expired).Error; err != nil {
		return 0, err
	}

	reaped := 0
	for _, r := range expired {
		r := r
		err := m.db.Serializable(func(tx *gorm.DB) error {
			res := tx.Model(&database.AIReservation{}).
				Where("id = ? AND status = ?", r.ID, StatusReserved).
				Updates(map[string]any{
					"status":       StatusForceSettled,
					"actual_cents": r.ReservedCents,
					"updated_at":   dbNow,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return database.ErrAlreadyFinal
			}

			if err := applyFinalization(tx, &r, r.ReservedCents, dbNow); err != nil {
				return err
			}

			dayRow, err := lockDayRow(tx, r.Day)
			if err != nil {
				return err
			}
			dayRow.ForceSettledCount++
			dayRow.UpdatedAt = dbNow
			if err := tx.Save(dayRow).Error; err != nil {
				return err
			}

			if dayRow.ForceSettledCount >= forceSettleDegradeThreshold &&
				m.liveMode() && m.onDegraded != nil {
				m.onDegraded(r.Day, dayRow.ForceSettledCount)
			}
			return nil
		})
		if errors.Is(err, database.ErrAlreadyFinal) {
			continue // settle won the race
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		log.Warn().Str("reservation", r.ID).Str("model", r.ModelKey).
			Int64("reserved_cents", r.ReservedCents).Msg("⏱️ Reservation force-settled")
	}
	return reaped, nil
}

// RunReaper loops Reap on the configured interval until the done channel
// closes.
func (m *Manager) RunReaper(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := m.Reap(); err != nil {
				log.Error().Err(err).Msg("Budget reaper pass failed")
			}
		}
	}
}

// DayTotals returns today's accumulator for /status reporting.
func (m *Manager) DayTotals() (*database.AIBudgetDay, error) {
	dbNow, err := m.db.Now()
	if err != nil {
		return nil, err
	}
	var row database.AIBudgetDay
	err = m.db.DB().First(&row, "day = ?", dbNow.Format("2006-01-02")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &database.AIBudgetDay{Day: dbNow.Format("2006-01-02")}, nil
	}
	return &row, err
}

// applyFinalization moves a finalized reservation's value from in-flight to
// spent on its day row. Called exactly once per reservation, guarded by the
// CAS above.
func applyFinalization(tx *gorm.DB, r *database.AIReservation, actualCents int64, now time.Time) error {
	dayRow, err := lockDayRow(tx, r.Day)
	if err != nil {
		return err
	}
	dayRow.InFlightCents -= r.ReservedCents
	if dayRow.InFlightCents < 0 {
		dayRow.InFlightCents = 0
	}
	dayRow.SpentCents += actualCents
	dayRow.UpdatedAt = now
	return tx.Save(dayRow).Error
}

func lockDayRow(tx *gorm.DB, day string) (*database.AIBudgetDay, error) {
	var row database.AIBudgetDay
	err := database.LockForUpdate(tx).
		First(&row, "day = ?", day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = database.AIBudgetDay{Day: day}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
