// Package database is the relational store: the event log, the signed
// bot_state singleton, and every durable trading entity. It follows the
// DSN-prefix convention for selecting PostgreSQL vs SQLite.
package database

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// ErrAlreadyFinal is returned by CAS updates that found zero matching rows.
var ErrAlreadyFinal = errors.New("row already in a final status")

func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&BotStateRow{}, &MarketLock{}, &SnapshotRow{}, &MarketRow{},
		&CandidateRow{}, &DecisionRow{}, &OrderRow{}, &MismatchRow{},
		&AIBudgetDay{}, &AIReservation{}, &EventRow{}, &ArmingNonce{},
		&TOTPUse{}, &PositionRow{}, &CalibrationStat{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// DB exposes the underlying handle for component-owned transactions.
func (d *Database) DB() *gorm.DB { return d.db }

// Serializable runs fn inside a SERIALIZABLE transaction.
func (d *Database) Serializable(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// LockForUpdate adds a row-level lock on PostgreSQL. SQLite serializes
// writers at the database level and rejects FOR UPDATE, so it is a no-op
// there.
func LockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Now returns the database's UTC clock. Budget windows and reservation
// expiries are anchored to this clock, not the process clock. SQLite is
// embedded, so its clock IS the process clock.
func (d *Database) Now() (time.Time, error) {
	if d.db.Dialector.Name() != "postgres" {
		return time.Now().UTC(), nil
	}
	var now time.Time
	if err := d.db.Raw("SELECT now() AT TIME ZONE 'utc'").Scan(&now).Error; err != nil {
		return time.Time{}, fmt.Errorf("db clock: %w", err)
	}
	return now.UTC(), nil
}

// Bot state singleton

func (d *Database) GetBotState() (*BotStateRow, error) {
	var row BotStateRow
	err := d.db.First(&row, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &row, err
}

// SaveBotState upserts the singleton row inside a serializable transaction
// with the row locked for update.
func (d *Database) SaveBotState(row *BotStateRow) error {
	row.ID = 1
	return d.Serializable(func(tx *gorm.DB) error {
		var existing BotStateRow
		err := LockForUpdate(tx).First(&existing, "id = ?", 1).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}
		if row.Counter <= existing.Counter {
			return fmt.Errorf("bot_state counter regression: %d <= %d", row.Counter, existing.Counter)
		}
		return tx.Save(row).Error
	})
}

// Event log

// AppendEvent writes one event; a duplicate payload hash is treated as an
// idempotent no-op so WAL replay converges.
func (d *Database) AppendEvent(eventType, marketID, correlationID string, payload any) error {
	return d.AppendEventTx(d.db, eventType, marketID, correlationID, payload)
}

func (d *Database) AppendEventTx(tx *gorm.DB, eventType, marketID, correlationID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	sum := sha256.Sum256(append([]byte(eventType+"|"), data...))
	row := EventRow{
		Type:          eventType,
		MarketID:      marketID,
		CorrelationID: correlationID,
		PayloadJSON:   string(data),
		PayloadHash:   hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now().UTC(),
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payload_hash"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	return nil
}

func (d *Database) CountEvents(eventType string) (int64, error) {
	var n int64
	err := d.db.Model(&EventRow{}).Where("type = ?", eventType).Count(&n).Error
	return n, err
}

// Orders

func (d *Database) SaveOrder(o *OrderRow) error {
	o.UpdatedAt = time.Now().UTC()
	return d.db.Save(o).Error
}

func (d *Database) GetOrder(id string) (*OrderRow, error) {
	var o OrderRow
	err := d.db.First(&o, "id = ?", id).Error
	return &o, err
}

func (d *Database) GetOrderByClientID(clientOrderID string) (*OrderRow, error) {
	var o OrderRow
	err := d.db.First(&o, "client_order_id = ?", clientOrderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &o, err
}

var activeOrderStatuses = []string{
	"PENDING_SUBMIT", "OPEN", "PARTIALLY_FILLED", "CANCEL_REQUESTED", "PENDING_UNKNOWN",
}

func (d *Database) GetActiveOrders() ([]OrderRow, error) {
	var orders []OrderRow
	err := d.db.Where("status IN ?", activeOrderStatuses).Find(&orders).Error
	return orders, err
}

func (d *Database) GetPendingUnknownOrders() ([]OrderRow, error) {
	var orders []OrderRow
	err := d.db.Where("status = ?", "PENDING_UNKNOWN").Find(&orders).Error
	return orders, err
}

func (d *Database) CountPendingUnknown() (int64, error) {
	var n int64
	err := d.db.Model(&OrderRow{}).Where("status = ?", "PENDING_UNKNOWN").Count(&n).Error
	return n, err
}

func (d *Database) CountPendingUnknownInMarket(marketID string) (int64, error) {
	var n int64
	err := d.db.Model(&OrderRow{}).
		Where("status = ? AND market_id = ?", "PENDING_UNKNOWN", marketID).Count(&n).Error
	return n, err
}

// Decisions

func (d *Database) SaveDecision(row *DecisionRow) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (d *Database) GetDecision(id string) (*DecisionRow, error) {
	var row DecisionRow
	err := d.db.First(&row, "id = ?", id).Error
	return &row, err
}

// Snapshots

func (d *Database) SaveSnapshot(row *SnapshotRow) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (d *Database) GetSnapshot(id string) (*SnapshotRow, error) {
	var row SnapshotRow
	err := d.db.First(&row, "id = ?", id).Error
	return &row, err
}

// Mismatches

func (d *Database) SaveMismatch(m *MismatchRow) error {
	return d.db.Save(m).Error
}

func (d *Database) ActiveMismatches(minLevel int) ([]MismatchRow, error) {
	var rows []MismatchRow
	err := d.db.Where("status = ? AND level >= ?", "ACTIVE", minLevel).Find(&rows).Error
	return rows, err
}

func (d *Database) CountActiveMismatchesAtOrAbove(level int) (int64, error) {
	var n int64
	err := d.db.Model(&MismatchRow{}).
		Where("status = ? AND level >= ?", "ACTIVE", level).Count(&n).Error
	return n, err
}

// Level1DriftCentsToday sums absolute Level-1 drift recorded today (UTC).
func (d *Database) Level1DriftCentsToday(now time.Time) (int64, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var total sql.NullInt64
	err := d.db.Model(&MismatchRow{}).
		Where("level = ? AND last_seen >= ?", 1, dayStart).
		Select("COALESCE(SUM(ABS(drift_cents)), 0)").Scan(&total).Error
	return total.Int64, err
}

// Candidates

func (d *Database) SaveCandidate(c *CandidateRow) error {
	c.UpdatedAt = time.Now().UTC()
	return d.db.Save(c).Error
}

func (d *Database) GetCandidate(id string) (*CandidateRow, error) {
	var c CandidateRow
	err := d.db.First(&c, "id = ?", id).Error
	return &c, err
}

// Markets

func (d *Database) SaveMarket(m *MarketRow) error {
	return d.db.Save(m).Error
}

func (d *Database) GetMarket(id string) (*MarketRow, error) {
	var m MarketRow
	err := d.db.First(&m, "id = ?", id).Error
	return &m, err
}

func (d *Database) WatchlistedMarkets() ([]MarketRow, error) {
	var ms []MarketRow
	err := d.db.Where("watchlisted = ? AND eligible = ? AND quarantined = ?", true, true, false).Find(&ms).Error
	return ms, err
}

// Positions

func (d *Database) SavePosition(p *PositionRow) error {
	p.UpdatedAt = time.Now().UTC()
	return d.db.Save(p).Error
}

func (d *Database) OpenPositions() ([]PositionRow, error) {
	var ps []PositionRow
	err := d.db.Where("status = ?", "OPEN").Find(&ps).Error
	return ps, err
}

// Arming nonces

func (d *Database) CreateNonce(n *ArmingNonce) error {
	return d.db.Create(n).Error
}

// ConsumeNonce atomically marks a nonce used; zero rows affected means the
// nonce was missing, expired, or already consumed.
func (d *Database) ConsumeNonce(nonce string, step int, now time.Time) error {
	res := d.db.Model(&ArmingNonce{}).
		Where("nonce = ? AND step = ? AND used = ? AND expires_at > ?", nonce, step, false, now).
		Update("used", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyFinal
	}
	return nil
}

// InvalidateAllNonces burns every outstanding nonce (startup step 7).
func (d *Database) InvalidateAllNonces() error {
	return d.db.Model(&ArmingNonce{}).Where("used = ?", false).Update("used", true).Error
}

// TOTP replay tracking

func (d *Database) RecordTOTPUse(codeHash string, at time.Time) error {
	return d.db.Create(&TOTPUse{CodeHash: codeHash, UsedAt: at}).Error
}

func (d *Database) TOTPUsedSince(codeHash string, since time.Time) (bool, error) {
	var n int64
	err := d.db.Model(&TOTPUse{}).
		Where("code_hash = ? AND used_at >= ?", codeHash, since).Count(&n).Error
	return n > 0, err
}

// Calibration

func (d *Database) GetCalibration(category string) (*CalibrationStat, error) {
	var c CalibrationStat
	err := d.db.First(&c, "category = ?", category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &c, err
}
