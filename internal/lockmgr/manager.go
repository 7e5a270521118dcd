// Package lockmgr provides leased per-market locks backed by the
// market_locks table. A lock bounds concurrent execution attempts on one
// market to a single worker; the version counter lets the pre-exec gate
// detect a lock that was lost and re-acquired between decision and submit.
package lockmgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/polyedge/internal/database"
)

const (
	// TTL is the lease length granted on acquire and on each renewal.
	TTL = 60 * time.Second
	// RenewInterval is how often a holder refreshes its lease.
	RenewInterval = 10 * time.Second
	// StealGrace is the wait after expiry before another instance may take
	// an expired lock.
	StealGrace = 5 * time.Second
)

var (
	ErrLockHeld = errors.New("lock held by another owner")
	ErrNotOwner = errors.New("lock not held by this owner")
)

// Lease is the caller's view of an acquired lock.
type Lease struct {
	MarketID    string
	Version     int64
	ExpiresAt   time.Time
	ownerInst   string
	ownerWorker string
}

// Manager acquires and renews market locks for one process instance.
type Manager struct {
	db       *database.Database
	instance string
}

func New(db *database.Database, instance string) *Manager {
	return &Manager{db: db, instance: instance}
}

// Acquire takes the market lock if it is free: no row, a row expired past
// the steal grace, or an owner whose heartbeat went silent for two TTLs.
// The version is bumped on every successful acquire.
func (m *Manager) Acquire(marketID, worker string) (*Lease, error) {
	now := time.Now().UTC()
	var lease *Lease

	err := m.db.Serializable(func(tx *gorm.DB) error {
		var row database.MarketLock
		err := database.LockForUpdate(tx).
			First(&row, "market_id = ?", marketID).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = database.MarketLock{MarketID: marketID}
		case err != nil:
			return err
		default:
			expired := now.Sub(row.ExpiresAt) >= StealGrace
			heartbeatDead := row.OwnerHeartbeat.Before(now.Add(-2 * TTL))
			ownedByUs := row.OwnerInstance == m.instance && row.OwnerWorker == worker
			if !ownedByUs && !expired && !heartbeatDead {
				return ErrLockHeld
			}
		}

		row.OwnerInstance = m.instance
		row.OwnerWorker = worker
		row.LockVersion++
		row.OwnerHeartbeat = now
		row.ExpiresAt = now.Add(TTL)
		row.LastRenewed = now

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		lease = &Lease{
			MarketID:    marketID,
			Version:     row.LockVersion,
			ExpiresAt:   row.ExpiresAt,
			ownerInst:   m.instance,
			ownerWorker: worker,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("market", marketID).Int64("version", lease.Version).Msg("🔒 Lock acquired")
	return lease, nil
}

// Renew refreshes the lease: heartbeat and expiry advance and the version
// bumps. Failing to renew means the lock is no longer ours.
func (m *Manager) Renew(lease *Lease) error {
	now := time.Now().UTC()

	return m.db.Serializable(func(tx *gorm.DB) error {
		var row database.MarketLock
		err := database.LockForUpdate(tx).
			First(&row, "market_id = ?", lease.MarketID).Error
		if err != nil {
			return fmt.Errorf("renew read: %w", err)
		}
		if row.OwnerInstance != lease.ownerInst || row.OwnerWorker != lease.ownerWorker ||
			row.LockVersion != lease.Version {
			return ErrNotOwner
		}

		row.LockVersion++
		row.OwnerHeartbeat = now
		row.ExpiresAt = now.Add(TTL)
		row.LastRenewed = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		lease.Version = row.LockVersion
		lease.ExpiresAt = row.ExpiresAt
		return nil
	})
}

// Release drops the lock if still owned. A lost lock is not an error here;
// the holder is giving it up either way.
func (m *Manager) Release(lease *Lease) error {
	return m.db.Serializable(func(tx *gorm.DB) error {
		var row database.MarketLock
		err := database.LockForUpdate(tx).
			First(&row, "market_id = ?", lease.MarketID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if row.OwnerInstance != lease.ownerInst || row.OwnerWorker != lease.ownerWorker {
			return nil
		}
		return tx.Delete(&row).Error
	})
}

// Holds reports whether the lease is still valid for at least margin and the
// stored version matches the caller's recorded version. Used by the
// pre-exec gate.
func (m *Manager) Holds(lease *Lease, recordedVersion int64, margin time.Duration) (bool, error) {
	var row database.MarketLock
	err := m.db.DB().First(&row, "market_id = ?", lease.MarketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if row.OwnerInstance != lease.ownerInst || row.OwnerWorker != lease.ownerWorker {
		return false, nil
	}
	if row.LockVersion != recordedVersion {
		return false, nil
	}
	if row.ExpiresAt.Before(now.Add(margin)) {
		return false, nil
	}
	return true, nil
}
