// Package reconcile compares local durable state against the venue's REST
// view and maintains the mismatch book. Its RECONCILE_GREEN predicate gates
// every new LIVE exposure; the engine itself never creates exposure.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
)

const (
	// HeartbeatInterval is the periodic reconcile cadence.
	HeartbeatInterval = 60 * time.Second
	// greenMaxAge is how recent the last completed cycle must be.
	greenMaxAge = 120 * time.Second

	// level1DailyDriftCents: cumulative Level-1 drift per day beyond this
	// escalates to Level-2.
	level1DailyDriftCents = 300
)

// Trigger names why a cycle ran; recorded on the cycle event.
type Trigger string

const (
	TriggerStartup        Trigger = "STARTUP"
	TriggerPreSubmit      Trigger = "PRE_SUBMIT"
	TriggerHeartbeat      Trigger = "HEARTBEAT"
	TriggerWSReconnect    Trigger = "WS_RECONNECT"
	TriggerPostCancel     Trigger = "POST_CANCEL"
	TriggerPendingUnknown Trigger = "PENDING_UNKNOWN"
)

// Engine runs reconciliation cycles.
type Engine struct {
	mu sync.Mutex

	db      *database.Database
	client  venue.Client
	coord   *core.Coordinator
	machine *state.Machine
	alert   state.AlertFunc

	lastCompletedAtMs int64
}

func New(db *database.Database, client venue.Client, coord *core.Coordinator, machine *state.Machine) *Engine {
	return &Engine{
		db:      db,
		client:  client,
		coord:   coord,
		machine: machine,
		alert:   func(string, string) {},
	}
}

func (e *Engine) SetAlertFunc(fn state.AlertFunc) { e.alert = fn }

// LastCompletedAtMs returns when the last full cycle finished.
func (e *Engine) LastCompletedAtMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCompletedAtMs
}

// Green evaluates RECONCILE_GREEN. Every clause must hold.
func (e *Engine) Green(now time.Time) (bool, core.ReasonCode) {
	feed := e.coord.Feed(now)

	e.mu.Lock()
	completed := e.lastCompletedAtMs
	e.mu.Unlock()

	if completed == 0 || now.UnixMilli()-completed > greenMaxAge.Milliseconds() {
		return false, core.ReasonReconcileNotGreen
	}
	if completed < feed.LastMessageMs {
		return false, core.ReasonReconcileNotGreen
	}
	if n, err := e.db.CountActiveMismatchesAtOrAbove(2); err != nil || n > 0 {
		return false, core.ReasonMismatchActive
	}
	if n, err := e.db.CountPendingUnknown(); err != nil || n > 0 {
		return false, core.ReasonReconcileNotGreen
	}
	if e.coord.BarrierActive() {
		return false, core.ReasonBarrierActive
	}
	if e.machine.HasBlocker(state.BlockerWSDown) {
		return false, core.ReasonReconcileNotGreen
	}
	return true, ""
}

// Run executes one full cycle. On success the completion time advances; on
// failure the RECONCILE_DEGRADED blocker goes up until the next good cycle.
func (e *Engine) Run(ctx context.Context, trigger Trigger) error {
	start := time.Now()

	err := e.runCycle(ctx, trigger)
	if err != nil {
		e.machine.SetBlocker(state.BlockerReconcileDegraded)
		log.Error().Err(err).Str("trigger", string(trigger)).Msg("❌ Reconcile cycle failed")
		return err
	}

	e.machine.ClearBlocker(state.BlockerReconcileDegraded)
	e.mu.Lock()
	e.lastCompletedAtMs = time.Now().UnixMilli()
	e.mu.Unlock()

	log.Debug().Str("trigger", string(trigger)).Dur("took", time.Since(start)).
		Msg("Reconcile cycle complete")
	return nil
}

func (e *Engine) runCycle(ctx context.Context, trigger Trigger) error {
	venueOrders, err := e.client.OpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	venuePositions, err := e.client.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}

	wallet, _ := e.coord.Wallet()

	byClientID := make(map[string]venue.VenueOrder, len(venueOrders))
	for _, vo := range venueOrders {
		byClientID[vo.ClientOrderID] = vo
	}

	localActive, err := e.db.GetActiveOrders()
	if err != nil {
		return fmt.Errorf("local active orders: %w", err)
	}

	seenLocal := make(map[string]bool, len(localActive))
	for _, lo := range localActive {
		if lo.Mode != "LIVE" {
			continue
		}
		seenLocal[lo.ClientOrderID] = true

		vo, found := byClientID[lo.ClientOrderID]
		if !found {
			// PENDING_UNKNOWN orders are the pending loop's problem; an
			// absent order in any other active status is a divergence.
			if lo.Status == "PENDING_UNKNOWN" {
				continue
			}
			e.recordMismatch(lo.MarketID, "LOCAL_ORDER_ABSENT_ON_VENUE", lo.ResidualCents, wallet,
				fmt.Sprintf("order %s (%s) active locally, absent on venue", lo.ID, lo.Status))
			continue
		}

		driftCents := lo.FilledCents - usdToCents(vo.FilledUSD)
		if driftCents != 0 {
			e.recordMismatch(lo.MarketID, "FILL_DRIFT", driftCents, wallet,
				fmt.Sprintf("order %s fill drift local=%d venue=%d",
					lo.ID, lo.FilledCents, usdToCents(vo.FilledUSD)))
		} else {
			e.resolveMismatches(lo.MarketID, "FILL_DRIFT")
			e.resolveMismatches(lo.MarketID, "LOCAL_ORDER_ABSENT_ON_VENUE")
		}
	}

	// Ghost orders: venue has them, we do not.
	for _, vo := range venueOrders {
		if seenLocal[vo.ClientOrderID] {
			continue
		}
		known, err := e.db.GetOrderByClientID(vo.ClientOrderID)
		if err != nil {
			return err
		}
		if known == nil {
			e.recordMismatch(vo.MarketID, "GHOST_ORDER", usdToCents(vo.SizeUSD), wallet,
				fmt.Sprintf("venue order %s has no local record", vo.ExchangeOrderID))
		}
	}

	if err := e.comparePositions(venuePositions, wallet); err != nil {
		return err
	}

	e.escalateLevel1Drift()

	return e.db.AppendEvent("RECONCILE_CYCLE", "", "", map[string]any{
		"trigger":         string(trigger),
		"venue_orders":    len(venueOrders),
		"venue_positions": len(venuePositions),
		"completed_at_ms": time.Now().UnixMilli(),
	})
}

func (e *Engine) comparePositions(venuePositions []venue.VenuePosition, wallet decimal.Decimal) error {
	local, err := e.db.OpenPositions()
	if err != nil {
		return err
	}

	venueByKey := make(map[string]venue.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		venueByKey[vp.MarketID+"|"+vp.Side] = vp
	}

	for _, lp := range local {
		key := lp.MarketID + "|" + lp.Side
		vp, found := venueByKey[key]
		delete(venueByKey, key)

		localCents := usdToCents(lp.SizeShares.Mul(lp.AvgEntry))
		venueCents := int64(0)
		if found {
			venueCents = usdToCents(vp.SizeShares.Mul(vp.AvgPrice))
		}
		drift := localCents - venueCents
		if drift != 0 {
			e.recordMismatch(lp.MarketID, "POSITION_DRIFT", drift, wallet,
				fmt.Sprintf("position %s/%s local=%dc venue=%dc", lp.MarketID, lp.Side, localCents, venueCents))
		} else {
			e.resolveMismatches(lp.MarketID, "POSITION_DRIFT")
		}
	}

	for _, vp := range venueByKey {
		if vp.SizeShares.IsZero() {
			continue
		}
		e.recordMismatch(vp.MarketID, "POSITION_DRIFT",
			usdToCents(vp.SizeShares.Mul(vp.AvgPrice)), wallet,
			fmt.Sprintf("venue position %s/%s unknown locally", vp.MarketID, vp.Side))
	}
	return nil
}

// levelFor classifies a drift by the wallet-keyed thresholds with floors.
func levelFor(driftCents int64, wallet decimal.Decimal) int {
	abs := driftCents
	if abs < 0 {
		abs = -abs
	}
	pct := wallet.Mul(decimal.NewFromFloat(0.001)).Mul(decimal.NewFromInt(100))
	l2 := decimal.Max(pct, decimal.NewFromInt(100)).IntPart()
	l3 := decimal.Max(pct, decimal.NewFromInt(500)).IntPart()
	switch {
	case abs >= l3:
		return 3
	case abs >= l2:
		return 2
	default:
		return 1
	}
}

func (e *Engine) recordMismatch(marketID, kind string, driftCents int64, wallet decimal.Decimal, details string) {
	level := levelFor(driftCents, wallet)
	now := time.Now().UTC()

	// One ACTIVE row per (market, kind); repeat sightings refresh it.
	var existing database.MismatchRow
	err := e.db.DB().
		Where("market_id = ? AND kind = ? AND status = ?", marketID, kind, "ACTIVE").
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		row := &database.MismatchRow{
			ID:         uuid.NewString(),
			MarketID:   &marketID,
			Level:      level,
			Status:     "ACTIVE",
			Kind:       kind,
			Details:    details,
			DriftCents: driftCents,
			FirstSeen:  now,
			LastSeen:   now,
		}
		if err := e.db.SaveMismatch(row); err != nil {
			log.Error().Err(err).Msg("Save mismatch failed")
		}
		log.Warn().Str("market", marketID).Str("kind", kind).Int("level", level).
			Int64("drift_cents", driftCents).Msg("⚠️ Reconcile mismatch")
		if level >= 2 {
			e.alert("MISMATCH_L"+fmt.Sprint(level),
				fmt.Sprintf("reconcile mismatch L%d in %s: %s", level, marketID, details))
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Read mismatch failed")
		return
	}

	existing.LastSeen = now
	existing.DriftCents = driftCents
	existing.Details = details
	if level > existing.Level {
		existing.Level = level
	}
	if err := e.db.SaveMismatch(&existing); err != nil {
		log.Error().Err(err).Msg("Update mismatch failed")
	}
}

// resolveMismatches closes ACTIVE rows for an entity that a full cycle found
// exactly equal.
func (e *Engine) resolveMismatches(marketID, kind string) {
	e.db.DB().Model(&database.MismatchRow{}).
		Where("market_id = ? AND kind = ? AND status = ?", marketID, kind, "ACTIVE").
		Update("status", "RESOLVED")
}

// escalateLevel1Drift promotes today's cumulative Level-1 drift past the
// daily allowance to Level-2 with an alert.
func (e *Engine) escalateLevel1Drift() {
	total, err := e.db.Level1DriftCentsToday(time.Now())
	if err != nil || total <= level1DailyDriftCents {
		return
	}
	res := e.db.DB().Model(&database.MismatchRow{}).
		Where("level = ? AND status = ?", 1, "ACTIVE").
		Update("level", 2)
	if res.RowsAffected > 0 {
		e.alert("L1_DRIFT_ESCALATED",
			fmt.Sprintf("cumulative Level-1 drift %dc today; escalated %d mismatches to Level-2",
				total, res.RowsAffected))
	}
}

// RunHeartbeat loops periodic cycles until done closes.
func (e *Engine) RunHeartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = e.Run(ctx, TriggerHeartbeat)
		}
	}
}

func usdToCents(usd decimal.Decimal) int64 {
	return usd.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
