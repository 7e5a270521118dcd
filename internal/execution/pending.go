package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/snapshot"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
	"github.com/web3guy0/polyedge/internal/wal"
)

// FOUND acceptance tolerances.
var (
	sizeTolerance  = decimal.NewFromFloat(0.01)  // 1%
	priceTolerance = decimal.NewFromFloat(0.005) // 0.5%
	midDriftGuard  = decimal.NewFromFloat(0.02)  // 2% mid move discards the candidate
)

// ResolvePendingUnknown polls the venue until the order's fate is known or
// the time budget runs out. Every iteration is a reconciliation read; the
// loop never submits anything.
func (e *Engine) ResolvePendingUnknown(ctx context.Context, order *database.OrderRow, snapAtSubmit *snapshot.Snapshot) error {
	deadline := time.Now().Add(e.cfg.PendingUnknownMax)
	ticker := time.NewTicker(e.cfg.PendingUnknownPoll)
	defer ticker.Stop()

	var startMid decimal.Decimal
	if snapAtSubmit != nil {
		book := snapAtSubmit.Side(order.Side)
		startMid = book.BestBid.Add(book.BestAsk).Div(decimal.NewFromInt(2))
	}

	log.Warn().Str("order", order.ID).Str("market", order.MarketID).
		Msg("❓ PENDING_UNKNOWN, starting resolution loop")

	for {
		outcome := e.probeOrder(ctx, order)

		switch outcome.Kind {
		case OutcomeSuccess:
			return e.adoptFound(order, outcome.Order, startMid)

		case OutcomeAbsentConfirmed:
			return e.confirmAbsent(ctx, order)

		case OutcomeAmbiguous:
			// keep looping
		}

		if time.Now().After(deadline) {
			e.alert("ORPHAN_RISK", fmt.Sprintf(
				"order %s unresolved after %s; halting", order.ID, e.cfg.PendingUnknownMax))
			return e.machine.Halt(core.HaltOrphanRisk)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// probeOrder asks the venue for the order by client id. A clean lookup that
// returns nothing is ABSENT_CONFIRMED; a transport error keeps ambiguity.
func (e *Engine) probeOrder(ctx context.Context, order *database.OrderRow) Outcome {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	vo, err := e.client.OrderByClientID(probeCtx, order.ClientOrderID)
	if err != nil {
		return Outcome{Kind: OutcomeAmbiguous, Reason: err.Error()}
	}
	if vo == nil {
		return Outcome{Kind: OutcomeAbsentConfirmed}
	}
	return Outcome{Kind: OutcomeSuccess, Order: vo}
}

// adoptFound accepts a venue-side order only when it matches the decision
// exactly enough: same side, size within 1%, price within 0.5%. Anything
// else is a mismatch halt.
func (e *Engine) adoptFound(order *database.OrderRow, vo *venue.VenueOrder, startMid decimal.Decimal) error {
	if vo.Side != order.Side {
		e.alert("PENDING_UNKNOWN_MISMATCH", fmt.Sprintf(
			"order %s found on venue with side %s, decision side %s", order.ID, vo.Side, order.Side))
		return e.machine.Halt(core.HaltPendingUnknownMismatch)
	}

	wantSize := decimal.New(order.SizeCents, -2)
	if !withinTolerance(vo.SizeUSD, wantSize, sizeTolerance) {
		e.alert("PENDING_UNKNOWN_MISMATCH", fmt.Sprintf(
			"order %s size drift: venue %s, decision %s", order.ID, vo.SizeUSD, wantSize))
		return e.machine.Halt(core.HaltPendingUnknownMismatch)
	}
	if !withinTolerance(vo.Price, order.Price, priceTolerance) {
		e.alert("PENDING_UNKNOWN_MISMATCH", fmt.Sprintf(
			"order %s price drift: venue %s, decision %s", order.ID, vo.Price, order.Price))
		return e.machine.Halt(core.HaltPendingUnknownMismatch)
	}

	order.ExchangeOrderID = vo.ExchangeOrderID
	order.FilledCents = usdToCents(vo.FilledUSD)
	order.ResidualCents = order.SizeCents - order.FilledCents
	order.PendingUnknownSince = nil
	switch {
	case vo.Status == venue.VenueOrderCancelled:
		order.Status = StatusCancelled
	case vo.Status == venue.VenueOrderFilled || order.ResidualCents <= 0:
		order.Status = StatusFilled
	case order.FilledCents > 0:
		order.Status = StatusPartiallyFilled
	default:
		order.Status = StatusOpen
	}

	if err := e.db.SaveOrder(order); err != nil {
		return fmt.Errorf("adopt found order: %w", err)
	}
	if order.Status == StatusFilled || order.Status == StatusPartiallyFilled {
		e.applyFill(order)
	}

	log.Info().Str("order", order.ID).Str("status", order.Status).
		Msg("✅ PENDING_UNKNOWN resolved as FOUND")

	e.discardIfDrifted(order, startMid)
	return nil
}

// confirmAbsent marks the order cancelled, releases its exposure, and bars
// the market; a later attempt needs a fresh candidate and snapshot.
func (e *Engine) confirmAbsent(ctx context.Context, order *database.OrderRow) error {
	order.Status = StatusCancelled
	order.PendingUnknownSince = nil
	order.ResidualCents = 0
	if err := e.db.SaveOrder(order); err != nil {
		return fmt.Errorf("persist absent order: %w", err)
	}

	e.BarMarket(order.MarketID, time.Now().Add(e.cfg.MarketBarAfterAbsent))

	log.Warn().Str("order", order.ID).Str("market", order.MarketID).
		Dur("bar", e.cfg.MarketBarAfterAbsent).
		Msg("PENDING_UNKNOWN resolved as ABSENT_CONFIRMED, market barred")

	return e.recon.Run(ctx, reconcile.TriggerPendingUnknown)
}

// discardIfDrifted enforces the price-drift guard: a mid move beyond 2%
// since ambiguity began invalidates the candidate that produced this order,
// so any further attempt needs a fresh evaluation.
func (e *Engine) discardIfDrifted(order *database.OrderRow, startMid decimal.Decimal) {
	if startMid.IsZero() || e.midProvider == nil {
		return
	}
	nowMid := e.midProvider(order.MarketID, order.Side)
	if nowMid.IsZero() {
		return
	}
	drift := nowMid.Sub(startMid).Abs().Div(startMid)
	if drift.LessThanOrEqual(midDriftGuard) {
		return
	}

	log.Warn().Str("order", order.ID).Str("market", order.MarketID).
		Str("drift", drift.StringFixed(4)).
		Msg("Mid drifted during PENDING_UNKNOWN; candidate discarded")

	dec, err := e.db.GetDecision(order.DecisionID)
	if err != nil || dec.CandidateID == "" {
		return
	}
	var cand database.CandidateRow
	if err := e.db.DB().First(&cand, "id = ?", dec.CandidateID).Error; err != nil {
		return
	}
	cand.Status = "DROPPED"
	cand.StateVersion++
	_ = e.db.SaveCandidate(&cand)
}

// withinTolerance reports |a-b| <= tol*b.
func withinTolerance(a, b, tol decimal.Decimal) bool {
	if b.IsZero() {
		return a.IsZero()
	}
	return a.Sub(b).Abs().LessThanOrEqual(b.Mul(tol))
}

// ═════════════════════════════════════════════════════════════════════════
// RESIDUALS & CANCEL-REPLACE
// ═════════════════════════════════════════════════════════════════════════

// RecordFill applies a fill notification. A fill arriving while the order
// is CANCEL_REQUESTED moves it to PARTIALLY_FILLED with a fresh residual.
func (e *Engine) RecordFill(orderID string, fillCents int64) error {
	order, err := e.db.GetOrder(orderID)
	if err != nil {
		return err
	}

	order.FilledCents += fillCents
	order.ResidualCents = order.SizeCents - order.FilledCents
	if order.ResidualCents < 0 {
		order.ResidualCents = 0
	}

	switch {
	case order.ResidualCents == 0:
		order.Status = StatusFilled
	case order.Status == StatusCancelRequested:
		order.Status = StatusPartiallyFilled
	case order.Status == StatusOpen:
		order.Status = StatusPartiallyFilled
	}

	if err := e.db.SaveOrder(order); err != nil {
		return err
	}
	e.applyFill(order)
	return nil
}

// SweepResiduals cancels partial fills whose residual sat unfilled past the
// age limit. Called from the worker loop while holding the market lock.
func (e *Engine) SweepResiduals(ctx context.Context) error {
	orders, err := e.db.GetActiveOrders()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range orders {
		order := &orders[i]
		if order.Mode != ModeLive || order.Status != StatusPartiallyFilled {
			continue
		}
		if order.ResidualCents <= 0 || now.Sub(order.UpdatedAt) < e.cfg.ResidualMaxAge {
			continue
		}
		if err := e.CancelOrder(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

// CancelOrder requests cancellation with the CANCEL_INTENT/RESULT
// discipline. Ambiguity parks the order PENDING_UNKNOWN (cancel variant).
func (e *Engine) CancelOrder(ctx context.Context, order *database.OrderRow) error {
	intent := map[string]any{
		"order_id":          order.ID,
		"exchange_order_id": order.ExchangeOrderID,
		"residual_cents":    order.ResidualCents,
	}
	if _, err := e.wal.Append(wal.RecordCancelIntent, order.ID, order.MarketID, intent); err != nil {
		e.machine.SetBlocker(state.BlockerWALDegraded)
		return fmt.Errorf("cancel intent wal: %w", err)
	}
	if err := e.db.AppendEvent("CANCEL_INTENT", order.MarketID, order.ID, intent); err != nil {
		return fmt.Errorf("cancel intent event: %w", err)
	}

	now := time.Now().UTC()
	order.Status = StatusCancelRequested
	order.CancelRequestedAt = &now
	if err := e.db.SaveOrder(order); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	cancelErr := e.client.CancelOrder(callCtx, order.ExchangeOrderID)
	cancel()

	result := map[string]any{"order_id": order.ID}
	var ambiguous *venue.ErrAmbiguousOutcome
	switch {
	case cancelErr == nil:
		result["status"] = "CANCEL_ACKED"
	case errors.As(cancelErr, &ambiguous) || errors.Is(cancelErr, context.DeadlineExceeded):
		order.Status = StatusPendingUnknown
		order.PendingUnknownSince = &now
		result["status"] = StatusPendingUnknown
		result["cause"] = cancelErr.Error()
	default:
		result["status"] = "CANCEL_REJECTED"
		result["cause"] = cancelErr.Error()
	}

	if _, err := e.wal.Append(wal.RecordCancelResult, order.ID, order.MarketID, result); err != nil {
		e.machine.SetBlocker(state.BlockerWALDegraded)
		return fmt.Errorf("cancel result wal: %w", err)
	}
	if err := e.db.AppendEvent("CANCEL_RESULT", order.MarketID, order.ID, result); err != nil {
		return fmt.Errorf("cancel result event: %w", err)
	}
	if err := e.db.SaveOrder(order); err != nil {
		return err
	}

	if order.Status == StatusPendingUnknown {
		return e.resolveCancelUnknown(ctx, order)
	}

	// Confirm the cancel via reconciliation before anything may replace it.
	return e.ConfirmCancelAbsent(ctx, order)
}

// resolveCancelUnknown runs the pending loop for an ambiguous cancel; an
// unresolved cancel is its own halt reason.
func (e *Engine) resolveCancelUnknown(ctx context.Context, order *database.OrderRow) error {
	deadline := time.Now().Add(e.cfg.PendingUnknownMax)
	ticker := time.NewTicker(e.cfg.PendingUnknownPoll)
	defer ticker.Stop()

	for {
		outcome := e.probeOrder(ctx, order)
		switch outcome.Kind {
		case OutcomeAbsentConfirmed:
			order.Status = StatusCancelled
			order.PendingUnknownSince = nil
			order.ResidualCents = 0
			return e.db.SaveOrder(order)
		case OutcomeSuccess:
			if outcome.Order.Status == venue.VenueOrderCancelled {
				order.Status = StatusCancelled
				order.PendingUnknownSince = nil
				order.ResidualCents = 0
				return e.db.SaveOrder(order)
			}
			// still live on the venue; keep polling until the cancel lands
		case OutcomeAmbiguous:
		}

		if time.Now().After(deadline) {
			e.alert("RESIDUAL_CANCEL_UNKNOWN", fmt.Sprintf(
				"cancel of order %s unresolved after %s", order.ID, e.cfg.PendingUnknownMax))
			return e.machine.Halt(core.HaltResidualCancelUnknown)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelAllResting best-effort cancels every live resting order. Used by
// the daily stop; failures are logged, not fatal, and the follow-up
// reconciliation cycles pick up whatever is left.
func (e *Engine) CancelAllResting(ctx context.Context) {
	orders, err := e.db.GetActiveOrders()
	if err != nil {
		log.Error().Err(err).Msg("Cancel-all: listing active orders failed")
		return
	}
	for i := range orders {
		order := &orders[i]
		if order.Mode != ModeLive {
			if order.Mode == ModePaper {
				e.paper.Withdraw(order.ID)
				order.Status = StatusCancelled
				order.ResidualCents = 0
				_ = e.db.SaveOrder(order)
			}
			continue
		}
		if order.Status != StatusOpen && order.Status != StatusPartiallyFilled {
			continue
		}
		if err := e.CancelOrder(ctx, order); err != nil {
			log.Error().Err(err).Str("order", order.ID).Msg("Cancel-all: cancel failed")
		}
	}
}

// ConfirmCancelAbsent verifies via reconciliation reads that a cancelled
// order is gone from the venue before any replacement may be submitted.
func (e *Engine) ConfirmCancelAbsent(ctx context.Context, order *database.OrderRow) error {
	deadline := time.Now().Add(e.cfg.PendingUnknownMax)
	ticker := time.NewTicker(e.cfg.PendingUnknownPoll)
	defer ticker.Stop()

	for {
		outcome := e.probeOrder(ctx, order)
		if outcome.Kind == OutcomeAbsentConfirmed ||
			(outcome.Kind == OutcomeSuccess && outcome.Order.Status == venue.VenueOrderCancelled) {
			order.Status = StatusCancelled
			order.PendingUnknownSince = nil
			if err := e.db.SaveOrder(order); err != nil {
				return err
			}
			return e.recon.Run(ctx, reconcile.TriggerPostCancel)
		}

		if time.Now().After(deadline) {
			e.alert("CANCEL_UNCONFIRMED", fmt.Sprintf(
				"cancel of order %s not confirmed absent within %s", order.ID, e.cfg.PendingUnknownMax))
			return e.machine.Halt(core.HaltCancelReplaceUnconfirmed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
