// Package execution owns the order lifecycle: the pre-exec gate, the
// idempotent two-phase LIVE submit, PENDING_UNKNOWN resolution, residual
// cancellation, and the pessimistic PAPER fill model. It is the only
// package that calls the venue's order endpoints.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

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

// Order statuses.
const (
	StatusPendingSubmit   = "PENDING_SUBMIT"
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelRequested = "CANCEL_REQUESTED"
	StatusCancelled       = "CANCELLED"
	StatusPendingUnknown  = "PENDING_UNKNOWN"
	StatusRejected        = "REJECTED"
)

// Modes.
const (
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// OutcomeKind tags the tri-state result of an ambiguous venue interaction.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAbsentConfirmed
	OutcomeAmbiguous
)

// Outcome is the tagged variant for submit/cancel results. Ambiguity is a
// first-class value, never a nil success.
type Outcome struct {
	Kind   OutcomeKind
	Order  *venue.VenueOrder
	Reason string
}

// Ticket is a fully decided trade handed to the engine: the candidate, its
// decision, the snapshot it was decided on, and the lock context recorded
// at decision time.
type Ticket struct {
	CandidateID         string
	MarketID            string
	TokenID             string
	Side                core.Side
	LimitPrice          decimal.Decimal
	SizeUSD             decimal.Decimal
	DecisionID          string
	ClientOrderID       string
	SnapshotID          string
	Snap                *snapshot.Snapshot
	CandidateCreatedAt  time.Time
	DecidedAt           time.Time
	Lease               *lockmgr.Lease
	LockVersionAtDecide int64
	MarketableLimit     bool
}

// Engine executes tickets.
type Engine struct {
	db       *database.Database
	wal      *wal.Log
	coord    *core.Coordinator
	machine  *state.Machine
	locks    *lockmgr.Manager
	recon    *reconcile.Engine
	client   venue.Client
	cfg      config.ExecConfig
	manifest *config.Manifest
	alert    state.AlertFunc

	paper *PaperBook

	// midProvider reads the current mid for a market side from the live
	// book mirror; used by the PENDING_UNKNOWN price-drift guard.
	midProvider func(marketID, side string) decimal.Decimal

	mu         sync.Mutex
	marketBars map[string]time.Time // market id -> barred-until after ABSENT_CONFIRMED
}

func New(db *database.Database, walLog *wal.Log, coord *core.Coordinator, machine *state.Machine,
	locks *lockmgr.Manager, recon *reconcile.Engine, client venue.Client,
	cfg config.ExecConfig, manifest *config.Manifest) *Engine {
	return &Engine{
		db:         db,
		wal:        walLog,
		coord:      coord,
		machine:    machine,
		locks:      locks,
		recon:      recon,
		client:     client,
		cfg:        cfg,
		manifest:   manifest,
		alert:      func(string, string) {},
		paper:      NewPaperBook(manifest.TickSize),
		marketBars: make(map[string]time.Time),
	}
}

func (e *Engine) SetAlertFunc(fn state.AlertFunc) { e.alert = fn }

// SetMidProvider installs the live-mid reader for the drift guard.
func (e *Engine) SetMidProvider(fn func(marketID, side string) decimal.Decimal) {
	e.midProvider = fn
}

// PaperBook exposes the paper fill simulator for feed wiring.
func (e *Engine) PaperBook() *PaperBook { return e.paper }

// BarMarket blocks new orders in a market until t.
func (e *Engine) BarMarket(marketID string, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketBars[marketID] = until
}

func (e *Engine) marketBarred(marketID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.marketBars[marketID]
	return ok && now.Before(until)
}

// gateCheck runs the pre-exec gate. Called with the submit gate held,
// immediately before the network call; nothing may suspend between a pass
// and the submit except the call itself.
func (e *Engine) gateCheck(t *Ticket, submitGeneration int64, now time.Time) core.ReasonCode {
	allowed, _, err := e.machine.AllowNewExposure()
	if err != nil || !allowed {
		return core.ReasonStateNotTrading
	}

	if e.coord.BarrierActive() || submitGeneration != e.coord.BarrierGeneration() {
		return core.ReasonBarrierActive
	}
	if now.Sub(t.CandidateCreatedAt) > e.cfg.CandidateMaxAge {
		return core.ReasonCandidateExpired
	}

	feed := e.coord.Feed(now)
	if !snapshot.WSHealthyExec(t.MarketID, t.Snap, feed) || t.Snap.WSEpoch != feed.Epoch {
		return core.ReasonWSUnhealthyExec
	}
	if now.Sub(t.DecidedAt) > e.cfg.DecisionToExecMax {
		return core.ReasonDecisionTooOld
	}

	if green, reason := e.recon.Green(now); !green {
		if reason == "" {
			reason = core.ReasonReconcileNotGreen
		}
		return reason
	}

	holds, err := e.locks.Holds(t.Lease, t.LockVersionAtDecide, 10*time.Second)
	if err != nil || !holds {
		return core.ReasonLockLost
	}

	if n, err := e.db.CountActiveMismatchesAtOrAbove(2); err != nil || n > 0 {
		return core.ReasonMismatchActive
	}

	if e.marketBarred(t.MarketID, now) {
		return core.ReasonMarketBarred
	}

	return ""
}

// Execute runs a ticket to a terminal or pending state. The returned reason
// is empty on success.
func (e *Engine) Execute(ctx context.Context, t *Ticket, mode string) (core.ReasonCode, error) {
	// Idempotency: one decision id, at most one submit, ever.
	if existing, err := e.db.GetOrderByClientID(t.ClientOrderID); err != nil {
		return "", err
	} else if existing != nil {
		log.Warn().Str("client_order_id", t.ClientOrderID).
			Msg("Duplicate execute suppressed, order already recorded")
		return "", nil
	}

	if mode == ModeLive {
		if err := e.recon.Run(ctx, reconcile.TriggerPreSubmit); err != nil {
			return core.ReasonReconcileNotGreen, nil
		}
	}

	e.coord.LockSubmitGate()
	defer e.coord.UnlockSubmitGate()

	submitGeneration := e.coord.BarrierGeneration()
	now := time.Now().UTC()

	if reason := e.gateCheck(t, submitGeneration, now); reason != "" {
		e.logAbort(t, reason)
		return reason, nil
	}

	if mode == ModePaper {
		return "", e.executePaper(t, now)
	}
	return e.executeLive(ctx, t, now)
}

// executeLive runs the two-phase discipline around a single network call.
func (e *Engine) executeLive(ctx context.Context, t *Ticket, now time.Time) (core.ReasonCode, error) {
	order := &database.OrderRow{
		ID:            t.DecisionID,
		DecisionID:    t.DecisionID,
		MarketID:      t.MarketID,
		Side:          string(t.Side),
		Status:        StatusPendingSubmit,
		Mode:          ModeLive,
		ClientOrderID: t.ClientOrderID,
		Price:         t.LimitPrice,
		SizeCents:     usdToCents(t.SizeUSD),
		ResidualCents: usdToCents(t.SizeUSD),
		CreatedAt:     now,
	}

	intent := map[string]any{
		"order_id":        order.ID,
		"client_order_id": order.ClientOrderID,
		"market_id":       order.MarketID,
		"side":            order.Side,
		"price":           t.LimitPrice.StringFixed(6),
		"size_cents":      order.SizeCents,
	}

	// Phase 1: durable intent. If the WAL write fails there is no submit.
	if _, err := e.wal.Append(wal.RecordOrderIntent, order.ID, order.MarketID, intent); err != nil {
		e.machine.SetBlocker(state.BlockerWALDegraded)
		return "", fmt.Errorf("order intent wal: %w", err)
	}

	// Phase 2: intent into the event store. If this fails after the WAL
	// succeeded, abort the intent durably and stand down to OBSERVE_ONLY
	// until the store recovers.
	if err := e.db.AppendEvent("ORDER_INTENT", order.MarketID, order.ID, intent); err != nil {
		if _, werr := e.wal.Append(wal.RecordOrderIntentAborted, order.ID, order.MarketID, intent); werr != nil {
			e.machine.SetBlocker(state.BlockerWALDegraded)
			return "", fmt.Errorf("abort record after event failure: %w", werr)
		}
		e.machine.SetBlocker(state.BlockerDBDegraded)
		_ = e.machine.DowngradeToObserve("event store write failed before submit")
		return "", fmt.Errorf("order intent event: %w", err)
	}

	if err := e.db.SaveOrder(order); err != nil {
		return "", fmt.Errorf("persist order: %w", err)
	}

	// Phase 3: the single network request. No retries at this layer; any
	// ambiguity becomes PENDING_UNKNOWN.
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	result, submitErr := e.client.SubmitLimitOrder(callCtx, venue.SubmitRequest{
		ClientOrderID:   t.ClientOrderID,
		MarketID:        t.MarketID,
		TokenID:         t.TokenID,
		Side:            string(t.Side),
		Price:           t.LimitPrice,
		SizeUSD:         t.SizeUSD,
		PostOnly:        !t.MarketableLimit,
		MarketableLimit: t.MarketableLimit,
	})
	cancel()

	resultPayload := map[string]any{"order_id": order.ID}

	var ambiguous *venue.ErrAmbiguousOutcome
	switch {
	case submitErr == nil:
		order.ExchangeOrderID = result.ExchangeOrderID
		order.FilledCents = usdToCents(result.FilledUSD)
		order.ResidualCents = order.SizeCents - order.FilledCents
		switch {
		case result.Status == venue.VenueOrderFilled || order.ResidualCents <= 0:
			order.Status = StatusFilled
		case order.FilledCents > 0:
			order.Status = StatusPartiallyFilled
		default:
			order.Status = StatusOpen
		}
		resultPayload["status"] = order.Status
		resultPayload["exchange_order_id"] = order.ExchangeOrderID
		resultPayload["filled_cents"] = order.FilledCents

	case errors.As(submitErr, &ambiguous) || errors.Is(submitErr, context.DeadlineExceeded):
		order.Status = StatusPendingUnknown
		pu := now
		order.PendingUnknownSince = &pu
		resultPayload["status"] = StatusPendingUnknown
		resultPayload["cause"] = submitErr.Error()

	default:
		order.Status = StatusRejected
		resultPayload["status"] = StatusRejected
		resultPayload["cause"] = submitErr.Error()
	}

	// Phase 4/5: durable result, then event. A failed event write degrades
	// to OBSERVE_ONLY and keeps the order PENDING_UNKNOWN for reconcile.
	if _, err := e.wal.Append(wal.RecordOrderResult, order.ID, order.MarketID, resultPayload); err != nil {
		e.machine.SetBlocker(state.BlockerWALDegraded)
		return "", fmt.Errorf("order result wal: %w", err)
	}
	if err := e.db.AppendEvent("ORDER_RESULT", order.MarketID, order.ID, resultPayload); err != nil {
		e.machine.SetBlocker(state.BlockerDBDegraded)
		if order.Status != StatusPendingUnknown {
			order.Status = StatusPendingUnknown
			pu := now
			order.PendingUnknownSince = &pu
		}
		_ = e.db.SaveOrder(order)
		_ = e.machine.DowngradeToObserve("event store write failed after submit")
		return "", fmt.Errorf("order result event: %w", err)
	}

	if err := e.db.SaveOrder(order); err != nil {
		return "", fmt.Errorf("persist order result: %w", err)
	}

	log.Info().Str("order", order.ID).Str("status", order.Status).
		Str("market", order.MarketID).Str("side", order.Side).
		Str("price", t.LimitPrice.StringFixed(4)).Msg("📤 LIVE order submitted")

	if order.Status == StatusPendingUnknown {
		return "", e.ResolvePendingUnknown(ctx, order, t.Snap)
	}
	if order.Status == StatusFilled || order.Status == StatusPartiallyFilled {
		e.applyFill(order)
	}
	return "", nil
}

// applyFill books the filled notional into the positions table. The
// position opens marked at the decision's bid-side conservative mark, not
// at the ask that was paid.
func (e *Engine) applyFill(order *database.OrderRow) {
	if order.FilledCents <= 0 {
		return
	}
	mark := order.Price
	if dec, err := e.db.GetDecision(order.DecisionID); err == nil && !dec.MarkPrice.IsZero() {
		mark = dec.MarkPrice
	}
	pos := &database.PositionRow{
		ID:         order.MarketID + "|" + order.Side,
		MarketID:   order.MarketID,
		Side:       order.Side,
		SizeShares: decimal.New(order.FilledCents, -2).Div(order.Price),
		AvgEntry:   order.Price,
		MarkPrice:  mark,
		CostCents:  order.FilledCents,
		Status:     "OPEN",
		OpenedAt:   order.CreatedAt,
	}
	if err := e.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("order", order.ID).Msg("Persist position failed")
	}
}

func (e *Engine) logAbort(t *Ticket, reason core.ReasonCode) {
	log.Info().Str("candidate", t.CandidateID).Str("market", t.MarketID).
		Str("reason", string(reason)).Msg("Execution aborted at gate")
	_ = e.db.AppendEvent("EXEC_ABORTED", t.MarketID, t.CandidateID, map[string]any{
		"reason":      string(reason),
		"decision_id": t.DecisionID,
	})
}

func usdToCents(usd decimal.Decimal) int64 {
	return usd.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
