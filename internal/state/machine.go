// Package state owns the durable trading-state lifecycle: the signed
// bot_state singleton, the fail-closed blocker set, and the arming
// ceremony. Nothing else writes bot_state.
package state

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/wal"
)

// TradingState is the durable state value.
type TradingState string

const (
	ObserveOnly  TradingState = "OBSERVE_ONLY"
	PaperTrading TradingState = "PAPER_TRADING"
	LiveArmed    TradingState = "LIVE_ARMED"
	LiveTrading  TradingState = "LIVE_TRADING"
	Halted       TradingState = "HALTED"
	HaltedDaily  TradingState = "HALTED_DAILY"
)

// Blocker is an in-memory fail-closed condition, orthogonal to the durable
// state. Any set blocker forbids new exposure.
type Blocker string

const (
	BlockerWSDown                 Blocker = "WS_DOWN"
	BlockerDBDegraded             Blocker = "DB_DEGRADED"
	BlockerWALDegraded            Blocker = "WAL_DEGRADED"
	BlockerReconcileDegraded      Blocker = "RECONCILE_DEGRADED"
	BlockerClockSkew              Blocker = "CLOCK_SKEW"
	BlockerCostAccountingDegraded Blocker = "COST_ACCOUNTING_DEGRADED"
	BlockerInjectionDetectorInvalid Blocker = "INJECTION_DETECTOR_INVALID"
)

// armedWindow is how long LIVE_ARMED remains confirmable.
const armedWindow = 300 * time.Second

// AlertFunc delivers an operator alert; kind doubles as the dedup key.
type AlertFunc func(kind, message string)

// Machine is the authority over bot_state. It never caches the row across
// calls: every mutation re-reads and re-verifies the signature first.
type Machine struct {
	mu       sync.Mutex
	db       *database.Database
	wal      *wal.Log
	coord    *core.Coordinator
	secret   []byte
	alert    AlertFunc
	blockers map[Blocker]bool

	arming *ArmingCeremony
}

func NewMachine(db *database.Database, walLog *wal.Log, coord *core.Coordinator, secret []byte) *Machine {
	return &Machine{
		db:       db,
		wal:      walLog,
		coord:    coord,
		secret:   secret,
		alert:    func(string, string) {},
		blockers: make(map[Blocker]bool),
	}
}

// SetAlertFunc installs the operator alert sink.
func (m *Machine) SetAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alert = fn
}

// SetArming attaches the arming ceremony helper.
func (m *Machine) SetArming(a *ArmingCeremony) { m.arming = a }

// signatureFor computes the HMAC over the canonical field string.
func (m *Machine) signatureFor(row *database.BotStateRow) string {
	h := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(h, "%s|%d|%d|", row.State, row.Counter, row.UpdatedAtUTC.UnixMilli())
	if row.ArmedUntil != nil {
		fmt.Fprintf(h, "%d", row.ArmedUntil.UnixMilli())
	}
	h.Write([]byte("|"))
	if row.HaltUntil != nil {
		fmt.Fprintf(h, "%d", row.HaltUntil.UnixMilli())
	}
	h.Write([]byte("|"))
	if row.HaltResumeState != nil {
		h.Write([]byte(*row.HaltResumeState))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Current reads and verifies the durable state. A missing row bootstraps as
// OBSERVE_ONLY; a signature failure forces HALTED, durably.
func (m *Machine) Current() (*database.BotStateRow, error) {
	row, err := m.db.GetBotState()
	if err != nil {
		return nil, fmt.Errorf("read bot_state: %w", err)
	}
	if row == nil {
		return m.bootstrap()
	}
	if !hmac.Equal([]byte(m.signatureFor(row)), []byte(row.Signature)) {
		log.Error().Int64("counter", row.Counter).Msg("🚨 bot_state signature invalid, forcing HALTED")
		m.alert("STATE_SIGNATURE_INVALID", "bot_state signature verification failed; forcing HALTED")
		return m.forceHalt(row, core.HaltStateSignatureInvalid)
	}
	return row, nil
}

// State returns the verified current trading state.
func (m *Machine) State() (TradingState, error) {
	row, err := m.Current()
	if err != nil {
		return "", err
	}
	return TradingState(row.State), nil
}

func (m *Machine) bootstrap() (*database.BotStateRow, error) {
	row := &database.BotStateRow{
		ID:           1,
		State:        string(ObserveOnly),
		Counter:      1,
		UpdatedAtUTC: time.Now().UTC(),
	}
	row.Signature = m.signatureFor(row)
	if err := m.db.SaveBotState(row); err != nil {
		return nil, fmt.Errorf("bootstrap bot_state: %w", err)
	}
	log.Info().Msg("bot_state bootstrapped as OBSERVE_ONLY")
	return row, nil
}

// forceHalt writes HALTED over a row whose signature cannot be trusted.
func (m *Machine) forceHalt(prev *database.BotStateRow, reason core.HaltReason) (*database.BotStateRow, error) {
	row := &database.BotStateRow{
		ID:           1,
		State:        string(Halted),
		Counter:      prev.Counter + 1,
		UpdatedAtUTC: time.Now().UTC(),
	}
	row.Signature = m.signatureFor(row)
	if err := m.db.SaveBotState(row); err != nil {
		return nil, fmt.Errorf("force halt (%s): %w", reason, err)
	}
	return row, nil
}

// Transition moves the durable state. It re-reads and re-verifies, writes a
// STATE_CHANGED WAL record (fsynced) and event, then persists the new
// signed row. A failed WAL append sets WAL_DEGRADED; every failure is
// returned to the caller, and Transition itself does not move to HALTED.
func (m *Machine) Transition(to TradingState, reason string, mutate func(row *database.BotStateRow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason, mutate)
}

func (m *Machine) transitionLocked(to TradingState, reason string, mutate func(row *database.BotStateRow)) error {
	prev, err := m.Current()
	if err != nil {
		return err
	}

	next := &database.BotStateRow{
		ID:           1,
		State:        string(to),
		Counter:      prev.Counter + 1,
		UpdatedAtUTC: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(next)
	}
	next.Signature = m.signatureFor(next)

	payload := map[string]any{
		"from": prev.State, "to": string(to), "counter": next.Counter, "reason": reason,
	}
	if _, err := m.wal.Append(wal.RecordStateChanged, "", "", payload); err != nil {
		m.blockers[BlockerWALDegraded] = true
		return fmt.Errorf("state change wal append: %w", err)
	}
	if err := m.db.AppendEvent("STATE_CHANGED", "", "", payload); err != nil {
		return fmt.Errorf("state change event append: %w", err)
	}
	if err := m.db.SaveBotState(next); err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}

	log.Info().Str("from", prev.State).Str("to", string(to)).Str("reason", reason).
		Msg("🔁 Trading state changed")
	return nil
}

// Halt transitions to sticky HALTED, raises the barrier, and alerts.
func (m *Machine) Halt(reason core.HaltReason) error {
	m.coord.RaiseBarrier()
	err := m.Transition(Halted, string(reason), nil)
	m.alert("HALTED", fmt.Sprintf("trading HALTED: %s", reason))
	return err
}

// HaltDaily enters HALTED_DAILY until the next UTC midnight, remembering the
// state to resume into.
func (m *Machine) HaltDaily() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.Current()
	if err != nil {
		return err
	}
	resume := prev.State
	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	m.coord.RaiseBarrier()
	err = m.transitionLocked(HaltedDaily, string(core.HaltDailyStop), func(row *database.BotStateRow) {
		row.HaltUntil = &midnight
		row.HaltResumeState = &resume
	})
	m.alert("HALTED_DAILY", fmt.Sprintf("daily stop hit; trading paused until %s UTC", midnight.Format("15:04")))
	return err
}

// TickDailyExpiry resumes from HALTED_DAILY once the halt window passed:
// back to PAPER_TRADING if that was the prior state, else OBSERVE_ONLY.
func (m *Machine) TickDailyExpiry(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.Current()
	if err != nil {
		return err
	}
	if TradingState(row.State) != HaltedDaily || row.HaltUntil == nil || now.Before(*row.HaltUntil) {
		return nil
	}

	resume := ObserveOnly
	if row.HaltResumeState != nil && TradingState(*row.HaltResumeState) == PaperTrading {
		resume = PaperTrading
	}
	if err := m.transitionLocked(resume, "daily halt expired", nil); err != nil {
		return err
	}
	m.coord.LowerBarrier()
	return nil
}

// DowngradeToObserve moves any state down to OBSERVE_ONLY (blocker policy).
func (m *Machine) DowngradeToObserve(reason string) error {
	row, err := m.Current()
	if err != nil {
		return err
	}
	st := TradingState(row.State)
	if st == Halted || st == HaltedDaily || st == ObserveOnly {
		return nil
	}
	return m.Transition(ObserveOnly, reason, nil)
}

// Blockers

// SetBlocker marks a fail-closed condition.
func (m *Machine) SetBlocker(b Blocker) {
	m.mu.Lock()
	already := m.blockers[b]
	m.blockers[b] = true
	m.mu.Unlock()
	if !already {
		log.Warn().Str("blocker", string(b)).Msg("⛔ Blocker set")
	}
}

// ClearBlocker removes a condition once its source recovers.
func (m *Machine) ClearBlocker(b Blocker) {
	m.mu.Lock()
	was := m.blockers[b]
	delete(m.blockers, b)
	m.mu.Unlock()
	if was {
		log.Info().Str("blocker", string(b)).Msg("Blocker cleared")
	}
}

// HasBlocker reports one condition.
func (m *Machine) HasBlocker(b Blocker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockers[b]
}

// Blockers returns the active set.
func (m *Machine) Blockers() []Blocker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Blocker, 0, len(m.blockers))
	for b := range m.blockers {
		out = append(out, b)
	}
	return out
}

// AllowNewExposure is the mode gate: LIVE requires zero blockers; PAPER
// tolerates only COST_ACCOUNTING_DEGRADED.
func (m *Machine) AllowNewExposure() (bool, TradingState, error) {
	st, err := m.State()
	if err != nil {
		return false, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch st {
	case LiveTrading:
		return len(m.blockers) == 0, st, nil
	case PaperTrading:
		for b := range m.blockers {
			if b != BlockerCostAccountingDegraded {
				return false, st, nil
			}
		}
		return true, st, nil
	default:
		return false, st, nil
	}
}
