package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Coordinator concentrates the process-global mutable trading state: the
// submit barrier and its generation counter, the WS epoch, the connection
// freshness clocks, and the wallet reference. All reads and writes go
// through this narrow contract; nothing reaches these fields ambiently.
type Coordinator struct {
	mu sync.RWMutex

	processStartUnixMs int64

	// Barrier. When raised, no new submit may begin; the generation counter
	// is bumped on every /halt so in-flight submits can detect they started
	// before the barrier.
	barrier           bool
	barrierGeneration int64

	// WS feed view. Epoch increments on every disconnect; any snapshot
	// carrying a stale epoch is invalid regardless of its timestamps.
	wsConnected     bool
	wsEpoch         int64
	wsLastMessageMs int64

	// Wallet reference used for sizing and thresholds. Refreshed only from
	// TWAP- or trade-backed marks.
	walletUSDLastGood decimal.Decimal
	walletUpdatedAt   time.Time

	// SUBMIT_GATE: serializes all outbound venue submissions.
	submitGate sync.Mutex
}

// FeedView is the coordinator's read-only view of WS health, consumed by
// the snapshot freshness predicates.
type FeedView struct {
	Connected       bool
	Epoch           int64
	LastMessageMs   int64
	NowMs           int64
}

func NewCoordinator(processStart time.Time) *Coordinator {
	return &Coordinator{
		processStartUnixMs: processStart.UnixMilli(),
	}
}

func (c *Coordinator) ProcessStartUnixMs() int64 {
	return c.processStartUnixMs
}

// RaiseBarrier blocks all further submits and bumps the generation counter.
func (c *Coordinator) RaiseBarrier() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrier = true
	c.barrierGeneration++
	log.Warn().Int64("generation", c.barrierGeneration).Msg("🚧 Barrier raised")
	return c.barrierGeneration
}

// LowerBarrier re-permits submits without resetting the generation counter.
func (c *Coordinator) LowerBarrier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrier = false
	log.Info().Int64("generation", c.barrierGeneration).Msg("Barrier lowered")
}

func (c *Coordinator) BarrierActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.barrier
}

func (c *Coordinator) BarrierGeneration() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.barrierGeneration
}

// WSConnected marks the feed up and returns the current epoch.
func (c *Coordinator) WSConnected() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsConnected = true
	return c.wsEpoch
}

// WSDisconnected marks the feed down and increments the epoch, invalidating
// every snapshot taken under the previous connection.
func (c *Coordinator) WSDisconnected() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsConnected = false
	c.wsEpoch++
	log.Warn().Int64("epoch", c.wsEpoch).Msg("🔌 WS disconnected, epoch bumped")
	return c.wsEpoch
}

// WSMessageReceived records feed liveness.
func (c *Coordinator) WSMessageReceived(atMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if atMs > c.wsLastMessageMs {
		c.wsLastMessageMs = atMs
	}
}

func (c *Coordinator) WSEpoch() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wsEpoch
}

// Feed returns a consistent view of WS health for the freshness predicates.
func (c *Coordinator) Feed(now time.Time) FeedView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return FeedView{
		Connected:     c.wsConnected,
		Epoch:         c.wsEpoch,
		LastMessageMs: c.wsLastMessageMs,
		NowMs:         now.UnixMilli(),
	}
}

// SetWallet updates the wallet reference from a TWAP- or trade-backed mark.
func (c *Coordinator) SetWallet(usd decimal.Decimal, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walletUSDLastGood = usd
	c.walletUpdatedAt = at
}

// Wallet returns the last good wallet value and its freshness timestamp.
func (c *Coordinator) Wallet() (decimal.Decimal, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletUSDLastGood, c.walletUpdatedAt
}

// LockSubmitGate acquires the global submit gate. Every outbound venue
// submission holds it; AI calls and reconciliation reads do not.
func (c *Coordinator) LockSubmitGate() {
	c.submitGate.Lock()
}

func (c *Coordinator) UnlockSubmitGate() {
	c.submitGate.Unlock()
}
