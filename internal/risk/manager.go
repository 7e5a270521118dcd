// Package risk sizes trades and maintains the mark-to-market machinery:
// TWAP risk marks with sample validity rules, the wallet reference refresh
// policy, and the daily stop.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
)

// Manager is the sizing and exposure gatekeeper.
type Manager struct {
	mu sync.Mutex

	cfg   config.RiskConfig
	db    *database.Database
	coord *core.Coordinator

	twaps map[string]*TWAPSeries // market id -> mark series

	dailyPnLCents int64
	tradingDay    time.Time

	// onDailyStop fires when the daily loss limit is breached.
	onDailyStop func()
	// onMarkUnavailable fires after three consecutive failed mark checks.
	onMarkUnavailable func(marketID string)
}

func New(cfg config.RiskConfig, db *database.Database, coord *core.Coordinator) *Manager {
	return &Manager{
		cfg:        cfg,
		db:         db,
		coord:      coord,
		twaps:      make(map[string]*TWAPSeries),
		tradingDay: time.Now().UTC().Truncate(24 * time.Hour),
	}
}

func (m *Manager) OnDailyStop(fn func())                   { m.onDailyStop = fn }
func (m *Manager) OnMarkUnavailable(fn func(market string)) { m.onMarkUnavailable = fn }

// Size computes the order notional: the per-market fraction of the wallet,
// clipped by remaining total-exposure capacity and the venue's available
// balance. A zero size comes with its reason: WALLET_REF_STALE for a
// missing or stale wallet reference, RISK_LIMIT_HIT otherwise.
func (m *Manager) Size(venueAvailable decimal.Decimal) (decimal.Decimal, core.ReasonCode, error) {
	wallet, walletAt := m.coord.Wallet()
	if wallet.IsZero() {
		return decimal.Zero, core.ReasonWalletRefStale, nil
	}
	if time.Since(walletAt) > m.cfg.WalletStaleAfter {
		return decimal.Zero, core.ReasonWalletRefStale, nil
	}

	open, err := m.db.OpenPositions()
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("open positions: %w", err)
	}
	if len(open) >= m.cfg.MaxOpenPositions {
		return decimal.Zero, core.ReasonRiskLimitHit, nil
	}

	exposure := decimal.Zero
	for _, p := range open {
		exposure = exposure.Add(decimal.New(p.CostCents, -2))
	}
	maxTotal := wallet.Mul(m.cfg.MaxTotalExposurePct)
	remaining := maxTotal.Sub(exposure)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, core.ReasonRiskLimitHit, nil
	}

	size := decimal.Min(
		wallet.Mul(m.cfg.MaxPerMarketPct),
		decimal.Min(remaining, venueAvailable),
	)
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, core.ReasonRiskLimitHit, nil
	}
	return size.Round(2), "", nil
}

// RecordPnL accumulates realized/mark PnL into the day bucket and checks
// the daily stop.
func (m *Manager) RecordPnL(deltaCents int64) {
	m.mu.Lock()
	m.rollDayLocked()
	m.dailyPnLCents += deltaCents
	pnl := m.dailyPnLCents
	m.mu.Unlock()

	wallet, _ := m.coord.Wallet()
	if wallet.IsZero() {
		return
	}
	stopCents := wallet.Mul(m.cfg.DailyStopPct).Mul(decimal.NewFromInt(100)).IntPart()
	if pnl <= -stopCents {
		log.Warn().Int64("daily_pnl_cents", pnl).Int64("stop_cents", stopCents).
			Msg("🛑 Daily stop breached")
		if m.onDailyStop != nil {
			m.onDailyStop()
		}
	}
}

// DailyPnLCents reports the current day bucket.
func (m *Manager) DailyPnLCents() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dailyPnLCents
}

func (m *Manager) rollDayLocked() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(m.tradingDay) {
		log.Info().Msg("📅 New trading day, resetting daily PnL")
		m.dailyPnLCents = 0
		m.tradingDay = today
	}
}

// Series returns (creating if needed) the TWAP series for a market.
func (m *Manager) Series(marketID string) *TWAPSeries {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.twaps[marketID]
	if !ok {
		s = NewTWAPSeries(m.cfg.TWAPWindow)
		m.twaps[marketID] = s
	}
	return s
}

// Mark produces the risk mark for a position using the fallback chain:
// TWAP, then a recent trade, then entry price for a young position. Three
// consecutive failures escalate.
func (m *Manager) Mark(pos *database.PositionRow, lastTrade decimal.Decimal, lastTradeAt time.Time, now time.Time) (decimal.Decimal, bool) {
	series := m.Series(pos.MarketID)

	if mark, ok := series.Mark(now); ok {
		series.failures = 0
		return mark, true
	}

	if !lastTrade.IsZero() && now.Sub(lastTradeAt) <= 10*time.Minute {
		series.failures = 0
		return lastTrade, true
	}

	if now.Sub(pos.OpenedAt) <= 300*time.Second {
		series.failures = 0
		return pos.AvgEntry, true
	}

	series.failures++
	log.Warn().Str("market", pos.MarketID).Int("consecutive", series.failures).
		Msg("Risk mark unavailable")
	if series.failures >= 3 && m.onMarkUnavailable != nil {
		m.onMarkUnavailable(pos.MarketID)
	}
	return decimal.Zero, false
}

// RefreshWallet updates the wallet reference. Only TWAP- or trade-backed
// marks qualify; entry-price fallbacks never refresh it.
func (m *Manager) RefreshWallet(balance decimal.Decimal, markBacked bool, at time.Time) {
	if !markBacked {
		return
	}
	m.coord.SetWallet(balance, at)
}

// WalletFresh reports whether the reference is inside the staleness bound.
func (m *Manager) WalletFresh(now time.Time) bool {
	_, at := m.coord.Wallet()
	return !at.IsZero() && now.Sub(at) <= m.cfg.WalletStaleAfter
}
