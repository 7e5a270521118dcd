// Package orchestrator wires the components together: it runs the ordered
// startup sequence, owns the worker pool, and is the only place that
// constructs the process-global coordinator state.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/execution"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/wal"
)

const maxClockSkew = 5 * time.Second

// Startup runs the ordered boot sequence. No worker starts until it
// returns nil; most failures end in HALTED.
func (o *Orchestrator) Startup(ctx context.Context) error {
	// 1. Signed config manifest.
	manifest, err := config.LoadManifest(o.cfg.ManifestPath, o.manifestSecret)
	if err != nil {
		o.alert("CONFIG_TAMPER", fmt.Sprintf("manifest verification failed: %v", err))
		_ = o.machine.Halt(core.HaltConfigTamper)
		return fmt.Errorf("startup: manifest: %w", err)
	}
	o.manifest = manifest

	// 2. Secret file permissions.
	for _, path := range []string{
		o.cfg.StateSecretFile, o.cfg.LocalStateSecretFile,
		o.cfg.TOTPSecretFile, o.cfg.ManifestSecretFile,
	} {
		if _, err := config.ReadSecretFile(path); err != nil {
			_ = o.machine.Halt(core.HaltSecretPermissions)
			return fmt.Errorf("startup: secret check: %w", err)
		}
	}

	// 3. Clock-drift probe against database and venue clocks.
	if err := o.probeClocks(ctx); err != nil {
		return err
	}

	// 4. Read and verify the signed state.
	row, err := o.machine.Current()
	if err != nil {
		_ = o.machine.Halt(core.HaltStateSignatureInvalid)
		return fmt.Errorf("startup: bot_state: %w", err)
	}

	// 5. A restart can never resume LIVE.
	st := state.TradingState(row.State)
	if st == state.LiveArmed || st == state.LiveTrading {
		if err := o.machine.Transition(state.ObserveOnly, "startup downgrade from "+row.State, nil); err != nil {
			_ = o.machine.Halt(core.HaltStartupDowngradeFailed)
			return fmt.Errorf("startup: downgrade: %w", err)
		}
		o.alert("STARTUP_DOWNGRADE", fmt.Sprintf("restart found state %s; forced OBSERVE_ONLY", row.State))
	}

	// 6. Remove any leftover arming file.
	if err := o.arming.RemoveArmingFile(); err != nil {
		_ = o.machine.Halt(core.HaltArmingFileCleanup)
		return fmt.Errorf("startup: %w", err)
	}

	// 7. Burn outstanding arming nonces.
	if err := o.db.InvalidateAllNonces(); err != nil {
		_ = o.machine.Halt(core.HaltStartupDowngradeFailed)
		return fmt.Errorf("startup: invalidate nonces: %w", err)
	}

	// 8. Deterministic WAL replay into the event store.
	if err := o.replayWAL(); err != nil {
		_ = o.machine.Halt(core.HaltWALReplayFailed)
		return fmt.Errorf("startup: wal replay: %w", err)
	}

	// 9. Initial reconciliation.
	if err := o.recon.Run(ctx, reconcile.TriggerStartup); err != nil {
		log.Error().Err(err).Msg("Initial reconciliation failed; staying degraded")
	}

	// 10. Wallet reference. Failure keeps OBSERVE_ONLY (no wallet = no sizing).
	if balance, err := o.client.BalanceUSD(ctx); err != nil {
		log.Error().Err(err).Msg("Wallet fetch failed; remaining OBSERVE_ONLY")
	} else {
		o.coord.SetWallet(balance, time.Now().UTC())
		log.Info().Str("wallet_usd", balance.StringFixed(2)).Msg("Wallet reference loaded")
	}

	log.Info().Msg("✅ Startup sequence complete")
	return nil
}

func (o *Orchestrator) probeClocks(ctx context.Context) error {
	local := time.Now().UTC()

	dbNow, err := o.db.Now()
	if err != nil {
		_ = o.machine.Halt(core.HaltStartupDowngradeFailed)
		return fmt.Errorf("startup: db clock: %w", err)
	}
	venueNow, err := o.client.ServerTime(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Venue time probe failed; treating as skew")
		venueNow = local.Add(maxClockSkew * 2)
	}

	dbSkew := absDuration(local.Sub(dbNow))
	venueSkew := absDuration(local.Sub(venueNow))
	if dbSkew > maxClockSkew || venueSkew > maxClockSkew {
		o.machine.SetBlocker(state.BlockerClockSkew)
		o.alert("CLOCK_SKEW", fmt.Sprintf("clock skew db=%s venue=%s", dbSkew, venueSkew))
		if err := o.machine.DowngradeToObserve("clock skew"); err != nil {
			return err
		}
	}
	return nil
}

// replayWAL applies records in offset order. An ORDER_INTENT with neither a
// result nor an abort is an orphan: the submit may or may not have reached
// the venue, so the order is adopted as PENDING_UNKNOWN for reconciliation.
func (o *Orchestrator) replayWAL() error {
	records, err := o.wal.Replay()
	if err != nil {
		return err
	}

	resolved := make(map[string]bool)
	intents := make(map[string]wal.Record)

	for _, rec := range records {
		switch rec.Type {
		case wal.RecordOrderIntent:
			intents[rec.OrderID] = rec
		case wal.RecordOrderResult, wal.RecordOrderIntentAborted:
			resolved[rec.OrderID] = true
		}

		var payload any
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				return fmt.Errorf("replay offset %d: %w", rec.Offset, err)
			}
		}
		if err := o.db.AppendEvent("WAL_"+string(rec.Type), rec.MarketID, rec.OrderID, map[string]any{
			"offset": rec.Offset, "ts_unix_ms": rec.TsUnixMs, "payload": payload,
		}); err != nil {
			return fmt.Errorf("replay offset %d into event store: %w", rec.Offset, err)
		}
	}

	now := time.Now().UTC()
	adopted := 0
	for orderID, rec := range intents {
		if resolved[orderID] {
			continue
		}
		if err := o.adoptOrphan(orderID, rec, now); err != nil {
			return err
		}
		adopted++
	}

	log.Info().Int("records", len(records)).Int("orphans_adopted", adopted).
		Msg("WAL replay complete")
	return nil
}

func (o *Orchestrator) adoptOrphan(orderID string, rec wal.Record, now time.Time) error {
	var intent struct {
		ClientOrderID string `json:"client_order_id"`
		MarketID      string `json:"market_id"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		SizeCents     int64  `json:"size_cents"`
	}
	if err := json.Unmarshal(rec.Payload, &intent); err != nil {
		return fmt.Errorf("orphan intent %s: %w", orderID, err)
	}

	existing, err := o.db.GetOrderByClientID(intent.ClientOrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status != execution.StatusPendingUnknown {
			existing.Status = execution.StatusPendingUnknown
			existing.PendingUnknownSince = &now
			if err := o.db.SaveOrder(existing); err != nil {
				return err
			}
		}
		return nil
	}

	price, _ := decimal.NewFromString(intent.Price)
	order := &database.OrderRow{
		ID:                  orderID,
		DecisionID:          orderID,
		MarketID:            intent.MarketID,
		Side:                intent.Side,
		Status:              execution.StatusPendingUnknown,
		Mode:                execution.ModeLive,
		ClientOrderID:       intent.ClientOrderID,
		Price:               price,
		SizeCents:           intent.SizeCents,
		ResidualCents:       intent.SizeCents,
		PendingUnknownSince: &now,
		CreatedAt:           time.UnixMilli(rec.TsUnixMs).UTC(),
	}
	if err := o.db.SaveOrder(order); err != nil {
		return err
	}

	log.Warn().Str("order", orderID).Str("market", intent.MarketID).
		Msg("🧩 Orphaned ORDER_INTENT adopted as PENDING_UNKNOWN")
	return nil
}

// ResolveAdoptedOrphans runs the pending loop for every PENDING_UNKNOWN
// order found after replay. Called after the initial reconciliation.
func (o *Orchestrator) ResolveAdoptedOrphans(ctx context.Context) error {
	orders, err := o.db.GetPendingUnknownOrders()
	if err != nil {
		return err
	}
	for i := range orders {
		if err := o.execEngine.ResolvePendingUnknown(ctx, &orders[i], nil); err != nil {
			return err
		}
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
