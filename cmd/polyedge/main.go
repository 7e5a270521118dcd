// PolyEdge - autonomous trading automator for binary prediction markets.
//
// The process keeps a durable, HMAC-signed trading state, evaluates
// candidates against immutable orderbook snapshots, and executes limit
// orders under fail-closed invariants: every LIVE submit passes the WAL
// two-phase discipline, the reconcile-green gate, and a per-market lock.
// A restart can never resume LIVE; re-arming takes the full two-step
// TOTP ceremony.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyedge/internal/bot"
	"github.com/web3guy0/polyedge/internal/budget"
	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/execution"
	"github.com/web3guy0/polyedge/internal/lockmgr"
	"github.com/web3guy0/polyedge/internal/market"
	"github.com/web3guy0/polyedge/internal/orchestrator"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/risk"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
	"github.com/web3guy0/polyedge/internal/wal"

	"github.com/google/uuid"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	processStart := time.Now().UTC()
	log.Info().Str("version", version).Msg("🚀 PolyEdge starting...")

	// Secrets. Any read failure here, a missing file or a world-readable
	// mode alike, is fatal immediately; it does not reach the HALTED path of
	// the startup secret check.
	stateSecret, err := config.ReadSecretFile(cfg.StateSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("State secret unavailable")
	}
	localStateSecret, err := config.ReadSecretFile(cfg.LocalStateSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Local state secret unavailable")
	}
	totpSecret, err := config.ReadSecretFile(cfg.TOTPSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("TOTP secret unavailable")
	}
	manifestSecret, err := config.ReadSecretFile(cfg.ManifestSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Manifest secret unavailable")
	}

	db, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	walLog, err := wal.Open(cfg.WALPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open WAL")
	}
	defer walLog.Close()

	coord := core.NewCoordinator(processStart)
	machine := state.NewMachine(db, walLog, coord, stateSecret)
	arming := state.NewArmingCeremony(db, string(totpSecret), localStateSecret,
		cfg.ArmingFilePath, cfg.ArmingFileGroup, processStart.UnixMilli())
	machine.SetArming(arming)

	signer, err := venue.NewOrderSigner(cfg.WalletPrivateKey, cfg.FunderAddress, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build order signer")
	}
	client := venue.NewRESTClient(cfg.VenueRESTURL, signer, cfg.Execution.SubmitTimeout,
		func(open bool) {
			if open {
				machine.SetBlocker(state.BlockerReconcileDegraded)
			}
		})
	feed := venue.NewFeed(cfg.VenueWSURL, coord)

	locks := lockmgr.New(db, uuid.NewString())
	budgetMgr := budget.New(db, cfg.Budget)
	recon := reconcile.New(db, client, coord, machine)
	riskMgr := risk.New(cfg.Risk, db, coord)
	pipeline := market.NewPipeline(db)

	orch := orchestrator.New(orchestrator.Deps{
		Cfg:            cfg,
		ManifestSecret: manifestSecret,
		DB:             db,
		WAL:            walLog,
		Coord:          coord,
		Machine:        machine,
		Arming:         arming,
		Locks:          locks,
		Budget:         budgetMgr,
		Recon:          recon,
		Risk:           riskMgr,
		Pipeline:       pipeline,
		Feed:           feed,
		Client:         client,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup steps 1-10. Workers do not start unless this succeeds.
	if err := orch.Startup(ctx); err != nil {
		log.Error().Err(err).Msg("Startup sequence failed; process stays up for operator commands")
	}

	var execEngine *execution.Engine
	if manifest := orch.Manifest(); manifest != nil {
		execEngine = execution.New(db, walLog, coord, machine, locks, recon, client,
			cfg.Execution, manifest)
		orch.SetExec(execEngine)
	}

	// Telegram control channel.
	controlBot, err := bot.New(cfg, db, machine, arming, coord, recon, budgetMgr, riskMgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	machine.SetAlertFunc(controlBot.Alert)
	recon.SetAlertFunc(controlBot.Alert)
	if execEngine != nil {
		execEngine.SetAlertFunc(controlBot.Alert)
	}
	controlBot.Start()

	budgetMgr.SetLiveCheck(func() bool {
		st, err := machine.State()
		return err == nil && st == state.LiveTrading
	})
	budgetMgr.OnCostAccountingDegraded(func(day string, count int) {
		machine.SetBlocker(state.BlockerCostAccountingDegraded)
		controlBot.Alert("COST_ACCOUNTING_DEGRADED",
			"3+ force-settled AI reservations today; forcing OBSERVE_ONLY")
		_ = machine.DowngradeToObserve("cost accounting degraded")
	})
	riskMgr.OnDailyStop(func() {
		_ = machine.HaltDaily()
		if execEngine != nil {
			execEngine.CancelAllResting(ctx)
		}
	})
	riskMgr.OnMarkUnavailable(func(marketID string) {
		_ = machine.Halt(core.HaltRiskMarkUnavailable)
	})

	if execEngine != nil {
		execEngine.PaperBook().OnFill(func(orderID string, fillCents, feeCents int64) {
			if err := execEngine.RecordFill(orderID, fillCents); err != nil {
				log.Error().Err(err).Str("order", orderID).Msg("Paper fill record failed")
			}
		})

		// Orphans adopted during replay resolve before workers run.
		if err := orch.ResolveAdoptedOrphans(ctx); err != nil {
			log.Error().Err(err).Msg("Orphan resolution failed")
		}

		if err := orch.StartWorkers(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start workers")
		}
	}

	log.Info().Msg("✅ All services started")
	log.Info().Msg("💡 Use /status in Telegram to inspect the system")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down...")

	cancel()
	controlBot.Stop()
	orch.Stop()

	log.Info().Msg("👋 Goodbye!")
}
