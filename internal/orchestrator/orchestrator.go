package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/polyedge/internal/budget"
	"github.com/web3guy0/polyedge/internal/config"
	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/decision"
	"github.com/web3guy0/polyedge/internal/execution"
	"github.com/web3guy0/polyedge/internal/lockmgr"
	"github.com/web3guy0/polyedge/internal/market"
	"github.com/web3guy0/polyedge/internal/reconcile"
	"github.com/web3guy0/polyedge/internal/risk"
	"github.com/web3guy0/polyedge/internal/snapshot"
	"github.com/web3guy0/polyedge/internal/state"
	"github.com/web3guy0/polyedge/internal/venue"
	"github.com/web3guy0/polyedge/internal/wal"
)

// evaluateInterval is how often a worker re-evaluates its market.
const evaluateInterval = 2 * time.Second

// Orchestrator owns the worker pool and the component wiring.
type Orchestrator struct {
	cfg            *config.Config
	manifest       *config.Manifest
	manifestSecret []byte

	db         *database.Database
	wal        *wal.Log
	coord      *core.Coordinator
	machine    *state.Machine
	arming     *state.ArmingCeremony
	locks      *lockmgr.Manager
	budget     *budget.Manager
	recon      *reconcile.Engine
	riskMgr    *risk.Manager
	execEngine *execution.Engine
	pipeline   *market.Pipeline
	feed       *venue.Feed
	client     venue.Client
	alert      state.AlertFunc

	books *bookTracker

	grp    *errgroup.Group
	cancel context.CancelFunc
}

type Deps struct {
	Cfg            *config.Config
	ManifestSecret []byte
	DB             *database.Database
	WAL            *wal.Log
	Coord          *core.Coordinator
	Machine        *state.Machine
	Arming         *state.ArmingCeremony
	Locks          *lockmgr.Manager
	Budget         *budget.Manager
	Recon          *reconcile.Engine
	Risk           *risk.Manager
	Exec           *execution.Engine
	Pipeline       *market.Pipeline
	Feed           *venue.Feed
	Client         venue.Client
	Alert          state.AlertFunc
}

func New(d Deps) *Orchestrator {
	alert := d.Alert
	if alert == nil {
		alert = func(string, string) {}
	}
	return &Orchestrator{
		cfg:            d.Cfg,
		manifestSecret: d.ManifestSecret,
		db:             d.DB,
		wal:            d.WAL,
		coord:          d.Coord,
		machine:        d.Machine,
		arming:         d.Arming,
		locks:          d.Locks,
		budget:         d.Budget,
		recon:          d.Recon,
		riskMgr:        d.Risk,
		execEngine:     d.Exec,
		pipeline:       d.Pipeline,
		feed:           d.Feed,
		client:         d.Client,
		alert:          alert,
		books:          newBookTracker(),
	}
}

// Manifest exposes the verified manifest after startup.
func (o *Orchestrator) Manifest() *config.Manifest { return o.manifest }

// SetExec installs the execution engine (built after the manifest loads).
func (o *Orchestrator) SetExec(e *execution.Engine) { o.execEngine = e }

// StartWorkers launches the feed consumer, the per-market workers, the
// reconcile heartbeat, the budget reaper, and the daily-halt ticker.
func (o *Orchestrator) StartWorkers(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	grp, ctx := errgroup.WithContext(ctx)
	o.grp = grp

	markets, err := o.db.WatchlistedMarkets()
	if err != nil {
		cancel()
		return err
	}

	for _, m := range markets {
		o.books.register(m.ID, m.YesTokenID, m.NoTokenID)
		o.feed.Watch(m.ID, []string{m.YesTokenID, m.NoTokenID})
	}
	o.feed.Start()

	o.execEngine.SetMidProvider(func(marketID, side string) decimal.Decimal {
		book, ok := o.books.bookFor(marketID, side)
		if !ok || book.BestBid.IsZero() || book.BestAsk.IsZero() {
			return decimal.Zero
		}
		return book.BestBid.Add(book.BestAsk).Div(decimal.NewFromInt(2))
	})

	frames := o.feed.Subscribe()
	grp.Go(func() error {
		o.consumeFrames(ctx, frames)
		return nil
	})

	grp.Go(func() error {
		o.watchFeed(ctx)
		return nil
	})
	grp.Go(func() error {
		o.recon.RunHeartbeat(ctx, ctx.Done())
		return nil
	})
	grp.Go(func() error {
		o.budget.RunReaper(ctx.Done())
		return nil
	})
	grp.Go(func() error {
		o.dailyTicker(ctx)
		return nil
	})

	for _, m := range markets {
		m := m
		grp.Go(func() error {
			o.marketWorker(ctx, m)
			return nil
		})
	}

	log.Info().Int("markets", len(markets)).Msg("👷 Workers started")
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.feed.Stop()
	if o.grp != nil {
		_ = o.grp.Wait()
	}
}

// consumeFrames folds WS frames into the per-market book mirror and feeds
// the paper fill simulator.
func (o *Orchestrator) consumeFrames(ctx context.Context, frames chan venue.BookFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			marketID, side, ok := o.books.apply(frame)
			if !ok {
				continue
			}
			book, found := o.books.bookFor(marketID, side)
			if !found {
				continue
			}
			at := time.UnixMilli(frame.ReceivedMs)
			o.execEngine.PaperBook().ObserveBook(marketID, side, book.BestAsk, at)
			if side == string(core.SideYes) {
				top := decimal.Zero
				if len(book.Asks) > 0 {
					top = book.Asks[0].SizeUSD
				}
				o.riskMgr.Series(marketID).Observe(book.BestBid, book.BestAsk, top, at)
			}
		}
	}
}

// watchFeed tracks WS connectivity: a down feed raises the WS_DOWN blocker,
// and every reconnect triggers a reconciliation cycle.
func (o *Orchestrator) watchFeed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// start from "connected" so a feed that is not up yet counts as a
	// disconnect on the first tick and raises the blocker
	wasConnected := true
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			feed := o.coord.Feed(now)
			switch {
			case !feed.Connected && wasConnected:
				o.machine.SetBlocker(state.BlockerWSDown)
				o.alert("WS_DOWN", "venue websocket disconnected")
				wasConnected = false
			case feed.Connected && !wasConnected:
				o.machine.ClearBlocker(state.BlockerWSDown)
				_ = o.recon.Run(ctx, reconcile.TriggerWSReconnect)
				wasConnected = true
			}
		}
	}
}

// dailyTicker expires HALTED_DAILY at UTC midnight.
func (o *Orchestrator) dailyTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := o.machine.TickDailyExpiry(now.UTC()); err != nil {
				log.Error().Err(err).Msg("Daily expiry tick failed")
			}
		}
	}
}

// marketWorker runs one market's evaluate loop under its lease. The barrier
// is checked between candidate production, decision, and submit.
func (o *Orchestrator) marketWorker(ctx context.Context, m database.MarketRow) {
	workerID := "worker-" + m.ID
	ticker := time.NewTicker(evaluateInterval)
	defer ticker.Stop()

	var lease *lockmgr.Lease
	renew := time.NewTicker(lockmgr.RenewInterval)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			if lease != nil {
				_ = o.locks.Release(lease)
			}
			return

		case <-renew.C:
			if lease == nil {
				continue
			}
			if err := o.locks.Renew(lease); err != nil {
				lease = nil
				if n, _ := o.db.CountPendingUnknownInMarket(m.ID); n > 0 {
					o.alert("LOCK_RENEW_FAILED", "lock renew failed with PENDING_UNKNOWN in "+m.ID)
					_ = o.machine.Halt(core.HaltLockRenewDuringPending)
					return
				}
				log.Warn().Str("market", m.ID).Msg("Lock renew failed; dropping work")
			}

		case <-ticker.C:
			if o.coord.BarrierActive() {
				continue
			}
			if lease == nil {
				l, err := o.locks.Acquire(m.ID, workerID)
				if err != nil {
					continue
				}
				lease = l
			}
			if err := o.evaluateOnce(ctx, m, lease); err != nil {
				log.Error().Err(err).Str("market", m.ID).Msg("Evaluation failed")
			}
			_ = o.execEngine.SweepResiduals(ctx)
		}
	}
}

// evaluateOnce builds a snapshot, opens a candidate, decides, sizes, and
// hands a ticket to the execution engine.
func (o *Orchestrator) evaluateOnce(ctx context.Context, m database.MarketRow, lease *lockmgr.Lease) error {
	now := time.Now()
	snap, ok := o.books.buildSnapshot(m.ID, o.coord, now)
	if !ok {
		return nil
	}

	feed := o.coord.Feed(now)
	if !snapshot.WSHealthyDecision(m.ID, snap, feed) {
		return nil
	}
	if snap.InvalidBook || snap.AskSumAnomaly {
		return nil
	}

	row, err := snap.Row()
	if err != nil {
		return err
	}
	if err := o.db.SaveSnapshot(row); err != nil {
		return err
	}

	cand, err := o.pipeline.NewCandidate(m.ID, snap, []string{"scheduled_evaluation"})
	if err != nil {
		return err
	}

	// Barrier check between candidate production and decision.
	if o.coord.BarrierActive() {
		return o.pipeline.Drop(cand, string(core.ReasonBarrierActive))
	}

	calib, err := o.db.GetCalibration(m.Category)
	if err != nil {
		return err
	}
	resolved := 0
	if calib != nil {
		resolved = calib.ResolvedOutcomes
	}

	venueAvailable, _ := o.client.BalanceUSD(ctx)
	sizeUSD, riskReason, err := o.riskMgr.Size(venueAvailable)
	if err != nil {
		return err
	}
	if riskReason != "" {
		return o.pipeline.Drop(cand, string(riskReason))
	}

	result := decision.Evaluate(decision.Inputs{
		MarketID:         m.ID,
		Snap:             snap,
		HasAI:            false, // AI path requires budget + evidence; decision stays market-only until then
		ResolvedOutcomes: resolved,
		PaperMode:        true,
		DaysToResolution: time.Until(m.EndDate).Hours() / 24,
		OrderUSD:         sizeUSD,
		Now:              now,
	})
	if !result.Tradeable {
		_ = o.db.AppendEvent("NO_TRADE", m.ID, cand.ID, map[string]any{"reason": string(result.Reason)})
		return o.pipeline.Drop(cand, string(result.Reason))
	}

	if err := o.pipeline.Advance(cand, market.CandidateEvidenceDone); err != nil {
		return err
	}
	if err := o.pipeline.Advance(cand, market.CandidateAIDone); err != nil {
		return err
	}

	// Barrier check between decision and submit.
	if o.coord.BarrierActive() {
		return o.pipeline.Drop(cand, string(core.ReasonBarrierActive))
	}

	decidedAt := time.Now()
	canonical := decision.CanonicalString(m.ID, result.Side, snap.ContentHash,
		result.EntryPrice, sizeUSD.Mul(decimal.NewFromInt(100)).IntPart(),
		result.PMarket, result.PEff, result.RequiredEdge, decidedAt)
	decisionID := decision.DecisionID(canonical)
	clientOrderID := decision.ClientOrderID(decisionID, o.manifest.ClientOrderIDMaxLen)

	if err := o.db.SaveDecision(&database.DecisionRow{
		ID:              decisionID,
		MarketID:        m.ID,
		CandidateID:     cand.ID,
		Side:            string(result.Side),
		SnapshotHash:    snap.ContentHash,
		LimitPrice:      result.EntryPrice,
		SizedCents:      sizeUSD.Mul(decimal.NewFromInt(100)).IntPart(),
		PMarket:         result.PMarket,
		MarkPrice:       result.ConservativeMark,
		PEff:            result.PEff,
		RequiredEdge:    result.RequiredEdge,
		EVYes:           result.EVYes,
		EVNo:            result.EVNo,
		ClientOrderID:   clientOrderID,
		TimestampBucket: decision.TimestampBucket(decidedAt),
		CreatedAt:       decidedAt.UTC(),
	}); err != nil {
		return err
	}
	if err := o.pipeline.Advance(cand, market.CandidateDecided); err != nil {
		return err
	}

	tokenID := m.YesTokenID
	if result.Side == core.SideNo {
		tokenID = m.NoTokenID
	}

	// Taker-like marketable limits need extra edge, a tight book, and
	// realized volatility under the manifest ceiling; otherwise post-only.
	marketable := false
	ev := decimal.Max(result.EVYes, result.EVNo)
	book := snap.Side(string(result.Side))
	spread := book.BestAsk.Sub(book.BestBid)
	if ev.GreaterThanOrEqual(decimal.NewFromFloat(decision.EVMin+0.03)) &&
		spread.LessThanOrEqual(decimal.NewFromFloat(0.02)) {
		if sigma, ok := o.riskMgr.Series(m.ID).RealizedSigma(5*time.Minute, now); ok {
			marketable = decimal.NewFromFloat(sigma).
				LessThanOrEqual(o.manifest.TakerVolSigmaMax)
		}
	}

	mode := execution.ModePaper
	if st, err := o.machine.State(); err == nil && st == state.LiveTrading {
		mode = execution.ModeLive
	}

	reason, err := o.execEngine.Execute(ctx, &execution.Ticket{
		CandidateID:         cand.ID,
		MarketID:            m.ID,
		TokenID:             tokenID,
		Side:                result.Side,
		LimitPrice:          result.EntryPrice,
		SizeUSD:             sizeUSD,
		DecisionID:          decisionID,
		ClientOrderID:       clientOrderID,
		SnapshotID:          snap.ID,
		Snap:                snap,
		CandidateCreatedAt:  cand.CreatedAt,
		DecidedAt:           decidedAt,
		Lease:               lease,
		LockVersionAtDecide: lease.Version,
		MarketableLimit:     marketable,
	}, mode)
	if err != nil {
		return err
	}
	if reason != "" {
		return o.pipeline.Drop(cand, string(reason))
	}
	return o.pipeline.Advance(cand, market.CandidateExecuted)
}

// ═════════════════════════════════════════════════════════════════════════
// BOOK TRACKER
// ═════════════════════════════════════════════════════════════════════════

type trackedMarket struct {
	yesTokenID string
	noTokenID  string
	yes        snapshot.Book
	no         snapshot.Book
	lastWSMs   int64
	bookMs     int64
}

// bookTracker mirrors per-market books from WS frames.
type bookTracker struct {
	mu      sync.RWMutex
	markets map[string]*trackedMarket
	byToken map[string]string // token id -> market id
}

func newBookTracker() *bookTracker {
	return &bookTracker{
		markets: make(map[string]*trackedMarket),
		byToken: make(map[string]string),
	}
}

func (t *bookTracker) register(marketID, yesTokenID, noTokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markets[marketID] = &trackedMarket{yesTokenID: yesTokenID, noTokenID: noTokenID}
	t.byToken[yesTokenID] = marketID
	t.byToken[noTokenID] = marketID
}

// apply folds a frame in and returns which market/side it touched.
func (t *bookTracker) apply(frame venue.BookFrame) (marketID, side string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	marketID, found := t.byToken[frame.TokenID]
	if !found {
		return "", "", false
	}
	tm := t.markets[marketID]
	tm.lastWSMs = frame.ReceivedMs

	if !frame.BookChange {
		return marketID, "", false
	}

	book := snapshot.Book{}
	for i, lv := range frame.Bids {
		if i == 0 {
			book.BestBid = lv.Price
		}
		if i < snapshot.DepthLevels {
			book.Bids = append(book.Bids, snapshot.Level{Price: lv.Price, SizeUSD: lv.SizeUSD})
		}
	}
	for i, lv := range frame.Asks {
		if i == 0 {
			book.BestAsk = lv.Price
		}
		if i < snapshot.DepthLevels {
			book.Asks = append(book.Asks, snapshot.Level{Price: lv.Price, SizeUSD: lv.SizeUSD})
		}
	}

	if frame.TokenID == tm.yesTokenID {
		tm.yes = book
		side = string(core.SideYes)
	} else {
		tm.no = book
		side = string(core.SideNo)
	}
	tm.bookMs = frame.ReceivedMs
	return marketID, side, true
}

func (t *bookTracker) bookFor(marketID, side string) (snapshot.Book, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tm, ok := t.markets[marketID]
	if !ok {
		return snapshot.Book{}, false
	}
	if side == string(core.SideNo) {
		return tm.no, true
	}
	return tm.yes, true
}

// buildSnapshot assembles an immutable snapshot from the mirror.
func (t *bookTracker) buildSnapshot(marketID string, coord *core.Coordinator, now time.Time) (*snapshot.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tm, ok := t.markets[marketID]
	if !ok || tm.lastWSMs == 0 {
		return nil, false
	}

	// The snapshot's receive time is when its newest frame arrived; the
	// global WS message clock is always at or past that.
	feed := coord.Feed(now)
	return snapshot.New(marketID, snapshot.SourceWS, feed.Epoch,
		tm.lastWSMs, feed.LastMessageMs, tm.lastWSMs, tm.bookMs,
		tm.yes, tm.no), true
}
