package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Models. Monetary amounts are persisted as integer cents; prices as
// decimal(10,6) fixed-point.

// BotStateRow is the signed singleton trading state. The HMAC signature
// covers every prior field; a row that fails verification forces HALTED.
type BotStateRow struct {
	ID              int    `gorm:"primaryKey"` // always 1
	State           string
	Counter         int64
	UpdatedAtUTC    time.Time
	ArmedUntil      *time.Time
	HaltUntil       *time.Time
	HaltResumeState *string
	Signature       string
}

func (BotStateRow) TableName() string { return "bot_state" }

// MarketLock is a leased per-market lock row.
type MarketLock struct {
	MarketID       string `gorm:"primaryKey"`
	OwnerInstance  string
	OwnerWorker    string
	LockVersion    int64
	OwnerHeartbeat time.Time
	ExpiresAt      time.Time
	LastRenewed    time.Time
}

func (MarketLock) TableName() string { return "market_locks" }

// SnapshotRow is an immutable persisted price/book snapshot.
type SnapshotRow struct {
	ID                    string `gorm:"primaryKey"`
	MarketID              string `gorm:"index:idx_snapshots_market_recv,priority:1"`
	SnapshotAtMs          int64  `gorm:"index:idx_snapshots_market_recv,priority:2"`
	Source                string // WS or REST
	WSEpoch               int64
	WSLastMessageMs       int64
	MarketLastWSUpdateMs  int64
	OrderbookLastChangeMs int64
	BestBidYes            decimal.Decimal `gorm:"type:decimal(10,6)"`
	BestAskYes            decimal.Decimal `gorm:"type:decimal(10,6)"`
	BestBidNo             decimal.Decimal `gorm:"type:decimal(10,6)"`
	BestAskNo             decimal.Decimal `gorm:"type:decimal(10,6)"`
	DepthJSON             string          // top-K levels per side, K=3
	ContentHash           string
	InvalidBook           bool
	AskSumAnomaly         bool
	CreatedAt             time.Time
}

func (SnapshotRow) TableName() string { return "snapshots" }

// MarketRow is a registry entry for an eligible or tracked market.
type MarketRow struct {
	ID          string `gorm:"primaryKey"`
	Question    string
	Slug        string
	YesTokenID  string
	NoTokenID   string
	Category    string
	Active      bool
	Eligible    bool
	Watchlisted bool
	Probation   bool
	Quarantined bool
	EndDate     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (MarketRow) TableName() string { return "markets" }

// CandidateRow tracks one evaluation candidate through its lifecycle.
type CandidateRow struct {
	ID             string `gorm:"primaryKey"`
	MarketID       string `gorm:"index"`
	SnapshotID     string
	Status         string `gorm:"index"`
	StateVersion   int64
	TriggerReasons string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CandidateRow) TableName() string { return "candidates" }

// DecisionRow is immutable once written; its ID is the decision hash.
type DecisionRow struct {
	ID              string `gorm:"primaryKey"` // sha256 hex of canonical string
	MarketID        string `gorm:"index"`
	CandidateID     string
	Side            string
	SnapshotHash    string
	LimitPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	SizedCents      int64
	PMarket         decimal.Decimal `gorm:"type:decimal(10,6)"`
	MarkPrice       decimal.Decimal `gorm:"type:decimal(10,6)"` // best bid at decision, conservative mark
	PEff            decimal.Decimal `gorm:"type:decimal(10,6)"`
	RequiredEdge    decimal.Decimal `gorm:"type:decimal(10,6)"`
	EVYes           decimal.Decimal `gorm:"type:decimal(10,6)"`
	EVNo            decimal.Decimal `gorm:"type:decimal(10,6)"`
	ReasonCode      string
	GateJSON        string
	ClientOrderID   string
	TimestampBucket int64
	CreatedAt       time.Time
}

func (DecisionRow) TableName() string { return "decisions" }

// OrderRow is a local order record. Status carries a plain index over all
// statuses; it is not a partial index limited to the active ones.
type OrderRow struct {
	ID                  string `gorm:"primaryKey"`
	DecisionID          string `gorm:"index"`
	MarketID            string `gorm:"index"`
	Side                string
	Status              string `gorm:"index:idx_orders_active"`
	Mode                string // PAPER or LIVE
	ClientOrderID       string `gorm:"uniqueIndex"`
	ExchangeOrderID     string
	Price               decimal.Decimal `gorm:"type:decimal(10,6)"`
	SizeCents           int64
	FilledCents         int64
	ResidualCents       int64
	PendingUnknownSince *time.Time
	CancelRequestedAt   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (OrderRow) TableName() string { return "orders" }

// MismatchRow records a reconciliation divergence.
type MismatchRow struct {
	ID        string `gorm:"primaryKey"`
	MarketID  *string
	Level     int    `gorm:"index"`
	Status    string `gorm:"index"` // ACTIVE or RESOLVED
	Kind      string
	Details   string
	DriftCents int64
	FirstSeen time.Time
	LastSeen  time.Time
}

func (MismatchRow) TableName() string { return "reconcile_mismatches" }

// AIBudgetDay is the per-UTC-day budget accumulator row. Mutated only inside
// SERIALIZABLE transactions with the row locked.
type AIBudgetDay struct {
	Day               string `gorm:"primaryKey"` // 2006-01-02 (UTC)
	SpentCents        int64
	InFlightCents     int64
	AnalysesCount     int
	ForceSettledCount int
	UpdatedAt         time.Time
}

func (AIBudgetDay) TableName() string { return "ai_budget_day" }

// AIReservation is a tentative AI spend that must be settled or reaped.
type AIReservation struct {
	ID            string `gorm:"primaryKey"`
	Day           string `gorm:"index"`
	TsUTCDb       time.Time
	ModelKey      string
	ReservedCents int64
	ActualCents   *int64
	Status        string `gorm:"index"` // RESERVED, SETTLED, FORCE_SETTLED, RELEASED
	CorrelationID string `gorm:"index"`
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AIReservation) TableName() string { return "ai_reservations" }

// EventRow is the append-only event log; the payload hash unique index makes
// WAL replay idempotent.
type EventRow struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Type          string `gorm:"index"`
	MarketID      string
	CorrelationID string `gorm:"index"`
	PayloadJSON   string
	PayloadHash   string `gorm:"uniqueIndex"`
	CreatedAt     time.Time
}

func (EventRow) TableName() string { return "event_log" }

// ArmingNonce is a single-use nonce minted during the arming ceremony.
type ArmingNonce struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Nonce     string `gorm:"uniqueIndex"`
	Step      int
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (ArmingNonce) TableName() string { return "arming_nonces" }

// TOTPUse records accepted TOTP codes for replay blocking.
type TOTPUse struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	CodeHash  string `gorm:"index"`
	UsedAt    time.Time
}

func (TOTPUse) TableName() string { return "totp_uses" }

// PositionRow is the local open-position book, maintained from fills and
// checked against venue positions during reconciliation.
type PositionRow struct {
	ID         string `gorm:"primaryKey"`
	MarketID   string `gorm:"index"`
	Side       string
	SizeShares decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgEntry   decimal.Decimal `gorm:"type:decimal(10,6)"`
	MarkPrice  decimal.Decimal `gorm:"type:decimal(10,6)"` // conservative (bid-side) mark
	CostCents  int64
	Status     string `gorm:"index"` // OPEN or CLOSED
	OpenedAt   time.Time
	ClosedAt   *time.Time
	UpdatedAt  time.Time
}

func (PositionRow) TableName() string { return "positions" }

// CalibrationStat accumulates resolved outcomes per market category; the AI
// influence weight stays zero until enough outcomes exist.
type CalibrationStat struct {
	Category         string `gorm:"primaryKey"`
	ResolvedOutcomes int
	BrierSum         decimal.Decimal `gorm:"type:decimal(12,6)"`
	UpdatedAt        time.Time
}

func (CalibrationStat) TableName() string { return "calibration_stats" }
