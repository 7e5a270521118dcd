// Package snapshot holds immutable per-market price/depth records and the
// freshness predicates that gate decisions and executions on them.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/database"
)

// DepthLevels is the number of book levels captured per side.
const DepthLevels = 3

// Level is one price level of the book, size in USD.
type Level struct {
	Price   decimal.Decimal `json:"price"`
	SizeUSD decimal.Decimal `json:"size_usd"`
}

// Book is top-of-book plus top-K depth for one token side.
type Book struct {
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	Bids    []Level         `json:"bids"`
	Asks    []Level         `json:"asks"`
}

// Snapshot is immutable once built. The content hash covers the book so
// decisions can pin exactly what they saw.
type Snapshot struct {
	ID                    string
	MarketID              string
	SnapshotAtMs          int64 // local receive time, monotonic-derived ms
	Source                string // "WS" or "REST"
	WSEpoch               int64
	WSLastMessageMs       int64
	MarketLastWSUpdateMs  int64
	OrderbookLastChangeMs int64
	Yes                   Book
	No                    Book
	ContentHash           string
	InvalidBook           bool
	AskSumAnomaly         bool
}

const (
	SourceWS   = "WS"
	SourceREST = "REST"

	askSumMin = 0.98
	askSumMax = 2.00
)

// New builds a snapshot, computes its content hash, and evaluates the two
// anomaly flags. The result is never mutated afterwards.
func New(marketID string, source string, wsEpoch, snapshotAtMs, wsLastMessageMs, marketLastWSUpdateMs, orderbookLastChangeMs int64, yes, no Book) *Snapshot {
	s := &Snapshot{
		ID:                    uuid.NewString(),
		MarketID:              marketID,
		SnapshotAtMs:          snapshotAtMs,
		Source:                source,
		WSEpoch:               wsEpoch,
		WSLastMessageMs:       wsLastMessageMs,
		MarketLastWSUpdateMs:  marketLastWSUpdateMs,
		OrderbookLastChangeMs: orderbookLastChangeMs,
		Yes:                   yes,
		No:                    no,
	}
	s.ContentHash = contentHash(s)
	s.InvalidBook = invalidBook(yes) || invalidBook(no)
	s.AskSumAnomaly = askSumAnomalous(yes.BestAsk, no.BestAsk)
	return s
}

// invalidBook flags any price outside (0,1), a crossed book, or a missing
// best on either side.
func invalidBook(b Book) bool {
	zero := decimal.Zero
	one := decimal.NewFromInt(1)
	if b.BestBid.IsZero() && b.BestAsk.IsZero() {
		return true
	}
	if b.BestBid.IsZero() || b.BestAsk.IsZero() {
		return true
	}
	for _, p := range []decimal.Decimal{b.BestBid, b.BestAsk} {
		if p.LessThanOrEqual(zero) || p.GreaterThanOrEqual(one) {
			return true
		}
	}
	if b.BestBid.GreaterThan(b.BestAsk) {
		return true
	}
	return false
}

// askSumAnomalous applies the inclusive-bounds rule: sums of exactly 0.98 or
// 2.00 are acceptable.
func askSumAnomalous(askYes, askNo decimal.Decimal) bool {
	sum := askYes.Add(askNo)
	return sum.LessThan(decimal.NewFromFloat(askSumMin)) ||
		sum.GreaterThan(decimal.NewFromFloat(askSumMax))
}

func contentHash(s *Snapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%d|", s.MarketID, s.SnapshotAtMs, s.Source, s.WSEpoch)
	writeBook := func(b Book) {
		fmt.Fprintf(h, "%s|%s|", b.BestBid.String(), b.BestAsk.String())
		for _, lv := range b.Bids {
			fmt.Fprintf(h, "b%s@%s|", lv.SizeUSD.String(), lv.Price.String())
		}
		for _, lv := range b.Asks {
			fmt.Fprintf(h, "a%s@%s|", lv.SizeUSD.String(), lv.Price.String())
		}
	}
	writeBook(s.Yes)
	writeBook(s.No)
	return hex.EncodeToString(h.Sum(nil))
}

// Side returns the traded-side book.
func (s *Snapshot) Side(side string) Book {
	if side == "NO" {
		return s.No
	}
	return s.Yes
}

// TopDepthUSD returns the USD size resting at the traded side's best ask.
func (s *Snapshot) TopDepthUSD(side string) decimal.Decimal {
	b := s.Side(side)
	if len(b.Asks) > 0 {
		return b.Asks[0].SizeUSD
	}
	return decimal.Zero
}

// Row converts the snapshot to its persisted form.
func (s *Snapshot) Row() (*database.SnapshotRow, error) {
	depth, err := json.Marshal(map[string]Book{"yes": s.Yes, "no": s.No})
	if err != nil {
		return nil, fmt.Errorf("marshal depth: %w", err)
	}
	return &database.SnapshotRow{
		ID:                    s.ID,
		MarketID:              s.MarketID,
		SnapshotAtMs:          s.SnapshotAtMs,
		Source:                s.Source,
		WSEpoch:               s.WSEpoch,
		WSLastMessageMs:       s.WSLastMessageMs,
		MarketLastWSUpdateMs:  s.MarketLastWSUpdateMs,
		OrderbookLastChangeMs: s.OrderbookLastChangeMs,
		BestBidYes:            s.Yes.BestBid,
		BestAskYes:            s.Yes.BestAsk,
		BestBidNo:             s.No.BestBid,
		BestAskNo:             s.No.BestAsk,
		DepthJSON:             string(depth),
		ContentHash:           s.ContentHash,
		InvalidBook:           s.InvalidBook,
		AskSumAnomaly:         s.AskSumAnomaly,
		CreatedAt:             time.UnixMilli(s.SnapshotAtMs).UTC(),
	}, nil
}
