// Package decision computes effective probabilities, the friction model,
// and expected value for both sides of a binary market, and derives the
// deterministic decision identity that downstream idempotency hangs on.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/snapshot"
)

const (
	// EVMin is the minimum edge after friction to trade at all.
	EVMin = 0.01

	// WAiMax bounds the AI influence weight once calibration unlocks it.
	WAiMax = 0.35
	// CalibrationMinOutcomes is the resolved-outcome count per category
	// below which the AI weight stays zero.
	CalibrationMinOutcomes = 50

	deltaMaxDefault     = 0.10
	deltaMaxHighDispute = 0.05
	pEffOutlierBound    = 0.20

	highDisputeRisk = 0.7

	// timestampBucketSec quantizes the decision timestamp so identical
	// evaluations within a bucket share an identity.
	timestampBucketSec = 10
)

// Inputs carries everything the engine needs for one evaluation.
type Inputs struct {
	MarketID string
	Snap     *snapshot.Snapshot

	// AI calibration
	PAiCal          decimal.Decimal // calibrated AI probability for YES
	HasAI           bool
	ResolvedOutcomes int
	DisputeRisk     float64
	Tier1Fallback   bool // evidence bundle needed the Tier-1 majority fallback

	// Costs
	FeeRateBps       int
	PaperMode        bool
	DecisionToExecS  float64
	DaysToResolution float64

	OrderUSD decimal.Decimal
	Now      time.Time
}

// Result is a completed evaluation. When Tradeable is false, Reason holds
// the most specific no-trade code.
type Result struct {
	Tradeable bool
	Reason    core.ReasonCode

	Side       core.Side
	EntryPrice decimal.Decimal
	// PMarket is the best ask of the traded side: the feasibility baseline
	// p_eff shifts from. ConservativeMark is that side's best bid, the
	// price a held position marks at without overstating its value.
	PMarket          decimal.Decimal
	ConservativeMark decimal.Decimal
	PEff             decimal.Decimal
	WAi          decimal.Decimal
	RequiredEdge decimal.Decimal
	EVYes        decimal.Decimal
	EVNo         decimal.Decimal
	Friction     Friction
}

// Friction itemizes the cost components, all in payout-share units.
type Friction struct {
	SpreadCost decimal.Decimal
	FeeCost    decimal.Decimal
	Slippage   decimal.Decimal
	Dispute    decimal.Decimal
	Latency    decimal.Decimal
	TimeValue  decimal.Decimal
}

// Total sums the components into the required edge.
func (f Friction) Total() decimal.Decimal {
	return f.SpreadCost.Add(f.FeeCost).Add(f.Slippage).Add(f.Dispute).Add(f.Latency).Add(f.TimeValue)
}

// Evaluate runs the EV pipeline for both sides and picks the larger edge.
func Evaluate(in Inputs) Result {
	snap := in.Snap
	if snap == nil || snap.InvalidBook {
		return noTrade(core.ReasonSnapshotInvalidBook)
	}
	if snap.AskSumAnomaly {
		return noTrade(core.ReasonSnapshotAskSumAnomaly)
	}

	wAi := aiWeight(in)

	evalSide := func(side core.Side) (ev, pEff, pMarket, entry decimal.Decimal, reason core.ReasonCode) {
		book := snap.Side(string(side))
		entry = book.BestAsk // feasibility price: what buying costs now
		pMarket = book.BestAsk

		pAi := in.PAiCal
		if side == core.SideNo {
			pAi = decimal.NewFromInt(1).Sub(in.PAiCal)
		}

		pEff = pMarket.Add(wAi.Mul(pAi.Sub(pMarket)))

		delta := pEff.Sub(pMarket).Abs()
		if delta.GreaterThan(decimal.NewFromFloat(pEffOutlierBound)) {
			return decimal.Zero, pEff, pMarket, entry, core.ReasonPEffOutlier
		}
		bound := decimal.NewFromFloat(deltaMaxDefault)
		if in.DisputeRisk >= highDisputeRisk {
			bound = decimal.NewFromFloat(deltaMaxHighDispute)
		}
		if delta.GreaterThan(bound) {
			// clamp back to the hard bound rather than refuse
			if pEff.GreaterThan(pMarket) {
				pEff = pMarket.Add(bound)
			} else {
				pEff = pMarket.Sub(bound)
			}
		}

		friction := frictionFor(in, book)
		ev = pEff.Sub(entry).Sub(friction.Total())
		return ev, pEff, pMarket, entry, ""
	}

	evYes, pEffYes, pMarketYes, entryYes, reasonYes := evalSide(core.SideYes)
	evNo, pEffNo, pMarketNo, entryNo, reasonNo := evalSide(core.SideNo)
	if reasonYes != "" {
		return noTrade(reasonYes)
	}
	if reasonNo != "" {
		return noTrade(reasonNo)
	}

	side, ev := core.SideYes, evYes
	pEff, pMarket, entry := pEffYes, pMarketYes, entryYes
	if evNo.GreaterThan(evYes) {
		side, ev = core.SideNo, evNo
		pEff, pMarket, entry = pEffNo, pMarketNo, entryNo
	}

	book := snap.Side(string(side))
	friction := frictionFor(in, book)

	res := Result{
		Side:             side,
		EntryPrice:       entry,
		PMarket:          pMarket,
		ConservativeMark: book.BestBid,
		PEff:             pEff,
		WAi:              wAi,
		RequiredEdge:     friction.Total(),
		EVYes:            evYes,
		EVNo:             evNo,
		Friction:         friction,
	}

	if ev.LessThan(decimal.NewFromFloat(EVMin)) {
		res.Reason = core.ReasonEVTooLow
		return res
	}

	res.Tradeable = true
	return res
}

// aiWeight gates AI influence on calibration depth.
func aiWeight(in Inputs) decimal.Decimal {
	if !in.HasAI || in.ResolvedOutcomes < CalibrationMinOutcomes {
		return decimal.Zero
	}
	return decimal.NewFromFloat(WAiMax)
}

func frictionFor(in Inputs, book snapshot.Book) Friction {
	half := decimal.NewFromFloat(0.5)
	spreadCost := half.Mul(book.BestAsk.Sub(book.BestBid))

	feeBps := in.FeeRateBps
	feeMult := decimal.NewFromInt(1)
	if in.PaperMode {
		if feeBps < 10 {
			feeBps = 10
		}
		feeMult = decimal.NewFromInt(2)
	}
	feeCost := decimal.NewFromInt(int64(feeBps)).Div(decimal.NewFromInt(10000)).Mul(feeMult)

	topDepth := decimal.NewFromInt(1)
	if len(book.Asks) > 0 && book.Asks[0].SizeUSD.GreaterThan(topDepth) {
		topDepth = book.Asks[0].SizeUSD
	}
	slippage := decimal.Max(
		decimal.NewFromFloat(0.005),
		in.OrderUSD.Div(topDepth).Mul(decimal.NewFromFloat(0.02)),
	)

	dispute := decimal.NewFromFloat(0.01).
		Add(decimal.NewFromFloat(0.02).Mul(decimal.NewFromFloat(in.DisputeRisk)))
	if in.Tier1Fallback {
		dispute = dispute.Mul(decimal.NewFromFloat(1.5))
	}

	latencyS := in.DecisionToExecS - 2
	if latencyS < 0 {
		latencyS = 0
	}
	latency := decimal.NewFromFloat(latencyS).Mul(decimal.NewFromFloat(0.001))

	timeValue := decimal.Min(
		decimal.NewFromFloat(0.02),
		decimal.NewFromFloat(in.DaysToResolution).Mul(decimal.NewFromFloat(0.0002)),
	)

	return Friction{
		SpreadCost: spreadCost,
		FeeCost:    feeCost,
		Slippage:   slippage,
		Dispute:    dispute,
		Latency:    latency,
		TimeValue:  timeValue,
	}
}

func noTrade(reason core.ReasonCode) Result {
	return Result{Reason: reason}
}

// CanonicalString serializes the decision identity inputs in a fixed order.
// Identical inputs must always yield byte-identical strings.
func CanonicalString(marketID string, side core.Side, snapshotHash string, limitPrice decimal.Decimal, sizedCents int64, pMarket, pEff, requiredEdge decimal.Decimal, at time.Time) string {
	bucket := at.UTC().Unix() / timestampBucketSec
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%s|%d",
		marketID, side, snapshotHash,
		limitPrice.StringFixed(6), sizedCents,
		pMarket.StringFixed(6), pEff.StringFixed(6), requiredEdge.StringFixed(6),
		bucket)
}

// DecisionID hashes the canonical string.
func DecisionID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ClientOrderID derives the idempotent order id from a decision id: the
// first maxLen hex characters. There is no attempt counter.
func ClientOrderID(decisionID string, maxLen int) string {
	if maxLen > 0 && maxLen < len(decisionID) {
		return decisionID[:maxLen]
	}
	return decisionID
}

// TimestampBucket exposes the bucket used in the canonical string.
func TimestampBucket(at time.Time) int64 {
	return at.UTC().Unix() / timestampBucketSec
}
