package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/core"
	"github.com/web3guy0/polyedge/internal/snapshot"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func book(bid, ask, depth string) snapshot.Book {
	return snapshot.Book{
		BestBid: dec(bid),
		BestAsk: dec(ask),
		Bids:    []snapshot.Level{{Price: dec(bid), SizeUSD: dec(depth)}},
		Asks:    []snapshot.Level{{Price: dec(ask), SizeUSD: dec(depth)}},
	}
}

func testSnap(yes, no snapshot.Book) *snapshot.Snapshot {
	return snapshot.New("m1", snapshot.SourceWS, 1, 1000, 1500, 1000, 1000, yes, no)
}

func TestDecisionIDIsPure(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	c1 := CanonicalString("m1", core.SideYes, "abc123", dec("0.42"), 1500,
		dec("0.42"), dec("0.45"), dec("0.03"), at)
	c2 := CanonicalString("m1", core.SideYes, "abc123", dec("0.42"), 1500,
		dec("0.42"), dec("0.45"), dec("0.03"), at)
	assert.Equal(t, c1, c2)
	assert.Equal(t, DecisionID(c1), DecisionID(c2))

	// same bucket, different second
	c3 := CanonicalString("m1", core.SideYes, "abc123", dec("0.42"), 1500,
		dec("0.42"), dec("0.45"), dec("0.03"), at.Add(2*time.Second))
	assert.Equal(t, DecisionID(c1), DecisionID(c3))

	// different inputs change the id
	c4 := CanonicalString("m1", core.SideNo, "abc123", dec("0.42"), 1500,
		dec("0.42"), dec("0.45"), dec("0.03"), at)
	assert.NotEqual(t, DecisionID(c1), DecisionID(c4))
}

func TestClientOrderIDTruncation(t *testing.T) {
	id := DecisionID("canonical")
	require.Len(t, id, 64)

	assert.Len(t, ClientOrderID(id, 32), 32)
	assert.Equal(t, id[:32], ClientOrderID(id, 32))
	assert.Equal(t, id, ClientOrderID(id, 0))
	assert.Equal(t, id, ClientOrderID(id, 100))
}

func TestEVTooLowWithoutEdge(t *testing.T) {
	// Tight symmetric book: friction eats any edge, p_eff == p_market.
	snap := testSnap(book("0.49", "0.50", "500"), book("0.49", "0.51", "500"))

	res := Evaluate(Inputs{
		MarketID:  "m1",
		Snap:      snap,
		PaperMode: true,
		OrderUSD:  dec("10"),
		Now:       time.Now(),
	})

	assert.False(t, res.Tradeable)
	assert.Equal(t, core.ReasonEVTooLow, res.Reason)
}

func TestPMarketSplitsFeasibilityAndMarking(t *testing.T) {
	// YES wins on the tighter spread; ask is the baseline, bid the mark.
	snap := testSnap(book("0.49", "0.50", "500"), book("0.49", "0.51", "500"))

	res := Evaluate(Inputs{
		MarketID:  "m1",
		Snap:      snap,
		PaperMode: true,
		OrderUSD:  dec("10"),
		Now:       time.Now(),
	})

	assert.Equal(t, core.SideYes, res.Side)
	assert.Equal(t, "0.5", res.PMarket.String(), "feasibility baseline is the best ask")
	assert.Equal(t, "0.49", res.ConservativeMark.String(), "conservative mark is the best bid")
}

func TestAnomalousSnapshotsRefused(t *testing.T) {
	// ask sum 0.70 -> anomaly flag set at snapshot build time
	snap := testSnap(book("0.30", "0.35", "500"), book("0.30", "0.35", "500"))
	require.True(t, snap.AskSumAnomaly)

	res := Evaluate(Inputs{MarketID: "m1", Snap: snap, OrderUSD: dec("10"), Now: time.Now()})
	assert.False(t, res.Tradeable)
	assert.Equal(t, core.ReasonSnapshotAskSumAnomaly, res.Reason)
}

func TestAIWeightGating(t *testing.T) {
	in := Inputs{HasAI: true, ResolvedOutcomes: CalibrationMinOutcomes - 1}
	assert.True(t, aiWeight(in).IsZero(), "weight must stay zero below the outcome floor")

	in.ResolvedOutcomes = CalibrationMinOutcomes
	assert.Equal(t, decimal.NewFromFloat(WAiMax).String(), aiWeight(in).String())

	in.HasAI = false
	assert.True(t, aiWeight(in).IsZero())
}

func TestFrictionComponents(t *testing.T) {
	b := book("0.40", "0.50", "100")

	f := frictionFor(Inputs{
		PaperMode:        true,
		FeeRateBps:       5, // below the paper floor
		OrderUSD:         dec("10"),
		DecisionToExecS:  5,
		DaysToResolution: 50,
		DisputeRisk:      0.5,
	}, b)

	assert.Equal(t, "0.05", f.SpreadCost.String())                // 0.5 * (0.50-0.40)
	assert.Equal(t, "0.002", f.FeeCost.String())                  // max(5,10)bps * 2
	assert.Equal(t, "0.005", f.Slippage.String())                 // floor wins: 10/100*0.02=0.002 < 0.005
	assert.Equal(t, "0.02", f.Dispute.String())                   // 0.01 + 0.02*0.5
	assert.Equal(t, "0.003", f.Latency.String())                  // (5-2)*0.001
	assert.Equal(t, "0.01", f.TimeValue.String())                 // 50*0.0002, under the 0.02 cap
}

func TestTier1FallbackMultipliesDispute(t *testing.T) {
	b := book("0.45", "0.50", "500")
	base := frictionFor(Inputs{DisputeRisk: 1.0}, b)
	multiplied := frictionFor(Inputs{DisputeRisk: 1.0, Tier1Fallback: true}, b)

	assert.Equal(t, base.Dispute.Mul(dec("1.5")).String(), multiplied.Dispute.String())
}
