package snapshot

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func healthyBook(bid, ask string) Book {
	return Book{
		BestBid: dec(bid),
		BestAsk: dec(ask),
		Bids:    []Level{{Price: dec(bid), SizeUSD: dec("100")}},
		Asks:    []Level{{Price: dec(ask), SizeUSD: dec("100")}},
	}
}

func buildSnap(yes, no Book) *Snapshot {
	return New("m1", SourceWS, 1, 1000, 1500, 1000, 1000, yes, no)
}

func TestAskSumBoundaries(t *testing.T) {
	cases := []struct {
		askYes, askNo string
		anomaly       bool
	}{
		{"0.489", "0.490", true},  // 0.979 -> anomaly
		{"0.490", "0.490", false}, // 0.980 exactly -> ok
		{"1.000", "1.000", false}, // 2.000 exactly -> ok
		{"1.000", "1.001", true},  // 2.001 -> anomaly
	}
	for _, tc := range cases {
		yes := healthyBook("0.40", tc.askYes)
		no := healthyBook("0.40", tc.askNo)
		snap := buildSnap(yes, no)
		assert.Equalf(t, tc.anomaly, snap.AskSumAnomaly, "ask_yes=%s ask_no=%s", tc.askYes, tc.askNo)
	}
}

func TestInvalidBookFlags(t *testing.T) {
	valid := healthyBook("0.45", "0.50")

	crossed := healthyBook("0.55", "0.50")
	assert.True(t, buildSnap(crossed, valid).InvalidBook, "bid above ask")

	missingBest := Book{BestAsk: dec("0.50")}
	assert.True(t, buildSnap(missingBest, valid).InvalidBook, "missing best bid")

	outOfRange := healthyBook("0.45", "1.00")
	assert.True(t, buildSnap(outOfRange, valid).InvalidBook, "ask at 1.0")

	assert.False(t, buildSnap(valid, healthyBook("0.48", "0.52")).InvalidBook)
}

func TestContentHashIsDeterministic(t *testing.T) {
	yes := healthyBook("0.45", "0.50")
	no := healthyBook("0.48", "0.52")

	a := New("m1", SourceWS, 1, 1000, 1500, 1000, 1000, yes, no)
	b := New("m1", SourceWS, 1, 1000, 1500, 1000, 1000, yes, no)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	c := New("m1", SourceWS, 1, 1000, 1500, 1000, 1000, yes, healthyBook("0.48", "0.53"))
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}
