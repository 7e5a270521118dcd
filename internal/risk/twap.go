package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TWAP sample validity thresholds.
var (
	maxSampleSpread = decimal.NewFromFloat(0.10) // 10% of mid
	minTopDepthUSD  = decimal.NewFromInt(50)
)

const (
	minSamples     = 3
	minSpanSeconds = 60
	outlierSigma   = 2.0
	sigmaMinCount  = 10
)

type twapSample struct {
	mid decimal.Decimal
	at  time.Time
}

// TWAPSeries accumulates mid samples over a rolling window and produces the
// risk mark.
type TWAPSeries struct {
	mu      sync.Mutex
	window  time.Duration
	samples []twapSample

	failures int // consecutive mark failures, managed by the risk manager
}

func NewTWAPSeries(window time.Duration) *TWAPSeries {
	return &TWAPSeries{window: window}
}

// Observe adds a sample if it passes validity: both sides quoted, spread at
// most 10% of mid, and at least $50 resting at top of book.
func (s *TWAPSeries) Observe(bid, ask, topDepthUSD decimal.Decimal, at time.Time) bool {
	if bid.IsZero() || ask.IsZero() {
		return false
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return false
	}
	spread := ask.Sub(bid)
	if spread.Div(mid).GreaterThan(maxSampleSpread) {
		return false
	}
	if topDepthUSD.LessThan(minTopDepthUSD) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, twapSample{mid: mid, at: at})
	s.pruneLocked(at)
	return true
}

// Mark computes the windowed mark: with enough samples it averages after 2σ
// outlier rejection, with fewer it uses the median. It needs at least three
// samples spanning a minute.
func (s *TWAPSeries) Mark(now time.Time) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	n := len(s.samples)
	if n < minSamples {
		return decimal.Zero, false
	}
	span := s.samples[n-1].at.Sub(s.samples[0].at)
	if span < minSpanSeconds*time.Second {
		return decimal.Zero, false
	}

	mids := make([]float64, n)
	for i, smp := range s.samples {
		mids[i] = smp.mid.InexactFloat64()
	}

	if n >= sigmaMinCount {
		mean, sigma := meanStd(mids)
		kept := mids[:0]
		for _, v := range mids {
			if sigma == 0 || math.Abs(v-mean) <= outlierSigma*sigma {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			return decimal.Zero, false
		}
		m, _ := meanStd(kept)
		return decimal.NewFromFloat(m).Round(6), true
	}

	sorted := append([]float64(nil), mids...)
	sort.Float64s(sorted)
	var median float64
	if len(sorted)%2 == 1 {
		median = sorted[len(sorted)/2]
	} else {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	return decimal.NewFromFloat(median).Round(6), true
}

// RealizedSigma returns the standard deviation of mids over the last span.
// The orchestrator's evaluation loop uses the 5-minute figure against the manifest's
// taker-volatility ceiling.
func (s *TWAPSeries) RealizedSigma(span time.Duration, now time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-span)
	var mids []float64
	for _, smp := range s.samples {
		if !smp.at.Before(cutoff) {
			mids = append(mids, smp.mid.InexactFloat64())
		}
	}
	if len(mids) < minSamples {
		return 0, false
	}
	_, sigma := meanStd(mids)
	return sigma, true
}

func (s *TWAPSeries) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for idx < len(s.samples) && s.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.samples = append(s.samples[:0], s.samples[idx:]...)
	}
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(vals)))
	return mean, std
}
