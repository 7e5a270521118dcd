package snapshot

import (
	"github.com/web3guy0/polyedge/internal/core"
)

// Freshness bounds. Decision and execution share the predicate structure
// and differ only in how stale a snapshot may be.
const (
	DecisionFreshnessMs = 6000
	ExecFreshnessMs     = 3000
	globalWSStaleMs     = 10000
)

// WSHealthyDecision reports whether a snapshot is fresh enough to decide on.
func WSHealthyDecision(marketID string, s *Snapshot, feed core.FeedView) bool {
	return wsHealthy(marketID, s, feed, DecisionFreshnessMs)
}

// WSHealthyExec reports whether a snapshot is fresh enough to execute on.
func WSHealthyExec(marketID string, s *Snapshot, feed core.FeedView) bool {
	return wsHealthy(marketID, s, feed, ExecFreshnessMs)
}

func wsHealthy(marketID string, s *Snapshot, feed core.FeedView, boundMs int64) bool {
	if s == nil || !feed.Connected {
		return false
	}
	if feed.LastMessageMs <= 0 || feed.NowMs-feed.LastMessageMs > globalWSStaleMs {
		return false
	}
	if s.Source != SourceWS {
		return false
	}
	if s.WSEpoch != feed.Epoch {
		return false
	}
	if s.MarketID != marketID {
		return false
	}
	if s.MarketLastWSUpdateMs <= 0 || feed.NowMs-s.MarketLastWSUpdateMs > boundMs {
		return false
	}
	if s.OrderbookLastChangeMs <= 0 || feed.NowMs-s.OrderbookLastChangeMs > boundMs {
		return false
	}
	if s.WSLastMessageMs < s.SnapshotAtMs {
		return false
	}
	return true
}
