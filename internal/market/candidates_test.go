package market

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/snapshot"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	return NewPipeline(db)
}

func testSnap() *snapshot.Snapshot {
	book := snapshot.Book{
		BestBid: decimal.NewFromFloat(0.45),
		BestAsk: decimal.NewFromFloat(0.50),
	}
	return snapshot.New("m1", snapshot.SourceWS, 1, 1000, 1500, 1000, 1000, book, book)
}

func TestCandidateLifecycle(t *testing.T) {
	p := testPipeline(t)

	c, err := p.NewCandidate("m1", testSnap(), []string{"spread_trigger"})
	require.NoError(t, err)
	assert.Equal(t, CandidateNew, c.Status)
	assert.Equal(t, int64(1), c.StateVersion)

	require.NoError(t, p.Advance(c, CandidateEvidenceDone))
	require.NoError(t, p.Advance(c, CandidateAIDone))
	require.NoError(t, p.Advance(c, CandidateDecided))
	require.NoError(t, p.Advance(c, CandidateExecuted))
	assert.Equal(t, int64(5), c.StateVersion, "version is monotonic per transition")
}

func TestIllegalTransitionsRejected(t *testing.T) {
	p := testPipeline(t)

	c, err := p.NewCandidate("m1", testSnap(), nil)
	require.NoError(t, err)

	assert.Error(t, p.Advance(c, CandidateExecuted), "NEW cannot jump to EXECUTED")
	assert.Error(t, p.Advance(c, CandidateDecided), "NEW cannot jump to DECIDED")
}

func TestDropIsTerminal(t *testing.T) {
	p := testPipeline(t)

	c, err := p.NewCandidate("m1", testSnap(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Drop(c, "EV_TOO_LOW"))
	assert.Equal(t, CandidateDropped, c.Status)
	assert.Contains(t, c.TriggerReasons, "EV_TOO_LOW")

	assert.Error(t, p.Advance(c, CandidateEvidenceDone), "dropped candidates stay dropped")
}
