// Package market maintains the market registry and the candidate pipeline
// that feeds the decision engine.
package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyedge/internal/database"
	"github.com/web3guy0/polyedge/internal/snapshot"
)

// Candidate statuses, in lifecycle order.
const (
	CandidateNew          = "NEW"
	CandidateFiltered     = "FILTERED"
	CandidateEvidenceDone = "EVIDENCE_DONE"
	CandidateAIDone       = "AI_DONE"
	CandidateDecided      = "DECIDED"
	CandidateExecuted     = "EXECUTED"
	CandidateDropped      = "DROPPED"
)

// validTransitions is the candidate state graph.
var validTransitions = map[string][]string{
	CandidateNew:          {CandidateFiltered, CandidateEvidenceDone, CandidateDropped},
	CandidateEvidenceDone: {CandidateAIDone, CandidateDropped},
	CandidateAIDone:       {CandidateDecided, CandidateDropped},
	CandidateDecided:      {CandidateExecuted, CandidateDropped},
}

// Pipeline creates candidates and walks them through the lifecycle.
type Pipeline struct {
	db *database.Database
}

func NewPipeline(db *database.Database) *Pipeline {
	return &Pipeline{db: db}
}

// NewCandidate opens a candidate against a snapshot.
func (p *Pipeline) NewCandidate(marketID string, snap *snapshot.Snapshot, triggers []string) (*database.CandidateRow, error) {
	row := &database.CandidateRow{
		ID:             uuid.NewString(),
		MarketID:       marketID,
		SnapshotID:     snap.ID,
		Status:         CandidateNew,
		StateVersion:   1,
		TriggerReasons: strings.Join(triggers, ","),
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.db.SaveCandidate(row); err != nil {
		return nil, err
	}
	log.Debug().Str("candidate", row.ID).Str("market", marketID).
		Strs("triggers", triggers).Msg("Candidate opened")
	return row, nil
}

// Advance moves a candidate along the graph, bumping the state version.
func (p *Pipeline) Advance(c *database.CandidateRow, to string) error {
	allowed := validTransitions[c.Status]
	ok := false
	for _, a := range allowed {
		if a == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("candidate %s: illegal transition %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.StateVersion++
	return p.db.SaveCandidate(c)
}

// Drop terminates a candidate with a recorded reason.
func (p *Pipeline) Drop(c *database.CandidateRow, reason string) error {
	if c.Status == CandidateDropped || c.Status == CandidateExecuted {
		return nil
	}
	c.Status = CandidateDropped
	c.StateVersion++
	if c.TriggerReasons != "" {
		c.TriggerReasons += ";dropped=" + reason
	} else {
		c.TriggerReasons = "dropped=" + reason
	}
	return p.db.SaveCandidate(c)
}
