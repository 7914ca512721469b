package selector

import "github.com/filemesh/filemesh/internal/slave"

// Score is one candidate's row in a ScoreChart.
type Score struct {
	Slave *slave.Slave `json:"-"`
	Name  string       `json:"slave"`
	Score int64        `json:"score"`
}

// ScoreChart accumulates scores for a single selection call. Rows keep the
// order of the candidate set, which is also the tie-break order.
type ScoreChart struct {
	rows  []Score
	index map[string]int
}

// NewScoreChart starts every candidate at zero. Duplicate names keep their
// first position.
func NewScoreChart(candidates []*slave.Slave) *ScoreChart {
	c := &ScoreChart{
		rows:  make([]Score, 0, len(candidates)),
		index: make(map[string]int, len(candidates)),
	}
	for _, s := range candidates {
		if _, dup := c.index[s.Name()]; dup {
			continue
		}
		c.index[s.Name()] = len(c.rows)
		c.rows = append(c.rows, Score{Slave: s, Name: s.Name()})
	}
	return c
}

// Len returns the number of candidates.
func (c *ScoreChart) Len() int { return len(c.rows) }

// Slaves returns the candidates in chart order.
func (c *ScoreChart) Slaves() []*slave.Slave {
	out := make([]*slave.Slave, len(c.rows))
	for i, r := range c.rows {
		out[i] = r.Slave
	}
	return out
}

// Rows returns a copy of the chart.
func (c *ScoreChart) Rows() []Score {
	return append([]Score(nil), c.rows...)
}

// Add changes a candidate's score by delta. It reports whether the name is
// in the chart.
func (c *ScoreChart) Add(name string, delta int64) bool {
	i, ok := c.index[name]
	if !ok {
		return false
	}
	c.rows[i].Score += delta
	return true
}

// Score returns a candidate's current score.
func (c *ScoreChart) Score(name string) (int64, bool) {
	i, ok := c.index[name]
	if !ok {
		return 0, false
	}
	return c.rows[i].Score, true
}

// Best returns the row with the strictly greatest score. Among equal scores
// the candidate that came first in the input wins.
func (c *ScoreChart) Best() (Score, bool) {
	if len(c.rows) == 0 {
		return Score{}, false
	}
	best := c.rows[0]
	for _, r := range c.rows[1:] {
		if r.Score > best.Score {
			best = r
		}
	}
	return best, true
}
