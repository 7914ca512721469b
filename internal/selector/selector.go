// Package selector picks the slave that serves a request by running an
// ordered chain of scoring rules per purpose over the candidate set.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
)

// Selection errors.
var (
	ErrNoAvailableSlave = errors.New("no available slave")
	ErrUnknownPurpose   = errors.New("unknown selection purpose")
)

// Config holds configuration for a Selector.
type Config struct {
	Chains  map[string][]config.RuleConfig // Purpose to ordered rule chain
	Tree    *vfs.Tree
	Metrics *metrics.MasterMetrics
	Log     zerolog.Logger
}

// Selector scores candidates with the chain configured for a purpose.
// Chains are built once; a Selector is safe for concurrent use.
type Selector struct {
	chains  map[string][]Rule
	metrics *metrics.MasterMetrics
	log     zerolog.Logger
}

// New builds every configured chain.
func New(cfg Config) (*Selector, error) {
	env := Env{Tree: cfg.Tree}
	s := &Selector{
		chains:  make(map[string][]Rule, len(cfg.Chains)),
		metrics: cfg.Metrics,
		log:     cfg.Log.With().Str("component", "selector").Logger(),
	}
	for purpose, chain := range cfg.Chains {
		rules := make([]Rule, 0, len(chain))
		for i, rc := range chain {
			r, err := NewRule(rc, env)
			if err != nil {
				return nil, fmt.Errorf("selection.%s[%d]: %w", purpose, i, err)
			}
			rules = append(rules, r)
		}
		s.chains[purpose] = rules
	}
	return s, nil
}

// Purposes returns the configured purposes, sorted.
func (s *Selector) Purposes() []string {
	out := make([]string, 0, len(s.chains))
	for p := range s.chains {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Chain returns the rule kinds of a purpose in run order.
func (s *Selector) Chain(purpose string) ([]string, bool) {
	rules, ok := s.chains[purpose]
	if !ok {
		return nil, false
	}
	kinds := make([]string, len(rules))
	for i, r := range rules {
		kinds[i] = r.Kind()
	}
	return kinds, true
}

// Score runs the purpose's chain and returns the filled chart without
// picking a winner. An empty candidate set fails before any rule runs.
func (s *Selector) Score(ctx context.Context, purpose string, candidates []*slave.Slave, hints Hints) (*ScoreChart, error) {
	rules, ok := s.chains[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s: %w", purpose, ErrNoAvailableSlave)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chart := NewScoreChart(candidates)
	req := Request{Purpose: purpose, Hints: hints}
	for _, r := range rules {
		if err := r.Score(chart, req); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Kind(), err)
		}
	}
	return chart, nil
}

// Select returns the highest scoring candidate. Ties go to the candidate
// that appears first in candidates.
//
// The result is a function of the candidates, hints, slave state and the
// state of any Feedback rules in the purpose's chain. Feedback rules such as
// cycle, which the default chains end with, learn every winner, so repeated
// calls with identical inputs may pick different slaves. Two selectors built
// from the same chains and fed the same sequence of calls agree on every
// pick.
func (s *Selector) Select(ctx context.Context, purpose string, candidates []*slave.Slave, hints Hints) (*slave.Slave, error) {
	chart, err := s.Score(ctx, purpose, candidates, hints)
	if err != nil {
		if errors.Is(err, ErrNoAvailableSlave) {
			s.metrics.Selection(purpose, metrics.ResultNoSlave)
		}
		return nil, err
	}
	best, _ := chart.Best()

	for _, r := range s.chains[purpose] {
		if fb, ok := r.(Feedback); ok {
			fb.Selected(purpose, best.Name)
		}
	}
	s.metrics.Selection(purpose, metrics.ResultSuccess)
	if e := s.log.Debug(); e.Enabled() {
		e.Str("purpose", purpose).
			Str("slave", best.Name).
			Int64("score", best.Score).
			Int("candidates", chart.Len()).
			Str("path", hints.Path).
			Msg("slave selected")
	}
	return best.Slave, nil
}

// Try selects a slave and runs fn against it. When fn fails because the
// slave is unavailable, that slave is excluded and selection is retried with
// the rest; any other error is returned as is. Running out of candidates
// yields ErrNoAvailableSlave.
func (s *Selector) Try(ctx context.Context, purpose string, candidates []*slave.Slave, hints Hints, fn func(context.Context, *slave.Slave) error) (*slave.Slave, error) {
	remaining := append([]*slave.Slave(nil), candidates...)
	var lastErr error
	for len(remaining) > 0 {
		winner, err := s.Select(ctx, purpose, remaining, hints)
		if err != nil {
			return nil, err
		}
		err = fn(ctx, winner)
		if err == nil {
			return winner, nil
		}
		if _, ok := slave.IsUnavailable(err); !ok {
			return winner, err
		}
		s.log.Debug().Err(err).Str("purpose", purpose).Str("slave", winner.Name()).Msg("excluding unavailable slave")
		lastErr = err
		remaining = without(remaining, winner.Name())
	}
	s.metrics.Selection(purpose, metrics.ResultNoSlave)
	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w (last error: %v)", purpose, ErrNoAvailableSlave, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", purpose, ErrNoAvailableSlave)
}

func without(slaves []*slave.Slave, name string) []*slave.Slave {
	out := slaves[:0]
	for _, s := range slaves {
		if s.Name() != name {
			out = append(out, s)
		}
	}
	return out
}
