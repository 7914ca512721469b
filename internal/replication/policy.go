package replication

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/selector"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
)

// PolicyConfig holds configuration for a redundancy Policy.
type PolicyConfig struct {
	Rules     []config.RedundancyRule
	Tree      *vfs.Tree
	Registry  *slave.Registry
	Scheduler *Scheduler
	Interval  time.Duration // Time between sweeps (default: 10m)
	Log       zerolog.Logger
}

// Policy keeps files at their configured number of copies by queueing jobs
// for under-replicated files. The first rule whose pattern matches a file
// applies to it.
type Policy struct {
	cfg PolicyConfig
	log zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPolicy validates the rules and creates a stopped policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if cfg.Tree == nil || cfg.Registry == nil || cfg.Scheduler == nil {
		return nil, errors.New("policy: tree, registry and scheduler are required")
	}
	for i, r := range cfg.Rules {
		if _, err := path.Match(r.Pattern, "/"); err != nil {
			return nil, fmt.Errorf("redundancy[%d]: bad pattern %q: %w", i, r.Pattern, err)
		}
		if r.Copies < 1 {
			return nil, fmt.Errorf("redundancy[%d]: copies must be at least 1", i)
		}
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Policy{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "policy").Logger(),
	}, nil
}

// Rules returns the configured rules.
func (p *Policy) Rules() []config.RedundancyRule {
	return append([]config.RedundancyRule(nil), p.cfg.Rules...)
}

type shortfall struct {
	path    string
	backers []string
	rule    config.RedundancyRule
}

// Sweep walks the tree and queues a job for every file with fewer backers
// than its rule asks for and no job already queued. It returns the number
// of jobs queued.
func (p *Policy) Sweep(ctx context.Context) (int, error) {
	if len(p.cfg.Rules) == 0 {
		return 0, nil
	}

	// Collect first: AddJob reads the tree and must not run inside Walk.
	var short []shortfall
	err := p.cfg.Tree.Walk(func(info vfs.Info) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.Dir {
			return nil
		}
		rule, ok := p.match(info.Path)
		if !ok || len(info.Slaves) >= rule.Copies {
			return nil
		}
		short = append(short, shortfall{path: info.Path, backers: info.Slaves, rule: rule})
		return nil
	})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sf := range short {
		if p.cfg.Scheduler.HasJobFor(sf.path) {
			continue
		}
		candidates := sf.rule.Slaves
		if len(candidates) == 0 {
			candidates = p.cfg.Registry.Names()
		}
		dests := without(candidates, sf.backers)
		if len(dests) == 0 {
			p.log.Debug().Str("path", sf.path).Msg("no slave left to replicate to")
			continue
		}
		need := min(sf.rule.Copies-len(sf.backers), len(dests))
		j, err := NewJob(sf.path, dests, need, sf.rule.Priority, OwnerPolicy)
		if err != nil {
			return queued, err
		}
		added, err := p.cfg.Scheduler.AddJob(j)
		if err != nil {
			if errors.Is(err, vfs.ErrNotFound) {
				continue
			}
			return queued, err
		}
		if added {
			queued++
		}
	}
	if queued > 0 {
		p.log.Info().Int("queued", queued).Int("under_replicated", len(short)).Msg("redundancy sweep")
	}
	return queued, nil
}

func (p *Policy) match(name string) (config.RedundancyRule, bool) {
	for _, r := range p.cfg.Rules {
		if selector.MatchPath(r.Pattern, name) {
			return r, true
		}
	}
	return config.RedundancyRule{}, false
}

// Start begins periodic sweeps. The first sweep runs immediately.
func (p *Policy) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("redundancy sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts sweeping.
func (p *Policy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

func without(names, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, n := range exclude {
		skip[n] = struct{}{}
	}
	var out []string
	for _, n := range names {
		if _, ok := skip[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
