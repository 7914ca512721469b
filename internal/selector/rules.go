package selector

import (
	"fmt"
	"net"
	"net/netip"
	"path"
	"sync"

	"github.com/filemesh/filemesh/pkg/bytesize"
)

// Built-in rule kinds.
const (
	KindPriority     = "priority"
	KindFreeSpace    = "freespace"
	KindMaxTransfers = "maxtransfers"
	KindCycle        = "cycle"
	KindMatchPath    = "matchpath"
	KindPeer         = "peer"
	KindSameDir      = "samedir"
	KindErrors       = "errors"
)

// DefaultPenalty is subtracted from candidates a rule considers unfit. It
// outweighs any regular score so such candidates only win when nothing else
// is left.
const DefaultPenalty int64 = 1 << 40

func init() {
	Register(KindPriority, newPriority)
	Register(KindFreeSpace, newFreeSpace)
	Register(KindMaxTransfers, newMaxTransfers)
	Register(KindCycle, newCycle)
	Register(KindMatchPath, newMatchPath)
	Register(KindPeer, newPeer)
	Register(KindSameDir, newSameDir)
	Register(KindErrors, newErrors)
}

// PriorityParams configures the priority rule.
type PriorityParams struct {
	Scores map[string]int64 `yaml:"scores"` // Fixed score per slave name
}

type priorityRule struct{ p PriorityParams }

func newPriority(decode func(any) error, _ Env) (Rule, error) {
	var p PriorityParams
	if err := decode(&p); err != nil {
		return nil, err
	}
	return &priorityRule{p: p}, nil
}

func (r *priorityRule) Kind() string { return KindPriority }

func (r *priorityRule) Score(c *ScoreChart, _ Request) error {
	for name, delta := range r.p.Scores {
		c.Add(name, delta)
	}
	return nil
}

// FreeSpaceParams configures the freespace rule.
type FreeSpaceParams struct {
	Unit    bytesize.Size `yaml:"unit"`    // One point per unit of free space (default: 1MB)
	Min     bytesize.Size `yaml:"min"`     // Slaves with less free space are penalised
	Penalty int64         `yaml:"penalty"` // default: DefaultPenalty
}

type freeSpaceRule struct{ p FreeSpaceParams }

func newFreeSpace(decode func(any) error, _ Env) (Rule, error) {
	p := FreeSpaceParams{Unit: bytesize.Size(bytesize.MB), Penalty: DefaultPenalty}
	if err := decode(&p); err != nil {
		return nil, err
	}
	if p.Unit <= 0 {
		return nil, fmt.Errorf("unit must be positive")
	}
	return &freeSpaceRule{p: p}, nil
}

func (r *freeSpaceRule) Kind() string { return KindFreeSpace }

func (r *freeSpaceRule) Score(c *ScoreChart, _ Request) error {
	for _, row := range c.rows {
		free := row.Slave.Status().DiskFree
		delta := free / r.p.Unit.Bytes()
		if free < r.p.Min.Bytes() {
			delta -= r.p.Penalty
		}
		c.Add(row.Name, delta)
	}
	return nil
}

// MaxTransfersParams configures the maxtransfers rule.
type MaxTransfersParams struct {
	Max     int   `yaml:"max"`     // Transfers at which a slave is penalised, 0 = no limit
	Weight  int64 `yaml:"weight"`  // Points subtracted per active transfer (default: 100)
	Penalty int64 `yaml:"penalty"` // default: DefaultPenalty
}

type maxTransfersRule struct{ p MaxTransfersParams }

func newMaxTransfers(decode func(any) error, _ Env) (Rule, error) {
	p := MaxTransfersParams{Weight: 100, Penalty: DefaultPenalty}
	if err := decode(&p); err != nil {
		return nil, err
	}
	if p.Max < 0 {
		return nil, fmt.Errorf("max must not be negative")
	}
	return &maxTransfersRule{p: p}, nil
}

func (r *maxTransfersRule) Kind() string { return KindMaxTransfers }

func (r *maxTransfersRule) Score(c *ScoreChart, _ Request) error {
	for _, row := range c.rows {
		// The slave's own count includes transfers other masters or users started.
		n := max(row.Slave.ActiveTransfers(), row.Slave.Status().Transfers)
		delta := -int64(n) * r.p.Weight
		if r.p.Max > 0 && n >= r.p.Max {
			delta -= r.p.Penalty
		}
		c.Add(row.Name, delta)
	}
	return nil
}

// CycleParams configures the cycle rule.
type CycleParams struct {
	Weight int64 `yaml:"weight"` // Points per selection since the slave last won (default: 1)
}

// cycleRule favours the slaves that won least recently, spreading load
// round-robin among otherwise equal candidates.
type cycleRule struct {
	weight int64

	mu   sync.Mutex
	seq  int64
	last map[string]int64
}

func newCycle(decode func(any) error, _ Env) (Rule, error) {
	p := CycleParams{Weight: 1}
	if err := decode(&p); err != nil {
		return nil, err
	}
	return &cycleRule{weight: p.Weight, last: make(map[string]int64)}, nil
}

func (r *cycleRule) Kind() string { return KindCycle }

func (r *cycleRule) Score(c *ScoreChart, _ Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range c.rows {
		last, ok := r.last[row.Name]
		if !ok {
			last = -1
		}
		c.Add(row.Name, (r.seq-last)*r.weight)
	}
	return nil
}

func (r *cycleRule) Selected(_, slave string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.last[slave] = r.seq
}

// MatchPathParams configures the matchpath rule.
type MatchPathParams struct {
	Pattern string   `yaml:"pattern"` // path.Match pattern tried on the path and its parents
	Slaves  []string `yaml:"slaves"`
	Score   int64    `yaml:"score"`  // Added to listed slaves on a match (default: 1000)
	Others  int64    `yaml:"others"` // Added to every other slave on a match
}

type matchPathRule struct {
	p      MatchPathParams
	listed map[string]bool
}

func newMatchPath(decode func(any) error, _ Env) (Rule, error) {
	p := MatchPathParams{Score: 1000}
	if err := decode(&p); err != nil {
		return nil, err
	}
	if p.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if _, err := path.Match(p.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
	}
	listed := make(map[string]bool, len(p.Slaves))
	for _, s := range p.Slaves {
		listed[s] = true
	}
	return &matchPathRule{p: p, listed: listed}, nil
}

func (r *matchPathRule) Kind() string { return KindMatchPath }

func (r *matchPathRule) Score(c *ScoreChart, req Request) error {
	if !MatchPath(r.p.Pattern, req.Hints.Path) {
		return nil
	}
	for _, row := range c.rows {
		if r.listed[row.Name] {
			c.Add(row.Name, r.p.Score)
		} else {
			c.Add(row.Name, r.p.Others)
		}
	}
	return nil
}

// MatchPath reports whether pattern matches p or one of its parent
// directories.
func MatchPath(pattern, p string) bool {
	if p == "" {
		return false
	}
	for cur := path.Clean(p); ; cur = path.Dir(cur) {
		if ok, _ := path.Match(pattern, cur); ok {
			return true
		}
		if cur == "/" || cur == "." {
			return false
		}
	}
}

// PeerParams configures the peer rule.
type PeerParams struct {
	Networks map[string][]string `yaml:"networks"` // Slave name to CIDR prefixes it is close to
	Score    int64               `yaml:"score"`    // default: 100
}

type peerRule struct {
	score    int64
	networks map[string][]netip.Prefix
}

func newPeer(decode func(any) error, _ Env) (Rule, error) {
	p := PeerParams{Score: 100}
	if err := decode(&p); err != nil {
		return nil, err
	}
	r := &peerRule{score: p.Score, networks: make(map[string][]netip.Prefix, len(p.Networks))}
	for name, cidrs := range p.Networks {
		for _, cidr := range cidrs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, fmt.Errorf("slave %s: %w", name, err)
			}
			r.networks[name] = append(r.networks[name], prefix)
		}
	}
	return r, nil
}

func (r *peerRule) Kind() string { return KindPeer }

func (r *peerRule) Score(c *ScoreChart, req Request) error {
	addr, ok := parsePeer(req.Hints.Peer)
	if !ok {
		return nil
	}
	for name, prefixes := range r.networks {
		for _, p := range prefixes {
			if p.Contains(addr) {
				c.Add(name, r.score)
				break
			}
		}
	}
	return nil
}

func parsePeer(peer string) (netip.Addr, bool) {
	if peer == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// SameDirParams configures the samedir rule.
type SameDirParams struct {
	Weight int64 `yaml:"weight"` // Points per file the slave holds in the target's directory (default: 10)
}

type sameDirRule struct {
	weight int64
	env    Env
}

func newSameDir(decode func(any) error, env Env) (Rule, error) {
	p := SameDirParams{Weight: 10}
	if err := decode(&p); err != nil {
		return nil, err
	}
	if env.Tree == nil {
		return nil, fmt.Errorf("needs the file tree")
	}
	return &sameDirRule{weight: p.Weight, env: env}, nil
}

func (r *sameDirRule) Kind() string { return KindSameDir }

func (r *sameDirRule) Score(c *ScoreChart, req Request) error {
	if req.Hints.Path == "" {
		return nil
	}
	for name, n := range r.env.Tree.BackerCounts(path.Dir(req.Hints.Path)) {
		c.Add(name, int64(n)*r.weight)
	}
	return nil
}

// ErrorsParams configures the errors rule.
type ErrorsParams struct {
	Weight int64 `yaml:"weight"` // Points subtracted per recent network error (default: 100)
}

type errorsRule struct{ weight int64 }

func newErrors(decode func(any) error, _ Env) (Rule, error) {
	p := ErrorsParams{Weight: 100}
	if err := decode(&p); err != nil {
		return nil, err
	}
	return &errorsRule{weight: p.Weight}, nil
}

func (r *errorsRule) Kind() string { return KindErrors }

func (r *errorsRule) Score(c *ScoreChart, _ Request) error {
	for _, row := range c.rows {
		c.Add(row.Name, -int64(row.Slave.Errors())*r.weight)
	}
	return nil
}
