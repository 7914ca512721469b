package slave

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
)

// AddressResolver turns a roster entry into a dial address.
type AddressResolver interface {
	Resolve(ctx context.Context, s config.SlaveConfig) (string, error)
}

// Config holds configuration for a Registry.
type Config struct {
	Tree        *vfs.Tree
	Roster      []config.SlaveConfig
	MaxErrors   int           // Errors tolerated within ErrorWindow (default: 5)
	ErrorWindow time.Duration // default: 1m
	Resolver    AddressResolver
	Events      events.Publisher
	Metrics     *metrics.MasterMetrics
	Log         zerolog.Logger
	Now         func() time.Time
}

// Registry is the set of roster slaves and their availability. Roster
// changes take the write lock; lookups and scans take the read lock.
type Registry struct {
	mu     sync.RWMutex
	slaves map[string]*Slave
	order  []string // roster order

	tree      *vfs.Tree
	resolver  AddressResolver
	events    events.Publisher
	metrics   *metrics.MasterMetrics
	log       zerolog.Logger
	now       func() time.Time
	maxErrors int
	window    time.Duration
}

// NewRegistry creates a registry holding every roster slave offline.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("registry requires a tree")
	}
	if err := config.ValidateRoster(cfg.Roster); err != nil {
		return nil, err
	}
	if cfg.MaxErrors == 0 {
		cfg.MaxErrors = 5
	}
	if cfg.ErrorWindow == 0 {
		cfg.ErrorWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		slaves:    make(map[string]*Slave, len(cfg.Roster)),
		tree:      cfg.Tree,
		resolver:  cfg.Resolver,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With().Str("component", "slaves").Logger(),
		now:       cfg.Now,
		maxErrors: cfg.MaxErrors,
		window:    cfg.ErrorWindow,
	}
	for _, sc := range cfg.Roster {
		r.slaves[sc.Name] = r.newSlave(sc)
		r.order = append(r.order, sc.Name)
	}
	r.updateGauges()
	return r, nil
}

func (r *Registry) newSlave(sc config.SlaveConfig) *Slave {
	s := newSlave(sc, r.maxErrors, r.window, r.now())
	s.errs.now = r.now
	return s
}

// AddSlave brings a roster slave online after its connect handshake: the
// listing is remerged into the tree under the slave's name, then the slave is
// marked available with client as its transport. A slave still over its
// error threshold is refused until the errors expire.
func (r *Registry) AddSlave(ctx context.Context, name string, status Status, listing []vfs.Entry, client Client) (vfs.RemergeStats, error) {
	var stats vfs.RemergeStats

	r.mu.RLock()
	s, ok := r.slaves[name]
	r.mu.RUnlock()
	if !ok {
		return stats, fmt.Errorf("%s: %w", name, ErrNotInRoster)
	}
	if s.errs.Exceeded() {
		return stats, Unavailable(name, fmt.Errorf("%d network errors within %v", s.errs.Count(), r.window))
	}

	s.mu.Lock()
	if s.online || s.connecting {
		s.mu.Unlock()
		return stats, fmt.Errorf("%s: %w", name, ErrAlreadyOnline)
	}
	s.connecting = true
	cfg := s.cfg
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	address := ""
	if r.resolver != nil {
		addr, err := r.resolver.Resolve(ctx, cfg)
		if err != nil {
			return stats, Unavailable(name, fmt.Errorf("resolve address: %w", err))
		}
		address = addr
	}

	report, skipped := vfs.BuildReport(listing)
	if skipped > 0 {
		r.log.Warn().Str("slave", name).Int("skipped", skipped).Msg("ignoring malformed listing entries")
	}
	start := r.now()
	stats, err := r.tree.Remerge("/", report, name)
	if err != nil {
		return stats, fmt.Errorf("remerge %s: %w", name, err)
	}
	r.metrics.Remerge(r.now().Sub(start), stats.Added, stats.Updated, stats.Conflicts, stats.Removed)

	r.mu.Lock()
	if cur, ok := r.slaves[name]; !ok || cur != s {
		r.mu.Unlock()
		r.tree.Unmerge(name)
		return stats, fmt.Errorf("%s: %w", name, ErrRemoved)
	}
	now := r.now()
	if status.Time.IsZero() {
		status.Time = now
	}
	s.mu.Lock()
	s.online = true
	s.client = client
	s.status = status
	s.address = address
	s.reason = ""
	s.since = now
	s.mu.Unlock()
	r.mu.Unlock()

	r.updateGauges()
	r.log.Info().
		Str("slave", name).
		Str("address", address).
		Int("added", stats.Added).
		Int("updated", stats.Updated).
		Int("conflicts", stats.Conflicts).
		Int("removed", stats.Removed).
		Msg("slave online")
	r.publish(events.Event{Type: events.SlaveAdded, Slave: name})
	return stats, nil
}

// SetOffline marks a slave unavailable immediately and closes its client.
// Transfers in progress against it fail on their next status poll.
func (r *Registry) SetOffline(name, reason string) error {
	s, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	r.offline(s, reason)
	return nil
}

func (r *Registry) offline(s *Slave, reason string) bool {
	was, c := s.goOffline(reason, r.now())
	if c != nil {
		if err := c.Close(); err != nil {
			r.log.Debug().Err(err).Str("slave", s.Name()).Msg("closing slave client")
		}
	}
	if !was {
		return false
	}
	r.metrics.SlaveWentOffline(s.Name())
	r.updateGauges()
	r.log.Warn().Str("slave", s.Name()).Str("reason", reason).Msg("slave offline")
	r.publish(events.Event{Type: events.SlaveOffline, Slave: s.Name(), Reason: reason})
	return true
}

// RecordNetworkError counts err against the slave's error window and takes
// the slave offline once the window holds more errors than allowed. It
// reports whether this call took the slave offline.
func (r *Registry) RecordNetworkError(name string, err error) bool {
	s, ok := r.Get(name)
	if !ok {
		return false
	}
	r.metrics.SlaveError(name)
	exceeded := s.errs.Record()
	r.log.Debug().Err(err).Str("slave", name).Int("errors", s.errs.Count()).Msg("slave network error")
	if !exceeded {
		return false
	}
	return r.offline(s, fmt.Sprintf("error threshold exceeded: %v", err))
}

// UpdateStatus stores a fresh status report for an online slave.
func (r *Registry) UpdateStatus(name string, status Status) bool {
	s, ok := r.Get(name)
	if !ok {
		return false
	}
	if status.Time.IsZero() {
		status.Time = r.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return false
	}
	s.status = status
	return true
}

// RemoveFromRoster takes the slave offline, forgets it and removes it from
// every backing set in the tree.
func (r *Registry) RemoveFromRoster(name string) error {
	r.mu.Lock()
	s, ok := r.slaves[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	r.drop(name)
	r.mu.Unlock()

	r.purge(s)
	return nil
}

// drop removes name from the maps. Caller holds r.mu.
func (r *Registry) drop(name string) {
	delete(r.slaves, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) purge(s *Slave) {
	r.offline(s, "removed from roster")
	files := r.tree.Unmerge(s.Name())
	r.updateGauges()
	r.log.Info().Str("slave", s.Name()).Int("files", files).Msg("slave removed from roster")
	r.publish(events.Event{Type: events.SlaveRemoved, Slave: s.Name()})
}

// ReloadResult lists what a roster reload changed.
type ReloadResult struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

// Reload applies a new roster: slaves no longer listed are removed and
// unmerged, new slaves are added offline, and remaining slaves take their new
// connection parameters in place.
func (r *Registry) Reload(roster []config.SlaveConfig) (ReloadResult, error) {
	var res ReloadResult
	if err := config.ValidateRoster(roster); err != nil {
		return res, err
	}

	listed := make(map[string]config.SlaveConfig, len(roster))
	for _, sc := range roster {
		listed[sc.Name] = sc
	}

	r.mu.Lock()
	var removed []*Slave
	for _, name := range append([]string(nil), r.order...) {
		if _, ok := listed[name]; !ok {
			removed = append(removed, r.slaves[name])
			r.drop(name)
			res.Removed = append(res.Removed, name)
		}
	}
	order := make([]string, 0, len(roster))
	for _, sc := range roster {
		order = append(order, sc.Name)
		s, ok := r.slaves[sc.Name]
		if !ok {
			r.slaves[sc.Name] = r.newSlave(sc)
			res.Added = append(res.Added, sc.Name)
			continue
		}
		s.mu.Lock()
		if !reflect.DeepEqual(s.cfg, sc) {
			s.cfg = sc
			res.Updated = append(res.Updated, sc.Name)
		}
		s.mu.Unlock()
	}
	r.order = order
	r.mu.Unlock()

	for _, s := range removed {
		r.purge(s)
	}
	r.updateGauges()
	r.log.Info().
		Strs("added", res.Added).
		Strs("removed", res.Removed).
		Strs("updated", res.Updated).
		Msg("roster reloaded")
	return res, nil
}

// Get returns the named slave.
func (r *Registry) Get(name string) (*Slave, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slaves[name]
	return s, ok
}

// CheckHost verifies that addr, a host or host:port, may act as the named
// slave under its roster masks.
func (r *Registry) CheckHost(name, addr string) error {
	s, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotInRoster)
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if !s.AllowsHost(host) {
		r.log.Warn().Str("slave", name).Str("host", host).Msg("host rejected by roster masks")
		return fmt.Errorf("%s: %s: %w", name, host, ErrHostNotAllowed)
	}
	return nil
}

// List returns every roster slave in roster order.
func (r *Registry) List() []*Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slave, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.slaves[n])
	}
	return out
}

// Available returns the online slaves in roster order.
func (r *Registry) Available() []*Slave {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Slave
	for _, n := range r.order {
		if s := r.slaves[n]; s.Online() {
			out = append(out, s)
		}
	}
	return out
}

// Names returns the roster names in roster order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Counts returns the roster size and how many slaves are online.
func (r *Registry) Counts() (roster, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slaves {
		if s.Online() {
			online++
		}
	}
	return len(r.slaves), online
}

// Infos returns a snapshot of every slave in roster order.
func (r *Registry) Infos() []Info {
	slaves := r.List()
	out := make([]Info, len(slaves))
	for i, s := range slaves {
		out[i] = s.Info()
	}
	return out
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetSlaves(r.Counts())
}

func (r *Registry) publish(e events.Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}
