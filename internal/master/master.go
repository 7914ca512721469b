// Package master wires the filemesh components into one process context and
// exposes the administrative operations.
package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/logging/audit"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/selector"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const collectInterval = 15 * time.Second

// Options carries what the configuration file cannot.
type Options struct {
	// Dial opens slave clients. Nil uses the HTTP client.
	Dial slave.Dialer
	// Registerer receives the master metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
	// ConfigPath is re-read by Reload when the roster is inline.
	ConfigPath string
	Log        zerolog.Logger
	Audit      *audit.Logger
}

// Master owns every component of one filemesh master process.
type Master struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	tree      *vfs.Tree
	bus       *events.Bus
	metrics   *metrics.MasterMetrics
	collector *metrics.Collector
	registry  *slave.Registry
	resolver  *slave.Resolver
	connector *slave.Connector
	selector  *selector.Selector
	transfers *transfer.Coordinator
	scheduler *replication.Scheduler
	policy    *replication.Policy
	audit     *audit.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a stopped master. The tree is loaded from the snapshot when
// one exists; slaves remerge into it as they connect.
func New(cfg *config.Config, opts Options) (*Master, error) {
	m := &Master{
		cfg:   cfg,
		opts:  opts,
		log:   opts.Log.With().Str("component", "master").Logger(),
		audit: opts.Audit,
	}

	tree, err := loadTree(cfg.Snapshot.Path, m.log)
	if err != nil {
		return nil, err
	}
	m.tree = tree

	m.bus = events.NewBus(opts.Log)
	m.bus.Subscribe(events.LoggingObserver{Log: opts.Log.With().Str("component", "events").Logger()})
	m.metrics = metrics.New(opts.Registerer)

	roster, err := cfg.LoadRoster()
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	var resolver slave.AddressResolver
	if cfg.DNS.Domain != "" {
		m.resolver = slave.NewResolver(slave.ResolverConfig{
			Server:   cfg.DNS.Server,
			Domain:   cfg.DNS.Domain,
			CacheTTL: cfg.DNS.CacheTTL,
			Timeout:  cfg.Timeouts.Call,
			Log:      opts.Log,
		})
		resolver = m.resolver
	}

	m.registry, err = slave.NewRegistry(slave.Config{
		Tree:        m.tree,
		Roster:      roster,
		MaxErrors:   cfg.Errors.MaxErrors,
		ErrorWindow: cfg.Errors.Window,
		Resolver:    resolver,
		Events:      m.bus,
		Metrics:     m.metrics,
		Log:         opts.Log,
	})
	if err != nil {
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = slave.HTTPDialer(cfg.Timeouts.Call)
	}
	m.connector = slave.NewConnector(slave.ConnectorConfig{
		Registry:         m.registry,
		Dial:             dial,
		Resolver:         resolver,
		Interval:         cfg.Connector.Interval,
		InitialBackoff:   cfg.Connector.InitialBackoff,
		MaxBackoff:       cfg.Connector.MaxBackoff,
		CallTimeout:      cfg.Timeouts.Call,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		Metrics:          m.metrics,
		Log:              opts.Log,
	})

	chains := config.DefaultSelection()
	for purpose, chain := range cfg.Selection {
		chains[purpose] = chain
	}
	m.selector, err = selector.New(selector.Config{
		Chains:  chains,
		Tree:    m.tree,
		Metrics: m.metrics,
		Log:     opts.Log,
	})
	if err != nil {
		return nil, err
	}

	issuer, err := transfer.NewIssuer([]byte(cfg.Transfer.TicketSecret), cfg.Transfer.TicketTTL)
	if err != nil {
		return nil, err
	}
	m.transfers, err = transfer.NewCoordinator(transfer.Config{
		Issuer:       issuer,
		PollInterval: cfg.Scheduler.PollInterval,
		CallTimeout:  cfg.Timeouts.Call,
		Events:       m.bus,
		Metrics:      m.metrics,
		Log:          opts.Log,
	})
	if err != nil {
		return nil, err
	}

	m.scheduler, err = replication.New(replication.Config{
		Tree:               m.tree,
		Registry:           m.registry,
		Selector:           m.selector,
		Transfers:          m.transfers,
		Interval:           cfg.Scheduler.Interval,
		MaxConcurrent:      cfg.Scheduler.MaxConcurrent,
		VerifyChecksum:     cfg.Scheduler.VerifyChecksum,
		TransfersPerSecond: cfg.Scheduler.TransfersPerSecond,
		Events:             m.bus,
		Metrics:            m.metrics,
		Log:                opts.Log,
	})
	if err != nil {
		return nil, err
	}

	m.policy, err = replication.NewPolicy(replication.PolicyConfig{
		Rules:     cfg.Redundancy,
		Tree:      m.tree,
		Registry:  m.registry,
		Scheduler: m.scheduler,
		Interval:  cfg.Scheduler.SweepInterval,
		Log:       opts.Log,
	})
	if err != nil {
		return nil, err
	}

	m.collector = metrics.NewCollector(m.metrics, metrics.CollectorConfig{
		Tree:   m.tree,
		Slaves: m.registry,
		Jobs:   m.scheduler,
	})
	m.collector.Collect()
	return m, nil
}

func loadTree(path string, log zerolog.Logger) (*vfs.Tree, error) {
	if path == "" {
		return vfs.NewTree(), nil
	}
	start := time.Now()
	tree, err := vfs.LoadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("load tree snapshot: %w", err)
	}
	st := tree.Stats()
	log.Info().
		Str("path", path).
		Int("files", st.Files).
		Int("dirs", st.Dirs).
		Dur("elapsed", time.Since(start)).
		Msg("tree snapshot loaded")
	return tree, nil
}

// Start runs the connector, the scheduler when enabled, the redundancy
// policy and the periodic snapshot and metrics loops.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("master already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.connector.Start(m.ctx)
	if m.cfg.Scheduler.Enabled {
		m.scheduler.Start(m.ctx)
		m.audit.LogAdminOp("startup", "scheduler.start", "", audit.ResultOK, "")
	}
	if len(m.cfg.Redundancy) > 0 {
		m.policy.Start(m.ctx)
	}

	m.wg.Add(1)
	go m.every(m.ctx, collectInterval, m.collector.Collect)
	if m.cfg.Snapshot.Interval > 0 && m.cfg.Snapshot.Path != "" {
		m.wg.Add(1)
		go m.every(m.ctx, m.cfg.Snapshot.Interval, func() {
			if err := m.Snapshot(); err != nil {
				m.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		})
	}

	roster, online := m.registry.Counts()
	m.log.Info().
		Str("name", m.cfg.Name).
		Int("roster", roster).
		Int("online", online).
		Bool("scheduler", m.cfg.Scheduler.Enabled).
		Msg("master started")
	return nil
}

// Stop halts every loop, writes a final snapshot and disconnects slaves.
func (m *Master) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.policy.Stop()
	m.scheduler.Stop()
	m.connector.Stop()
	m.wg.Wait()

	var err error
	if m.cfg.Snapshot.Path != "" {
		err = m.Snapshot()
	}
	for _, s := range m.registry.Available() {
		_ = m.registry.SetOffline(s.Name(), "master shutting down")
	}
	m.log.Info().Msg("master stopped")
	return err
}

func (m *Master) every(ctx context.Context, d time.Duration, fn func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Snapshot writes the tree to the configured snapshot path.
func (m *Master) Snapshot() error {
	if m.cfg.Snapshot.Path == "" {
		return errors.New("no snapshot path configured")
	}
	start := time.Now()
	err := m.tree.SaveSnapshot(m.cfg.Snapshot.Path)
	m.metrics.Snapshot(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	m.log.Debug().Str("path", m.cfg.Snapshot.Path).Dur("elapsed", time.Since(start)).Msg("tree snapshot written")
	return nil
}

// Tree returns the merged file tree.
func (m *Master) Tree() *vfs.Tree { return m.tree }

// Events returns the event bus.
func (m *Master) Events() *events.Bus { return m.bus }

// Registry returns the slave registry.
func (m *Master) Registry() *slave.Registry { return m.registry }

// Scheduler returns the replication scheduler.
func (m *Master) Scheduler() *replication.Scheduler { return m.scheduler }

// Connector returns the slave connector.
func (m *Master) Connector() *slave.Connector { return m.connector }

// Config returns the configuration the master was built with.
func (m *Master) Config() *config.Config { return m.cfg }
