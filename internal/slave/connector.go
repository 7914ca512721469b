package slave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnectorConfig holds configuration for a Connector.
type ConnectorConfig struct {
	Registry         *Registry
	Dial             Dialer
	Resolver         AddressResolver // nil dials the static host:port
	Interval         time.Duration   // Time between passes (default: 10s)
	InitialBackoff   time.Duration   // First retry delay after a failed handshake (default: 1s)
	MaxBackoff       time.Duration   // Retry delay cap (default: 5m)
	CallTimeout      time.Duration   // Single slave call (default: 30s)
	HandshakeTimeout time.Duration   // Whole handshake including the listing (default: 2m)
	MaxConcurrent    int             // Slaves contacted in parallel (default: 8)
	Metrics          *metrics.MasterMetrics
	Log              zerolog.Logger
}

type retryState struct {
	next  time.Time
	delay time.Duration
}

// Connector keeps roster slaves connected: offline slaves are handshaken
// with exponential backoff, online slaves get a status heartbeat whose
// failures feed the registry's error window.
type Connector struct {
	cfg ConnectorConfig
	reg *Registry
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	retry   map[string]*retryState
	trigger chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 8
	}
	return &Connector{
		cfg:     cfg,
		reg:     cfg.Registry,
		log:     cfg.Log.With().Str("component", "connector").Logger(),
		now:     time.Now,
		retry:   make(map[string]*retryState),
		trigger: make(chan struct{}, 1),
	}
}

// Start runs the connect loop until Stop or ctx is cancelled.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(1)
	go c.loop()
	c.log.Info().Dur("interval", c.cfg.Interval).Msg("connector started")
}

// Stop halts the loop and waits for in-flight handshakes.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info().Msg("connector stopped")
}

// Trigger requests an immediate pass without waiting for the interval.
func (c *Connector) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Connector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Pass(c.ctx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		c.Pass(c.ctx)
	}
}

// Pass handshakes every due offline slave and heartbeats every online one.
// It returns when all of them have finished.
func (c *Connector) Pass(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)

	for _, s := range c.reg.List() {
		name := s.Name()
		if s.Online() {
			g.Go(func() error {
				c.heartbeat(gctx, name)
				return nil
			})
			continue
		}
		if !c.due(name) {
			continue
		}
		g.Go(func() error {
			if err := c.Handshake(gctx, name); err != nil && !errors.Is(err, ErrAlreadyOnline) {
				c.log.Debug().Err(err).Str("slave", name).Msg("handshake failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	c.forgetRemoved()
}

// Handshake connects one slave now: dial, ping, then status and listing in
// parallel, then Registry.AddSlave. Failures schedule a backoff retry.
func (c *Connector) Handshake(ctx context.Context, name string) error {
	s, ok := c.reg.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if s.Online() {
		return fmt.Errorf("%s: %w", name, ErrAlreadyOnline)
	}

	err := c.handshake(ctx, s)
	c.cfg.Metrics.Handshake(err == nil)
	if err != nil {
		if !errors.Is(err, ErrAlreadyOnline) {
			c.backoff(name)
		}
		return err
	}
	c.mu.Lock()
	delete(c.retry, name)
	c.mu.Unlock()
	return nil
}

func (c *Connector) handshake(ctx context.Context, s *Slave) error {
	name := s.Name()
	cfg := s.Config()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	address := cfg.HostPort()
	if c.cfg.Resolver != nil {
		addr, err := c.cfg.Resolver.Resolve(hctx, cfg)
		if err != nil {
			return Unavailable(name, fmt.Errorf("resolve address: %w", err))
		}
		address = addr
	}
	if err := c.reg.CheckHost(name, address); err != nil {
		return err
	}

	client, err := c.cfg.Dial(hctx, name, address, cfg.AuthToken)
	if err != nil {
		return Unavailable(name, fmt.Errorf("dial %s: %w", address, err))
	}

	pctx, pcancel := context.WithTimeout(hctx, c.cfg.CallTimeout)
	err = client.Ping(pctx)
	pcancel()
	if err != nil {
		_ = client.Close()
		return Unavailable(name, fmt.Errorf("ping: %w", err))
	}

	var (
		status  Status
		listing []vfs.Entry
	)
	g, gctx := errgroup.WithContext(hctx)
	g.Go(func() error {
		sctx, scancel := context.WithTimeout(gctx, c.cfg.CallTimeout)
		defer scancel()
		st, err := client.Status(sctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		status = st
		return nil
	})
	g.Go(func() error {
		entries, err := client.Listing(gctx)
		if err != nil {
			return fmt.Errorf("listing: %w", err)
		}
		listing = entries
		return nil
	})
	if err := g.Wait(); err != nil {
		_ = client.Close()
		return Unavailable(name, err)
	}

	if _, err := c.reg.AddSlave(hctx, name, status, listing, client); err != nil {
		_ = client.Close()
		return err
	}
	return nil
}

func (c *Connector) heartbeat(ctx context.Context, name string) {
	s, ok := c.reg.Get(name)
	if !ok {
		return
	}
	client, ok := s.Client()
	if !ok {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	st, err := client.Status(hctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.reg.RecordNetworkError(name, fmt.Errorf("heartbeat: %w", err))
		return
	}
	c.reg.UpdateStatus(name, st)
}

func (c *Connector) due(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.retry[name]
	return !ok || !c.now().Before(r.next)
}

func (c *Connector) backoff(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.retry[name]
	if !ok {
		r = &retryState{delay: c.cfg.InitialBackoff}
		c.retry[name] = r
	} else {
		// Exponential backoff with cap
		r.delay *= 2
		if r.delay > c.cfg.MaxBackoff {
			r.delay = c.cfg.MaxBackoff
		}
	}
	r.next = c.now().Add(r.delay)
}

// NextAttempt returns when a failed slave will next be dialled.
func (c *Connector) NextAttempt(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.retry[name]
	if !ok {
		return time.Time{}, false
	}
	return r.next, true
}

func (c *Connector) forgetRemoved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.retry {
		if _, ok := c.reg.Get(name); !ok {
			delete(c.retry, name)
		}
	}
}
