package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/selector"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds configuration for a Scheduler.
type Config struct {
	Tree           *vfs.Tree
	Registry       *slave.Registry
	Selector       *selector.Selector
	Transfers      *transfer.Coordinator
	Interval       time.Duration // Time between passes (default: 5s)
	MaxConcurrent  int           // Transfers in flight at once (default: 4)
	VerifyChecksum bool
	// TransfersPerSecond caps how fast transfers are started. Zero means
	// no limit.
	TransfersPerSecond float64
	Events             events.Publisher
	Metrics            *metrics.MasterMetrics
	Log                zerolog.Logger
}

// Scheduler runs queued jobs. Each pass starts transfers for the highest
// priority eligible jobs until MaxConcurrent transfers are in flight or no
// job can make progress. A slave takes part in at most one scheduled
// transfer at a time.
type Scheduler struct {
	cfg     Config
	log     zerolog.Logger
	queue   *Queue
	limiter *rate.Limiter

	passMu sync.Mutex // one pass at a time

	mu       sync.Mutex
	busy     map[string]int
	inflight map[string]context.CancelCauseFunc // job ID to transfer cancel
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc

	loopWG     sync.WaitGroup
	transferWG sync.WaitGroup
	trigger    chan struct{}
}

// New creates a stopped scheduler with an empty queue.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Tree == nil:
		return nil, errors.New("scheduler: tree is required")
	case cfg.Registry == nil:
		return nil, errors.New("scheduler: registry is required")
	case cfg.Selector == nil:
		return nil, errors.New("scheduler: selector is required")
	case cfg.Transfers == nil:
		return nil, errors.New("scheduler: transfer coordinator is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "scheduler").Logger(),
		queue:    NewQueue(),
		busy:     make(map[string]int),
		inflight: make(map[string]context.CancelCauseFunc),
		trigger:  make(chan struct{}, 1),
	}
	if cfg.TransfersPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TransfersPerSecond), cfg.MaxConcurrent)
	}
	return s, nil
}

// AddJob queues a job. Slaves in the destination set that already back the
// file are credited first; a job that is done after crediting is discarded
// and AddJob reports false.
func (s *Scheduler) AddJob(j *Job) (bool, error) {
	backers, ok := s.cfg.Tree.Backers(j.Path())
	if !ok {
		return false, fmt.Errorf("%s: %w", j.Path(), vfs.ErrNotFound)
	}
	for _, b := range backers {
		if j.IsDone() {
			break
		}
		if !j.IsDestination(b) {
			continue
		}
		if err := j.SentToSlave(b); err != nil {
			return false, err
		}
	}

	log := s.log.With().Str("job", j.ID()).Str("path", j.Path()).Logger()
	if j.IsDone() {
		log.Info().Msg("job already satisfied, not queued")
		return false, nil
	}
	if err := s.queue.Push(j); err != nil {
		return false, err
	}
	s.cfg.Metrics.SetQueuedJobs(s.queue.Len())
	log.Info().
		Int("remaining", j.Remaining()).
		Strs("destinations", j.Destinations()).
		Int("priority", j.Priority()).
		Str("owner", j.Owner()).
		Msg("job queued")
	s.Trigger()
	return true, nil
}

// RemoveJob aborts a job: it leaves the queue and its transfer, if any, is
// torn down on both slaves.
func (s *Scheduler) RemoveJob(id string) error {
	j, ok := s.queue.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	s.abortJob(j, "removed by administrator")
	return nil
}

// AbortTransfer aborts one in-flight transfer. The job it served is removed.
func (s *Scheduler) AbortTransfer(id, reason string) error {
	return s.cfg.Transfers.Abort(id, reason)
}

// Job looks up a queued job.
func (s *Scheduler) Job(id string) (*Job, bool) {
	return s.queue.Get(id)
}

// HasJobFor reports whether a queued job targets p.
func (s *Scheduler) HasJobFor(p string) bool {
	return s.queue.HasPath(p)
}

// Jobs returns the queued jobs in scheduling order.
func (s *Scheduler) Jobs() []JobInfo {
	jobs := s.queue.Snapshot()
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		info := j.Info()
		info.Transferring = s.transferring(j.ID())
		out = append(out, info)
	}
	return out
}

// Start begins periodic passes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.loopWG.Add(1)
	go s.loop(s.ctx)
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("scheduler started")
}

// Stop halts passes, aborts in-flight transfers and waits for them. Queued
// jobs stay queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.loopWG.Wait()
	s.transferWG.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Running reports whether periodic passes are enabled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger requests a pass without waiting for the interval.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until every transfer started so far has finished.
func (s *Scheduler) Wait() {
	s.transferWG.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.RunPass(ctx)
	}
}

// RunPass starts transfers for eligible jobs and returns how many it
// started. Transfers run in the background under ctx. Concurrent calls are
// serialized, so a job never gets two transfers from overlapping passes.
func (s *Scheduler) RunPass(ctx context.Context) int {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	s.cfg.Metrics.SchedulerPass()

	passBusy := make(map[string]bool)
	skip := make(map[string]bool)
	started := 0
	for ctx.Err() == nil && s.inflightCount() < s.cfg.MaxConcurrent {
		j, src, dst, file, ok := s.next(ctx, passBusy, skip)
		if !ok {
			break
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Debug().Msg("transfer rate limit reached")
			break
		}
		s.start(ctx, j, src, dst, file)
		started++
	}
	if started > 0 {
		s.log.Debug().Int("started", started).Int("queued", s.queue.Len()).Msg("scheduler pass")
	}
	return started
}

// next picks the highest priority job that can start a transfer now, with
// its source and destination.
func (s *Scheduler) next(ctx context.Context, passBusy, skip map[string]bool) (*Job, *slave.Slave, *slave.Slave, vfs.Info, bool) {
	isBusy := func(name string) bool {
		if passBusy[name] {
			return true
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.busy[name] > 0
	}

	for _, j := range s.queue.Snapshot() {
		if skip[j.ID()] || s.transferring(j.ID()) {
			continue
		}
		file, ok := s.cfg.Tree.Stat(j.Path())
		if !ok || file.Dir {
			s.abortJob(j, "file no longer exists")
			continue
		}
		if s.creditBackers(j, file.Slaves) {
			continue
		}

		var sources []*slave.Slave
		for _, name := range file.Slaves {
			if isBusy(name) {
				continue
			}
			if sl, ok := s.cfg.Registry.Get(name); ok && sl.Online() {
				sources = append(sources, sl)
			}
		}
		if len(sources) == 0 {
			continue
		}
		hints := selector.Hints{Path: j.Path()}
		src, err := s.cfg.Selector.Select(ctx, config.PurposeReplicateFrom, sources, hints)
		if err != nil {
			for _, name := range file.Slaves {
				passBusy[name] = true
			}
			continue
		}

		var dests []*slave.Slave
		for _, name := range j.Destinations() {
			if name == src.Name() || isBusy(name) {
				continue
			}
			if sl, ok := s.cfg.Registry.Get(name); ok && sl.Online() {
				dests = append(dests, sl)
			}
		}
		if len(dests) == 0 {
			skip[j.ID()] = true
			continue
		}
		dst, err := s.cfg.Selector.Select(ctx, config.PurposeReplicateTo, dests, hints)
		if err != nil {
			skip[j.ID()] = true
			continue
		}
		return j, src, dst, file, true
	}
	return nil, nil, nil, vfs.Info{}, false
}

// creditBackers credits destinations that picked up the file since the job
// was queued. It reports true when the job left the queue.
func (s *Scheduler) creditBackers(j *Job, backers []string) bool {
	for _, b := range backers {
		if j.IsDone() {
			break
		}
		if !j.IsDestination(b) {
			continue
		}
		if err := j.SentToSlave(b); err != nil {
			s.log.Error().Err(err).Str("job", j.ID()).Msg("job bookkeeping diverged")
			s.abortJob(j, err.Error())
			return true
		}
	}
	if j.IsDone() {
		s.finishJob(j)
		return true
	}
	return false
}

func (s *Scheduler) start(ctx context.Context, j *Job, src, dst *slave.Slave, file vfs.Info) {
	tctx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.busy[src.Name()]++
	s.busy[dst.Name()]++
	s.inflight[j.ID()] = cancel
	s.mu.Unlock()

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		defer func() {
			cancel(nil)
			s.mu.Lock()
			s.release(src.Name())
			s.release(dst.Name())
			delete(s.inflight, j.ID())
			s.mu.Unlock()
			s.Trigger()
		}()
		s.run(tctx, j, src, dst, file)
	}()
}

// release must be called with s.mu held.
func (s *Scheduler) release(name string) {
	if s.busy[name] <= 1 {
		delete(s.busy, name)
		return
	}
	s.busy[name]--
}

func (s *Scheduler) run(ctx context.Context, j *Job, src, dst *slave.Slave, file vfs.Info) {
	log := s.log.With().
		Str("job", j.ID()).
		Str("path", file.Path).
		Str("source", src.Name()).
		Str("slave", dst.Name()).
		Logger()

	res, err := s.cfg.Transfers.Transfer(ctx, src, dst, file, s.cfg.VerifyChecksum)
	j.AddTime(res.Duration)
	if err != nil {
		j.setLastError(err)
		switch {
		case j.Aborted():
			log.Info().Err(err).Msg("transfer ended with its job")
		case ctx.Err() != nil:
			log.Info().Err(err).Msg("transfer cancelled")
		case errors.Is(err, transfer.ErrAborted):
			s.abortJob(j, err.Error())
		default:
			if _, name, ok := transfer.Attribution(err); ok {
				s.cfg.Registry.RecordNetworkError(name, err)
			}
			log.Warn().Err(err).Msg("replication failed, job stays queued")
		}
		return
	}
	j.setLastError(nil)

	if err := s.cfg.Tree.AddBacker(file.Path, dst.Name()); err != nil {
		log.Warn().Err(err).Msg("file changed during transfer")
		s.abortJob(j, "file removed during transfer")
		return
	}
	if s.cfg.VerifyChecksum && file.Checksum == 0 && res.Checksum != 0 {
		if err := s.cfg.Tree.SetChecksum(file.Path, res.Checksum); err != nil {
			log.Debug().Err(err).Msg("could not cache checksum")
		}
	}
	if j.Aborted() {
		return
	}
	if err := j.SentToSlave(dst.Name()); err != nil {
		log.Error().Err(err).Msg("job bookkeeping diverged")
		s.abortJob(j, err.Error())
		return
	}
	log.Info().Int("remaining", j.Remaining()).Msg("replica created")
	if j.IsDone() {
		s.finishJob(j)
	}
}

func (s *Scheduler) finishJob(j *Job) {
	if _, ok := s.queue.Remove(j.ID()); !ok {
		return
	}
	s.cfg.Metrics.SetQueuedJobs(s.queue.Len())
	s.log.Info().Str("job", j.ID()).Str("path", j.Path()).Dur("spent", j.Spent()).Msg("job done")
	s.publish(events.Event{Type: events.JobDone, Job: j.ID(), Path: j.Path()})
}

// abortJob removes j from the queue and cancels its transfer. It is a no-op
// for a job that already left the queue.
func (s *Scheduler) abortJob(j *Job, reason string) {
	if _, ok := s.queue.Remove(j.ID()); !ok {
		return
	}
	j.Abort()

	s.mu.Lock()
	cancel := s.inflight[j.ID()]
	s.mu.Unlock()
	if cancel != nil {
		cancel(fmt.Errorf("%w: %s", transfer.ErrAborted, reason))
	}

	s.cfg.Metrics.SetQueuedJobs(s.queue.Len())
	s.log.Warn().Str("job", j.ID()).Str("path", j.Path()).Str("reason", reason).Msg("job aborted")
	s.publish(events.Event{Type: events.JobAborted, Job: j.ID(), Path: j.Path(), Reason: reason})
}

func (s *Scheduler) transferring(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) publish(e events.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(e)
	}
}

// Len returns the number of queued jobs.
func (s *Scheduler) Len() int {
	return s.queue.Len()
}
