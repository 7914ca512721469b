// Package transfer runs slave-to-slave file copies: rendezvous, two-sided
// status polling, checksum verification and cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Side names the end of a transfer a failure is attributed to.
type Side string

// Transfer sides.
const (
	Source      Side = "source"
	Destination Side = "destination"
)

// Transfer errors.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrAborted          = errors.New("transfer aborted")
	ErrNotFound         = errors.New("transfer not found")
)

// Error is a transfer failure attributed to one side.
type Error struct {
	Side  Side
	Slave string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Slave, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attribution returns the side and slave a transfer error blames.
func Attribution(err error) (Side, string, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Side, te.Slave, true
	}
	return "", "", false
}

// Config holds configuration for a Coordinator.
type Config struct {
	Issuer       *Issuer
	PollInterval time.Duration // Time between status polls (default: 1s)
	CallTimeout  time.Duration // Single slave call (default: 30s)
	Events       events.Publisher
	Metrics      *metrics.MasterMetrics
	Log          zerolog.Logger
}

// Info describes an in-flight transfer.
type Info struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Started     time.Time `json:"started"`
	Bytes       int64     `json:"bytes"`
}

// Result describes a finished transfer.
type Result struct {
	ID       string
	Bytes    int64
	Checksum uint32 // Destination checksum, verified when requested
	Duration time.Duration
}

type active struct {
	mu     sync.Mutex
	info   Info
	cancel context.CancelCauseFunc
}

func (a *active) snapshot() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *active) setBytes(n int64) {
	a.mu.Lock()
	a.info.Bytes = n
	a.mu.Unlock()
}

// Coordinator drives transfers and keeps the table of active ones.
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	active map[string]*active
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Issuer == nil {
		iss, err := NewIssuer(nil, 0)
		if err != nil {
			return nil, err
		}
		cfg.Issuer = iss
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "transfer").Logger(),
		active: make(map[string]*active),
	}, nil
}

// Transfer copies file from src to dst. The destination listens, the source
// connects, then both sides are polled until they finish; an error on either
// side aborts the other. With verify set, the destination checksum must
// match the file's cached checksum, or the source's when none is cached.
// Failures are *Error values naming the side to blame, or wrap ErrAborted.
func (c *Coordinator) Transfer(ctx context.Context, src, dst *slave.Slave, file vfs.Info, verify bool) (Result, error) {
	start := time.Now()
	res := Result{ID: uuid.NewString()}

	srcClient, ok := src.Client()
	if !ok {
		return res, &Error{Side: Source, Slave: src.Name(), Err: slave.Unavailable(src.Name(), errors.New("offline"))}
	}
	dstClient, ok := dst.Client()
	if !ok {
		return res, &Error{Side: Destination, Slave: dst.Name(), Err: slave.Unavailable(dst.Name(), errors.New("offline"))}
	}

	ticket, err := c.cfg.Issuer.Issue(res.ID, file.Path, src.Name(), dst.Name())
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a := &active{
		info: Info{
			ID:          res.ID,
			Path:        file.Path,
			Source:      src.Name(),
			Destination: dst.Name(),
			Started:     start,
		},
		cancel: cancel,
	}
	c.mu.Lock()
	c.active[res.ID] = a
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, res.ID)
		c.mu.Unlock()
	}()

	src.BeginTransfer()
	dst.BeginTransfer()
	defer src.EndTransfer()
	defer dst.EndTransfer()
	c.cfg.Metrics.TransferStarted()

	log := c.log.With().
		Str("transfer", res.ID).
		Str("path", file.Path).
		Str("source", src.Name()).
		Str("slave", dst.Name()).
		Logger()
	log.Debug().Msg("transfer starting")

	res, err = c.run(ctx, a, src, dst, srcClient, dstClient, file, verify, ticket, res)
	res.Duration = time.Since(start)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrAborted) {
			err = cause
		}
	}

	result := metrics.ResultSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrChecksumMismatch):
		result = metrics.ResultMismatch
	case errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled):
		result = metrics.ResultAborted
	default:
		result = metrics.ResultFailure
	}
	c.cfg.Metrics.TransferFinished(result, res.Duration)

	e := events.Event{Slave: dst.Name(), Source: src.Name(), Path: file.Path, Transfer: res.ID}
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", res.Duration).Msg("transfer failed")
		e.Type = events.TransferFailed
		e.Reason = err.Error()
	} else {
		log.Info().Int64("bytes", res.Bytes).Dur("elapsed", res.Duration).Msg("transfer completed")
		e.Type = events.TransferCompleted
	}
	if c.cfg.Events != nil {
		c.cfg.Events.Publish(e)
	}
	return res, err
}

func (c *Coordinator) run(ctx context.Context, a *active, src, dst *slave.Slave, srcClient, dstClient slave.Client, file vfs.Info, verify bool, ticket string, res Result) (Result, error) {
	srcErr := func(err error) error {
		return &Error{Side: Source, Slave: src.Name(), Err: slave.Unavailable(src.Name(), err)}
	}
	dstErr := func(err error) error {
		return &Error{Side: Destination, Slave: dst.Name(), Err: slave.Unavailable(dst.Name(), err)}
	}

	var srcID, dstID string
	abort := func(reason string) {
		c.abortSides(ctx, srcClient, srcID, dstClient, dstID, reason)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ep, err := dstClient.Listen(cctx, ticket)
	cancel()
	if err != nil {
		return res, dstErr(fmt.Errorf("listen: %w", err))
	}
	dstID = ep.ID

	cctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	srcID, err = srcClient.Connect(cctx, ep.Address, ticket)
	cancel()
	if err != nil {
		abort("source failed to connect")
		return res, srcErr(fmt.Errorf("connect %s: %w", ep.Address, err))
	}

	cctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	err = dstClient.Receive(cctx, dstID, file.Path)
	cancel()
	if err != nil {
		abort("destination failed to receive")
		return res, dstErr(fmt.Errorf("receive: %w", err))
	}

	cctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
	err = srcClient.Send(cctx, srcID, file.Path)
	cancel()
	if err != nil {
		abort("source failed to send")
		return res, srcErr(fmt.Errorf("send: %w", err))
	}

	var dstStatus slave.TransferStatus
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.poll(gctx, Source, src, srcClient, srcID, nil)
		return err
	})
	g.Go(func() error {
		st, err := c.poll(gctx, Destination, dst, dstClient, dstID, a)
		dstStatus = st
		return err
	})
	if err := g.Wait(); err != nil {
		reason := err.Error()
		if cause := context.Cause(ctx); cause != nil {
			reason = cause.Error()
		}
		abort(reason)
		return res, err
	}
	res.Bytes = dstStatus.Bytes
	res.Checksum = dstStatus.Checksum

	if !verify {
		return res, nil
	}
	return res, c.verify(ctx, src, dst, srcClient, dstClient, file, &res)
}

// poll queries one side until it finishes, fails or ctx ends. A slave that
// went offline fails the poll instead of leaving it waiting.
func (c *Coordinator) poll(ctx context.Context, side Side, s *slave.Slave, client slave.Client, id string, a *active) (slave.TransferStatus, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !s.Online() {
			return slave.TransferStatus{}, &Error{Side: side, Slave: s.Name(), Err: slave.Unavailable(s.Name(), errors.New("went offline"))}
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		st, err := client.TransferStatus(cctx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			return st, &Error{Side: side, Slave: s.Name(), Err: slave.Unavailable(s.Name(), fmt.Errorf("status: %w", err))}
		}
		if st.Error != "" {
			return st, &Error{Side: side, Slave: s.Name(), Err: errors.New(st.Error)}
		}
		if a != nil {
			a.setBytes(st.Bytes)
		}
		if st.Finished {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) verify(ctx context.Context, src, dst *slave.Slave, srcClient, dstClient slave.Client, file vfs.Info, res *Result) error {
	want := file.Checksum
	if want == 0 {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		sum, err := srcClient.Checksum(cctx, file.Path)
		cancel()
		if err != nil {
			return &Error{Side: Source, Slave: src.Name(), Err: slave.Unavailable(src.Name(), fmt.Errorf("checksum: %w", err))}
		}
		want = sum
	}

	got := res.Checksum
	if got == 0 {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		sum, err := dstClient.Checksum(cctx, file.Path)
		cancel()
		if err != nil {
			return &Error{Side: Destination, Slave: dst.Name(), Err: slave.Unavailable(dst.Name(), fmt.Errorf("checksum: %w", err))}
		}
		got = sum
		res.Checksum = sum
	}
	if got == want {
		return nil
	}

	// The bytes arrived but are wrong; drop them so the next listing does
	// not report a bad copy.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	if err := dstClient.Delete(cctx, file.Path); err != nil {
		c.log.Warn().Err(err).Str("slave", dst.Name()).Str("path", file.Path).Msg("failed to delete corrupt copy")
	}
	return &Error{
		Side:  Destination,
		Slave: dst.Name(),
		Err:   fmt.Errorf("%w: want %08x, got %08x", ErrChecksumMismatch, want, got),
	}
}

func (c *Coordinator) abortSides(ctx context.Context, srcClient slave.Client, srcID string, dstClient slave.Client, dstID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	if srcID != "" {
		if err := srcClient.Abort(ctx, srcID, reason); err != nil {
			c.log.Debug().Err(err).Str("transfer", srcID).Msg("abort source side")
		}
	}
	if dstID != "" {
		if err := dstClient.Abort(ctx, dstID, reason); err != nil {
			c.log.Debug().Err(err).Str("transfer", dstID).Msg("abort destination side")
		}
	}
}

// Abort cancels an in-flight transfer. Both endpoints are torn down before
// Transfer returns.
func (c *Coordinator) Abort(id, reason string) error {
	c.mu.Lock()
	a, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	a.cancel(fmt.Errorf("%w: %s", ErrAborted, reason))
	return nil
}

// AbortPath cancels every transfer of path and returns how many it found.
func (c *Coordinator) AbortPath(path, reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.active {
		if a.snapshot().Path == path {
			a.cancel(fmt.Errorf("%w: %s", ErrAborted, reason))
			n++
		}
	}
	return n
}

// Active lists in-flight transfers, oldest first.
func (c *Coordinator) Active() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Issuer returns the ticket issuer.
func (c *Coordinator) Issuer() *Issuer {
	return c.cfg.Issuer
}
