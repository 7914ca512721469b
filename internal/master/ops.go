package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/logging/audit"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/selector"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/filemesh/filemesh/internal/vfs"
)

// Audit sources.
const (
	SourceControl = "control"
	SourceSignal  = "signal"
)

// JobRequest describes a replication job to create.
type JobRequest struct {
	Path         string   `json:"path"`
	Destinations []string `json:"destinations,omitempty"` // Empty means every roster slave not holding the file
	Copies       int      `json:"copies"`                 // default: 1
	Priority     int      `json:"priority"`
}

// AddJob creates and queues a job. Destinations that already hold the file
// are credited; a request that is already satisfied queues nothing and
// reports false.
func (m *Master) AddJob(source string, req JobRequest) (replication.JobInfo, bool, error) {
	info, queued, err := m.addJob(req)
	m.audit.LogAdminOp(source, "job.add", req.Path, audit.Result(err), errString(err))
	return info, queued, err
}

func (m *Master) addJob(req JobRequest) (replication.JobInfo, bool, error) {
	dests := req.Destinations
	if len(dests) == 0 {
		backers, ok := m.tree.Backers(req.Path)
		if !ok {
			return replication.JobInfo{}, false, fmt.Errorf("%s: %w", req.Path, vfs.ErrNotFound)
		}
		held := make(map[string]bool, len(backers))
		for _, b := range backers {
			held[b] = true
		}
		for _, name := range m.registry.Names() {
			if !held[name] {
				dests = append(dests, name)
			}
		}
	}
	for _, d := range dests {
		if _, ok := m.registry.Get(d); !ok {
			return replication.JobInfo{}, false, fmt.Errorf("%s: %w", d, slave.ErrNotInRoster)
		}
	}
	copies := req.Copies
	if copies == 0 {
		copies = 1
	}
	j, err := replication.NewJob(req.Path, dests, copies, req.Priority, replication.OwnerAdmin)
	if err != nil {
		return replication.JobInfo{}, false, err
	}
	queued, err := m.scheduler.AddJob(j)
	if err != nil {
		return replication.JobInfo{}, false, err
	}
	return j.Info(), queued, nil
}

// RemoveJob aborts a queued job and its transfer.
func (m *Master) RemoveJob(source, id string) error {
	err := m.scheduler.RemoveJob(id)
	m.audit.LogAdminOp(source, "job.remove", id, audit.Result(err), errString(err))
	return err
}

// ListJobs returns the queued jobs in scheduling order.
func (m *Master) ListJobs() []replication.JobInfo {
	return m.scheduler.Jobs()
}

// StartScheduler enables periodic scheduling passes.
func (m *Master) StartScheduler(source string) error {
	m.mu.Lock()
	ctx, running := m.ctx, m.running
	m.mu.Unlock()
	if !running {
		return errors.New("master not running")
	}
	m.scheduler.Start(ctx)
	m.audit.LogAdminOp(source, "scheduler.start", "", audit.ResultOK, "")
	return nil
}

// StopScheduler disables scheduling and aborts in-flight transfers. Jobs
// stay queued.
func (m *Master) StopScheduler(source string) {
	m.scheduler.Stop()
	m.audit.LogAdminOp(source, "scheduler.stop", "", audit.ResultOK, "")
}

// SchedulerRunning reports whether scheduling passes are enabled.
func (m *Master) SchedulerRunning() bool {
	return m.scheduler.Running()
}

// GetSlave returns one slave's state.
func (m *Master) GetSlave(name string) (slave.Info, error) {
	s, ok := m.registry.Get(name)
	if !ok {
		return slave.Info{}, fmt.Errorf("%s: %w", name, slave.ErrNotFound)
	}
	return s.Info(), nil
}

// ListSlaves returns every roster slave in roster order.
func (m *Master) ListSlaves() []slave.Info {
	return m.registry.Infos()
}

// SetOffline takes a slave offline.
func (m *Master) SetOffline(source, name, reason string) error {
	if reason == "" {
		reason = "set offline by administrator"
	}
	err := m.registry.SetOffline(name, reason)
	m.audit.LogAdminOp(source, "slave.offline", name, audit.Result(err), reason)
	return err
}

// ReloadRoster replaces the roster. Removed slaves are unmerged; added ones
// are connected by the next connector pass, which is triggered now.
func (m *Master) ReloadRoster(source string, roster []config.SlaveConfig) (slave.ReloadResult, error) {
	res, err := m.registry.Reload(roster)
	if err != nil {
		m.audit.LogAdminOp(source, "roster.reload", "", audit.ResultFailed, err.Error())
		return res, err
	}
	if m.resolver != nil {
		for _, name := range res.Removed {
			m.resolver.Forget(name)
		}
		for _, name := range res.Updated {
			m.resolver.Forget(name)
		}
	}
	m.audit.LogRosterChange(source, res.Added, res.Removed, res.Updated)
	m.connector.Trigger()
	return res, nil
}

// Reload re-reads the roster from roster_file, or from the configuration
// file when the roster is inline, and applies it.
func (m *Master) Reload(source string) (slave.ReloadResult, error) {
	var (
		roster []config.SlaveConfig
		err    error
	)
	switch {
	case m.cfg.RosterFile != "":
		roster, err = config.LoadRosterFile(m.cfg.RosterFile)
	case m.opts.ConfigPath != "":
		var cfg *config.Config
		cfg, err = config.Load(m.opts.ConfigPath)
		if err == nil {
			roster = cfg.Slaves
		}
	default:
		err = errors.New("no roster source to reload from")
	}
	if err != nil {
		m.audit.LogAdminOp(source, "roster.reload", "", audit.ResultFailed, err.Error())
		return slave.ReloadResult{}, err
	}
	return m.ReloadRoster(source, roster)
}

// HandleHandshake brings a slave online from a handshake it initiated from
// peer: the status and listing are remerged into the tree and the scheduler
// is woken to use the new slave. A peer outside the slave's roster masks is
// refused with slave.ErrHostNotAllowed.
func (m *Master) HandleHandshake(ctx context.Context, name, peer string, status slave.Status, listing []vfs.Entry, client slave.Client) (vfs.RemergeStats, error) {
	if err := m.registry.CheckHost(name, peer); err != nil {
		return vfs.RemergeStats{}, err
	}
	stats, err := m.registry.AddSlave(ctx, name, status, listing, client)
	if err != nil {
		return stats, err
	}
	m.scheduler.Trigger()
	return stats, nil
}

// SelectSlave picks a slave for purpose. Downloads and replication sources
// are chosen among the online slaves backing hints.Path; uploads and
// replication destinations among all online slaves.
func (m *Master) SelectSlave(ctx context.Context, purpose string, hints selector.Hints) (*slave.Slave, error) {
	candidates, err := m.candidates(purpose, hints.Path)
	if err != nil {
		return nil, err
	}
	return m.selector.Select(ctx, purpose, candidates, hints)
}

// TrySlave selects a slave for purpose and runs fn on it, moving on to the
// next best slave when fn finds the winner unavailable.
func (m *Master) TrySlave(ctx context.Context, purpose string, hints selector.Hints, fn func(context.Context, *slave.Slave) error) (*slave.Slave, error) {
	candidates, err := m.candidates(purpose, hints.Path)
	if err != nil {
		return nil, err
	}
	s, err := m.selector.Try(ctx, purpose, candidates, hints, func(ctx context.Context, s *slave.Slave) error {
		err := fn(ctx, s)
		if _, ok := slave.IsUnavailable(err); ok {
			m.registry.RecordNetworkError(s.Name(), err)
		}
		return err
	})
	return s, err
}

func (m *Master) candidates(purpose, p string) ([]*slave.Slave, error) {
	switch purpose {
	case config.PurposeDownload, config.PurposeReplicateFrom:
		backers, ok := m.tree.Backers(p)
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, vfs.ErrNotFound)
		}
		var out []*slave.Slave
		for _, name := range backers {
			if s, ok := m.registry.Get(name); ok && s.Online() {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return m.registry.Available(), nil
	}
}

// Transfers returns the in-flight transfers, oldest first.
func (m *Master) Transfers() []transfer.Info {
	return m.transfers.Active()
}

// AbortTransfer aborts an in-flight transfer; the job it served is removed.
func (m *Master) AbortTransfer(source, id, reason string) error {
	if reason == "" {
		reason = "aborted by administrator"
	}
	err := m.scheduler.AbortTransfer(id, reason)
	m.audit.LogAdminOp(source, "transfer.abort", id, audit.Result(err), reason)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
