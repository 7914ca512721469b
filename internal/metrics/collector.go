package metrics

import (
	"github.com/filemesh/filemesh/internal/vfs"
)

// TreeStats interface for getting merged tree totals.
type TreeStats interface {
	Stats() vfs.Stats
}

// SlaveCounts interface for getting roster and online slave counts.
type SlaveCounts interface {
	Counts() (roster, online int)
}

// JobQueue interface for getting the replication queue length.
type JobQueue interface {
	Len() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Tree   TreeStats
	Slaves SlaveCounts
	Jobs   JobQueue
}

// Collector samples gauges that are cheaper to read on demand than to keep
// current on every mutation.
type Collector struct {
	metrics *MasterMetrics
	tree    TreeStats
	slaves  SlaveCounts
	jobs    JobQueue
}

// NewCollector creates a new metrics collector.
func NewCollector(m *MasterMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		tree:    cfg.Tree,
		slaves:  cfg.Slaves,
		jobs:    cfg.Jobs,
	}
}

// Collect updates all sampled gauges from the current state.
func (c *Collector) Collect() {
	if c == nil || c.metrics == nil {
		return
	}
	if c.tree != nil {
		s := c.tree.Stats()
		c.metrics.SetTree(s.Files, s.Dirs, s.Bytes)
	}
	if c.slaves != nil {
		c.metrics.SetSlaves(c.slaves.Counts())
	}
	if c.jobs != nil {
		c.metrics.SetQueuedJobs(c.jobs.Len())
	}
}
