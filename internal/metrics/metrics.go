// Package metrics provides Prometheus metrics for the filemesh master.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Transfer and selection results used as label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultMismatch = "checksum_mismatch"
	ResultAborted  = "aborted"
	ResultNoSlave  = "no_slave"
)

// MasterMetrics holds all Prometheus metrics for a master. Every method is
// safe on a nil receiver so components can run without metrics.
type MasterMetrics struct {
	// Slave registry
	RosterSlaves  prometheus.Gauge
	OnlineSlaves  prometheus.Gauge
	SlaveErrors   *prometheus.CounterVec // labels: slave
	SlaveOffline  *prometheus.CounterVec // labels: slave
	Handshakes    *prometheus.CounterVec // labels: result
	RemergeTime   prometheus.Histogram
	RemergeChange *prometheus.CounterVec // labels: kind (added, updated, conflicts, removed)

	// Tree
	TreeFiles prometheus.Gauge
	TreeDirs  prometheus.Gauge
	TreeBytes prometheus.Gauge

	// Selection
	Selections *prometheus.CounterVec // labels: purpose, result

	// Replication
	QueuedJobs      prometheus.Gauge
	ActiveTransfers prometheus.Gauge
	Transfers       *prometheus.CounterVec // labels: result
	TransferTime    prometheus.Histogram
	SchedulerPasses prometheus.Counter

	// Snapshots
	SnapshotTime   prometheus.Histogram
	SnapshotErrors prometheus.Counter
}

// New registers master metrics with reg. A nil reg gets a private registry,
// which keeps repeated construction in tests from colliding.
func New(reg prometheus.Registerer) *MasterMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &MasterMetrics{
		RosterSlaves: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_roster_slaves",
			Help: "Number of slaves in the roster",
		}),
		OnlineSlaves: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_online_slaves",
			Help: "Number of slaves currently online",
		}),
		SlaveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_slave_network_errors_total",
			Help: "Network errors recorded per slave",
		}, []string{"slave"}),
		SlaveOffline: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_slave_offline_total",
			Help: "Online to offline transitions per slave",
		}, []string{"slave"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_slave_handshakes_total",
			Help: "Slave connect handshakes by result",
		}, []string{"result"}),
		RemergeTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "filemesh_remerge_duration_seconds",
			Help:    "Time spent folding a slave listing into the tree",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		RemergeChange: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_remerge_changes_total",
			Help: "Tree changes made by remerges",
		}, []string{"kind"}),

		TreeFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_tree_files",
			Help: "Files in the merged tree",
		}),
		TreeDirs: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_tree_directories",
			Help: "Directories in the merged tree",
		}),
		TreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_tree_bytes",
			Help: "Total size of the files in the merged tree",
		}),

		Selections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_selections_total",
			Help: "Slave selections by purpose and result",
		}, []string{"purpose", "result"}),

		QueuedJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_replication_jobs",
			Help: "Replication jobs waiting in the queue",
		}),
		ActiveTransfers: f.NewGauge(prometheus.GaugeOpts{
			Name: "filemesh_active_transfers",
			Help: "Slave-to-slave transfers in progress",
		}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "filemesh_transfers_total",
			Help: "Finished slave-to-slave transfers by result",
		}, []string{"result"}),
		TransferTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "filemesh_transfer_duration_seconds",
			Help:    "Duration of slave-to-slave transfers",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		SchedulerPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "filemesh_scheduler_passes_total",
			Help: "Replication scheduling passes run",
		}),

		SnapshotTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "filemesh_snapshot_duration_seconds",
			Help:    "Time spent writing tree snapshots",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "filemesh_snapshot_errors_total",
			Help: "Failed tree snapshot writes",
		}),
	}
}

// SetSlaves records roster size and online count.
func (m *MasterMetrics) SetSlaves(roster, online int) {
	if m == nil {
		return
	}
	m.RosterSlaves.Set(float64(roster))
	m.OnlineSlaves.Set(float64(online))
}

// SlaveError counts one network error against slave.
func (m *MasterMetrics) SlaveError(slave string) {
	if m == nil {
		return
	}
	m.SlaveErrors.WithLabelValues(slave).Inc()
}

// SlaveWentOffline counts an online to offline transition.
func (m *MasterMetrics) SlaveWentOffline(slave string) {
	if m == nil {
		return
	}
	m.SlaveOffline.WithLabelValues(slave).Inc()
}

// Handshake counts a handshake outcome.
func (m *MasterMetrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Handshakes.WithLabelValues(ResultSuccess).Inc()
	} else {
		m.Handshakes.WithLabelValues(ResultFailure).Inc()
	}
}

// Remerge records one remerge.
func (m *MasterMetrics) Remerge(d time.Duration, added, updated, conflicts, removed int) {
	if m == nil {
		return
	}
	m.RemergeTime.Observe(d.Seconds())
	m.RemergeChange.WithLabelValues("added").Add(float64(added))
	m.RemergeChange.WithLabelValues("updated").Add(float64(updated))
	m.RemergeChange.WithLabelValues("conflicts").Add(float64(conflicts))
	m.RemergeChange.WithLabelValues("removed").Add(float64(removed))
}

// SetTree records tree totals.
func (m *MasterMetrics) SetTree(files, dirs int, bytes int64) {
	if m == nil {
		return
	}
	m.TreeFiles.Set(float64(files))
	m.TreeDirs.Set(float64(dirs))
	m.TreeBytes.Set(float64(bytes))
}

// Selection counts a selection outcome.
func (m *MasterMetrics) Selection(purpose, result string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(purpose, result).Inc()
}

// SetQueuedJobs records the job queue length.
func (m *MasterMetrics) SetQueuedJobs(n int) {
	if m == nil {
		return
	}
	m.QueuedJobs.Set(float64(n))
}

// TransferStarted increments the active transfer gauge.
func (m *MasterMetrics) TransferStarted() {
	if m == nil {
		return
	}
	m.ActiveTransfers.Inc()
}

// TransferFinished decrements the active gauge and records the outcome.
func (m *MasterMetrics) TransferFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTransfers.Dec()
	m.Transfers.WithLabelValues(result).Inc()
	m.TransferTime.Observe(d.Seconds())
}

// SchedulerPass counts one scheduling pass.
func (m *MasterMetrics) SchedulerPass() {
	if m == nil {
		return
	}
	m.SchedulerPasses.Inc()
}

// Snapshot records a snapshot write.
func (m *MasterMetrics) Snapshot(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SnapshotErrors.Inc()
		return
	}
	m.SnapshotTime.Observe(d.Seconds())
}
