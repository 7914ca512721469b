// Package replication schedules slave-to-slave copies. Jobs name a file and
// the slaves that should receive it; the Scheduler picks sources and
// destinations for queued jobs and hands them to the transfer coordinator.
package replication

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Replication errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
	ErrConsistency = errors.New("consistency violation")
)

// ConsistencyError reports a job bookkeeping invariant that broke. It is
// always a bug; the offending job is aborted.
type ConsistencyError struct {
	Job    string
	Slave  string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: job %s, slave %s: %s", e.Job, e.Slave, e.Reason)
}

// Is reports ErrConsistency.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// Job owners.
const (
	OwnerAdmin  = "admin"
	OwnerPolicy = "policy"
)

// Job is one unit of replication work: copy Path to Remaining more of the
// slaves in the destination set.
type Job struct {
	id       string
	path     string
	priority int
	owner    string
	created  time.Time

	mu        sync.Mutex
	dests     map[string]struct{}
	remaining int
	spent     time.Duration
	aborted   bool
	lastErr   string
}

// NewJob creates a job copying path to transferNum of dests.
func NewJob(path string, dests []string, transferNum, priority int, owner string) (*Job, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidJob)
	}
	set := make(map[string]struct{}, len(dests))
	for _, d := range dests {
		if d != "" {
			set[d] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no destination slaves", ErrInvalidJob)
	}
	if transferNum <= 0 || transferNum > len(set) {
		return nil, fmt.Errorf("%w: transfer count %d must be between 1 and %d", ErrInvalidJob, transferNum, len(set))
	}
	if owner == "" {
		owner = OwnerAdmin
	}
	return &Job{
		id:        uuid.NewString(),
		path:      path,
		priority:  priority,
		owner:     owner,
		created:   time.Now(),
		dests:     set,
		remaining: transferNum,
	}, nil
}

// ID returns the job ID.
func (j *Job) ID() string { return j.id }

// Path returns the file being replicated.
func (j *Job) Path() string { return j.path }

// Priority returns the job priority. Higher runs first.
func (j *Job) Priority() int { return j.priority }

// Owner returns who created the job.
func (j *Job) Owner() string { return j.owner }

// Created returns the creation time.
func (j *Job) Created() time.Time { return j.created }

// Destinations returns the slaves still eligible to receive the file, sorted.
func (j *Job) Destinations() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.dests))
	for d := range j.dests {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsDestination reports whether slave still belongs to the destination set.
func (j *Job) IsDestination(slave string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.dests[slave]
	return ok
}

// Remaining returns how many more copies the job needs.
func (j *Job) Remaining() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remaining
}

// IsDone reports whether no more copies are needed or possible.
func (j *Job) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done()
}

func (j *Job) done() bool {
	return j.remaining == 0 || len(j.dests) == 0
}

// SentToSlave credits a completed copy to slave. The slave leaves the
// destination set and the remaining count drops by one. A slave outside the
// destination set, or a job whose count no longer fits its destinations, is a
// ConsistencyError and leaves the job unchanged.
func (j *Job) SentToSlave(slave string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted {
		return &ConsistencyError{Job: j.id, Slave: slave, Reason: "job was aborted"}
	}
	if _, ok := j.dests[slave]; !ok {
		return &ConsistencyError{Job: j.id, Slave: slave, Reason: "slave is not a destination"}
	}
	if j.remaining <= 0 {
		return &ConsistencyError{Job: j.id, Slave: slave, Reason: "no copies remaining"}
	}
	if j.remaining > len(j.dests) {
		return &ConsistencyError{Job: j.id, Slave: slave, Reason: fmt.Sprintf("remaining %d exceeds %d destinations", j.remaining, len(j.dests))}
	}
	delete(j.dests, slave)
	j.remaining--
	return nil
}

// Abort marks the job aborted. Later credits fail.
func (j *Job) Abort() {
	j.mu.Lock()
	j.aborted = true
	j.mu.Unlock()
}

// Aborted reports whether Abort was called.
func (j *Job) Aborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

// AddTime accumulates time spent transferring.
func (j *Job) AddTime(d time.Duration) {
	j.mu.Lock()
	j.spent += d
	j.mu.Unlock()
}

// Spent returns the accumulated transfer time.
func (j *Job) Spent() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.spent
}

func (j *Job) setLastError(err error) {
	j.mu.Lock()
	if err == nil {
		j.lastErr = ""
	} else {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()
}

// JobInfo is a point-in-time view of a job.
type JobInfo struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	Destinations []string      `json:"destinations"`
	Remaining    int           `json:"remaining"`
	Priority     int           `json:"priority"`
	Owner        string        `json:"owner"`
	Created      time.Time     `json:"created"`
	Spent        time.Duration `json:"spent"`
	Transferring bool          `json:"transferring"`
	LastError    string        `json:"last_error,omitempty"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	dests := j.Destinations()
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{
		ID:           j.id,
		Path:         j.path,
		Destinations: dests,
		Remaining:    j.remaining,
		Priority:     j.priority,
		Owner:        j.owner,
		Created:      j.created,
		Spent:        j.spent,
		LastError:    j.lastErr,
	}
}
