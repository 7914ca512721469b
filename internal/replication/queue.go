package replication

import (
	"fmt"
	"sort"
	"sync"
)

// Queue is the ordered set of pending jobs: priority descending, then
// creation time ascending, then ID. All mutation happens under one lock.
type Queue struct {
	mu   sync.Mutex
	jobs []*Job
	byID map[string]*Job
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*Job)}
}

func before(a, b *Job) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.id < b.id
}

// Push inserts a job in order.
func (q *Queue) Push(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[j.id]; ok {
		return fmt.Errorf("job %s already queued", j.id)
	}
	i := sort.Search(len(q.jobs), func(i int) bool { return before(j, q.jobs[i]) })
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = j
	q.byID[j.id] = j
	return nil
}

// Remove takes a job out of the queue.
func (q *Queue) Remove(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	delete(q.byID, id)
	for i, qj := range q.jobs {
		if qj == j {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	return j, true
}

// Get looks up a queued job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	return j, ok
}

// HasPath reports whether any queued job targets p.
func (q *Queue) HasPath(p string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.path == p {
			return true
		}
	}
	return false
}

// Snapshot returns the queued jobs in order.
func (q *Queue) Snapshot() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.jobs...)
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
