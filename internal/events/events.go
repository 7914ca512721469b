// Package events carries master notifications (slave membership, transfer
// outcomes and job completion) to loggers, the admin stream and any other
// subscriber.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names an event.
type Type string

// Event types.
const (
	SlaveAdded        Type = "slave.added"
	SlaveOffline      Type = "slave.offline"
	SlaveRemoved      Type = "slave.removed"
	TransferCompleted Type = "transfer.completed"
	TransferFailed    Type = "transfer.failed"
	JobDone           Type = "job.done"
	JobAborted        Type = "job.aborted"
)

// Event is one notification. Fields that do not apply to the type are empty.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	Slave    string    `json:"slave,omitempty"`
	Source   string    `json:"source,omitempty"` // transfer source slave
	Path     string    `json:"path,omitempty"`
	Job      string    `json:"job,omitempty"`
	Transfer string    `json:"transfer,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Observer receives events synchronously from Publish. Implementations must
// not block or publish from inside OnEvent.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an adapter that allows using ordinary functions as Observers.
type ObserverFunc func(Event)

// OnEvent implements the Observer interface.
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

// Publisher is the narrow interface components publish through.
type Publisher interface {
	Publish(e Event)
}

// Subscription is a buffered channel of events. Events that do not fit in
// the buffer are dropped for that subscriber.
type Subscription struct {
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from its bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus fans events out to observers and channel subscribers.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[*Subscription]struct{}
	dropped   atomic.Int64
	log       zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a synchronous observer.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Channel returns a new subscription buffering up to buffer events.
func (b *Bus) Channel(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers e to every observer and, without blocking, to every
// channel subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, o := range b.observers {
		o.OnEvent(e)
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.log.Debug().Str("type", string(e.Type)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribers returns the number of channel subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// LoggingObserver logs every event.
type LoggingObserver struct {
	Log zerolog.Logger
}

// OnEvent implements Observer.
func (l LoggingObserver) OnEvent(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case TransferFailed, JobAborted, SlaveOffline:
		ev = l.Log.Warn()
	default:
		ev = l.Log.Info()
	}
	if e.Slave != "" {
		ev = ev.Str("slave", e.Slave)
	}
	if e.Source != "" {
		ev = ev.Str("source", e.Source)
	}
	if e.Path != "" {
		ev = ev.Str("path", e.Path)
	}
	if e.Job != "" {
		ev = ev.Str("job", e.Job)
	}
	if e.Transfer != "" {
		ev = ev.Str("transfer", e.Transfer)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Str("event", string(e.Type)).Msg("event")
}
