package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusObservers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []Event
	bus.Subscribe(ObserverFunc(func(e Event) { got = append(got, e) }))
	bus.Subscribe(ObserverFunc(func(e Event) { got = append(got, e) }))

	bus.Publish(Event{Type: SlaveAdded, Slave: "s1"})

	require.Len(t, got, 2)
	assert.Equal(t, SlaveAdded, got[0].Type)
	assert.False(t, got[0].Time.IsZero(), "publish stamps the time")
}

func TestBusKeepsExplicitTime(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var got Event
	bus.Subscribe(ObserverFunc(func(e Event) { got = e }))
	bus.Publish(Event{Type: JobDone, Time: ts})
	assert.Equal(t, ts, got.Time)
}

func TestBusChannel(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Channel(2)
	assert.Equal(t, 1, bus.Subscribers())

	bus.Publish(Event{Type: TransferCompleted, Path: "/a"})
	bus.Publish(Event{Type: TransferFailed, Path: "/b"})
	bus.Publish(Event{Type: JobDone, Path: "/c"}) // dropped, buffer full

	assert.Equal(t, "/a", (<-sub.C()).Path)
	assert.Equal(t, "/b", (<-sub.C()).Path)
	assert.Equal(t, int64(1), bus.Dropped())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after close must not panic.
	bus.Publish(Event{Type: JobDone})
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Channel(1000)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: JobDone})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sub.C(), 500)
}

func TestLoggingObserver(t *testing.T) {
	var buf bytes.Buffer
	obs := LoggingObserver{Log: zerolog.New(&buf)}

	obs.OnEvent(Event{Type: TransferFailed, Slave: "s2", Source: "s1", Path: "/f", Job: "j1", Reason: "timeout"})

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"event":"transfer.failed"`)
	assert.Contains(t, out, `"slave":"s2"`)
	assert.Contains(t, out, `"reason":"timeout"`)
}
