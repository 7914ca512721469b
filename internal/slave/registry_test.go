package slave_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/slave/slavetest"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func roster(names ...string) []config.SlaveConfig {
	out := make([]config.SlaveConfig, len(names))
	for i, n := range names {
		out[i] = config.SlaveConfig{Name: n, Address: "127.0.0.1", Port: 9000 + i}
	}
	return out
}

type fixture struct {
	tree  *vfs.Tree
	fleet *slavetest.Fleet
	reg   *slave.Registry
	sub   *events.Subscription
	clock *clock
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		tree:  vfs.NewTree(),
		fleet: slavetest.NewFleet(),
		clock: &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	bus := events.NewBus(zerolog.Nop())
	f.sub = bus.Channel(64)
	t.Cleanup(f.sub.Close)

	reg, err := slave.NewRegistry(slave.Config{
		Tree:        f.tree,
		Roster:      roster(names...),
		MaxErrors:   2,
		ErrorWindow: 100 * time.Millisecond,
		Events:      bus,
		Log:         zerolog.Nop(),
		Now:         f.clock.Now,
	})
	require.NoError(t, err)
	f.reg = reg
	for _, n := range names {
		f.fleet.Add(n)
	}
	return f
}

// connect feeds the fake's current listing through AddSlave.
func (f *fixture) connect(t *testing.T, name string) vfs.RemergeStats {
	t.Helper()
	fake := f.fleet.Slave(name)
	listing, err := fake.Listing(context.Background())
	require.NoError(t, err)
	stats, err := f.reg.AddSlave(context.Background(), name, slave.Status{DiskFree: 100}, listing, fake)
	require.NoError(t, err)
	return stats
}

func (f *fixture) nextEvent(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-f.sub.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return events.Event{}
	}
}

func TestNewRegistry_RequiresTree(t *testing.T) {
	_, err := slave.NewRegistry(slave.Config{Log: zerolog.Nop()})
	assert.Error(t, err)
}

func TestNewRegistry_InvalidRoster(t *testing.T) {
	_, err := slave.NewRegistry(slave.Config{
		Tree:   vfs.NewTree(),
		Roster: append(roster("a"), roster("a")...),
		Log:    zerolog.Nop(),
	})
	assert.Error(t, err)
}

func TestRegistry_StartsOffline(t *testing.T) {
	f := newFixture(t, "s1", "s2")

	assert.Equal(t, []string{"s1", "s2"}, f.reg.Names())
	assert.Empty(t, f.reg.Available())

	s, ok := f.reg.Get("s1")
	require.True(t, ok)
	assert.False(t, s.Online())
	_, ok = s.Client()
	assert.False(t, ok)
	assert.Equal(t, "not connected", s.Info().Reason)

	roster, online := f.reg.Counts()
	assert.Equal(t, 2, roster)
	assert.Equal(t, 0, online)
}

func TestRegistry_AddSlave(t *testing.T) {
	f := newFixture(t, "s1", "s2")
	f.fleet.Slave("s1").PutFile("/music/a.flac", 1000)
	f.fleet.Slave("s1").PutFile("/music/b.flac", 2000)

	stats := f.connect(t, "s1")
	assert.Equal(t, 2, stats.Added)

	info, ok := f.tree.Stat("/music/a.flac")
	require.True(t, ok)
	assert.Equal(t, []string{"s1"}, info.Slaves)
	dir, ok := f.tree.Stat("/music")
	require.True(t, ok)
	assert.Equal(t, int64(3000), dir.Size)

	s, _ := f.reg.Get("s1")
	assert.True(t, s.Online())
	assert.Equal(t, int64(100), s.Status().DiskFree)
	assert.False(t, s.Status().Time.IsZero())
	client, ok := s.Client()
	require.True(t, ok)
	assert.Equal(t, f.fleet.Slave("s1"), client)

	avail := f.reg.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, "s1", avail[0].Name())

	e := f.nextEvent(t)
	assert.Equal(t, events.SlaveAdded, e.Type)
	assert.Equal(t, "s1", e.Slave)
}

func TestRegistry_AddSlave_NotInRoster(t *testing.T) {
	f := newFixture(t, "s1")
	_, err := f.reg.AddSlave(context.Background(), "ghost", slave.Status{}, nil, f.fleet.Add("ghost"))
	assert.ErrorIs(t, err, slave.ErrNotInRoster)
}

func TestRegistry_AddSlave_AlreadyOnline(t *testing.T) {
	f := newFixture(t, "s1")
	f.connect(t, "s1")

	_, err := f.reg.AddSlave(context.Background(), "s1", slave.Status{}, nil, f.fleet.Slave("s1"))
	assert.ErrorIs(t, err, slave.ErrAlreadyOnline)
}

func TestRegistry_AddSlave_RemergesOnReconnect(t *testing.T) {
	f := newFixture(t, "s1", "s2")
	f.fleet.Slave("s1").PutFile("/h", 10)
	f.fleet.Slave("s2").PutFile("/h", 10)
	f.fleet.Slave("s1").PutFile("/g", 5)
	f.connect(t, "s1")
	f.connect(t, "s2")

	backers, _ := f.tree.Backers("/h")
	assert.Equal(t, []string{"s1", "s2"}, backers)

	require.NoError(t, f.reg.SetOffline("s1", "maintenance"))
	f.fleet.Slave("s1").RemoveFile("/h")
	f.fleet.Slave("s1").RemoveFile("/g")
	f.connect(t, "s1")

	backers, _ = f.tree.Backers("/h")
	assert.Equal(t, []string{"s2"}, backers, "partial backing update")
	_, ok := f.tree.Stat("/g")
	assert.False(t, ok, "file backed only by s1 disappears")
}

func TestRegistry_AddSlave_ConflictingSize(t *testing.T) {
	f := newFixture(t, "s1", "s2")
	f.fleet.Slave("s1").PutFile("/F", 1000)
	f.fleet.Slave("s2").PutFile("/F", 1001)
	f.connect(t, "s1")

	stats := f.connect(t, "s2")
	assert.Equal(t, 1, stats.Conflicts)

	orig, ok := f.tree.Stat("/F")
	require.True(t, ok)
	assert.Equal(t, int64(1000), orig.Size)
	assert.Equal(t, []string{"s1"}, orig.Slaves)

	conflict, ok := f.tree.Stat("/" + vfs.ConflictName("F", "s2"))
	require.True(t, ok)
	assert.Equal(t, int64(1001), conflict.Size)
	assert.Equal(t, []string{"s2"}, conflict.Slaves)
}

func TestRegistry_ErrorThreshold(t *testing.T) {
	f := newFixture(t, "s1")
	f.connect(t, "s1")
	f.nextEvent(t)
	boom := errors.New("connection reset")

	assert.False(t, f.reg.RecordNetworkError("s1", boom))
	f.clock.Advance(10 * time.Millisecond)
	assert.False(t, f.reg.RecordNetworkError("s1", boom))

	s, _ := f.reg.Get("s1")
	assert.True(t, s.Online(), "two errors within the window are tolerated")
	assert.Equal(t, 2, s.Errors())

	f.clock.Advance(10 * time.Millisecond)
	assert.True(t, f.reg.RecordNetworkError("s1", boom))
	assert.False(t, s.Online())
	assert.Contains(t, s.Info().Reason, "error threshold exceeded")
	assert.Equal(t, 1, f.fleet.Slave("s1").Closed())

	e := f.nextEvent(t)
	assert.Equal(t, events.SlaveOffline, e.Type)
	assert.Equal(t, "s1", e.Slave)

	// Still inside the window: reconnection is refused.
	_, err := f.reg.AddSlave(context.Background(), "s1", slave.Status{}, nil, f.fleet.Slave("s1"))
	require.Error(t, err)
	name, ok := slave.IsUnavailable(err)
	assert.True(t, ok)
	assert.Equal(t, "s1", name)

	f.clock.Advance(150 * time.Millisecond)
	f.connect(t, "s1")
	assert.True(t, s.Online(), "availability restored once errors expire")
}

func TestRegistry_RecordNetworkError_Unknown(t *testing.T) {
	f := newFixture(t, "s1")
	assert.False(t, f.reg.RecordNetworkError("ghost", errors.New("x")))
}

func TestRegistry_SetOffline(t *testing.T) {
	f := newFixture(t, "s1")
	assert.ErrorIs(t, f.reg.SetOffline("ghost", "x"), slave.ErrNotFound)

	f.fleet.Slave("s1").PutFile("/a", 1)
	f.connect(t, "s1")
	f.nextEvent(t)

	require.NoError(t, f.reg.SetOffline("s1", "maintenance"))
	s, _ := f.reg.Get("s1")
	assert.False(t, s.Online())
	assert.Equal(t, "maintenance", s.Info().Reason)
	assert.Equal(t, 1, f.fleet.Slave("s1").Closed())

	e := f.nextEvent(t)
	assert.Equal(t, events.SlaveOffline, e.Type)
	assert.Equal(t, "maintenance", e.Reason)

	// Going offline does not touch the tree.
	info, ok := f.tree.Stat("/a")
	require.True(t, ok)
	assert.Equal(t, []string{"s1"}, info.Slaves)

	// A second call is a no-op.
	require.NoError(t, f.reg.SetOffline("s1", "again"))
	assert.Equal(t, 1, f.fleet.Slave("s1").Closed())
}

func TestRegistry_UpdateStatus(t *testing.T) {
	f := newFixture(t, "s1")
	assert.False(t, f.reg.UpdateStatus("s1", slave.Status{DiskFree: 5}), "offline slaves keep no status")

	f.connect(t, "s1")
	assert.True(t, f.reg.UpdateStatus("s1", slave.Status{DiskFree: 5, Transfers: 2}))
	s, _ := f.reg.Get("s1")
	assert.Equal(t, int64(5), s.Status().DiskFree)
	assert.Equal(t, 2, s.Status().Transfers)
}

func TestRegistry_RemoveFromRoster(t *testing.T) {
	f := newFixture(t, "s1", "s2")
	f.fleet.Slave("s1").PutFile("/only", 10)
	f.fleet.Slave("s1").PutFile("/shared", 20)
	f.fleet.Slave("s2").PutFile("/shared", 20)
	f.connect(t, "s1")
	f.connect(t, "s2")

	require.NoError(t, f.reg.RemoveFromRoster("s1"))

	_, ok := f.reg.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, []string{"s2"}, f.reg.Names())

	_, ok = f.tree.Stat("/only")
	assert.False(t, ok)
	backers, _ := f.tree.Backers("/shared")
	assert.Equal(t, []string{"s2"}, backers)

	var types []events.Type
	for i := 0; i < 4; i++ {
		types = append(types, f.nextEvent(t).Type)
	}
	assert.Equal(t, []events.Type{events.SlaveAdded, events.SlaveAdded, events.SlaveOffline, events.SlaveRemoved}, types)

	assert.ErrorIs(t, f.reg.RemoveFromRoster("s1"), slave.ErrNotFound)
}

func TestRegistry_Reload(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.fleet.Slave("a").PutFile("/x", 1)
	f.connect(t, "a")
	f.connect(t, "b")

	next := []config.SlaveConfig{
		{Name: "b", Address: "10.0.0.2", Port: 9100},
		{Name: "c", Address: "dynamic"},
	}
	res, err := f.reg.Reload(next)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.Added)
	assert.Equal(t, []string{"a"}, res.Removed)
	assert.Equal(t, []string{"b"}, res.Updated)

	assert.Equal(t, []string{"b", "c"}, f.reg.Names())
	_, ok := f.tree.Stat("/x")
	assert.False(t, ok, "removed slave is unmerged")

	b, _ := f.reg.Get("b")
	assert.True(t, b.Online(), "updated slaves stay connected")
	assert.Equal(t, "10.0.0.2", b.Config().Address)

	c, _ := f.reg.Get("c")
	assert.False(t, c.Online())
	assert.True(t, c.Info().Dynamic)

	// Reloading the same roster changes nothing.
	res, err = f.reg.Reload(next)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Updated)
}

func TestRegistry_Reload_Invalid(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.reg.Reload([]config.SlaveConfig{{Name: "b"}})
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, f.reg.Names())
}

type staticResolver string

func (r staticResolver) Resolve(context.Context, config.SlaveConfig) (string, error) {
	return string(r), nil
}

func TestRegistry_AddSlave_ResolvesAddress(t *testing.T) {
	tree := vfs.NewTree()
	reg, err := slave.NewRegistry(slave.Config{
		Tree:     tree,
		Roster:   []config.SlaveConfig{{Name: "d", Address: "dynamic"}},
		Resolver: staticResolver("10.1.1.1:7000"),
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)

	fleet := slavetest.NewFleet()
	_, err = reg.AddSlave(context.Background(), "d", slave.Status{}, nil, fleet.Add("d"))
	require.NoError(t, err)

	s, _ := reg.Get("d")
	assert.Equal(t, "10.1.1.1:7000", s.Address())
	assert.Equal(t, "10.1.1.1:7000", s.Info().Address)
}

func TestSlave_AllowsHost(t *testing.T) {
	tree := vfs.NewTree()
	reg, err := slave.NewRegistry(slave.Config{
		Tree: tree,
		Roster: []config.SlaveConfig{
			{Name: "open", Address: "h", Port: 1},
			{Name: "masked", Address: "h", Port: 1, Masks: []string{"10.0.0.*", "*.example.com"}},
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)

	open, _ := reg.Get("open")
	assert.True(t, open.AllowsHost("1.2.3.4"))

	masked, _ := reg.Get("masked")
	assert.True(t, masked.AllowsHost("10.0.0.7"))
	assert.True(t, masked.AllowsHost("node.example.com"))
	assert.False(t, masked.AllowsHost("192.168.1.1"))
}

func TestSlave_TransferCounting(t *testing.T) {
	f := newFixture(t, "s1")
	s, _ := f.reg.Get("s1")

	s.BeginTransfer()
	s.BeginTransfer()
	assert.Equal(t, 2, s.ActiveTransfers())
	s.EndTransfer()
	s.EndTransfer()
	s.EndTransfer()
	assert.Equal(t, 0, s.ActiveTransfers())
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("timeout")
	err := slave.Unavailable("s1", cause)

	assert.ErrorIs(t, err, slave.ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	name, ok := slave.IsUnavailable(err)
	assert.True(t, ok)
	assert.Equal(t, "s1", name)

	_, ok = slave.IsUnavailable(cause)
	assert.False(t, ok)
}

func TestRegistry_ReloadConcurrentWithScans(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.connect(t, "a")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, s := range f.reg.List() {
				_ = s.Name()
				_ = s.Info()
			}
			for _, s := range f.reg.Available() {
				_ = s.Name()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		next := roster("a", "b")
		next[0].Port += i % 2
		next[1].Masks = []string{"127.0.0.*"}
		_, err := f.reg.Reload(next)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	a, _ := f.reg.Get("a")
	assert.Equal(t, "a", a.Name())
	assert.True(t, a.Online())
}

func TestRegistry_CheckHost(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Reload([]config.SlaveConfig{
		{Name: "open", Address: "127.0.0.1", Port: 9000},
		{Name: "masked", Address: "10.0.0.7", Port: 9001, Masks: []string{"10.0.0.*"}},
	})
	require.NoError(t, err)

	assert.NoError(t, f.reg.CheckHost("open", "192.168.1.1:4000"))
	assert.NoError(t, f.reg.CheckHost("masked", "10.0.0.7:9001"))
	assert.NoError(t, f.reg.CheckHost("masked", "10.0.0.8"))

	err = f.reg.CheckHost("masked", "192.168.1.1:9001")
	assert.ErrorIs(t, err, slave.ErrHostNotAllowed)
	assert.Contains(t, err.Error(), "192.168.1.1")

	assert.ErrorIs(t, f.reg.CheckHost("ghost", "10.0.0.7"), slave.ErrNotInRoster)
}
