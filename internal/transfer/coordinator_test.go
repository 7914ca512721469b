package transfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/slave/slavetest"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/filemesh/filemesh/internal/vfs"
	"github.com/filemesh/filemesh/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}

type env struct {
	tree  *vfs.Tree
	reg   *slave.Registry
	fleet *slavetest.Fleet
	coord *transfer.Coordinator
	sub   *events.Subscription
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{tree: vfs.NewTree(), fleet: slavetest.NewFleet()}

	names := []string{"s1", "s2"}
	roster := make([]config.SlaveConfig, len(names))
	for i, n := range names {
		roster[i] = config.SlaveConfig{Name: n, Address: "127.0.0.1", Port: 9000 + i}
		e.fleet.Add(n)
	}
	e.fleet.Slave("s1").PutEntry(vfs.Entry{Path: "/a", Size: 10, ModTime: time.Unix(1, 0), Checksum: 0x1234})
	e.fleet.Slave("s1").PutFile("/plain", 20)

	bus := events.NewBus(zerolog.Nop())
	e.sub = bus.Channel(16)
	t.Cleanup(e.sub.Close)

	reg, err := slave.NewRegistry(slave.Config{Tree: e.tree, Roster: roster, Log: zerolog.Nop()})
	require.NoError(t, err)
	e.reg = reg
	for _, n := range names {
		fake := e.fleet.Slave(n)
		listing, err := fake.Listing(context.Background())
		require.NoError(t, err)
		_, err = reg.AddSlave(context.Background(), n, slave.Status{}, listing, fake)
		require.NoError(t, err)
	}

	iss, err := transfer.NewIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)
	e.coord, err = transfer.NewCoordinator(transfer.Config{
		Issuer:       iss,
		PollInterval: 5 * time.Millisecond,
		CallTimeout:  200 * time.Millisecond,
		Events:       bus,
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return e
}

func (e *env) slaves(t *testing.T) (*slave.Slave, *slave.Slave) {
	t.Helper()
	s1, ok := e.reg.Get("s1")
	require.True(t, ok)
	s2, ok := e.reg.Get("s2")
	require.True(t, ok)
	return s1, s2
}

func (e *env) file(t *testing.T, p string) vfs.Info {
	t.Helper()
	info, ok := e.tree.Stat(p)
	require.True(t, ok)
	return info
}

func (e *env) lastEvent(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-e.sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no transfer event")
		return events.Event{}
	}
}

func TestTransfer_Success(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)

	res, err := e.coord.Transfer(context.Background(), s1, s2, e.file(t, "/a"), false)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, int64(10), res.Bytes)
	assert.Equal(t, uint32(0x1234), res.Checksum)
	assert.True(t, e.fleet.Slave("s2").HasFile("/a"))

	assert.Empty(t, e.coord.Active())
	assert.Equal(t, 0, s1.ActiveTransfers())
	assert.Equal(t, 0, s2.ActiveTransfers())

	// Both sides saw the same ticket, valid for the destination only.
	srcTickets := e.fleet.Slave("s1").Tickets()
	dstTickets := e.fleet.Slave("s2").Tickets()
	require.Len(t, srcTickets, 1)
	require.Equal(t, srcTickets, dstTickets)
	claims, err := e.coord.Issuer().Verify(dstTickets[0], "s2")
	require.NoError(t, err)
	assert.Equal(t, "/a", claims.Path)
	assert.Equal(t, "s1", claims.Src)
	assert.Equal(t, res.ID, claims.ID)

	ev := e.lastEvent(t)
	assert.Equal(t, events.TransferCompleted, ev.Type)
	assert.Equal(t, "s2", ev.Slave)
	assert.Equal(t, "s1", ev.Source)
	assert.Equal(t, res.ID, ev.Transfer)
}

func TestTransfer_VerifyCachedChecksum(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)

	file := e.file(t, "/a")
	require.Equal(t, uint32(0x1234), file.Checksum)
	_, err := e.coord.Transfer(context.Background(), s1, s2, file, true)
	require.NoError(t, err)
}

func TestTransfer_VerifySourceChecksum(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)

	file := e.file(t, "/plain")
	require.Zero(t, file.Checksum)
	res, err := e.coord.Transfer(context.Background(), s1, s2, file, true)
	require.NoError(t, err)

	want, err := e.fleet.Slave("s1").Checksum(context.Background(), "/plain")
	require.NoError(t, err)
	assert.Equal(t, want, res.Checksum)
}

func TestTransfer_ChecksumMismatch(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s2").SetCorrupt(true)

	_, err := e.coord.Transfer(context.Background(), s1, s2, e.file(t, "/a"), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrChecksumMismatch)

	side, name, ok := transfer.Attribution(err)
	require.True(t, ok)
	assert.Equal(t, transfer.Destination, side)
	assert.Equal(t, "s2", name)

	assert.Contains(t, e.fleet.Slave("s2").Deleted(), "/a")
	assert.False(t, e.fleet.Slave("s2").HasFile("/a"))

	ev := e.lastEvent(t)
	assert.Equal(t, events.TransferFailed, ev.Type)
}

func TestTransfer_MismatchIgnoredWithoutVerify(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s2").SetCorrupt(true)

	_, err := e.coord.Transfer(context.Background(), s1, s2, e.file(t, "/a"), false)
	assert.NoError(t, err)
}

func TestTransfer_SideAttribution(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *slavetest.Fleet)
		path  string
		side  transfer.Side
		slave string
		other string
	}{
		{
			name:  "source send error",
			setup: func(f *slavetest.Fleet) { f.Slave("s1").SetFailSend(errors.New("read error")) },
			path:  "/a",
			side:  transfer.Source,
			slave: "s1",
			other: "s2",
		},
		{
			name:  "destination receive error",
			setup: func(f *slavetest.Fleet) { f.Slave("s2").SetFailReceive(errors.New("disk full")) },
			path:  "/a",
			side:  transfer.Destination,
			slave: "s2",
			other: "s1",
		},
		{
			name:  "source lost the file",
			setup: func(f *slavetest.Fleet) { f.Slave("s1").RemoveFile("/a") },
			path:  "/a",
			side:  transfer.Source,
			slave: "s1",
			other: "s2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			s1, s2 := e.slaves(t)
			file := e.file(t, tt.path)
			tt.setup(e.fleet)

			_, err := e.coord.Transfer(context.Background(), s1, s2, file, false)
			require.Error(t, err)
			side, name, ok := transfer.Attribution(err)
			require.True(t, ok)
			assert.Equal(t, tt.side, side)
			assert.Equal(t, tt.slave, name)
			assert.NotEmpty(t, e.fleet.Slave(tt.other).Aborts(), "other side is torn down")
		})
	}
}

func TestTransfer_OfflineSlave(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	require.NoError(t, e.reg.SetOffline("s1", "maintenance"))

	_, err := e.coord.Transfer(context.Background(), s1, s2, e.file(t, "/a"), false)
	require.Error(t, err)
	side, name, _ := transfer.Attribution(err)
	assert.Equal(t, transfer.Source, side)
	assert.Equal(t, "s1", name)
	assert.ErrorIs(t, err, slave.ErrUnavailable)
}

func TestTransfer_SlaveGoesOfflineMidTransfer(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s2").SetHang(true)

	file := e.file(t, "/a")
	errCh := make(chan error, 1)
	go func() {
		_, err := e.coord.Transfer(context.Background(), s1, s2, file, false)
		errCh <- err
	}()
	testutil.WaitFor(t, time.Second, func() bool { return len(e.coord.Active()) == 1 })

	require.NoError(t, e.reg.SetOffline("s2", "maintenance"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		side, name, _ := transfer.Attribution(err)
		assert.Equal(t, transfer.Destination, side)
		assert.Equal(t, "s2", name)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not fail after the slave went offline")
	}
}

func TestTransfer_Abort(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s1").SetHang(true)

	file := e.file(t, "/a")
	errCh := make(chan error, 1)
	go func() {
		_, err := e.coord.Transfer(context.Background(), s1, s2, file, false)
		errCh <- err
	}()
	testutil.WaitFor(t, time.Second, func() bool { return len(e.coord.Active()) == 1 })

	active := e.coord.Active()[0]
	assert.Equal(t, "/a", active.Path)
	assert.Equal(t, "s1", active.Source)
	assert.Equal(t, "s2", active.Destination)
	assert.Equal(t, 1, s1.ActiveTransfers())

	require.NoError(t, e.coord.Abort(active.ID, "file deleted"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transfer.ErrAborted)
		assert.Contains(t, err.Error(), "file deleted")
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not stop the transfer")
	}
	assert.NotEmpty(t, e.fleet.Slave("s1").Aborts())
	assert.NotEmpty(t, e.fleet.Slave("s2").Aborts())
	assert.Empty(t, e.coord.Active())
	assert.Equal(t, 0, s1.ActiveTransfers())

	assert.ErrorIs(t, e.coord.Abort(active.ID, "again"), transfer.ErrNotFound)
}

func TestTransfer_AbortPath(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s1").SetHang(true)

	file := e.file(t, "/a")
	errCh := make(chan error, 1)
	go func() {
		_, err := e.coord.Transfer(context.Background(), s1, s2, file, false)
		errCh <- err
	}()
	testutil.WaitFor(t, time.Second, func() bool { return len(e.coord.Active()) == 1 })

	assert.Equal(t, 0, e.coord.AbortPath("/other", "nuked"))
	assert.Equal(t, 1, e.coord.AbortPath("/a", "nuked"))
	assert.ErrorIs(t, <-errCh, transfer.ErrAborted)
}

func TestTransfer_ContextDeadline(t *testing.T) {
	e := newEnv(t)
	s1, s2 := e.slaves(t)
	e.fleet.Slave("s1").SetHang(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.coord.Transfer(ctx, s1, s2, e.file(t, "/a"), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, e.fleet.Slave("s2").Aborts())
}
