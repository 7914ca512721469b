package control

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/filemesh/filemesh/internal/master"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var _ Master = (*master.Master)(nil)

type call struct {
	op     string
	source string
	args   []string
}

type fakeMaster struct {
	mu        sync.Mutex
	calls     []call
	jobs      []replication.JobInfo
	slaves    []slave.Info
	transfers []transfer.Info
	running   bool
	err       error
}

func (f *fakeMaster) record(op, source string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, source: source, args: args})
}

func (f *fakeMaster) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeMaster) ListJobs() []replication.JobInfo { return f.jobs }

func (f *fakeMaster) AddJob(source string, req master.JobRequest) (replication.JobInfo, bool, error) {
	f.record("AddJob", source, req.Path)
	if f.err != nil {
		return replication.JobInfo{}, false, f.err
	}
	return replication.JobInfo{
		ID:           "job-1",
		Path:         req.Path,
		Destinations: req.Destinations,
		Remaining:    req.Copies,
		Priority:     req.Priority,
		Owner:        replication.OwnerAdmin,
	}, true, nil
}

func (f *fakeMaster) RemoveJob(source, id string) error {
	f.record("RemoveJob", source, id)
	return f.err
}

func (f *fakeMaster) ListSlaves() []slave.Info { return f.slaves }

func (f *fakeMaster) SetOffline(source, name, reason string) error {
	f.record("SetOffline", source, name, reason)
	return f.err
}

func (f *fakeMaster) Reload(source string) (slave.ReloadResult, error) {
	f.record("Reload", source)
	if f.err != nil {
		return slave.ReloadResult{}, f.err
	}
	return slave.ReloadResult{Added: []string{"s3"}, Removed: []string{"s2"}}, nil
}

func (f *fakeMaster) StartScheduler(source string) error {
	f.record("StartScheduler", source)
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMaster) StopScheduler(source string) {
	f.record("StopScheduler", source)
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeMaster) SchedulerRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeMaster) Transfers() []transfer.Info { return f.transfers }

func (f *fakeMaster) AbortTransfer(source, id, reason string) error {
	f.record("AbortTransfer", source, id, reason)
	return f.err
}

func (f *fakeMaster) Snapshot() error {
	f.record("Snapshot", "")
	return f.err
}

func startServer(t *testing.T, m Master) *Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	server := NewServer(socketPath, m, zerolog.Nop())
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "sub", "control.sock")

	server := NewServer(socketPath, &fakeMaster{}, zerolog.Nop())
	require.NoError(t, server.Start())
	assert.Equal(t, socketPath, server.SocketPath())

	// Check socket exists with restricted permissions
	fi, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	require.NoError(t, server.Stop())

	// Check socket removed
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))

	server := NewServer(socketPath, &fakeMaster{}, zerolog.Nop())
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	_, err := NewClient(socketPath).JobsList()
	require.NoError(t, err)
}

func TestClient_Jobs(t *testing.T) {
	m := &fakeMaster{
		jobs: []replication.JobInfo{
			{ID: "a", Path: "/x", Remaining: 1, Priority: 9},
			{ID: "b", Path: "/y", Remaining: 2},
		},
	}
	client := startServer(t, m)

	jobs, err := client.JobsList()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, 9, jobs[0].Priority)

	resp, err := client.JobsAdd(master.JobRequest{Path: "/x", Destinations: []string{"s2"}, Copies: 1, Priority: 3})
	require.NoError(t, err)
	assert.True(t, resp.Queued)
	assert.Equal(t, "job-1", resp.Job.ID)
	assert.Equal(t, []string{"s2"}, resp.Job.Destinations)
	assert.Equal(t, call{op: "AddJob", source: master.SourceControl, args: []string{"/x"}}, m.lastCall())

	require.NoError(t, client.JobsRemove("job-1"))
	assert.Equal(t, call{op: "RemoveJob", source: master.SourceControl, args: []string{"job-1"}}, m.lastCall())
}

func TestClient_JobsAddRequiresPath(t *testing.T) {
	m := &fakeMaster{}
	client := startServer(t, m)

	_, err := client.JobsAdd(master.JobRequest{Copies: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
	assert.Empty(t, m.calls)
}

func TestClient_Slaves(t *testing.T) {
	m := &fakeMaster{
		slaves: []slave.Info{
			{Name: "s1", Online: true},
			{Name: "s2", Reason: "handshake failed"},
		},
	}
	client := startServer(t, m)

	slaves, err := client.SlavesList()
	require.NoError(t, err)
	require.Len(t, slaves, 2)
	assert.True(t, slaves[0].Online)
	assert.Equal(t, "handshake failed", slaves[1].Reason)

	require.NoError(t, client.SlavesOffline("s1", "maintenance"))
	assert.Equal(t, call{op: "SetOffline", source: master.SourceControl, args: []string{"s1", "maintenance"}}, m.lastCall())
}

func TestClient_RosterReload(t *testing.T) {
	m := &fakeMaster{}
	client := startServer(t, m)

	res, err := client.RosterReload()
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, res.Added)
	assert.Equal(t, []string{"s2"}, res.Removed)
	assert.Empty(t, res.Updated)
}

func TestClient_Scheduler(t *testing.T) {
	m := &fakeMaster{}
	client := startServer(t, m)

	running, err := client.SchedulerStart()
	require.NoError(t, err)
	assert.True(t, running)

	running, err = client.SchedulerStop()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, "StopScheduler", m.lastCall().op)
}

func TestClient_Transfers(t *testing.T) {
	m := &fakeMaster{
		transfers: []transfer.Info{{ID: "t1", Path: "/x", Source: "s1", Destination: "s2"}},
	}
	client := startServer(t, m)

	transfers, err := client.TransfersList()
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "s2", transfers[0].Destination)

	require.NoError(t, client.TransfersAbort("t1", "wrong destination"))
	assert.Equal(t, call{op: "AbortTransfer", source: master.SourceControl, args: []string{"t1", "wrong destination"}}, m.lastCall())

	require.NoError(t, client.SnapshotSave())
	assert.Equal(t, "Snapshot", m.lastCall().op)
}

func TestClient_MasterErrors(t *testing.T) {
	m := &fakeMaster{err: errors.New("slave not found")}
	client := startServer(t, m)

	err := client.SlavesOffline("ghost", "")
	require.Error(t, err)
	assert.Equal(t, "slave not found", err.Error())

	_, err = client.SchedulerStart()
	assert.Error(t, err)

	_, err = client.RosterReload()
	assert.Error(t, err)
}

func TestClient_InvalidPayload(t *testing.T) {
	client := startServer(t, &fakeMaster{})

	resp, err := client.Send(Request{Command: CmdJobsRemove})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid payload")

	resp, err = client.Send(Request{Command: CmdSlavesOffline, Payload: json.RawMessage(`"s1"`)})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid payload")
}

func TestClient_UnknownCommand(t *testing.T) {
	client := startServer(t, &fakeMaster{})

	resp, err := client.Send(Request{Command: "unknown.command"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestServer_MalformedRequest(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	server := NewServer(socketPath, &fakeMaster{}, zerolog.Nop())
	require.NoError(t, server.Start())
	defer func() { _ = server.Stop() }()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "decode request")
}

func TestClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.JobsList()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to control socket")
}

func TestServer_NilMaster(t *testing.T) {
	client := startServer(t, nil)

	_, err := client.SlavesList()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master not initialized")
}
