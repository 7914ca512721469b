// Package control provides a Unix socket server for CLI-to-master communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/master"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/rs/zerolog"
)

// Request types for control commands.
const (
	CmdJobsList       = "jobs.list"
	CmdJobsAdd        = "jobs.add"
	CmdJobsRemove     = "jobs.remove"
	CmdSlavesList     = "slaves.list"
	CmdSlavesOffline  = "slaves.offline"
	CmdRosterReload   = "roster.reload"
	CmdSchedulerStart = "scheduler.start"
	CmdSchedulerStop  = "scheduler.stop"
	CmdTransfersList  = "transfers.list"
	CmdTransfersAbort = "transfers.abort"
	CmdSnapshotSave   = "snapshot.save"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Master is the set of master operations reachable over the socket.
type Master interface {
	ListJobs() []replication.JobInfo
	AddJob(source string, req master.JobRequest) (replication.JobInfo, bool, error)
	RemoveJob(source, id string) error
	ListSlaves() []slave.Info
	SetOffline(source, name, reason string) error
	Reload(source string) (slave.ReloadResult, error)
	StartScheduler(source string) error
	StopScheduler(source string)
	SchedulerRunning() bool
	Transfers() []transfer.Info
	AbortTransfer(source, id, reason string) error
	Snapshot() error
}

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JobAddResponse is the response for jobs.add. Queued is false when the
// destinations already held enough copies.
type JobAddResponse struct {
	Job    replication.JobInfo `json:"job"`
	Queued bool                `json:"queued"`
}

// IDRequest is the payload for commands addressing a job or transfer.
type IDRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// SlaveOfflineRequest is the payload for slaves.offline.
type SlaveOfflineRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// SchedulerResponse reports the scheduler state after a scheduler command.
type SchedulerResponse struct {
	Running bool `json:"running"`
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	master     Master
	listener   net.Listener
	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a new control server.
func NewServer(socketPath string, m Master, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		master:     m,
		log:        log.With().Str("component", "control").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	s.log.Info().Str("path", s.socketPath).Msg("control socket listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the control server and waits for open connections.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	if s.master == nil {
		return errorResponse(errors.New("master not initialized"))
	}

	switch req.Command {
	case CmdJobsList:
		return dataResponse(s.master.ListJobs())
	case CmdJobsAdd:
		return s.handleJobsAdd(req.Payload)
	case CmdJobsRemove:
		var p IDRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return resultResponse(s.master.RemoveJob(master.SourceControl, p.ID))
	case CmdSlavesList:
		return dataResponse(s.master.ListSlaves())
	case CmdSlavesOffline:
		var p SlaveOfflineRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return resultResponse(s.master.SetOffline(master.SourceControl, p.Name, p.Reason))
	case CmdRosterReload:
		res, err := s.master.Reload(master.SourceControl)
		if err != nil {
			return errorResponse(err)
		}
		s.log.Info().
			Strs("added", res.Added).
			Strs("removed", res.Removed).
			Strs("updated", res.Updated).
			Msg("roster reloaded via control socket")
		return dataResponse(res)
	case CmdSchedulerStart:
		if err := s.master.StartScheduler(master.SourceControl); err != nil {
			return errorResponse(err)
		}
		return dataResponse(SchedulerResponse{Running: s.master.SchedulerRunning()})
	case CmdSchedulerStop:
		s.master.StopScheduler(master.SourceControl)
		return dataResponse(SchedulerResponse{Running: s.master.SchedulerRunning()})
	case CmdTransfersList:
		return dataResponse(s.master.Transfers())
	case CmdTransfersAbort:
		var p IDRequest
		if err := decodePayload(req.Payload, &p); err != nil {
			return errorResponse(err)
		}
		return resultResponse(s.master.AbortTransfer(master.SourceControl, p.ID, p.Reason))
	case CmdSnapshotSave:
		return resultResponse(s.master.Snapshot())
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleJobsAdd(payload json.RawMessage) Response {
	var req master.JobRequest
	if err := decodePayload(payload, &req); err != nil {
		return errorResponse(err)
	}
	if req.Path == "" {
		return errorResponse(errors.New("path is required"))
	}

	info, queued, err := s.master.AddJob(master.SourceControl, req)
	if err != nil {
		return errorResponse(err)
	}
	s.log.Info().
		Str("path", req.Path).
		Str("job", info.ID).
		Bool("queued", queued).
		Msg("job added via control socket")
	return dataResponse(JobAddResponse{Job: info, Queued: queued})
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("invalid payload: missing")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: true, Data: data}
}

func resultResponse(err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: true}
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func (s *Server) sendError(conn net.Conn, err error) {
	_ = json.NewEncoder(conn).Encode(errorResponse(err))
}
