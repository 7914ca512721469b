// Package admin serves the master's read-only HTTP interface: health,
// metrics, JSON views of slaves, jobs and transfers, and a websocket stream
// of master events.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/events"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventBuffer  = 256
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // The admin listener is bound to a trusted address
	},
}

// Master is the part of the master the admin server reads from.
type Master interface {
	ListSlaves() []slave.Info
	ListJobs() []replication.JobInfo
	Transfers() []transfer.Info
	Events() *events.Bus
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Server is the admin HTTP server.
type Server struct {
	master Master
	mux    *http.ServeMux
	server *http.Server
	addr   net.Addr
	log    zerolog.Logger

	// Event streams are tracked so Stop can close them; Shutdown does not
	// wait for hijacked connections.
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates an admin server for m.
func NewServer(m Master, log zerolog.Logger) *Server {
	s := &Server{
		master: m,
		mux:    http.NewServeMux(),
		log:    log.With().Str("component", "admin").Logger(),
		conns:  make(map[*websocket.Conn]struct{}),
	}

	s.mux.HandleFunc("GET /health", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/v1/slaves", s.handleSlaves)
	s.mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	s.mux.HandleFunc("GET /api/v1/transfers", s.handleTransfers)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	s.log.Info().Str("listen", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop gracefully stops the admin server and closes event streams.
func (s *Server) Stop() error {
	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleSlaves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.master.ListSlaves())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.master.ListJobs())
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.master.Transfers())
}

// handleEvents upgrades to a websocket and writes each master event as a
// JSON text message until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}

	sub := s.master.Events().Channel(eventBuffer)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)

	done := make(chan struct{})
	go s.readLoop(conn, done)
	go func() {
		defer s.wg.Done()
		defer func() {
			sub.Close()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		s.writeLoop(conn, sub, done)
	}()
}

// readLoop discards client messages and keeps the read deadline alive
// through pongs. It closes done when the connection fails.
func (s *Server) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("event stream read error")
			}
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *events.Subscription, done <-chan struct{}) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.log.Debug().Err(err).Msg("event stream ping failed")
				return
			}
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
