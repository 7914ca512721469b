// Package slave tracks the storage nodes known to the master: their roster
// configuration, online state, network-error history and live transport.
package slave

import (
	"path"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/config"
)

// Slave is the master's handle on one roster slave. Slaves start offline and
// come online only through Registry.AddSlave.
type Slave struct {
	name string // immutable; Reload replaces cfg but never the name

	mu         sync.RWMutex
	cfg        config.SlaveConfig
	address    string // last resolved dial address
	online     bool
	connecting bool
	reason     string // why the slave is offline
	since      time.Time
	status     Status
	client     Client
	transfers  int

	errs *ErrorWindow
}

func newSlave(cfg config.SlaveConfig, maxErrors int, window time.Duration, now time.Time) *Slave {
	return &Slave{
		name:   cfg.Name,
		cfg:    cfg,
		reason: "not connected",
		since:  now,
		errs:   NewErrorWindow(maxErrors, window),
	}
}

// Name returns the slave's roster name.
func (s *Slave) Name() string {
	return s.name
}

// Config returns the roster entry.
func (s *Slave) Config() config.SlaveConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Online reports whether the slave is available.
func (s *Slave) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Status returns the last reported status.
func (s *Slave) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Client returns the live transport while the slave is online.
func (s *Slave) Client() (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online || s.client == nil {
		return nil, false
	}
	return s.client, true
}

// Address returns the last resolved dial address.
func (s *Slave) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Errors returns the network errors inside the current window.
func (s *Slave) Errors() int {
	return s.errs.Count()
}

// ActiveTransfers returns the master-initiated transfers using the slave.
func (s *Slave) ActiveTransfers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transfers
}

// BeginTransfer counts a transfer against the slave. Pair with EndTransfer.
func (s *Slave) BeginTransfer() {
	s.mu.Lock()
	s.transfers++
	s.mu.Unlock()
}

// EndTransfer releases a transfer counted by BeginTransfer.
func (s *Slave) EndTransfer() {
	s.mu.Lock()
	if s.transfers > 0 {
		s.transfers--
	}
	s.mu.Unlock()
}

// AllowsHost reports whether host matches one of the roster masks. A slave
// without masks accepts any host.
func (s *Slave) AllowsHost(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cfg.Masks) == 0 {
		return true
	}
	for _, m := range s.cfg.Masks {
		if ok, _ := path.Match(m, host); ok {
			return true
		}
	}
	return false
}

// Info is a point-in-time copy of a slave's state.
type Info struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Dynamic   bool      `json:"dynamic"`
	Online    bool      `json:"online"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
	Status    Status    `json:"status"`
	Errors    int       `json:"errors"`
	Transfers int       `json:"transfers"`
}

// Info returns a snapshot of the slave.
func (s *Slave) Info() Info {
	errs := s.errs.Count()
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		Name:      s.name,
		Address:   s.address,
		Dynamic:   s.cfg.Dynamic(),
		Online:    s.online,
		Since:     s.since,
		Status:    s.status,
		Errors:    errs,
		Transfers: s.transfers,
	}
	if !s.online {
		info.Reason = s.reason
	}
	return info
}

// goOffline marks the slave unavailable and detaches its client. It reports
// whether the slave had been online and returns the detached client.
func (s *Slave) goOffline(reason string, now time.Time) (bool, Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.online
	c := s.client
	s.online = false
	s.client = nil
	s.reason = reason
	if was {
		s.since = now
	}
	return was, c
}
