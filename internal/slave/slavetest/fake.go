// Package slavetest provides an in-memory slave fleet implementing
// slave.Client for tests.
package slavetest

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/vfs"
)

// ErrDown is returned by every call to a slave that is down.
var ErrDown = errors.New("connection refused")

// Fleet is a set of fake slaves that can transfer files between each other.
type Fleet struct {
	mu        sync.Mutex
	slaves    map[string]*Slave
	endpoints map[string]*pipe
	seq       int
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{
		slaves:    make(map[string]*Slave),
		endpoints: make(map[string]*pipe),
	}
}

// Add creates a slave with plenty of free space.
func (f *Fleet) Add(name string) *Slave {
	s := &Slave{
		fleet:         f,
		name:          name,
		files:         make(map[string]vfs.Entry),
		transfers:     make(map[string]*side),
		status:        slave.Status{DiskTotal: 1 << 40, DiskFree: 1 << 39},
		pollsToFinish: 1,
	}
	f.mu.Lock()
	f.slaves[name] = s
	f.mu.Unlock()
	return s
}

// Slave returns the named fake.
func (f *Fleet) Slave(name string) *Slave {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slaves[name]
}

// Dial implements slave.Dialer.
func (f *Fleet) Dial(_ context.Context, name, _, _ string) (slave.Client, error) {
	s := f.Slave(name)
	if s == nil {
		return nil, fmt.Errorf("dial %s: no such host", name)
	}
	if s.isDown() {
		return nil, ErrDown
	}
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	return s, nil
}

func (f *Fleet) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("t%d", f.seq)
}

// pipe joins the two sides of one transfer.
type pipe struct {
	mu       sync.Mutex
	id       string
	src, dst *Slave
	srcPath  string
	dstPath  string
	aborted  string
	copied   bool
}

type side struct {
	pipe  *pipe
	send  bool
	polls int
}

// Slave is a fake slave. Fault knobs are set with the Set* methods.
type Slave struct {
	fleet *Fleet
	name  string

	mu            sync.Mutex
	files         map[string]vfs.Entry
	status        slave.Status
	transfers     map[string]*side
	down          bool
	hang          bool
	corrupt       bool
	failSend      error
	failReceive   error
	failListing   error
	pollsToFinish int
	delay         time.Duration

	dials   int
	closed  int
	tickets []string
	aborts  []string
	deleted []string
}

// Name returns the slave name.
func (s *Slave) Name() string { return s.name }

// PutFile stores a file on the slave.
func (s *Slave) PutFile(path string, size int64) {
	s.PutEntry(vfs.Entry{Path: path, Size: size, ModTime: time.Unix(1700000000, 0).UTC()})
}

// PutEntry stores a file entry on the slave.
func (s *Slave) PutEntry(e vfs.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[e.Path] = e
}

// RemoveFile deletes a file from the slave's storage.
func (s *Slave) RemoveFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// HasFile reports whether the slave stores path.
func (s *Slave) HasFile(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

// SetDown makes every call fail with ErrDown.
func (s *Slave) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetHang keeps transfers on this slave from ever finishing.
func (s *Slave) SetHang(hang bool) {
	s.mu.Lock()
	s.hang = hang
	s.mu.Unlock()
}

// SetCorrupt makes received files report a wrong checksum.
func (s *Slave) SetCorrupt(corrupt bool) {
	s.mu.Lock()
	s.corrupt = corrupt
	s.mu.Unlock()
}

// SetFailSend makes sending transfers report err.
func (s *Slave) SetFailSend(err error) {
	s.mu.Lock()
	s.failSend = err
	s.mu.Unlock()
}

// SetFailReceive makes receiving transfers report err.
func (s *Slave) SetFailReceive(err error) {
	s.mu.Lock()
	s.failReceive = err
	s.mu.Unlock()
}

// SetFailListing makes Listing return err.
func (s *Slave) SetFailListing(err error) {
	s.mu.Lock()
	s.failListing = err
	s.mu.Unlock()
}

// SetPollsToFinish sets how many status polls a transfer side needs.
func (s *Slave) SetPollsToFinish(n int) {
	s.mu.Lock()
	s.pollsToFinish = n
	s.mu.Unlock()
}

// SetDelay makes every call sleep first, honouring ctx.
func (s *Slave) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetStatus replaces the reported status.
func (s *Slave) SetStatus(st slave.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Dials returns how often the slave was dialled.
func (s *Slave) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Closed returns how often Close was called.
func (s *Slave) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Tickets returns the tickets presented to Listen and Connect.
func (s *Slave) Tickets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tickets...)
}

// Aborts returns the transfer IDs aborted on this slave.
func (s *Slave) Aborts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborts...)
}

// Deleted returns the paths deleted through the client.
func (s *Slave) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *Slave) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *Slave) enter(ctx context.Context) error {
	s.mu.Lock()
	down, delay := s.down, s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if down {
		return ErrDown
	}
	return nil
}

func checksumOf(e vfs.Entry) uint32 {
	if e.Checksum != 0 {
		return e.Checksum
	}
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s:%d", e.Path, e.Size)))
}

// Ping implements slave.Client.
func (s *Slave) Ping(ctx context.Context) error {
	return s.enter(ctx)
}

// Status implements slave.Client.
func (s *Slave) Status(ctx context.Context) (slave.Status, error) {
	if err := s.enter(ctx); err != nil {
		return slave.Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Listing implements slave.Client.
func (s *Slave) Listing(ctx context.Context) ([]vfs.Entry, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListing != nil {
		return nil, s.failListing
	}
	out := make([]vfs.Entry, 0, len(s.files))
	for _, e := range s.files {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Listen implements slave.Client.
func (s *Slave) Listen(ctx context.Context, ticket string) (slave.Endpoint, error) {
	if err := s.enter(ctx); err != nil {
		return slave.Endpoint{}, err
	}
	p := &pipe{id: s.fleet.nextID(), dst: s}
	addr := "fake://" + s.name + "/" + p.id

	s.fleet.mu.Lock()
	s.fleet.endpoints[addr] = p
	s.fleet.mu.Unlock()

	s.mu.Lock()
	s.tickets = append(s.tickets, ticket)
	s.transfers[p.id] = &side{pipe: p}
	s.mu.Unlock()
	return slave.Endpoint{ID: p.id, Address: addr}, nil
}

// Connect implements slave.Client.
func (s *Slave) Connect(ctx context.Context, address, ticket string) (string, error) {
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	s.fleet.mu.Lock()
	p, ok := s.fleet.endpoints[address]
	delete(s.fleet.endpoints, address)
	s.fleet.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("connect %s: no listener", address)
	}

	p.mu.Lock()
	p.src = s
	p.mu.Unlock()

	id := p.id + "-src"
	s.mu.Lock()
	s.tickets = append(s.tickets, ticket)
	s.transfers[id] = &side{pipe: p, send: true}
	s.mu.Unlock()
	return id, nil
}

func (s *Slave) side(id string) (*side, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: not found", id)
	}
	return sd, nil
}

// Receive implements slave.Client.
func (s *Slave) Receive(ctx context.Context, id, path string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	sd, err := s.side(id)
	if err != nil {
		return err
	}
	sd.pipe.mu.Lock()
	sd.pipe.dstPath = path
	sd.pipe.mu.Unlock()
	return nil
}

// Send implements slave.Client.
func (s *Slave) Send(ctx context.Context, id, path string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	sd, err := s.side(id)
	if err != nil {
		return err
	}
	if !s.HasFile(path) {
		return fmt.Errorf("send %s: no such file", path)
	}
	sd.pipe.mu.Lock()
	sd.pipe.srcPath = path
	sd.pipe.mu.Unlock()
	return nil
}

// TransferStatus implements slave.Client.
func (s *Slave) TransferStatus(ctx context.Context, id string) (slave.TransferStatus, error) {
	if err := s.enter(ctx); err != nil {
		return slave.TransferStatus{}, err
	}
	s.mu.Lock()
	sd, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return slave.TransferStatus{}, fmt.Errorf("transfer %s: not found", id)
	}
	sd.polls++
	polls, need, hang, corrupt := sd.polls, s.pollsToFinish, s.hang, s.corrupt
	fail := s.failReceive
	if sd.send {
		fail = s.failSend
	}
	s.mu.Unlock()

	st := slave.TransferStatus{ID: id}
	p := sd.pipe
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aborted != "" {
		st.Error = "aborted: " + p.aborted
		return st, nil
	}
	if fail != nil {
		st.Error = fail.Error()
		return st, nil
	}
	if p.src == nil || p.srcPath == "" || p.dstPath == "" || hang || polls < need {
		return st, nil
	}

	entry, ok := p.src.file(p.srcPath)
	if !ok {
		st.Error = "source file vanished"
		return st, nil
	}
	if !p.copied {
		copied := entry
		copied.Path = p.dstPath
		p.dst.PutEntry(copied)
		p.copied = true
	}
	st.Finished = true
	st.Bytes = entry.Size
	st.Checksum = checksumOf(entry)
	if corrupt && !sd.send {
		st.Checksum ^= 0xffffffff
	}
	return st, nil
}

func (s *Slave) file(path string) (vfs.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.files[path]
	return e, ok
}

// Abort implements slave.Client.
func (s *Slave) Abort(ctx context.Context, id, reason string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	sd, err := s.side(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.aborts = append(s.aborts, id)
	s.mu.Unlock()
	sd.pipe.mu.Lock()
	if sd.pipe.aborted == "" {
		sd.pipe.aborted = reason
	}
	sd.pipe.mu.Unlock()
	return nil
}

// Checksum implements slave.Client.
func (s *Slave) Checksum(ctx context.Context, path string) (uint32, error) {
	if err := s.enter(ctx); err != nil {
		return 0, err
	}
	e, ok := s.file(path)
	if !ok {
		return 0, fmt.Errorf("checksum %s: no such file", path)
	}
	s.mu.Lock()
	corrupt := s.corrupt
	s.mu.Unlock()
	sum := checksumOf(e)
	if corrupt {
		sum ^= 0xffffffff
	}
	return sum, nil
}

// Delete implements slave.Client.
func (s *Slave) Delete(ctx context.Context, path string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	s.deleted = append(s.deleted, path)
	return nil
}

// Close implements slave.Client.
func (s *Slave) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

var _ slave.Client = (*Slave)(nil)
