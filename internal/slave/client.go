package slave

import (
	"context"
	"time"

	"github.com/filemesh/filemesh/internal/vfs"
)

// Status is a slave's self-reported state.
type Status struct {
	DiskTotal int64     `json:"disk_total"`
	DiskFree  int64     `json:"disk_free"`
	Transfers int       `json:"transfers"` // transfers running on the slave
	Time      time.Time `json:"time"`      // when the master received it
}

// Endpoint is a listening transfer endpoint opened on a destination slave.
type Endpoint struct {
	ID      string `json:"id"`      // slave-local transfer ID
	Address string `json:"address"` // address the source connects to
}

// TransferStatus is one side's view of a transfer.
type TransferStatus struct {
	ID       string `json:"id"`
	Finished bool   `json:"finished"`
	Bytes    int64  `json:"bytes"`
	Checksum uint32 `json:"checksum,omitempty"` // CRC32 of the bytes moved, set when finished
	Error    string `json:"error,omitempty"`
}

// Client is the master's transport to one slave. Every call is blocking and
// must honour ctx; callers bound ctx with the configured call timeout, and a
// timeout counts as a network error.
type Client interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	Listing(ctx context.Context) ([]vfs.Entry, error)

	// Listen opens a receiving endpoint authorised by ticket.
	Listen(ctx context.Context, ticket string) (Endpoint, error)
	// Connect dials another slave's endpoint and returns the local transfer ID.
	Connect(ctx context.Context, address, ticket string) (string, error)
	// Receive writes the incoming bytes of transfer id to path.
	Receive(ctx context.Context, id, path string) error
	// Send streams path over transfer id.
	Send(ctx context.Context, id, path string) error
	TransferStatus(ctx context.Context, id string) (TransferStatus, error)
	Abort(ctx context.Context, id, reason string) error

	Checksum(ctx context.Context, path string) (uint32, error)
	Delete(ctx context.Context, path string) error
	Close() error
}

// Dialer creates a Client for a roster slave at a resolved address.
type Dialer func(ctx context.Context, name, address, authToken string) (Client, error)
