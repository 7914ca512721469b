package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/filemesh/filemesh/internal/master"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/filemesh/filemesh/internal/slave"
	"github.com/filemesh/filemesh/internal/transfer"
)

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

// call sends command with payload and decodes the response data into out
// when out is not nil.
func (c *Client) call(command string, payload, out any) error {
	req := Request{Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}

	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// JobsList retrieves the queued jobs in scheduling order.
func (c *Client) JobsList() ([]replication.JobInfo, error) {
	var jobs []replication.JobInfo
	err := c.call(CmdJobsList, nil, &jobs)
	return jobs, err
}

// JobsAdd queues a replication job.
func (c *Client) JobsAdd(req master.JobRequest) (*JobAddResponse, error) {
	var resp JobAddResponse
	if err := c.call(CmdJobsAdd, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobsRemove aborts and removes a job.
func (c *Client) JobsRemove(id string) error {
	return c.call(CmdJobsRemove, IDRequest{ID: id}, nil)
}

// SlavesList retrieves every roster slave.
func (c *Client) SlavesList() ([]slave.Info, error) {
	var slaves []slave.Info
	err := c.call(CmdSlavesList, nil, &slaves)
	return slaves, err
}

// SlavesOffline takes a slave offline. An empty reason uses the master's
// default.
func (c *Client) SlavesOffline(name, reason string) error {
	return c.call(CmdSlavesOffline, SlaveOfflineRequest{Name: name, Reason: reason}, nil)
}

// RosterReload makes the master re-read its roster.
func (c *Client) RosterReload() (*slave.ReloadResult, error) {
	var res slave.ReloadResult
	if err := c.call(CmdRosterReload, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SchedulerStart enables scheduling passes.
func (c *Client) SchedulerStart() (bool, error) {
	var resp SchedulerResponse
	err := c.call(CmdSchedulerStart, nil, &resp)
	return resp.Running, err
}

// SchedulerStop disables scheduling passes and aborts in-flight transfers.
func (c *Client) SchedulerStop() (bool, error) {
	var resp SchedulerResponse
	err := c.call(CmdSchedulerStop, nil, &resp)
	return resp.Running, err
}

// TransfersList retrieves the in-flight transfers.
func (c *Client) TransfersList() ([]transfer.Info, error) {
	var transfers []transfer.Info
	err := c.call(CmdTransfersList, nil, &transfers)
	return transfers, err
}

// TransfersAbort aborts an in-flight transfer.
func (c *Client) TransfersAbort(id, reason string) error {
	return c.call(CmdTransfersAbort, IDRequest{ID: id, Reason: reason}, nil)
}

// SnapshotSave writes the tree snapshot now.
func (c *Client) SnapshotSave() error {
	return c.call(CmdSnapshotSave, nil, nil)
}
