package slave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/filemesh/filemesh/internal/vfs"
)

// ErrorResponse is the JSON body slaves send with a non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// APIError is a non-2xx reply from a slave.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slave replied %d: %s", e.StatusCode, e.Message)
}

// Request bodies of the slave HTTP API.
type (
	listenRequest struct {
		Ticket string `json:"ticket"`
	}
	connectRequest struct {
		Address string `json:"address"`
		Ticket  string `json:"ticket"`
	}
	connectResponse struct {
		ID string `json:"id"`
	}
	pathRequest struct {
		Path string `json:"path"`
	}
	checksumResponse struct {
		Checksum uint32 `json:"checksum"`
	}
	listingResponse struct {
		Entries []vfs.Entry `json:"entries"`
	}
)

// HTTPClient talks to a slave's JSON HTTP API under /api/v1.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPClient creates a client for the slave at address (host:port or a
// full URL).
func NewHTTPClient(address, authToken string, timeout time.Duration) *HTTPClient {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:   strings.TrimSuffix(base, "/"),
		authToken: authToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// HTTPDialer returns a Dialer producing HTTPClients.
func HTTPDialer(timeout time.Duration) Dialer {
	return func(_ context.Context, _ string, address, authToken string) (Client, error) {
		return NewHTTPClient(address, authToken, timeout), nil
	}
}

// BaseURL returns the base URL of the slave.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Ping checks the slave is reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/ping", nil, nil)
}

// Status fetches disk and load information.
func (c *HTTPClient) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// Listing fetches every file and directory the slave stores.
func (c *HTTPClient) Listing(ctx context.Context) ([]vfs.Entry, error) {
	var resp listingResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/listing", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Listen opens a receiving endpoint.
func (c *HTTPClient) Listen(ctx context.Context, ticket string) (Endpoint, error) {
	var ep Endpoint
	err := c.do(ctx, http.MethodPost, "/api/v1/transfers/listen", listenRequest{Ticket: ticket}, &ep)
	return ep, err
}

// Connect dials a remote endpoint.
func (c *HTTPClient) Connect(ctx context.Context, address, ticket string) (string, error) {
	var resp connectResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/transfers/connect", connectRequest{Address: address, Ticket: ticket}, &resp)
	return resp.ID, err
}

// Receive starts writing transfer id into path.
func (c *HTTPClient) Receive(ctx context.Context, id, path string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/transfers/"+url.PathEscape(id)+"/receive", pathRequest{Path: path}, nil)
}

// Send starts streaming path over transfer id.
func (c *HTTPClient) Send(ctx context.Context, id, path string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/transfers/"+url.PathEscape(id)+"/send", pathRequest{Path: path}, nil)
}

// TransferStatus polls one transfer.
func (c *HTTPClient) TransferStatus(ctx context.Context, id string) (TransferStatus, error) {
	var st TransferStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(id), nil, &st)
	return st, err
}

// Abort tears down a transfer.
func (c *HTTPClient) Abort(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/transfers/"+url.PathEscape(id)+"?reason="+url.QueryEscape(reason), nil, nil)
}

// Checksum asks the slave for the CRC32 of a stored file.
func (c *HTTPClient) Checksum(ctx context.Context, path string) (uint32, error) {
	var resp checksumResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/checksum?path="+url.QueryEscape(path), nil, &resp)
	return resp.Checksum, err
}

// Delete removes a stored file.
func (c *HTTPClient) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/files?path="+url.QueryEscape(path), nil, nil)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg := errResp.Error
		if errResp.Message != "" {
			msg += ": " + errResp.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
