package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/sdk"
)

const defaultClientTimeout = 5 * time.Second

// Client calls a host's RPC surface over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the host at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
}

// Call invokes method with params and decodes the result into result,
// which may be nil. A failure reported by the host is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var body []byte
	if params != nil {
		var err error
		if body, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// RenewLease pushes a lease token to the host.
func (c *Client) RenewLease(ctx context.Context, token string) (time.Time, error) {
	var res LeaseResult
	if err := c.Call(ctx, "RenewLease", LeaseParams{Token: token}, &res); err != nil {
		return time.Time{}, err
	}
	return res.ExpiresAt, nil
}

// GetStatus fetches the host's device status.
func (c *Client) GetStatus(ctx context.Context) (host.DeviceStatus, error) {
	var status host.DeviceStatus
	err := c.Call(ctx, "GetStatus", nil, &status)
	return status, err
}

// LoadConfiguration pushes a marking configuration.
func (c *Client) LoadConfiguration(ctx context.Context, cfg sdk.Config) error {
	return c.Call(ctx, "LoadConfiguration", cfg, nil)
}

// StartMark starts or resumes a mark.
func (c *Client) StartMark(ctx context.Context) error {
	return c.Call(ctx, "StartMark", nil, nil)
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host health: status %d", resp.StatusCode)
	}
	return nil
}

// LeaseRenewer renews leases on many hosts, keeping one client per URL.
type LeaseRenewer struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewLeaseRenewer returns an empty renewer.
func NewLeaseRenewer() *LeaseRenewer {
	return &LeaseRenewer{clients: make(map[string]*Client)}
}

// RenewLease pushes token to the host at baseURL.
func (r *LeaseRenewer) RenewLease(ctx context.Context, baseURL, token string) (time.Time, error) {
	r.mu.Lock()
	c, ok := r.clients[baseURL]
	if !ok {
		c = NewClient(baseURL)
		r.clients[baseURL] = c
	}
	r.mu.Unlock()
	return c.RenewLease(ctx, token)
}
