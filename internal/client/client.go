// Package client talks to a running egress daemon's control API. Used
// by the CLI subcommands so `egress status` works against the local
// daemon the same way the portal does.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"grimm.is/egress/internal/api"
	"grimm.is/egress/internal/audit"
	"grimm.is/egress/internal/netinfo"
)

// Client is an HTTP client for the daemon's control surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the daemon at addr (host:port).
func New(addr string, opts ...Option) *Client {
	c := &Client{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status fetches the system snapshot.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.get(ctx, "/api/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Modes lists the registered modes.
func (c *Client) Modes(ctx context.Context) ([]api.ModeResponse, error) {
	var out []api.ModeResponse
	if err := c.get(ctx, "/api/v1/modes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetMode requests a transition to the named mode.
func (c *Client) SetMode(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/mode/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return decodeError(resp)
}

// Transitions fetches the recent transition history.
func (c *Client) Transitions(ctx context.Context, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	path := "/api/v1/transitions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EgressIP asks the daemon for the public egress address.
func (c *Client) EgressIP(ctx context.Context) (*netinfo.EgressIP, error) {
	var out netinfo.EgressIP
	if err := c.get(ctx, "/api/v1/egress-ip", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearAlarm drops the rollback-failed standing alarm.
func (c *Client) ClearAlarm(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/alarm/clear", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Healthy reports whether the daemon's health endpoint answers OK.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		if apiErr.Phase != "" {
			return fmt.Errorf("%s (phase: %s)", apiErr.Error, apiErr.Phase)
		}
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
