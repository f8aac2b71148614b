// Package netinfo looks up the public egress address, the single most
// direct answer to "is my traffic actually leaving through the mode I
// asked for". The check service also reports whether the exit is a Tor
// node, which doubles as an end-to-end Tor-mode verification.
package netinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"grimm.is/egress/internal/clock"
)

// DefaultCheckURL reports the caller's IP and whether it arrived via a
// Tor exit.
const DefaultCheckURL = "https://check.torproject.org/api/ip"

const (
	lookupTimeout  = 6 * time.Second
	lookupAttempts = 2
	retryPause     = 400 * time.Millisecond
)

// EgressIP is a resolved public address.
type EgressIP struct {
	IP        string    `json:"ip"`
	IsTor     bool      `json:"is_tor"`
	CheckedAt time.Time `json:"checked_at"`
}

// Lookup queries the check service for the public egress address.
type Lookup struct {
	client *http.Client
	url    string
}

// LookupOption configures a Lookup.
type LookupOption func(*Lookup)

// WithURL overrides the check endpoint (tests).
func WithURL(url string) LookupOption {
	return func(l *Lookup) { l.url = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) LookupOption {
	return func(l *Lookup) { l.client = c }
}

// NewLookup creates a lookup against the default check service.
func NewLookup(opts ...LookupOption) *Lookup {
	l := &Lookup{
		client: &http.Client{Timeout: lookupTimeout},
		url:    DefaultCheckURL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EgressIP fetches the public address, retrying once on failure. Only
// IPv4 is accepted; the gateway's modes route v4 and a v6 answer means
// traffic is leaking around them.
func (l *Lookup) EgressIP(ctx context.Context) (EgressIP, error) {
	var lastErr error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return EgressIP{}, ctx.Err()
			case <-time.After(retryPause):
			}
		}

		result, err := l.fetch(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return EgressIP{}, lastErr
}

func (l *Lookup) fetch(ctx context.Context) (EgressIP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return EgressIP{}, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return EgressIP{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EgressIP{}, fmt.Errorf("check service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return EgressIP{}, err
	}

	var parsed struct {
		IsTor bool   `json:"IsTor"`
		IP    string `json:"IP"`
	}
	candidate := strings.TrimSpace(string(body))
	isTor := false
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.IP != "" {
		candidate = strings.TrimSpace(parsed.IP)
		isTor = parsed.IsTor
	}

	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return EgressIP{}, fmt.Errorf("invalid address %q from check service", candidate)
	}
	if !addr.Is4() {
		return EgressIP{}, fmt.Errorf("got IPv6 answer %s, expected IPv4", addr)
	}

	return EgressIP{IP: addr.String(), IsTor: isTor, CheckedAt: clock.Now()}, nil
}
