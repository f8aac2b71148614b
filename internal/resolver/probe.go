package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

const probeTimeout = 2 * time.Second

// Prober asks the local resolver one question and reports whether it
// answered at all. NXDOMAIN and SERVFAIL still count as answering; the
// probe is about liveness, not data.
type Prober struct {
	addr string
	name string
}

// NewProber creates a prober against addr (host:port) asking for name.
func NewProber(addr, name string) *Prober {
	return &Prober{addr: addr, name: dns.Fqdn(name)}
}

// Probe sends one A query and waits for any response.
func (p *Prober) Probe(ctx context.Context) error {
	msg := new(dns.Msg)
	msg.SetQuestion(p.name, dns.TypeA)

	c := &dns.Client{Timeout: probeTimeout}
	resp, _, err := c.ExchangeContext(ctx, msg, p.addr)
	if err != nil {
		return fmt.Errorf("resolver %s not answering: %w", p.addr, err)
	}
	if resp == nil {
		return fmt.Errorf("resolver %s returned no response", p.addr)
	}
	return nil
}
