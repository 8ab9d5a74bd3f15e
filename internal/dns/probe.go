// Package dns checks name resolution through the tunnel and renders the
// namespace resolv.conf.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Prober resolves a probe name against the tunnel resolvers. The caller
// runs it from a thread inside the namespace so the query takes the
// namespace routes.
type Prober struct {
	Servers []string // host:port
	Timeout time.Duration
	Log     *slog.Logger
}

// Result describes the first resolver that answered.
type Result struct {
	Server  string
	RTT     time.Duration
	Rcode   string
	Answers int
}

// NewProber returns a Prober for a single resolver address on port 53.
func NewProber(server netip.Addr, timeout time.Duration, log *slog.Logger) *Prober {
	return &Prober{
		Servers: []string{net.JoinHostPort(server.String(), strconv.Itoa(53))},
		Timeout: timeout,
		Log:     log,
	}
}

// Probe sends an A query for name to each server in turn and returns the
// first answer. NXDOMAIN still proves the resolver is reachable.
func (p *Prober) Probe(ctx context.Context, name string) (Result, error) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := &dns.Client{
		Net:     "udp",
		Timeout: timeout,
	}
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	req.RecursionDesired = true

	var errs []error
	for _, server := range p.Servers {
		resp, rtt, err := client.ExchangeContext(ctx, req, server)
		if err != nil {
			log.Debug("DNS probe failed", "server", server, "name", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			errs = append(errs, fmt.Errorf("%s: answered %s", server, dns.RcodeToString[resp.Rcode]))
			continue
		}
		log.Debug("DNS probe answered", "server", server, "name", name, "rtt", rtt, "answers", len(resp.Answer))
		return Result{
			Server:  server,
			RTT:     rtt,
			Rcode:   dns.RcodeToString[resp.Rcode],
			Answers: len(resp.Answer),
		}, nil
	}
	if len(errs) == 0 {
		return Result{}, errors.New("no DNS servers configured")
	}
	return Result{}, fmt.Errorf("DNS probe for %s failed: %w", name, errors.Join(errs...))
}
