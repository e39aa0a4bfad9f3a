// Package doh implements a minimal DNS-over-HTTPS (RFC 8484) client with two
// named resolver pools and race-to-first-success semantics.
package doh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/Acacia-Ma/Rule-Bot/internal/config"
)

const (
	perEndpointTimeout = 5 * time.Second
	overallPoolTimeout = 8 * time.Second
	maxResponseBytes   = 64 * 1024
)

// Pool races a set of DoH endpoints and takes the first well-formed answer.
type Pool struct {
	endpoints []config.DoHEndpoint
	client    *http.Client
}

// NewPool builds a Pool from the configured endpoint list, sharing one
// http.Client across all endpoints the way a single resolver pool would
// reuse its connections.
func NewPool(endpoints []config.DoHEndpoint) *Pool {
	return &Pool{
		endpoints: endpoints,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Client holds the two disjoint pools described by the core: an A-record
// pool biased toward CN-hosted answers, and an NS-record pool chosen for
// censorship resistance.
type Client struct {
	APool  *Pool
	NSPool *Pool
}

// NewClient wires both pools from configuration.
func NewClient(aEndpoints, nsEndpoints []config.DoHEndpoint) *Client {
	return &Client{APool: NewPool(aEndpoints), NSPool: NewPool(nsEndpoints)}
}

// ResolveA resolves A records for domain through the A-pool. An empty,
// nil-error result means every endpoint failed or returned no records; a
// non-nil error means the calling context was cancelled.
func (c *Client) ResolveA(ctx context.Context, domain string) ([]net.IP, error) {
	return c.APool.ResolveA(ctx, domain)
}

// ResolveNS resolves NS records for domain through the NS-pool.
func (c *Client) ResolveNS(ctx context.Context, domain string) ([]string, error) {
	return c.NSPool.ResolveNS(ctx, domain)
}

// ResolveA races the pool's endpoints for an A-record answer.
func (p *Pool) ResolveA(ctx context.Context, domain string) ([]net.IP, error) {
	msg, err := p.race(ctx, dns.TypeA, domain)
	if err != nil || msg == nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok && a.A != nil {
			ips = append(ips, a.A)
		}
	}
	return ips, nil
}

// ResolveNS races the pool's endpoints for an NS-record answer.
func (p *Pool) ResolveNS(ctx context.Context, domain string) ([]string, error) {
	msg, err := p.race(ctx, dns.TypeNS, domain)
	if err != nil || msg == nil {
		return nil, err
	}
	var names []string
	for _, rr := range msg.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			names = append(names, strings.TrimSuffix(strings.ToLower(ns.Ns), "."))
		}
	}
	return names, nil
}

type raceResult struct {
	msg *dns.Msg
	err error
}

// race fires all endpoints in parallel and returns the first response with
// rcode 0 and at least one answer record. Returning cancels the pool
// context, which cancels the sibling requests still in flight; any result
// they still send is discarded. A response with rcode != 0 is treated as
// empty, not as a query error.
func (p *Pool) race(ctx context.Context, qtype uint16, domain string) (*dns.Msg, error) {
	if len(p.endpoints) == 0 {
		return nil, nil
	}

	poolCtx, cancel := context.WithTimeout(ctx, overallPoolTimeout)
	defer cancel()

	// Buffered to the exact fan-out count so every goroutine's send
	// completes even after the race is decided and nobody is left reading.
	results := make(chan raceResult, len(p.endpoints))
	for _, ep := range p.endpoints {
		ep := ep
		go func() {
			reqCtx, reqCancel := context.WithTimeout(poolCtx, perEndpointTimeout)
			defer reqCancel()
			msg, err := p.query(reqCtx, ep.URL, qtype, domain)
			results <- raceResult{msg, err}
		}()
	}

	for i := 0; i < len(p.endpoints); i++ {
		select {
		case r := <-results:
			if r.err == nil && r.msg != nil && r.msg.Rcode == dns.RcodeSuccess && len(r.msg.Answer) > 0 {
				return r.msg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

// query issues a single RFC 8484 wire-format request against one endpoint.
func (p *Pool) query(ctx context.Context, url string, qtype uint16, domain string) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.Id = dns.Id()
	m.RecursionDesired = true

	packed, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: pack query for %s: %w", domain, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("doh: build request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh: request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("doh: endpoint %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("doh: read response from %s: %w", url, err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh: unpack response from %s: %w", url, err)
	}
	return reply, nil
}
