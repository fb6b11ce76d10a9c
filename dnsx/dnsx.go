// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnsx provides the resolver contract the router and outbound
// handlers use to turn a domain into a routable address, a default
// implementation wrapping a plain DNS exchange, and a reverse-lookup
// cache for IPs synthesized by a fake-IP style resolver. DNS protocol
// internals beyond a single UDP/TCP exchange (DoH, DNSCrypt, ODoH,
// DNS64) are out of scope; those remain an external collaborator.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/opencoff/go-sieve"

	"github.com/MFSGA/Chimera-Client/core"
	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/log"
)

var ErrNoAnswer = errors.New("dnsx: no A/AAAA answer")

// Resolver is the DNS contract consumed by the router (host -> address
// string) and by dialer.DirectConnector (host -> net.IP).
type Resolver interface {
	// Resolve turns host into a routable address string. host may
	// already be a literal IP, in which case it is returned unchanged.
	Resolve(ctx context.Context, host string) (string, error)
	// Exchange performs a raw DNS query/response round trip, for
	// callers (e.g. a DNS-handling inbound) that need the full message.
	Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error)
}

// client wraps a single upstream DNS server reached over UDP (falling
// back to TCP on truncation), mirroring the teacher's own dnsx package
// shape: a thin wrapper around miekg/dns rather than a hand-rolled wire
// codec.
type client struct {
	upstream string
	udp      *dns.Client
	tcp      *dns.Client

	negCache *core.ExpMap
}

const negCacheTTL = 10 * time.Second

// New returns a Resolver that exchanges queries with upstream
// ("host:port"). Failed lookups are held in a short-lived negative
// cache so a hot loop of requests for a dead domain doesn't hammer the
// upstream server every time.
func New(upstream string) Resolver {
	return &client{
		upstream: upstream,
		udp:      &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		tcp:      &dns.Client{Net: "tcp", Timeout: 5 * time.Second},
		negCache: core.NewExpiringMap(),
	}
}

func (c *client) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	// ExpMap.Get inserts a placeholder entry for any key it hasn't seen
	// before (it doubles as a hit counter), so a probe here for a host
	// that turns out to resolve fine would otherwise leave a permanent,
	// never-reaped entry behind — reaper() only runs from Set(). Delete
	// it again below once resolution succeeds, so only genuine negative
	// entries persist.
	if c.negCache.Get(host) > 0 {
		c.negCache.Set(host, negCacheTTL) // refresh TTL and run the reaper
		return "", fmt.Errorf("dnsx: %s: %w (cached)", host, ErrNoAnswer)
	}

	fqdn := dns.Fqdn(host)
	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, err := c.Exchange(ctx, msg)
		if err != nil {
			continue
		}
		if ip, ok := firstAddr(resp); ok {
			c.negCache.Delete(host)
			return ip, nil
		}
	}

	c.negCache.Set(host, negCacheTTL)
	return "", fmt.Errorf("dnsx: %s: %w", host, ErrNoAnswer)
}

func firstAddr(resp *dns.Msg) (string, bool) {
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A.String(), true
		case *dns.AAAA:
			return rec.AAAA.String(), true
		}
	}
	return "", false
}

func (c *client) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	defer core.Recover("dnsx.exchange")

	resp, _, err := c.udp.ExchangeContext(ctx, query, c.upstream)
	if err != nil {
		return nil, fmt.Errorf("dnsx: udp exchange: %w", err)
	}
	if resp.Truncated {
		resp, _, err = c.tcp.ExchangeContext(ctx, query, c.upstream)
		if err != nil {
			return nil, fmt.Errorf("dnsx: tcp exchange (retry after truncation): %w", err)
		}
	}
	return resp, nil
}

// ipResolverAdapter adapts Resolver's address-string return to
// dialer.Resolver's net.IP-returning contract, so the same client backs
// both the router's string-based lookups and DirectConnector's dials
// without either package depending on the other's shape.
type ipResolverAdapter struct{ Resolver }

func (a ipResolverAdapter) Resolve(ctx context.Context, host string) (net.IP, error) {
	addr, err := a.Resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("dnsx: resolved address %q is not a valid IP", addr)
	}
	return ip, nil
}

// AsDialerResolver adapts r to the dialer.Resolver contract
// DirectConnector expects.
func AsDialerResolver(r Resolver) dialer.Resolver {
	return ipResolverAdapter{r}
}

// ReverseCache maps a synthesized/fake IP back to the FQDN a resolver
// handed it out for, so the dispatcher can recover the original domain
// for logging and domain-based routing even after the destination has
// already been resolved to an IP by an upstream component.
type ReverseCache struct {
	cache *sieve.Sieve[string, string]
}

// NewReverseCache returns a ReverseCache holding at most capacity
// entries, evicting by SIEVE recency when full.
func NewReverseCache(capacity int) *ReverseCache {
	return &ReverseCache{cache: sieve.New[string, string](capacity)}
}

// Put records that ip was handed out for fqdn.
func (r *ReverseCache) Put(ip, fqdn string) {
	r.cache.Add(ip, fqdn)
	log.V("dnsx: reverse-cached %s -> %s", ip, fqdn)
}

// Lookup returns the FQDN ip was last handed out for, if any.
func (r *ReverseCache) Lookup(ip string) (string, bool) {
	return r.cache.Get(ip)
}
