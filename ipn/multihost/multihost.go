// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package multihost tracks the set of hostnames and/or literal IPs that
// back one outbound endpoint (a Trojan or Snell server configured with
// several addresses), resolving hostnames as they're added.
package multihost

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/MFSGA/Chimera-Client/log"
)

var errNoIPs = errors.New("multihost: no ips")

// MH is a list of hostnames and/or ip addresses for one endpoint.
type MH struct {
	mu    sync.RWMutex
	id    string
	names []string
	addrs []netip.Addr
}

// New returns a new multihost with the given id.
func New(id string) *MH {
	return &MH{id: id}
}

func (h *MH) String() string {
	return h.id + ":" + strings.Join(h.straddrs(), ",")
}

func (h *MH) straddrs() []string {
	a := make([]string, 0, len(h.addrs))
	for _, ip := range h.addrs {
		if ip.IsUnspecified() || !ip.IsValid() {
			continue
		}
		a = append(a, ip.String())
	}
	return a
}

func (h *MH) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.names
}

func (h *MH) Addrs() []netip.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addrs
}

func (h *MH) AnyAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.addrs) <= 0 {
		return ""
	}
	return h.addrs[0].String()
}

func (h *MH) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	// names may exist without addrs and vice versa
	return max(len(h.addrs), len(h.names))
}

func (h *MH) addrlen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.addrs)
}

// Refresh re-resolves every hostname and then re-adds every address held
// before the refresh (literal IPs and previously resolved ones alike).
func (h *MH) Refresh(ctx context.Context) int {
	names := h.Names()
	h.mu.RLock()
	prev := h.straddrs()
	h.mu.RUnlock()
	n := h.with(ctx, names)
	return n + h.Add(ctx, prev)
}

// Add appends the list of IPs/hostnames, resolving any hostnames.
func (h *MH) Add(ctx context.Context, domainsOrIPs []string) int {
	if len(domainsOrIPs) <= 0 {
		log.W("multihost: %s no domains or ips", h.id)
		return 0
	}

	h.mu.Lock()
	if h.names == nil {
		h.names = make([]string, 0)
	}
	if h.addrs == nil {
		h.addrs = make([]netip.Addr, 0)
	}
	h.mu.Unlock()

	for _, dip := range domainsOrIPs {
		dip = normalize(dip)
		if len(dip) <= 0 {
			continue
		}
		if ip, err := netip.ParseAddr(dip); err != nil {
			h.mu.Lock()
			h.names = append(h.names, dip)
			h.mu.Unlock()

			resolved, rerr := resolve(ctx, dip)
			if rerr == nil && len(resolved) > 0 {
				h.mu.Lock()
				h.addrs = append(h.addrs, resolved...)
				h.mu.Unlock()
			} else {
				if rerr == nil {
					rerr = errNoIPs
				}
				log.W("multihost: %s no ips for %q: %v", h.id, dip, rerr)
			}
		} else {
			h.mu.Lock()
			h.addrs = append(h.addrs, ip)
			h.mu.Unlock()
		}
	}

	log.D("multihost: %s with %s => %s", h.id, h.Names(), h.Addrs())
	return h.Len()
}

// With replaces the current set with domainsOrIPs.
func (h *MH) With(ctx context.Context, domainsOrIPs []string) int {
	return h.with(ctx, domainsOrIPs)
}

func (h *MH) with(ctx context.Context, domainsOrIPs []string) int {
	h.mu.Lock()
	h.names = make([]string, 0)
	h.addrs = make([]netip.Addr, 0)
	h.mu.Unlock()
	return h.Add(ctx, domainsOrIPs)
}

func normalize(dip string) string {
	dip = strings.TrimSpace(dip)
	if hostOrIP, _, err := net.SplitHostPort(dip); err == nil {
		return hostOrIP
	}
	return dip
}

func resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func (h *MH) EqualAddrs(other *MH) bool {
	if other == nil || h.addrlen() != other.addrlen() {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for _, me := range h.addrs {
		var ok bool
		for _, them := range other.addrs {
			if me.Compare(them) == 0 {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
