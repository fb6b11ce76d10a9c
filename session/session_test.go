// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestSocksAddrWireRoundTrip(t *testing.T) {
	cases := []SocksAddr{
		AddrFromIP(netip.MustParseAddr("93.184.216.34"), 443),
		AddrFromIP(netip.MustParseAddr("2606:2800:220:1:248:1893:25c8:1946"), 8443),
	}
	domain, err := AddrFromDomain("example.com", 80)
	if err != nil {
		t.Fatalf("AddrFromDomain: %v", err)
	}
	cases = append(cases, domain)

	for _, want := range cases {
		buf := want.WriteTo(nil)
		got, err := ReadSocksAddr(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("ReadSocksAddr(%v): %v", want, err)
		}
		if got.String() != want.String() {
			t.Errorf("round trip mismatch: want %s, got %s", want, got)
		}
	}
}

func TestAddrFromDomainTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := AddrFromDomain(string(long), 80); err != ErrDomainTooLong {
		t.Fatalf("expected ErrDomainTooLong, got %v", err)
	}
}

func TestReadSocksAddrInvalidAtyp(t *testing.T) {
	if _, err := ReadSocksAddr(bytes.NewReader([]byte{0x09})); err != ErrInvalidAtyp {
		t.Fatalf("expected ErrInvalidAtyp, got %v", err)
	}
}

func TestAddrFromDomainOrIP(t *testing.T) {
	a := AddrFromDomainOrIP("1.2.3.4", 53)
	if a.IsDomain() {
		t.Fatal("expected a literal IP address, got a domain")
	}
	b := AddrFromDomainOrIP("example.org", 53)
	if !b.IsDomain() {
		t.Fatal("expected a domain address")
	}
}

func TestSessionRouteIP(t *testing.T) {
	s := Default()
	s.Destination, _ = AddrFromDomain("example.org", 443)
	if _, ok := s.RouteIP(); ok {
		t.Fatal("expected no route IP before resolution")
	}

	s.Resolved = true
	s.ResolvedIP = netip.MustParseAddr("10.0.0.1")
	ip, ok := s.RouteIP()
	if !ok || ip != s.ResolvedIP {
		t.Fatalf("expected resolved IP, got %v ok=%v", ip, ok)
	}
}
