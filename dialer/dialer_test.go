// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dialer

import (
	"context"
	"net"
	"testing"

	"github.com/MFSGA/Chimera-Client/session"
)

func TestDirectConnectorRequiresResolverForDomains(t *testing.T) {
	c := DirectConnector{}
	_, err := c.DialContext(context.Background(), session.Default(), "example.com", 443)
	if err == nil {
		t.Fatal("expected an error dialing a domain with no resolver configured")
	}
}

type stubResolver struct{ ip net.IP }

func (s stubResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	return s.ip, nil
}

func TestDirectConnectorDialsLiteralIPWithoutResolving(t *testing.T) {
	// 127.0.0.1:1 isn't listening, so DialContext should fail at the
	// network layer, never at the "needs a resolver" check — proving
	// the literal-IP path skips resolution entirely.
	c := DirectConnector{}
	_, err := c.DialContext(context.Background(), session.Default(), "127.0.0.1", 1)
	if err == nil {
		t.Fatal("expected a connection error dialing a closed port")
	}
	if _, ok := err.(*net.AddrError); ok {
		t.Fatalf("literal IP dial should not hit the resolver error path, got %v", err)
	}
}

func TestNetProtoPicksUDPForUDPSessions(t *testing.T) {
	sess := session.Default()
	sess.Network = session.UDP
	if got := netProto(sess); got != "udp" {
		t.Fatalf("netProto = %q, want udp", got)
	}
	sess.Network = session.TCP
	if got := netProto(sess); got != "tcp" {
		t.Fatalf("netProto = %q, want tcp", got)
	}
}
