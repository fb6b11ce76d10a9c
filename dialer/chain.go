// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dialer

import (
	"context"
	"net"

	"github.com/MFSGA/Chimera-Client/session"
)

// ChainTarget is the subset of an OutboundHandler a ChainConnector needs:
// enough to open a stream through it without dialer importing the ipn
// package (which itself imports dialer for RemoteConnector).
type ChainTarget interface {
	Name() string
	ConnectStreamWith(ctx context.Context, sess session.Session, connector RemoteConnector) (net.Conn, error)
}

// ChainConnector routes a dial through another already-configured
// outbound handler instead of opening a fresh socket, so one outbound
// (say, a WebSocket-transported Trojan) can tunnel through another
// (say, an HTTP1 CONNECT proxy).
type ChainConnector struct {
	Proxy    ChainTarget
	Upstream RemoteConnector
}

func (c ChainConnector) DialContext(ctx context.Context, sess session.Session, address string, port uint16) (net.Conn, error) {
	chained := sess
	chained.Network = session.TCP
	chained.Type = session.HTTPConnect
	chained.Destination = session.AddrFromDomainOrIP(address, port)

	return c.Proxy.ConnectStreamWith(ctx, chained, c.Upstream)
}
