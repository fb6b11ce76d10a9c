// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ipn

import (
	"context"
	"net"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

// directHandler dials a session's destination without any tunneling.
type directHandler struct {
	connector dialer.RemoteConnector
}

var directSingleton OutboundHandler = &directHandler{}

// SetDirectResolver installs the resolver DIRECT uses for domain
// destinations. Called once during startup wiring.
func SetDirectResolver(r dialer.Resolver) {
	directSingleton = &directHandler{connector: dialer.DirectConnector{Resolver: r}}
}

func (h *directHandler) Name() string       { return Direct }
func (h *directHandler) Type() OutboundType { return TypeDirect }

func (h *directHandler) ConnectStream(ctx context.Context, sess session.Session) (*stats.TrackedStream, error) {
	conn, err := h.ConnectStreamWith(ctx, sess, h.connector)
	if err != nil {
		return nil, err
	}
	tracked := stats.NewTrackedStream(conn)
	tracked.AppendChain(h.Name())
	return tracked, nil
}

func (h *directHandler) ConnectStreamWith(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error) {
	host := sess.Destination.Host()
	return connector.DialContext(ctx, sess, host, sess.Destination.Port)
}
