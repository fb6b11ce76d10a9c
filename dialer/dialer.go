// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dialer implements RemoteConnector: the thing an OutboundHandler
// calls to actually open the TCP socket to a server, after resolving a
// domain destination and before wrapping the socket in a protocol codec.
//
// Two implementations are provided: DirectConnector opens a plain socket
// to the resolved address, honouring a session's iface/SO_MARK; chained
// proxy connections from chain.go dial THROUGH another already
// configured OutboundHandler instead.
package dialer

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/MFSGA/Chimera-Client/protect"
	"github.com/MFSGA/Chimera-Client/session"
)

const (
	connectTimeout = 10 * time.Second
	keepAliveIdle  = 10 * time.Second
	// keepalive probe interval (seconds) and probe count before the
	// connection is dropped.
	keepAliveIntervalSecs = 1
	keepAliveCount        = 3
)

// RemoteConnector opens the TCP connection an OutboundHandler tunnels
// through. address/port describe the remote endpoint the handler wants
// to reach — its own configured server for Trojan/Snell/HTTP1, or the
// session's destination for Direct.
type RemoteConnector interface {
	DialContext(ctx context.Context, sess session.Session, address string, port uint16) (net.Conn, error)
}

// Resolver is the narrow DNS contract DirectConnector needs: turn a
// domain name into a routable IP. dnsx.Resolver satisfies this
// structurally, but dialer does not import dnsx to avoid a cycle.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

func baseDialer(sess session.Session) *net.Dialer {
	var ctl protect.Controller
	if sess.SoMark != 0 || sess.Iface != "" {
		ctl = protect.StaticController{Opts: protect.Options{Iface: sess.Iface, SoMark: sess.SoMark}}
	}
	d := protect.MakeDialer(ctl)
	d.Timeout = connectTimeout
	d.KeepAlive = keepAliveIdle
	return d
}

// DirectConnector dials address:port directly, resolving address first
// if it isn't already a literal IP.
type DirectConnector struct {
	Resolver Resolver
}

func (c DirectConnector) DialContext(ctx context.Context, sess session.Session, address string, port uint16) (net.Conn, error) {
	host := address
	if net.ParseIP(address) == nil {
		if c.Resolver == nil {
			return nil, &net.AddrError{Err: "no resolver configured for domain destination", Addr: address}
		}
		ip, err := c.Resolver.Resolve(ctx, address)
		if err != nil {
			return nil, err
		}
		host = ip.String()
	}

	d := baseDialer(sess)
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := d.DialContext(dctx, netProto(sess), net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	tuneTCP(conn)
	return conn, nil
}

func netProto(sess session.Session) string {
	if sess.Network == session.UDP {
		return "udp"
	}
	return "tcp"
}

// tuneTCP applies TCP_NODELAY and keepalive parameters that net.Dialer's
// KeepAlive field cannot express (idle time is the only knob it offers).
func tuneTCP(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepAliveIdle)
	if rc, err := tc.SyscallConn(); err == nil {
		_ = rc.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepAliveIntervalSecs)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveCount)
		})
	}
}
