// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dispatch implements the dispatcher: it takes one accepted
// client connection plus its Session, picks an outbound via the router
// and registry, opens the tunnel, and relays bytes in both directions
// until either side closes, errors, or sits idle past the configured
// timeout.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/MFSGA/Chimera-Client/core"
	"github.com/MFSGA/Chimera-Client/dnsx"
	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/router"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

const (
	defaultBufferSize    = 16 * 1024
	defaultIdleTimeout   = 10 * time.Second
	defaultHandshakeWait = 10 * time.Second
)

// Options configures a Dispatcher; zero values fall back to the stated
// defaults (16 KiB buffer, 10s idle and handshake timeouts).
type Options struct {
	BufferSize       int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeWait
	}
	return o
}

// Dispatcher owns no per-connection state; every field here is shared,
// read-mostly configuration consulted by each independent dispatch.
type Dispatcher struct {
	opts     Options
	registry *ipn.Registry
	router   *router.Router
	manager  *stats.Manager
	reverse  *dnsx.ReverseCache // may be nil
}

// New builds a Dispatcher. reverse may be nil, in which case literal-IP
// destinations are never rewritten back to a FQDN.
func New(opts Options, registry *ipn.Registry, r *router.Router, manager *stats.Manager, reverse *dnsx.ReverseCache) *Dispatcher {
	return &Dispatcher{
		opts:     opts.withDefaults(),
		registry: registry,
		router:   r,
		manager:  manager,
		reverse:  reverse,
	}
}

// DispatchStream runs the full dispatch operation against an
// already-accepted client connection: reverse lookup, route, connect,
// track, relay, release. It blocks until the relay ends and always
// closes client before returning. Use Connect/Relay directly instead
// when the inbound needs to do something (e.g. write a SOCKS5 reply)
// between a successful connect and the start of the relay.
func (d *Dispatcher) DispatchStream(ctx context.Context, sess session.Session, client net.Conn) {
	defer client.Close()

	tracked, _, _, err := d.Connect(ctx, sess)
	if err != nil {
		return
	}
	defer tracked.Close()

	d.Relay(client, tracked)
}

// Connect runs the reverse-lookup, route-selection, and connect steps
// of the dispatch operation and registers the resulting stream with the
// statistics manager. The caller owns the returned TrackedStream and
// must Close it exactly once (Relay does not close it).
func (d *Dispatcher) Connect(ctx context.Context, sess session.Session) (tracked *stats.TrackedStream, outboundName string, rule router.Rule, err error) {
	d.reverseLookup(&sess)

	outboundName, rule = d.selectOutbound(ctx, &sess)

	handler, err := d.registry.Get(outboundName)
	if err != nil {
		log.D("dispatch: %s: outbound %q not registered, falling back to DIRECT: %v", sess, outboundName, err)
		outboundName = ipn.Direct
		handler, err = d.registry.Get(ipn.Direct)
		if err != nil {
			log.E("dispatch: %s: DIRECT unavailable: %v", sess, err)
			return nil, outboundName, rule, err
		}
	}

	hctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	tracked, err = handler.ConnectStream(hctx, sess)
	cancel()
	if err != nil {
		if errors.Is(err, ipn.ErrReject) {
			log.D("dispatch: %s: rejected by rule %v", sess, rule)
		} else {
			log.W("dispatch: %s: connect via %s failed: %v", sess, outboundName, err)
		}
		return nil, outboundName, rule, err
	}

	tracked.Track(d.manager)
	log.D("dispatch: %s: routed to %s (rule=%v)", sess, outboundName, rule)
	return tracked, outboundName, rule, nil
}

func (d *Dispatcher) reverseLookup(sess *session.Session) {
	if d.reverse == nil || sess.Destination.IsDomain() {
		return
	}
	ip := sess.Destination.Host()
	if fqdn, ok := d.reverse.Lookup(ip); ok {
		if addr, err := session.AddrFromDomain(fqdn, sess.Destination.Port); err == nil {
			sess.Destination = addr
			log.V("dispatch: rewrote %s back to %s", ip, fqdn)
		}
	}
}

func (d *Dispatcher) selectOutbound(ctx context.Context, sess *session.Session) (string, router.Rule) {
	mode, global := d.registry.Mode()
	switch mode {
	case ipn.ModeGlobal:
		return global, nil
	case ipn.ModeDirect:
		return ipn.Direct, nil
	default:
		if d.router == nil {
			return ipn.Direct, nil
		}
		return d.router.Route(ctx, sess)
	}
}

// Relay copies bytes bidirectionally between client and tracked via
// core.Pipe, wrapping both sides in a deadline-refreshing conn so either
// direction sitting idle past the configured timeout unblocks its Read
// with a timeout error instead of hanging forever. The caller remains
// responsible for closing both client and tracked.
func (d *Dispatcher) Relay(client net.Conn, tracked *stats.TrackedStream) {
	upload, download, uploadErr, downloadErr := core.Pipe(
		withIdleDeadline(client, d.opts.IdleTimeout),
		withIdleDeadline(tracked, d.opts.IdleTimeout),
	)
	log.D("dispatch: relay done upload=%dB download=%dB", upload, download)
	logRelayError("LeftClosed", uploadErr)
	logRelayError("RightClosed", downloadErr)
}

// logRelayError reports one direction's terminal copy error, if any. side
// names which end the copy read from: LeftClosed for the client (local)
// side, RightClosed for the tracked outbound (remote) side. Errors that
// just mean the peer hung up — EOF variants, a reset, or a broken pipe —
// are expected traffic and logged at debug; anything else is warned.
func logRelayError(side string, err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	kind := classifyRelayError(err)
	if kind == "Other" {
		log.W("dispatch: relay %s: %v", side, err)
		return
	}
	log.D("dispatch: relay %s (%s): %v", side, kind, err)
}

// classifyRelayError buckets a relay-copy error into the kinds the
// dispatcher treats as routine connection teardown rather than a genuine
// failure worth a warning.
func classifyRelayError(err error) string {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "UnexpectedEof"
	case errors.Is(err, syscall.ECONNRESET):
		return "ConnectionReset"
	case errors.Is(err, syscall.EPIPE), errors.Is(err, net.ErrClosed):
		return "BrokenPipe"
	default:
		return "Other"
	}
}

// deadlineConn resets both the read and write deadline on every I/O
// call, turning the dispatcher's configured idle timeout into a rolling
// window instead of a fixed deadline from connection start.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func withIdleDeadline(c net.Conn, timeout time.Duration) net.Conn {
	return &deadlineConn{Conn: c, timeout: timeout}
}

func (d *deadlineConn) Read(b []byte) (int, error) {
	_ = d.Conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.Conn.Read(b)
}

func (d *deadlineConn) Write(b []byte) (int, error) {
	_ = d.Conn.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.Conn.Write(b)
}

func (d *deadlineConn) CloseWrite() error {
	if cw, ok := d.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return d.Conn.Close()
}

func (d *deadlineConn) CloseRead() error {
	if cr, ok := d.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}
