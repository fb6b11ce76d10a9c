// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package socks5 implements a minimal RFC 1928/1929 SOCKS5 server: method
// negotiation (no-auth or user/password), the CONNECT command only, and
// the 0x01/0x03/0x04 address types, framed by hand the same way the
// Snell and Trojan outbounds hand-frame their own wire protocols.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/MFSGA/Chimera-Client/core"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/session"
)

const (
	ver5 byte = 0x05

	methodNoAuth       byte = 0x00
	methodUserPassword byte = 0x02
	methodNoAcceptable byte = 0xff

	userPassVer byte = 0x01

	cmdConnect byte = 0x01

	repSucceeded            byte = 0x00
	repGeneralFailure       byte = 0x01
	repConnectionNotAllowed byte = 0x02
	repHostUnreachable      byte = 0x04
	repCommandNotSupported  byte = 0x07
)

var ErrAuthFailed = errors.New("socks5: authentication failed")

// Credentials holds the single configured username/password pair this
// listener checks against when user/password auth is enabled. A nil
// Credentials means the listener only offers no-auth.
type Credentials struct {
	User     string
	Password string
}

// Handler receives one fully negotiated session and its raw client
// connection; it is expected to dial the destination and relay, then
// close conn when done. Passed through unmodified from Listener.Serve.
type Handler func(ctx context.Context, sess session.Session, conn net.Conn)

// Options configures a Listener.
type Options struct {
	// Addr is the local address to bind, e.g. "127.0.0.1:1080".
	Addr string
	// AllowLAN, when false, silently drops connections from non-loopback
	// peers instead of serving them.
	AllowLAN bool
	// Auth, if non-nil, requires RFC 1929 user/password auth with these
	// credentials. If nil, only no-auth is offered.
	Auth *Credentials
	// SoMark and Iface are copied onto every accepted session, so
	// outbound dials can apply the same socket options as the inbound
	// listener was configured with.
	SoMark uint32
	Iface  string
}

// Listener accepts SOCKS5 connections and hands each negotiated session
// to a Handler.
type Listener struct {
	opts Options
	ln   net.Listener
}

// Listen binds opts.Addr and returns a Listener ready to Serve.
func Listen(opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("socks5: listen %s: %w", opts.Addr, err)
	}
	return &Listener{opts: opts, ln: ln}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is done or the listener errors,
// dispatching each negotiated session to handle in its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle Handler) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5: accept: %w", err)
		}
		go l.serveConn(ctx, conn, handle)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, handle Handler) {
	defer core.Recover("socks5.serveConn")

	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !l.opts.AllowLAN && (!ok || !remote.IP.IsLoopback()) {
		log.D("socks5: dropping non-loopback peer %s (allow_lan=false)", conn.RemoteAddr())
		conn.Close()
		return
	}

	sess, err := l.negotiate(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.D("socks5: negotiation with %s failed: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	sess.SoMark = l.opts.SoMark
	sess.Iface = l.opts.Iface
	if ok {
		sess.Source = netip.AddrPortFrom(addrFromIP(remote.IP), uint16(remote.Port))
	}

	handle(ctx, sess, conn)
}

func addrFromIP(ip net.IP) netip.Addr {
	if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
		return addr
	}
	if addr, ok := netip.AddrFromSlice(ip.To16()); ok {
		return addr
	}
	return netip.Addr{}
}

// negotiate runs method selection, optional user/password auth, and reads
// the CONNECT request, returning the session described by the client's
// requested destination. It writes only failure replies; the success
// reply is left to the handler (see WriteSuccess).
func (l *Listener) negotiate(conn net.Conn) (session.Session, error) {
	if err := l.selectMethod(conn); err != nil {
		return session.Session{}, err
	}

	dest, err := readRequest(conn)
	if err != nil {
		writeReply(conn, repGeneralFailure)
		return session.Session{}, err
	}

	sess := session.Default()
	sess.Type = session.Socks5
	sess.Destination = dest
	return sess, nil
}

func (l *Listener) selectMethod(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}
	if hdr[0] != ver5 {
		return fmt.Errorf("socks5: unsupported version %#x", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	want := methodNoAuth
	if l.opts.Auth != nil {
		want = methodUserPassword
	}

	if !containsMethod(methods, want) {
		conn.Write([]byte{ver5, methodNoAcceptable})
		return fmt.Errorf("socks5: client does not offer method %#x", want)
	}

	if _, err := conn.Write([]byte{ver5, want}); err != nil {
		return err
	}

	if want == methodUserPassword {
		return l.authenticate(conn)
	}
	return nil
}

func containsMethod(methods []byte, m byte) bool {
	for _, v := range methods {
		if v == m {
			return true
		}
	}
	return false
}

// authenticate implements RFC 1929: version byte, length-prefixed
// username, length-prefixed password, one reply status byte.
func (l *Listener) authenticate(conn net.Conn) error {
	var verbuf [1]byte
	if _, err := io.ReadFull(conn, verbuf[:]); err != nil {
		return err
	}
	if verbuf[0] != userPassVer {
		return fmt.Errorf("socks5: unsupported auth version %#x", verbuf[0])
	}

	user, err := readLengthPrefixed(conn)
	if err != nil {
		return err
	}
	pass, err := readLengthPrefixed(conn)
	if err != nil {
		return err
	}

	ok := string(user) == l.opts.Auth.User && string(pass) == l.opts.Auth.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{userPassVer, status}); err != nil {
		return err
	}
	if !ok {
		return ErrAuthFailed
	}
	return nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lbuf [1]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, lbuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readRequest reads the CONNECT request line (ver, cmd, rsv, SocksAddr)
// and returns the requested destination.
func readRequest(conn net.Conn) (session.SocksAddr, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return session.SocksAddr{}, fmt.Errorf("socks5: read request: %w", err)
	}
	if hdr[0] != ver5 {
		return session.SocksAddr{}, fmt.Errorf("socks5: unsupported request version %#x", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(conn, repCommandNotSupported)
		return session.SocksAddr{}, fmt.Errorf("socks5: unsupported command %#x (CONNECT only)", hdr[1])
	}

	return session.ReadSocksAddr(conn)
}

// WriteSuccess replies 0x00 (succeeded) with bound, the outbound
// socket's local address, or the wildcard if bound is nil. Handlers call
// this once the outbound connection is established, before relaying.
func WriteSuccess(conn net.Conn, bound net.Addr) error {
	addr := session.AnyIPv4()
	if tcpAddr, ok := bound.(*net.TCPAddr); ok {
		if ip, ok := netip.AddrFromSlice(tcpAddr.IP); ok {
			addr = session.AddrFromIP(ip.Unmap(), uint16(tcpAddr.Port))
		}
	}
	return writeReplyAddr(conn, repSucceeded, addr)
}

// WriteFailure replies with a reply code mapped from err's nature: host
// unreachable for dial-style errors, general failure otherwise.
func WriteFailure(conn net.Conn, err error) error {
	code := repGeneralFailure
	var netErr net.Error
	if errors.As(err, &netErr) {
		code = repHostUnreachable
	}
	return writeReply(conn, code)
}

func writeReply(conn net.Conn, rep byte) error {
	return writeReplyAddr(conn, rep, session.AnyIPv4())
}

func writeReplyAddr(conn net.Conn, rep byte, addr session.SocksAddr) error {
	buf := []byte{ver5, rep, 0x00}
	buf = addr.WriteTo(buf)
	_, err := conn.Write(buf)
	return err
}
