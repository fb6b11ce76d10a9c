// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package trojan implements the Trojan proxy protocol: a TLS-wrapped
// TCP stream carrying a fixed header (hex SHA-224 of a shared password,
// a command byte, the destination address) followed by raw payload
// bytes, optionally carried inside a WebSocket connection instead of a
// bare TLS socket.
package trojan

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

const (
	cmdTCP byte = 0x01
	cmdUDP byte = 0x03
)

// WebSocketOptions configures the optional transport wrapper described
// in SPEC_FULL §4.3.6: when Path is non-empty, the TLS stream is
// upgraded to a WebSocket client connection before the Trojan header is
// written.
type WebSocketOptions struct {
	Path string
	Host string
}

// HandlerOptions configures one Trojan outbound.
type HandlerOptions struct {
	Name       string
	Server     string
	Port       uint16
	Password   string
	SNI        string
	SkipVerify bool
	WebSocket  *WebSocketOptions
}

// Handler is an ipn.OutboundHandler speaking the Trojan protocol.
type Handler struct {
	opts        HandlerOptions
	passwordHex string
	connector   dialer.RemoteConnector
}

var _ ipn.OutboundHandler = (*Handler)(nil)

// NewHandler builds a Trojan outbound. connector reaches
// opts.Server/opts.Port; pass a dialer.DirectConnector for the common
// case.
func NewHandler(opts HandlerOptions, connector dialer.RemoteConnector) *Handler {
	sum := sha256.Sum224([]byte(opts.Password))
	return &Handler{
		opts:        opts,
		passwordHex: hex.EncodeToString(sum[:]),
		connector:   connector,
	}
}

func (h *Handler) Name() string           { return h.opts.Name }
func (h *Handler) Type() ipn.OutboundType { return ipn.TypeTrojan }

func (h *Handler) ConnectStream(ctx context.Context, sess session.Session) (*stats.TrackedStream, error) {
	conn, err := h.connectWithDialer(ctx, sess, h.connector)
	if err != nil {
		return nil, err
	}
	tracked := stats.NewTrackedStream(conn)
	tracked.AppendChain(h.Name())
	return tracked, nil
}

func (h *Handler) ConnectStreamWith(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error) {
	return h.connectWithDialer(ctx, sess, connector)
}

func (h *Handler) connectWithDialer(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error) {
	raw, err := connector.DialContext(ctx, sess, h.opts.Server, h.opts.Port)
	if err != nil {
		return nil, fmt.Errorf("trojan: dial %s:%d: %w", h.opts.Server, h.opts.Port, err)
	}

	sni := h.opts.SNI
	if sni == "" {
		sni = h.opts.Server
	}
	tlsConn := tls.Client(raw, &tls.Config{ServerName: sni, InsecureSkipVerify: h.opts.SkipVerify})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("trojan: tls handshake: %w", err)
	}

	var transported net.Conn = tlsConn
	if h.opts.WebSocket != nil {
		transported, err = dialWebSocket(ctx, tlsConn, h.opts.WebSocket)
		if err != nil {
			tlsConn.Close()
			return nil, err
		}
	}

	if err := h.writeHeader(transported, sess, false); err != nil {
		transported.Close()
		return nil, err
	}

	log.D("trojan: connected to %s via %s", sess.Destination, h.opts.Server)
	return transported, nil
}

// writeHeader sends the Trojan request line: 56 lowercase hex chars of
// SHA-224(password), CRLF, a command byte (TCP/UDP), the destination in
// SocksAddr wire form, then CRLF.
func (h *Handler) writeHeader(conn net.Conn, sess session.Session, udp bool) error {
	buf := make([]byte, 0, 56+2+1+64+2)
	buf = append(buf, h.passwordHex...)
	buf = append(buf, '\r', '\n')
	if udp {
		buf = append(buf, cmdUDP)
	} else {
		buf = append(buf, cmdTCP)
	}
	buf = sess.Destination.WriteTo(buf)
	buf = append(buf, '\r', '\n')

	_, err := conn.Write(buf)
	return err
}

// dialWebSocket upgrades an already-established TLS connection to a
// WebSocket client connection and adapts it back to a net.Conn for the
// Trojan record layer that follows. The HTTP client's DialContext is
// pinned to return tlsConn unconditionally, so the WS library performs
// its handshake over the socket we already opened instead of dialing a
// new one from the URL's host.
func dialWebSocket(ctx context.Context, tlsConn *tls.Conn, opts *WebSocketOptions) (net.Conn, error) {
	// ws:// (not wss://): tlsConn is already TLS-secured, so the HTTP
	// transport below must treat it as a plain socket instead of
	// layering a second TLS handshake on top.
	url := fmt.Sprintf("ws://%s%s", hostFor(opts, tlsConn), opts.Path)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return tlsConn, nil
			},
		},
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("trojan: websocket dial: %w", err)
	}
	return websocket.NetConn(ctx, wsConn, websocket.MessageBinary), nil
}

func hostFor(opts *WebSocketOptions, tlsConn *tls.Conn) string {
	if opts.Host != "" {
		return opts.Host
	}
	return tlsConn.ConnectionState().ServerName
}
