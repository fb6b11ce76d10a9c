// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright 2016 Michal Witkowski. All Rights Reserved.

// Package h1 implements an HTTP/1.1 CONNECT tunnel outbound: it dials an
// HTTP proxy, issues a CONNECT request for the session's destination,
// and hands back the raw socket once the proxy answers 200. It doubles
// as the connector an OutboundHandler composes with to reach its own
// server through an upstream HTTP proxy (see dialer.ChainConnector).
package h1

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

const (
	hdrProxyAuthResp = "Proxy-Authorization"
	hdrProxyAuthReq  = "Proxy-Authenticate"
)

// ProxyAuthorization lets a CONNECT tunnel answer a proxy's
// authentication challenge.
type ProxyAuthorization interface {
	Type() string
	InitialResponse() string
	ChallengeResponse(challenge string) string
}

// BasicAuth implements ProxyAuthorization via RFC 7617 HTTP Basic auth.
type BasicAuth struct {
	User, Password string
}

func (BasicAuth) Type() string { return "Basic" }

func (a BasicAuth) InitialResponse() string {
	return a.encode()
}

func (a BasicAuth) ChallengeResponse(string) string {
	return a.encode()
}

func (a BasicAuth) encode() string {
	return base64.StdEncoding.EncodeToString([]byte(a.User + ":" + a.Password))
}

// HandlerOptions configures an HTTP1 CONNECT outbound.
type HandlerOptions struct {
	Name   string
	Server string
	Port   uint16
	TLS    *tls.Config // non-nil connects to the proxy itself over TLS
	Auth   ProxyAuthorization
}

// Handler is an ipn.OutboundHandler that tunnels via HTTP CONNECT.
type Handler struct {
	opts      HandlerOptions
	connector dialer.RemoteConnector
}

var _ ipn.OutboundHandler = (*Handler)(nil)

func NewHandler(opts HandlerOptions, connector dialer.RemoteConnector) *Handler {
	return &Handler{opts: opts, connector: connector}
}

func (h *Handler) Name() string           { return h.opts.Name }
func (h *Handler) Type() ipn.OutboundType { return ipn.TypeHTTP1 }

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
	conn, err := connector.DialContext(ctx, sess, h.opts.Server, h.opts.Port)
	if err != nil {
		return nil, fmt.Errorf("h1: dial proxy %s:%d: %w", h.opts.Server, h.opts.Port, err)
	}

	if h.opts.TLS != nil {
		tlsConn := tls.Client(conn, h.opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("h1: tls handshake with proxy: %w", err)
		}
		conn = tlsConn
	}

	dest := sess.Destination.String()
	if err := h.connect(conn, dest); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connect performs the CONNECT handshake over an already-open conn.
func (h *Handler) connect(conn net.Conn, address string) error {
	req := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if h.opts.Auth != nil && h.opts.Auth.InitialResponse() != "" {
		req.Header.Set(hdrProxyAuthResp, h.opts.Auth.Type()+" "+h.opts.Auth.InitialResponse())
	}

	resp, err := doRoundtrip(conn, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusProxyAuthRequired && h.opts.Auth != nil {
		respHdr := resp.Header.Get(hdrProxyAuthReq)
		if !strings.Contains(respHdr, h.opts.Auth.Type()+" ") {
			return fmt.Errorf("h1: expected %q proxy authentication, got %q", h.opts.Auth.Type(), respHdr)
		}
		challenge := strings.SplitN(respHdr, " ", 2)[1]
		req.Header.Set(hdrProxyAuthResp, h.opts.Auth.Type()+" "+h.opts.Auth.ChallengeResponse(challenge))
		resp, err = doRoundtrip(conn, req)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("h1: proxy CONNECT failed: %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}

func doRoundtrip(conn net.Conn, req *http.Request) (*http.Response, error) {
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("h1: writing CONNECT request: %w", err)
	}
	br := bufio.NewReader(conn)
	return http.ReadResponse(br, req)
}
