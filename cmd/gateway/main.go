// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command gateway runs the proxy gateway: it loads a YAML configuration,
// wires the resolver, outbound registry, router, statistics manager, and
// dispatcher together, and serves a SOCKS5 inbound until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/MFSGA/Chimera-Client/config"
	"github.com/MFSGA/Chimera-Client/core"
	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/dispatch"
	"github.com/MFSGA/Chimera-Client/dnsx"
	"github.com/MFSGA/Chimera-Client/inbound/socks5"
	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/ipn/h1"
	"github.com/MFSGA/Chimera-Client/ipn/multihost"
	"github.com/MFSGA/Chimera-Client/ipn/snell"
	"github.com/MFSGA/Chimera-Client/ipn/trojan"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/router"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway YAML configuration")
	listenAddr := flag.String("listen", "127.0.0.1:1080", "SOCKS5 inbound listen address")
	allowLAN := flag.Bool("allow-lan", false, "accept SOCKS5 connections from non-loopback peers")
	verbosity := flag.Int("v", int(log.INFO), "log level (0=vverbose .. 6=none)")
	flag.Parse()

	log.SetLevel(log.Level(*verbosity))

	if err := run(*configPath, *listenAddr, *allowLAN); err != nil {
		log.E("gateway: %v", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string, allowLAN bool) error {
	reg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	resolver := dnsx.New(reg.Resolver)
	reverse := dnsx.NewReverseCache(1024)
	ipn.SetDirectResolver(dnsx.AsDialerResolver(resolver))

	registry := ipn.NewRegistry()
	registry.SetMode(reg.Mode, reg.GlobalOutbound)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := buildOutbounds(ctx, registry, reg, resolver); err != nil {
		return err
	}

	rules, err := buildRules(reg)
	if err != nil {
		return err
	}
	rt := router.New(rules, routerResolverAdapter{resolver}, nil)

	manager := stats.NewManager()
	defer manager.Stop()

	d := dispatch.New(dispatch.Options{
		BufferSize:       reg.TCPBufferSize,
		IdleTimeout:      reg.IdleTimeout,
		HandshakeTimeout: reg.HandshakeTimeout,
	}, registry, rt, manager, reverse)

	ln, err := socks5.Listen(socks5.Options{Addr: listenAddr, AllowLAN: allowLAN})
	if err != nil {
		return err
	}
	defer ln.Close()
	log.I("gateway: socks5 inbound listening on %s (allow_lan=%v)", ln.Addr(), allowLAN)

	return ln.Serve(ctx, func(ctx context.Context, sess session.Session, conn net.Conn) {
		defer core.Recover("gateway.handle")
		serveSession(ctx, d, sess, conn)
	})
}

// serveSession connects through the dispatcher, writes the SOCKS5 reply,
// and relays — the two-phase Connect/Relay split exists precisely so the
// reply can be written in between.
func serveSession(ctx context.Context, d *dispatch.Dispatcher, sess session.Session, conn net.Conn) {
	defer conn.Close()

	tracked, _, _, err := d.Connect(ctx, sess)
	if err != nil {
		socks5.WriteFailure(conn, err)
		return
	}
	defer tracked.Close()

	// tracked.LocalAddr() is the outbound socket's bound local address,
	// per SOCKS5's reply convention, not the inbound client socket's.
	if err := socks5.WriteSuccess(conn, tracked.LocalAddr()); err != nil {
		return
	}

	d.Relay(conn, tracked)
}

// routerResolverAdapter adapts dnsx.Resolver to router.Resolver (a
// one-method subset dnsx.Resolver already satisfies structurally; the
// wrapper exists only to spell that out at the call site).
type routerResolverAdapter struct{ r dnsx.Resolver }

func (a routerResolverAdapter) Resolve(ctx context.Context, host string) (string, error) {
	return a.r.Resolve(ctx, host)
}

func buildOutbounds(ctx context.Context, registry *ipn.Registry, reg *config.Registry, resolver dnsx.Resolver) error {
	connector := dialer.DirectConnector{Resolver: dnsx.AsDialerResolver(resolver)}

	for _, spec := range reg.Outbounds {
		var handler ipn.OutboundHandler
		var err error

		connector := dialer.RemoteConnector(connector)
		if spec.Via != "" {
			via, verr := registry.Get(spec.Via)
			if verr != nil {
				return fmt.Errorf("outbound %q: via %q: %w", spec.Name, spec.Via, verr)
			}
			connector = dialer.ChainConnector{Proxy: via, Upstream: connector}
		}

		server := spec.Server
		if len(spec.Servers) > 0 {
			hosts := multihost.New(spec.Name)
			hosts.With(ctx, spec.Servers)
			if any := hosts.AnyAddr(); any != "" {
				server = any
			}
			log.D("gateway: outbound %s resolved %d/%d addresses from servers list, using %s",
				spec.Name, hosts.Len(), len(spec.Servers), server)
		}

		switch spec.Type {
		case "trojan":
			var ws *trojan.WebSocketOptions
			if spec.WebSocketPath != "" {
				ws = &trojan.WebSocketOptions{Path: spec.WebSocketPath, Host: spec.WebSocketHost}
			}
			handler = trojan.NewHandler(trojan.HandlerOptions{
				Name:       spec.Name,
				Server:     server,
				Port:       spec.Port,
				Password:   spec.Password,
				SNI:        spec.SNI,
				SkipVerify: spec.SkipVerify,
				WebSocket:  ws,
			}, connector)

		case "snell":
			obfs, oerr := snell.ParseObfs(spec.Obfs)
			if oerr != nil {
				return oerr
			}
			version := snell.V1
			if spec.Version == 2 {
				version = snell.V2
			}
			handler = snell.NewHandler(snell.HandlerOptions{
				Name:     spec.Name,
				Server:   server,
				Port:     spec.Port,
				PSK:      []byte(spec.PSK),
				Version:  version,
				Obfs:     obfs,
				ObfsHost: spec.ObfsHost,
			}, connector)

		case "http1", "http":
			var tlsCfg *tls.Config
			if spec.SNI != "" {
				tlsCfg = &tls.Config{ServerName: spec.SNI, InsecureSkipVerify: spec.SkipVerify}
			}
			handler = h1.NewHandler(h1.HandlerOptions{
				Name:   spec.Name,
				Server: server,
				Port:   spec.Port,
				TLS:    tlsCfg,
			}, connector)

		default:
			return fmt.Errorf("gateway: outbound %q: unsupported type %q", spec.Name, spec.Type)
		}

		if err = registry.Add(handler); err != nil {
			return err
		}
	}
	return nil
}

func buildRules(reg *config.Registry) ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(reg.Rules))
	for i, r := range reg.Rules {
		switch r.Type {
		case "domain":
			rules = append(rules, router.NewDomainRule(r.Domain, r.Target, r.Suffix))
		case "geosite":
			rules = append(rules, router.NewGeoSiteRule(r.Country, nil, r.Target))
		case "match":
			rules = append(rules, router.NewFinalRule(r.Target))
		default:
			return nil, fmt.Errorf("gateway: rule #%d: unsupported type %q", i, r.Type)
		}
	}
	return rules, nil
}
