// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads a YAML gateway configuration file into a
// Registry: the runtime mode, outbound definitions, ordered rule list,
// and the handful of tunable timeouts/buffer sizes the dispatcher reads.
// Validation (every rule target resolves to a registered or reserved
// outbound) happens once, at load time — the one point in this
// repository where a configuration mistake is fatal rather than logged
// and degraded.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/router"
)

// duration unmarshals a YAML duration string ("10s", "1m30s") into a
// time.Duration — yaml.v3 has no built-in support for time.Duration, only
// for time.Time.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = duration(parsed)
	return nil
}

// Error wraps a configuration problem with the file it came from.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// outboundSpec is one entry of the outbounds: list.
type outboundSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Server is the endpoint's primary hostname/IP. Servers, if set,
	// lists alternates backing the same endpoint (e.g. several edge IPs
	// for one Trojan/Snell server); see ipn/multihost.
	Server     string   `yaml:"server"`
	Servers    []string `yaml:"servers"`
	// Via, if set, names another already-defined outbound this one
	// tunnels through instead of dialing its server directly (see
	// dialer.ChainConnector) — e.g. a Trojan endpoint reached only
	// through an upstream HTTP1 CONNECT proxy.
	Via        string   `yaml:"via"`
	Port       uint16   `yaml:"port"`
	Password   string   `yaml:"password"`
	PSK        string   `yaml:"psk"`
	SNI        string   `yaml:"sni"`
	SkipVerify bool     `yaml:"skip-cert-verify"`
	Version    int      `yaml:"version"`
	Obfs       string   `yaml:"obfs"`
	ObfsHost   string   `yaml:"obfs-host"`

	WebSocketPath string `yaml:"ws-path"`
	WebSocketHost string `yaml:"ws-host"`
}

// ruleSpec is one entry of the rules: list.
type ruleSpec struct {
	Type    string `yaml:"type"`
	Domain  string `yaml:"domain"`
	Suffix  bool   `yaml:"domain-suffix"`
	Country string `yaml:"country"`
	Target  string `yaml:"target"`
}

// file is the top-level YAML document shape.
type file struct {
	Mode             string         `yaml:"mode"`
	GlobalOutbound   string         `yaml:"global-outbound"`
	TCPBufferSize    int            `yaml:"tcp-buffer-size"`
	IdleTimeout      duration       `yaml:"idle-timeout"`
	HandshakeTimeout duration       `yaml:"handshake-timeout"`
	Resolver         string         `yaml:"resolver"`
	Outbounds        []outboundSpec `yaml:"outbounds"`
	Rules            []ruleSpec     `yaml:"rules"`
}

// Registry is the fully validated, ready-to-wire result of loading a
// configuration file.
type Registry struct {
	Mode             ipn.RuntimeMode
	GlobalOutbound   string
	TCPBufferSize    int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Resolver         string
	Outbounds        []outboundSpec
	Rules            []ruleSpec
}

// Load reads and validates the configuration at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	reg := &Registry{
		TCPBufferSize:    f.TCPBufferSize,
		IdleTimeout:      time.Duration(f.IdleTimeout),
		HandshakeTimeout: time.Duration(f.HandshakeTimeout),
		Resolver:         f.Resolver,
		Outbounds:        f.Outbounds,
		Rules:            f.Rules,
	}

	switch f.Mode {
	case "", "rule":
		reg.Mode = ipn.ModeRule
	case "global":
		reg.Mode = ipn.ModeGlobal
	case "direct":
		reg.Mode = ipn.ModeDirect
	default:
		return nil, &Error{Path: path, Err: fmt.Errorf("unknown mode %q", f.Mode)}
	}

	if err := validate(f, reg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	return reg, nil
}

// validate checks every rule's target against the set of outbound names
// this file defines, plus the reserved DIRECT/REJECT names. GLOBAL is a
// runtime mode, not a routable target — ipn.Registry.Get never resolves
// it, so a rule naming it would silently fall back to DIRECT at dispatch
// time instead of erroring here.
func validate(f file, reg *Registry) error {
	names := make(map[string]bool, len(f.Outbounds))
	for _, o := range f.Outbounds {
		if o.Name == "" {
			return fmt.Errorf("outbound missing name")
		}
		if names[o.Name] {
			return fmt.Errorf("duplicate outbound name %q", o.Name)
		}
		if o.Via != "" && !names[o.Via] {
			return fmt.Errorf("outbound %q: via %q must name an outbound declared earlier in the list", o.Name, o.Via)
		}
		names[o.Name] = true
	}

	known := func(target string) bool {
		return target == ipn.Direct || target == ipn.Reject || names[target]
	}

	for i, r := range f.Rules {
		if !known(r.Target) {
			return fmt.Errorf("rule #%d: %w: %q", i, router.ErrUnknownOutbound, r.Target)
		}
	}

	if reg.Mode == ipn.ModeGlobal {
		reg.GlobalOutbound = f.GlobalOutbound
		if !names[reg.GlobalOutbound] {
			return fmt.Errorf("mode: global requires global-outbound to name a configured outbound, got %q", reg.GlobalOutbound)
		}
	}

	return nil
}
