// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MFSGA/Chimera-Client/ipn"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, `
mode: rule
resolver: 1.1.1.1:53
outbounds:
  - name: proxy-a
    type: trojan
    server: example.com
    port: 443
    password: hunter2
rules:
  - type: domain
    domain: example.org
    target: proxy-a
  - type: match
    target: DIRECT
`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Mode != ipn.ModeRule {
		t.Fatalf("Mode = %v, want ModeRule", reg.Mode)
	}
	if len(reg.Outbounds) != 1 || reg.Outbounds[0].Name != "proxy-a" {
		t.Fatalf("Outbounds = %v", reg.Outbounds)
	}
	if len(reg.Rules) != 2 {
		t.Fatalf("Rules = %v", reg.Rules)
	}
}

func TestLoadParsesTimeoutDurations(t *testing.T) {
	path := writeTemp(t, `
mode: rule
idle-timeout: 10s
handshake-timeout: 1m30s
outbounds:
  - name: proxy-a
    type: trojan
rules:
  - type: match
    target: proxy-a
`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.IdleTimeout != 10*time.Second {
		t.Fatalf("IdleTimeout = %v, want 10s", reg.IdleTimeout)
	}
	if reg.HandshakeTimeout != 90*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 1m30s", reg.HandshakeTimeout)
	}
}

func TestLoadRejectsUnknownRuleTarget(t *testing.T) {
	path := writeTemp(t, `
mode: rule
outbounds:
  - name: proxy-a
    type: trojan
rules:
  - type: match
    target: proxy-ghost
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a rule targeting an unregistered outbound")
	}
}

func TestLoadRejectsGlobalAsRuleTarget(t *testing.T) {
	path := writeTemp(t, `
mode: rule
outbounds:
  - name: proxy-a
    type: trojan
rules:
  - type: match
    target: GLOBAL
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a rule targeting GLOBAL, a runtime mode rather than a routable outbound")
	}
}

func TestLoadRejectsDuplicateOutboundNames(t *testing.T) {
	path := writeTemp(t, `
outbounds:
  - name: proxy-a
    type: trojan
  - name: proxy-a
    type: snell
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for duplicate outbound names")
	}
}

func TestLoadGlobalModeRequiresGlobalOutbound(t *testing.T) {
	path := writeTemp(t, `
mode: global
outbounds:
  - name: proxy-a
    type: trojan
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when mode: global has no global-outbound")
	}

	path2 := writeTemp(t, `
mode: global
global-outbound: proxy-a
outbounds:
  - name: proxy-a
    type: trojan
`)

	reg, err := Load(path2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.GlobalOutbound != "proxy-a" {
		t.Fatalf("GlobalOutbound = %q, want proxy-a", reg.GlobalOutbound)
	}
}

func TestLoadUnknownMode(t *testing.T) {
	path := writeTemp(t, `mode: bogus`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
