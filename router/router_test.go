// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package router

import (
	"context"
	"testing"

	"github.com/MFSGA/Chimera-Client/session"
)

type stubResolver struct {
	addr string
	err  error
}

func (s stubResolver) Resolve(ctx context.Context, host string) (string, error) {
	return s.addr, s.err
}

type stubGeoSite struct{ host, country string }

func (g stubGeoSite) Contains(country, host string) bool {
	return country == g.country && host == g.host
}

func TestDomainRuleExactVsSuffix(t *testing.T) {
	exact := NewDomainRule("example.com", "proxy", false)
	suffix := NewDomainRule("example.com", "proxy", true)

	sess := session.Default()
	sess.Destination, _ = session.AddrFromDomain("api.example.com", 443)

	if exact.Apply(&sess) {
		t.Error("exact DomainRule should not match a subdomain")
	}
	if !suffix.Apply(&sess) {
		t.Error("suffix DomainRule should match a subdomain")
	}
}

func TestRouteFallsBackToMatch(t *testing.T) {
	rules := []Rule{NewDomainRule("example.com", "proxy", false)}
	r := New(rules, nil, nil)

	sess := session.Default()
	sess.Destination, _ = session.AddrFromDomain("other.org", 80)

	target, rule := r.Route(context.Background(), &sess)
	if target != MatchFallback || rule != nil {
		t.Fatalf("Route = (%q, %v), want (%q, nil)", target, rule, MatchFallback)
	}
}

func TestRouteFirstMatchWins(t *testing.T) {
	rules := []Rule{
		NewDomainRule("example.com", "proxy-a", false),
		NewFinalRule("proxy-b"),
	}
	r := New(rules, nil, nil)

	sess := session.Default()
	sess.Destination, _ = session.AddrFromDomain("example.com", 80)

	target, rule := r.Route(context.Background(), &sess)
	if target != "proxy-a" || rule.TypeName() != "domain" {
		t.Fatalf("Route = (%q, %v), want proxy-a/domain", target, rule)
	}
}

func TestGeoSiteRuleResolvesBeforeMatching(t *testing.T) {
	rules := []Rule{NewGeoSiteRule("cn", stubGeoSite{host: "site.cn", country: "cn"}, "proxy")}
	r := New(rules, stubResolver{addr: "1.2.3.4"}, nil)

	sess := session.Default()
	sess.Destination, _ = session.AddrFromDomain("site.cn", 443)

	target, _ := r.Route(context.Background(), &sess)
	if target != "proxy" {
		t.Fatalf("Route = %q, want proxy", target)
	}
	if !sess.Resolved {
		t.Error("expected session to be marked resolved after geosite rule evaluation")
	}
}

func TestFinalRuleAlwaysMatches(t *testing.T) {
	f := NewFinalRule("DIRECT")
	if !f.Apply(nil) {
		t.Fatal("FinalRule.Apply should always return true")
	}
	if f.TypeName() != "match" {
		t.Fatalf("TypeName = %q, want match", f.TypeName())
	}
}
