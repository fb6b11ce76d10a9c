// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package router matches a Session against an ordered list of rules and
// returns the outbound name the first matching rule targets, falling
// back to MATCH (treated as DIRECT by convention) if nothing matches.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/session"
)

// MatchFallback is returned by Route when no rule applied.
const MatchFallback = "MATCH"

var ErrUnknownOutbound = errors.New("router: rule targets an unregistered outbound")

// Rule decides whether it applies to a session and, if so, which
// outbound the session should be routed to.
type Rule interface {
	// Target is the outbound name this rule routes matching sessions to.
	Target() string
	// Apply reports whether this rule matches sess.
	Apply(sess *session.Session) bool
	// TypeName identifies the rule kind for logging (domain, geosite, match).
	TypeName() string
	fmt.Stringer
}

// Resolver is the narrow DNS contract the router needs to resolve a
// domain destination before a rule can evaluate it by IP (e.g. a geosite
// rule). dnsx.Resolver satisfies this structurally.
type Resolver interface {
	Resolve(ctx context.Context, host string) (addr string, err error)
}

// GeoLookup answers country/ASN questions about an IP address. A nil
// GeoLookup means no MMDB is configured; Router then leaves a session's
// CountryCode and ASN unset.
type GeoLookup interface {
	LookupCountry(ip string) (code string, ok bool)
	LookupASN(ip string) (name string, ok bool)
}

// GeoSiteSet answers "is host classified under country's geosite list".
type GeoSiteSet interface {
	Contains(country, host string) bool
}

// Router holds the ordered rule list plus the optional DNS resolver and
// geo lookup used to evaluate rules that need more than the raw
// destination string.
type Router struct {
	rules    []Rule
	resolver Resolver
	geo      GeoLookup
}

// New builds a Router. geo may be nil (see GeoLookup).
func New(rules []Rule, resolver Resolver, geo GeoLookup) *Router {
	return &Router{rules: rules, resolver: resolver, geo: geo}
}

// Route finds the first matching rule for sess, mutating sess in place
// to record the resolved IP (if any rule needed it) and, when that
// resolution succeeds and a GeoLookup is configured, CountryCode/ASN. It
// returns the matched outbound name plus the Rule that matched (nil if
// nothing did, meaning MatchFallback).
func (r *Router) Route(ctx context.Context, sess *session.Session) (string, Rule) {
	for _, rule := range r.rules {
		if needsResolve(rule) && sess.Destination.IsDomain() && !sess.Resolved {
			r.resolveInto(ctx, sess)
		}

		if rule.Apply(sess) {
			log.I("router: matched %s to target %s[%s]", sess, rule.Target(), rule.TypeName())
			return rule.Target(), rule
		}
	}
	return MatchFallback, nil
}

func needsResolve(rule Rule) bool {
	_, ok := rule.(*GeoSiteRule)
	return ok
}

func (r *Router) resolveInto(ctx context.Context, sess *session.Session) {
	if r.resolver == nil {
		return
	}
	addr, err := r.resolver.Resolve(ctx, sess.Destination.Host())
	if err != nil {
		log.D("router: resolve %s failed: %v", sess.Destination.Host(), err)
		return
	}
	sess.Resolved = true
	if parsed, perr := netip.ParseAddr(addr); perr == nil {
		sess.ResolvedIP = parsed
	}

	if r.geo != nil {
		host := addr
		if code, ok := r.geo.LookupCountry(host); ok {
			sess.CountryCode = code
		}
		if sess.ASN == "" {
			if asn, ok := r.geo.LookupASN(host); ok {
				sess.ASN = asn
			}
		}
	}
}

// DomainRule matches an exact domain or, with Suffix set, any domain
// ending in it (clash's DOMAIN vs DOMAIN-SUFFIX distinction).
type DomainRule struct {
	Domain string
	Suffix bool
	target string
}

// NewDomainRule builds a domain rule targeting outbound.
func NewDomainRule(domain, target string, suffix bool) *DomainRule {
	return &DomainRule{Domain: strings.ToLower(domain), Suffix: suffix, target: target}
}

func (d *DomainRule) Target() string { return d.target }

func (d *DomainRule) Apply(sess *session.Session) bool {
	host := strings.ToLower(sess.Destination.Host())
	if d.Suffix {
		return host == d.Domain || strings.HasSuffix(host, "."+d.Domain)
	}
	return host == d.Domain
}

func (d *DomainRule) TypeName() string { return "domain" }

func (d *DomainRule) String() string {
	kind := "DOMAIN"
	if d.Suffix {
		kind = "DOMAIN-SUFFIX"
	}
	return fmt.Sprintf("%s %s %s", d.target, kind, d.Domain)
}

// GeoSiteRule matches when the lowercased destination host is present in
// the configured GeoSiteSet under Country. If the session already carries
// a different CountryCode it does not match; a nil GeoSiteSet never
// matches.
type GeoSiteRule struct {
	Country string
	Sites   GeoSiteSet
	target  string
}

// NewGeoSiteRule builds a geosite rule targeting outbound.
func NewGeoSiteRule(country string, sites GeoSiteSet, target string) *GeoSiteRule {
	return &GeoSiteRule{Country: country, Sites: sites, target: target}
}

func (g *GeoSiteRule) Target() string { return g.target }

func (g *GeoSiteRule) Apply(sess *session.Session) bool {
	if g.Sites == nil {
		return false
	}
	host := strings.ToLower(sess.Destination.Host())
	if sess.CountryCode != "" && !strings.EqualFold(sess.CountryCode, g.Country) {
		return false
	}
	return g.Sites.Contains(g.Country, host)
}

func (g *GeoSiteRule) TypeName() string { return "geosite" }

func (g *GeoSiteRule) String() string {
	return fmt.Sprintf("%s GEOSITE %s", g.target, g.Country)
}

// FinalRule always matches; it is the catch-all rule that should be
// last in the list (equivalent to clash's MATCH type).
type FinalRule struct {
	target string
}

// NewFinalRule builds the catch-all rule targeting outbound.
func NewFinalRule(target string) *FinalRule {
	return &FinalRule{target: target}
}

func (f *FinalRule) Target() string             { return f.target }
func (f *FinalRule) Apply(*session.Session) bool { return true }
func (f *FinalRule) TypeName() string            { return "match" }
func (f *FinalRule) String() string              { return f.target + " MATCH" }
