// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session describes a single proxied connection: where it came
// from, where it is headed, and the bits of routing metadata (SO_MARK,
// bound interface, resolved ASN) that accumulate as it moves through the
// dispatcher and router.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

// Network distinguishes TCP from UDP sessions. UDP relay is out of scope
// for this repository (see router/dispatch non-goals) but the type is
// kept so Session can describe either.
type Network uint8

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	if n == UDP {
		return "udp"
	}
	return "tcp"
}

// InboundType records which listener accepted the connection.
type InboundType uint8

const (
	Socks5 InboundType = iota
	HTTPConnect
	Tun
)

func (t InboundType) String() string {
	switch t {
	case Socks5:
		return "socks5"
	case HTTPConnect:
		return "http-connect"
	case Tun:
		return "tun"
	default:
		return "unknown"
	}
}

// address type tags used on the wire, shared by SocksAddr and the Snell/
// Trojan header encoders.
const (
	AtypV4     byte = 0x01
	AtypDomain byte = 0x03
	AtypV6     byte = 0x04
)

var (
	ErrInvalidAtyp   = errors.New("session: invalid address type")
	ErrDomainTooLong = errors.New("session: domain name longer than 255 bytes")
)

// SocksAddr is a destination address: either a literal IP:port or an
// unresolved domain:port pair. It is the address form used by the SOCKS5
// inbound, the Trojan header, and the Snell handshake.
type SocksAddr struct {
	IP     netip.Addr
	Domain string
	Port   uint16
}

// AddrFromIP builds a SocksAddr from a resolved IP and port.
func AddrFromIP(ip netip.Addr, port uint16) SocksAddr {
	return SocksAddr{IP: ip, Port: port}
}

// AddrFromDomain builds a SocksAddr from an unresolved domain and port.
func AddrFromDomain(domain string, port uint16) (SocksAddr, error) {
	if len(domain) > 0xff {
		return SocksAddr{}, ErrDomainTooLong
	}
	return SocksAddr{Domain: domain, Port: port}, nil
}

// AddrFromDomainOrIP builds a SocksAddr from a host string that may be
// either a literal IP or a domain name, picking the right representation.
func AddrFromDomainOrIP(host string, port uint16) SocksAddr {
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddrFromIP(ip, port)
	}
	addr, err := AddrFromDomain(host, port)
	if err != nil {
		// host longer than 255 bytes: truncation would corrupt routing,
		// so fall back to the wildcard rather than silently mangling it.
		return AnyIPv4()
	}
	return addr
}

// AnyIPv4 is the zero-value wildcard address, used as a Session default
// and as the SOCKS5 reply fallback when an outbound exposes no local
// bound address.
func AnyIPv4() SocksAddr {
	return SocksAddr{IP: netip.IPv4Unspecified(), Port: 0}
}

// IsDomain reports whether the address is an unresolved domain name.
func (a SocksAddr) IsDomain() bool {
	return a.Domain != "" && !a.IP.IsValid()
}

// Host returns the address's host component: the domain if unresolved,
// otherwise the IP's string form.
func (a SocksAddr) Host() string {
	if a.IsDomain() {
		return a.Domain
	}
	return a.IP.String()
}

func (a SocksAddr) String() string {
	return net.JoinHostPort(a.Host(), fmt.Sprintf("%d", a.Port))
}

// ReadSocksAddr decodes the wire form: one type byte (0x01/0x03/0x04),
// the address bytes, then a big-endian port.
func ReadSocksAddr(r io.Reader) (SocksAddr, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return SocksAddr{}, err
	}

	switch hdr[0] {
	case AtypV4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return SocksAddr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return SocksAddr{}, err
		}
		return SocksAddr{IP: netip.AddrFrom4(buf), Port: port}, nil

	case AtypV6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return SocksAddr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return SocksAddr{}, err
		}
		return SocksAddr{IP: netip.AddrFrom16(buf), Port: port}, nil

	case AtypDomain:
		var lbuf [1]byte
		if _, err := io.ReadFull(r, lbuf[:]); err != nil {
			return SocksAddr{}, err
		}
		domainLen := int(lbuf[0])
		buf := make([]byte, domainLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return SocksAddr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return SocksAddr{}, err
		}
		return SocksAddr{Domain: string(buf), Port: port}, nil

	default:
		return SocksAddr{}, ErrInvalidAtyp
	}
}

func readPort(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// WriteTo appends the wire encoding of a to buf and returns the result,
// matching the append-style BufMut idiom used elsewhere in this repo's
// framing code.
func (a SocksAddr) WriteTo(buf []byte) []byte {
	if a.IsDomain() {
		buf = append(buf, AtypDomain, byte(len(a.Domain)))
		buf = append(buf, a.Domain...)
		return appendPort(buf, a.Port)
	}

	if a.IP.Is4() {
		b := a.IP.As4()
		buf = append(buf, AtypV4)
		buf = append(buf, b[:]...)
		return appendPort(buf, a.Port)
	}

	b := a.IP.As16()
	buf = append(buf, AtypV6)
	buf = append(buf, b[:]...)
	return appendPort(buf, a.Port)
}

func appendPort(buf []byte, port uint16) []byte {
	return append(buf, byte(port>>8), byte(port))
}

// Session describes one inbound connection as it travels through the
// router and dispatcher. It is mutated in place as routing proceeds:
// Destination may be rewritten by the dispatcher's reverse lookup,
// Resolved/ResolvedIP are filled in by the router when a rule needs the
// destination resolved, ASN/CountryCode by the router's optional geo
// lookup.
type Session struct {
	Network     Network
	Type        InboundType
	Source      netip.AddrPort
	Destination SocksAddr

	// SoMark, when non-zero, is applied to the outbound socket via
	// SO_MARK (see protect package).
	SoMark uint32
	// Iface, when non-empty, binds the outbound socket to this
	// interface name.
	Iface string

	// Resolved and ResolvedIP record the result of an in-dispatch
	// domain resolution, so the router only resolves once per session
	// even if multiple rules would otherwise trigger it.
	Resolved   bool
	ResolvedIP netip.Addr

	// ASN and CountryCode are populated by an optional router.GeoLookup
	// and left zero when none is configured.
	ASN         string
	CountryCode string
}

// Default returns the zero-value session used before an inbound listener
// fills in the real source/destination.
func Default() Session {
	return Session{
		Network:     TCP,
		Type:        Socks5,
		Destination: AnyIPv4(),
	}
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Network, s.Source, s.Destination)
}

// RouteIP returns the address routing decisions should use: the resolved
// IP if one has been filled in, the destination's own IP if it already
// is one, or the zero value if only an unresolved domain is known.
func (s Session) RouteIP() (netip.Addr, bool) {
	if s.Resolved && s.ResolvedIP.IsValid() {
		return s.ResolvedIP, true
	}
	if !s.Destination.IsDomain() {
		return s.Destination.IP, true
	}
	return netip.Addr{}, false
}
