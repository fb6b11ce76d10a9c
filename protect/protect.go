// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright 2019 The Outline Authors
//
//     Licensed under the Apache License, Version 2.0 (the "License");
//     you may not use this file except in compliance with the License.
//     You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
//     Unless required by applicable law or agreed to in writing, software
//     distributed under the License is distributed on an "AS IS" BASIS,
//     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//     See the License for the specific language governing permissions and
//     limitations under the License.

// Package protect builds net.Dialer/net.ListenConfig values whose sockets
// are bound to a specific interface and/or tagged with SO_MARK before
// connect(2) runs, via the syscall.RawConn.Control hook. This is how a
// RemoteConnector honours a Session's Iface/SoMark fields.
package protect

import (
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/MFSGA/Chimera-Client/log"
)

// Options carries the per-connection bind instructions a Controller
// applies to an outbound socket before it connects.
type Options struct {
	// Iface, when non-empty, binds the socket to this interface name
	// (SO_BINDTODEVICE on Linux).
	Iface string
	// SoMark, when non-zero, tags the socket with SO_MARK.
	SoMark uint32
}

// Controller decides how an outbound socket should be bound. A nil
// Controller falls back to the platform default (no binding).
type Controller interface {
	// Bind is called once per dial, before connect(2), to apply
	// interface/mark settings to fd for the given network ("tcp4",
	// "tcp6", "udp4", "udp6", ...).
	Bind(network string, fd int) error
}

// StaticController always applies the same Options, regardless of
// network or address — the common case for a single outbound handler
// configured with a fixed iface/so_mark.
type StaticController struct {
	Opts Options
}

func (s StaticController) Bind(network string, fd int) error {
	return bind(network, fd, s.Opts)
}

func bind(network string, fd int, opts Options) error {
	if opts.SoMark != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(opts.SoMark)); err != nil {
			log.E("protect: setsockopt SO_MARK(%d) failed: %v", opts.SoMark, err)
			return err
		}
	}
	if opts.Iface != "" {
		if err := unix.BindToDevice(fd, opts.Iface); err != nil {
			log.E("protect: bind-to-device(%s) failed: %v", opts.Iface, err)
			return err
		}
	}
	return nil
}

func controlFor(c Controller) func(string, string, syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		addr, parseErr := netip.ParseAddrPort(address)
		var controlErr error
		err := rc.Control(func(fd uintptr) {
			controlErr = c.Bind(network, int(fd))
		})
		if err != nil {
			return err
		}
		if controlErr != nil {
			log.D("protect: control net(%s) addr(%s/%v) failed: %v", network, addr, parseErr, controlErr)
		}
		return controlErr
	}
}

// MakeDialer returns a *net.Dialer whose Control hook binds every socket
// per c. A nil Controller yields a plain dialer.
func MakeDialer(c Controller) *net.Dialer {
	if c == nil {
		return MakeDefaultDialer()
	}
	return &net.Dialer{Control: controlFor(c)}
}

// MakeListenConfig mirrors MakeDialer for listening sockets.
func MakeListenConfig(c Controller) *net.ListenConfig {
	if c == nil {
		return MakeDefaultListenConfig()
	}
	return &net.ListenConfig{Control: controlFor(c)}
}

// MakeDefaultDialer returns a dialer with no binding behaviour.
func MakeDefaultDialer() *net.Dialer {
	return &net.Dialer{}
}

// MakeDefaultListenConfig returns a listen config with no binding
// behaviour.
func MakeDefaultListenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}
