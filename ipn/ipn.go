// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipn defines the OutboundHandler contract every egress
// implementation (Direct, Reject, Trojan, Snell, HTTP1...) satisfies,
// and the registry the router consults by name.
package ipn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

// Reserved outbound names that can never be registered. Registry.Get
// resolves DIRECT and REJECT to built-in handlers; GLOBAL names the
// global runtime mode and is not resolved by Get.
const (
	Direct = "DIRECT"
	Reject = "REJECT"
	Global = "GLOBAL"
)

// OutboundType identifies which protocol an OutboundHandler speaks.
type OutboundType string

const (
	TypeDirect OutboundType = "direct"
	TypeReject OutboundType = "reject"
	TypeTrojan OutboundType = "trojan"
	TypeSnell  OutboundType = "snell"
	TypeHTTP1  OutboundType = "http1"
)

// RuntimeMode selects how the dispatcher picks an outbound for every
// session; only ModeRule consults the rule list.
type RuntimeMode int

const (
	// ModeRule consults the rule list in order (the normal mode).
	ModeRule RuntimeMode = iota
	// ModeGlobal routes every session through a single fixed outbound.
	ModeGlobal
	// ModeDirect bypasses the rule list entirely and always dials
	// directly.
	ModeDirect
)

func (m RuntimeMode) String() string {
	switch m {
	case ModeGlobal:
		return "global"
	case ModeDirect:
		return "direct"
	default:
		return "rule"
	}
}

var (
	ErrOutboundNotFound = errors.New("ipn: outbound not found")
	ErrDuplicateName    = errors.New("ipn: outbound name already registered")
)

// OutboundHandler is the egress abstraction the router dispatches a
// Session to. ConnectStream opens the handler's own RemoteConnector
// (typically a dialer.DirectConnector to the handler's configured
// server); ConnectStreamWith lets a caller substitute a different
// connector so outbounds can be chained (see dialer.ChainConnector).
type OutboundHandler interface {
	// Name returns this outbound's configured name.
	Name() string
	// Type returns which protocol this handler speaks.
	Type() OutboundType
	// ConnectStream opens a tracked stream to sess's destination (or,
	// for proxy outbounds, relays it via the outbound's configured
	// server) using the handler's default connector.
	ConnectStream(ctx context.Context, sess session.Session) (*stats.TrackedStream, error)
	// ConnectStreamWith is ConnectStream with an explicit connector,
	// used for chaining one outbound's dial through another.
	ConnectStreamWith(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error)
}

// type check: ipn.OutboundHandler satisfies dialer.ChainTarget
// structurally, without dialer importing ipn.
var _ dialer.ChainTarget = OutboundHandler(nil)

// Registry holds every configured outbound handler by name, plus the
// active runtime mode and (for ModeGlobal) which outbound that is.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]OutboundHandler
	mode   RuntimeMode
	global string
}

// NewRegistry returns an empty registry in rule mode.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]OutboundHandler),
		mode:   ModeRule,
	}
}

// Add registers h under h.Name(). It is an error to register the same
// name twice, or to use a reserved name.
func (r *Registry) Add(h OutboundHandler) error {
	name := h.Name()
	if name == Direct || name == Reject || name == Global {
		return fmt.Errorf("ipn: %q is a reserved outbound name", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.byName[name] = h
	log.I("ipn: registered outbound %s (%s)", name, h.Type())
	return nil
}

// Get resolves a name to its handler, including the reserved names.
func (r *Registry) Get(name string) (OutboundHandler, error) {
	switch name {
	case Direct:
		return directSingleton, nil
	case Reject:
		return rejectSingleton, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutboundNotFound, name)
	}
	return h, nil
}

// SetMode switches the runtime mode. For ModeGlobal, globalOutbound
// names the outbound every session should be sent to.
func (r *Registry) SetMode(mode RuntimeMode, globalOutbound string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	r.global = globalOutbound
	log.I("ipn: runtime mode set to %s", mode)
}

// Mode returns the active runtime mode and, if ModeGlobal, the outbound
// name it pins every session to.
func (r *Registry) Mode() (RuntimeMode, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode, r.global
}

// Names returns every registered non-reserved outbound name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}
