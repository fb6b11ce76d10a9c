// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ipn

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

type stubHandler struct{ name string }

func (s stubHandler) Name() string       { return s.name }
func (s stubHandler) Type() OutboundType { return TypeDirect }
func (s stubHandler) ConnectStream(context.Context, session.Session) (*stats.TrackedStream, error) {
	return nil, nil
}
func (s stubHandler) ConnectStreamWith(context.Context, session.Session, dialer.RemoteConnector) (net.Conn, error) {
	return nil, nil
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(stubHandler{name: "proxy-a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h, err := r.Get("proxy-a")
	if err != nil || h.Name() != "proxy-a" {
		t.Fatalf("Get = (%v, %v), want proxy-a", h, err)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrOutboundNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrOutboundNotFound", err)
	}
}

func TestRegistryRejectsDuplicateAndReservedNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(stubHandler{name: Direct}); err == nil {
		t.Fatal("expected an error registering a reserved name")
	}

	r.Add(stubHandler{name: "proxy-a"})
	if err := r.Add(stubHandler{name: "proxy-a"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate Add = %v, want ErrDuplicateName", err)
	}
}

func TestRegistryGetReservedNames(t *testing.T) {
	r := NewRegistry()
	if h, err := r.Get(Direct); err != nil || h.Name() != Direct {
		t.Fatalf("Get(DIRECT) = (%v, %v)", h, err)
	}
	if h, err := r.Get(Reject); err != nil || h.Name() != Reject {
		t.Fatalf("Get(REJECT) = (%v, %v)", h, err)
	}
}

func TestRegistryModeRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.SetMode(ModeGlobal, "proxy-a")

	mode, global := r.Mode()
	if mode != ModeGlobal || global != "proxy-a" {
		t.Fatalf("Mode() = (%v, %q), want (ModeGlobal, proxy-a)", mode, global)
	}
}

func TestRejectHandlerAlwaysFails(t *testing.T) {
	if _, err := rejectSingleton.ConnectStream(context.Background(), session.Default()); !errors.Is(err, ErrReject) {
		t.Fatalf("ConnectStream = %v, want ErrReject", err)
	}
}
