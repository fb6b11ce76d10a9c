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

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

// ErrReject is returned by the REJECT outbound for every session.
var ErrReject = errors.New("REJECT")

type rejectHandler struct{}

var rejectSingleton OutboundHandler = rejectHandler{}

func (rejectHandler) Name() string       { return Reject }
func (rejectHandler) Type() OutboundType { return TypeReject }

func (rejectHandler) ConnectStream(context.Context, session.Session) (*stats.TrackedStream, error) {
	return nil, ErrReject
}

func (rejectHandler) ConnectStreamWith(context.Context, session.Session, dialer.RemoteConnector) (net.Conn, error) {
	return nil, ErrReject
}
