// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package trojan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"testing"

	"github.com/MFSGA/Chimera-Client/session"
)

func TestNewHandlerHashesPassword(t *testing.T) {
	h := NewHandler(HandlerOptions{Name: "t1", Password: "s3cr3t"}, nil)
	want := sha256.Sum224([]byte("s3cr3t"))
	if h.passwordHex != hex.EncodeToString(want[:]) {
		t.Fatalf("passwordHex = %q, want %q", h.passwordHex, hex.EncodeToString(want[:]))
	}
	if len(h.passwordHex) != 56 {
		t.Fatalf("passwordHex length = %d, want 56", len(h.passwordHex))
	}
}

func TestWriteHeaderWireFormat(t *testing.T) {
	h := NewHandler(HandlerOptions{Name: "t1", Password: "hunter2"}, nil)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := session.Default()
	sess.Destination, _ = session.AddrFromDomain("example.com", 443)

	go func() {
		if err := h.writeHeader(client, sess, false); err != nil {
			t.Errorf("writeHeader: %v", err)
		}
	}()

	hexBuf := make([]byte, 56)
	if _, err := io.ReadFull(server, hexBuf); err != nil {
		t.Fatalf("read password hex: %v", err)
	}
	if string(hexBuf) != h.passwordHex {
		t.Fatalf("wire password = %q, want %q", hexBuf, h.passwordHex)
	}

	crlf := make([]byte, 2)
	io.ReadFull(server, crlf)
	if string(crlf) != "\r\n" {
		t.Fatalf("expected CRLF after password, got %q", crlf)
	}

	cmd := make([]byte, 1)
	io.ReadFull(server, cmd)
	if cmd[0] != cmdTCP {
		t.Fatalf("cmd = %#x, want cmdTCP", cmd[0])
	}

	addr, err := session.ReadSocksAddr(server)
	if err != nil {
		t.Fatalf("ReadSocksAddr: %v", err)
	}
	if addr.String() != sess.Destination.String() {
		t.Fatalf("addr = %s, want %s", addr, sess.Destination)
	}

	io.ReadFull(server, crlf)
	if string(crlf) != "\r\n" {
		t.Fatalf("expected trailing CRLF, got %q", crlf)
	}
}
