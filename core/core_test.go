// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestPipeCopiesBothDirectionsAndReturnsByteCounts(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()

	done := make(chan struct{})
	var sent, recvd int64
	go func() {
		sent, recvd, _, _ = Pipe(a2, b2)
		close(done)
	}()

	go func() {
		a1.Write([]byte("hello"))
	}()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(b1, buf); err != nil {
		t.Fatalf("read forwarded bytes: %v", err)
	}

	go func() {
		b1.Write([]byte("world!"))
		b1.Close()
	}()
	buf2 := make([]byte, 6)
	if _, err := io.ReadFull(a1, buf2); err != nil {
		t.Fatalf("read reverse bytes: %v", err)
	}
	a1.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return")
	}

	if sent != 5 || recvd != 6 {
		t.Fatalf("Pipe = (%d, %d), want (5, 6)", sent, recvd)
	}
}

func TestRecoverSwallowsPanic(t *testing.T) {
	func() {
		defer Recover("test")
		panic("boom")
	}()
	// reaching here means Recover swallowed the panic.
}
