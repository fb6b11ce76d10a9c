// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package snell

import (
	"io"
	"net"
	"testing"
)

// loopbackPipe returns a connected pair of TCP conns. handshake writes its
// outgoing salt before reading the peer's, so an unbuffered net.Pipe()
// deadlocks both sides on their first Write; a real socketpair has enough
// kernel buffering to let both salts land before either side reads.
func loopbackPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server := <-acceptCh:
		return client, server
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	}
	return nil, nil
}

func TestParseObfs(t *testing.T) {
	cases := map[string]Obfs{
		"":     ObfsNone,
		"none": ObfsNone,
		"TLS":  ObfsTLS,
		" tls": ObfsTLS,
		"http": ObfsHTTP,
	}
	for in, want := range cases {
		got, err := ParseObfs(in)
		if err != nil {
			t.Fatalf("ParseObfs(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseObfs(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseObfs("quic"); err == nil {
		t.Fatal("expected an error for an unsupported obfs type")
	}
}

func TestIncrementNonceCarries(t *testing.T) {
	nonce := make([]byte, nonceSize)
	nonce[0] = 0xff
	incrementNonce(nonce)
	if nonce[0] != 0x00 || nonce[1] != 0x01 {
		t.Fatalf("incrementNonce carry failed: %v", nonce)
	}
}

// TestHandshakeAndFramingRoundTrip drives the Snell v2 AEAD framing over
// a loopback TCP pair: both ends derive matching directional ciphers from
// the exchanged salts, then one side's writes must decode cleanly on
// the other.
func TestHandshakeAndFramingRoundTrip(t *testing.T) {
	clientRaw, serverRaw := loopbackPipe(t)
	defer clientRaw.Close()
	defer serverRaw.Close()
	psk := []byte("shared-secret")

	type result struct {
		c   *conn
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := handshake(clientRaw, psk, V2)
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := handshake(serverRaw, psk, V2)
		serverCh <- result{c, err}
	}()

	client := <-clientCh
	server := <-serverCh
	if client.err != nil || server.err != nil {
		t.Fatalf("handshake failed: client=%v server=%v", client.err, server.err)
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		_, err := client.c.Write(payload)
		done <- err
	}()

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(server.c, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("round trip mismatch: got %q, want %q", buf, payload)
	}
}

func TestHandshakeWrongPSKFailsToDecrypt(t *testing.T) {
	clientRaw, serverRaw := loopbackPipe(t)
	defer clientRaw.Close()
	defer serverRaw.Close()

	type result struct {
		c   *conn
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := handshake(clientRaw, []byte("psk-a"), V1)
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := handshake(serverRaw, []byte("psk-b"), V1)
		serverCh <- result{c, err}
	}()

	client := <-clientCh
	server := <-serverCh
	if client.err != nil || server.err != nil {
		t.Fatalf("handshake failed: client=%v server=%v", client.err, server.err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.c.Write([]byte("hello"))
		done <- err
	}()

	buf := make([]byte, 5)
	_, readErr := io.ReadFull(server.c, buf)
	<-done
	if readErr == nil {
		t.Fatal("expected decryption to fail with mismatched PSKs")
	}
}
