// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package snell implements the Snell v1/v2 proxy protocol: an
// Argon2id-derived AEAD stream cipher (ChaCha20-Poly1305 for v1,
// AES-128-GCM for v2) framing each write as a length-prefixed,
// independently-nonced chunk, preceded by a random per-direction salt
// exchange and an optional TLS obfuscation layer.
package snell

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/MFSGA/Chimera-Client/dialer"
	"github.com/MFSGA/Chimera-Client/ipn"
	"github.com/MFSGA/Chimera-Client/log"
	"github.com/MFSGA/Chimera-Client/session"
	"github.com/MFSGA/Chimera-Client/stats"
)

// Version selects the cipher suite and handshake command byte.
type Version int

const (
	V1 Version = iota
	V2
)

// Obfs selects the outer obfuscation layer wrapped around the TCP
// socket before the Snell handshake begins.
type Obfs int

const (
	ObfsNone Obfs = iota
	ObfsTLS
	ObfsHTTP
)

// ParseObfs mirrors the teacher's lenient string-to-enum parsing used
// throughout its config layer (case-insensitive, empty means None).
func ParseObfs(s string) (Obfs, error) {
	switch normalize(s) {
	case "", "none", "off":
		return ObfsNone, nil
	case "tls":
		return ObfsTLS, nil
	case "http":
		return ObfsHTTP, nil
	default:
		return ObfsNone, fmt.Errorf("snell: unsupported obfs type %q", s)
	}
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		if r == ' ' || r == '\t' {
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

const (
	versionByte   byte = 1
	cmdConnect    byte = 1
	cmdConnectV2  byte = 5
	payloadLimit       = 0x3fff
	saltSize           = 16
	tagSize            = 16
	nonceSize          = 12
)

var ErrObfsHTTPUnsupported = errors.New("snell: http obfs is not supported")
var ErrHostTooLong = errors.New("snell: destination host longer than 255 bytes")

// HandlerOptions configures one Snell outbound.
type HandlerOptions struct {
	Name     string
	Server   string
	Port     uint16
	PSK      []byte
	Version  Version
	Obfs     Obfs
	ObfsHost string
}

// Handler is an ipn.OutboundHandler speaking the Snell protocol.
type Handler struct {
	opts HandlerOptions

	mu        sync.RWMutex
	connector dialer.RemoteConnector
}

var _ ipn.OutboundHandler = (*Handler)(nil)

// NewHandler builds a Snell outbound. connector is the RemoteConnector
// used to reach opts.Server/opts.Port; pass a dialer.DirectConnector for
// the common case.
func NewHandler(opts HandlerOptions, connector dialer.RemoteConnector) *Handler {
	return &Handler{opts: opts, connector: connector}
}

func (h *Handler) Name() string           { return h.opts.Name }
func (h *Handler) Type() ipn.OutboundType { return ipn.TypeSnell }

func (h *Handler) ConnectStream(ctx context.Context, sess session.Session) (*stats.TrackedStream, error) {
	h.mu.RLock()
	connector := h.connector
	h.mu.RUnlock()

	conn, err := h.connectWithDialer(ctx, sess, connector)
	if err != nil {
		return nil, err
	}
	tracked := stats.NewTrackedStream(conn)
	tracked.AppendChain(h.Name())
	return tracked, nil
}

func (h *Handler) ConnectStreamWith(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error) {
	return h.connectWithDialer(ctx, sess, connector)
}

func (h *Handler) connectWithDialer(ctx context.Context, sess session.Session, connector dialer.RemoteConnector) (net.Conn, error) {
	if h.opts.Obfs == ObfsHTTP {
		return nil, ErrObfsHTTPUnsupported
	}

	raw, err := connector.DialContext(ctx, sess, h.opts.Server, h.opts.Port)
	if err != nil {
		return nil, fmt.Errorf("snell: dial %s:%d: %w", h.opts.Server, h.opts.Port, err)
	}

	obfsConn := raw
	if h.opts.Obfs == ObfsTLS {
		obfsConn, err = wrapTLS(raw, h.opts.ObfsHost)
		if err != nil {
			raw.Close()
			return nil, err
		}
	}

	snellConn, err := handshake(obfsConn, h.opts.PSK, h.opts.Version)
	if err != nil {
		obfsConn.Close()
		return nil, err
	}

	host := sess.Destination.Host()
	if err := writeHeader(snellConn, host, sess.Destination.Port, h.opts.Version == V2); err != nil {
		snellConn.Close()
		return nil, err
	}

	log.D("snell: connected to %s via %s (v2=%v obfs=%v)", host, h.opts.Server, h.opts.Version == V2, h.opts.Obfs)
	return snellConn, nil
}

func wrapTLS(inner net.Conn, host string) (net.Conn, error) {
	conn := tls.Client(inner, &tls.Config{ServerName: host})
	if err := conn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("snell: tls handshake: %w", err)
	}
	return conn, nil
}

// writeHeader sends the CONNECT request through the already-framed
// Snell stream: version byte, command byte (v1 or v2), a reserved flag
// byte, then the destination as a length-prefixed host plus big-endian
// port. This goes out as one encrypted chunk, just like any other
// payload written to conn.
func writeHeader(conn net.Conn, host string, port uint16, useV2 bool) error {
	if len(host) > 0xff {
		return ErrHostTooLong
	}
	cmd := cmdConnect
	if useV2 {
		cmd = cmdConnectV2
	}
	buf := make([]byte, 0, 4+len(host)+2)
	buf = append(buf, versionByte, cmd, 0, byte(len(host)))
	buf = append(buf, host...)
	buf = append(buf, byte(port>>8), byte(port))

	_, err := conn.Write(buf)
	return err
}

// --- AEAD framing ---

func newAEAD(version Version, psk, salt []byte) (cipher.AEAD, error) {
	keyLen := uint32(32)
	if version == V2 {
		keyLen = 16
	}
	key := argon2.IDKey(psk, salt, 3, 8, 1, keyLen)

	if version == V2 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return chacha20poly1305.New(key)
}

// incrementNonce advances nonce by one, little-endian, matching the
// per-chunk nonce schedule both directions use independently.
func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}

// conn wraps a net.Conn with independent read/write AEAD framing: each
// direction tracks its own nonce, incremented after every seal/open.
type conn struct {
	net.Conn

	writeAEAD  cipher.AEAD
	writeNonce []byte

	readAEAD  cipher.AEAD
	readNonce []byte

	// leftover holds decrypted payload bytes not yet consumed by Read.
	leftover    []byte
	leftoverPos int
}

// handshake performs the salt exchange and derives both directions'
// AEAD ciphers: write our own random salt first, then read the peer's.
func handshake(inner net.Conn, psk []byte, version Version) (*conn, error) {
	saltOut := make([]byte, saltSize)
	if _, err := rand.Read(saltOut); err != nil {
		return nil, fmt.Errorf("snell: rng: %w", err)
	}
	if _, err := inner.Write(saltOut); err != nil {
		return nil, err
	}
	writeAEAD, err := newAEAD(version, psk, saltOut)
	if err != nil {
		return nil, err
	}

	saltIn := make([]byte, saltSize)
	if _, err := io.ReadFull(inner, saltIn); err != nil {
		return nil, err
	}
	readAEAD, err := newAEAD(version, psk, saltIn)
	if err != nil {
		return nil, err
	}

	return &conn{
		Conn:       inner,
		writeAEAD:  writeAEAD,
		writeNonce: make([]byte, nonceSize),
		readAEAD:   readAEAD,
		readNonce:  make([]byte, nonceSize),
	}, nil
}

func (c *conn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > payloadLimit {
			chunk = chunk[:payloadLimit]
		}
		if err := c.writeChunk(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

func (c *conn) writeChunk(payload []byte) error {
	header := []byte{byte(len(payload) >> 8), byte(len(payload))}
	sealedHeader := c.writeAEAD.Seal(nil, c.writeNonce, header, nil)
	incrementNonce(c.writeNonce)

	sealedPayload := c.writeAEAD.Seal(nil, c.writeNonce, payload, nil)
	incrementNonce(c.writeNonce)

	if _, err := c.Conn.Write(sealedHeader); err != nil {
		return err
	}
	_, err := c.Conn.Write(sealedPayload)
	return err
}

func (c *conn) Read(b []byte) (int, error) {
	if c.leftoverPos < len(c.leftover) {
		n := copy(b, c.leftover[c.leftoverPos:])
		c.leftoverPos += n
		if c.leftoverPos >= len(c.leftover) {
			c.leftover = nil
			c.leftoverPos = 0
		}
		return n, nil
	}

	chunk, err := c.readChunk()
	if err != nil {
		return 0, err
	}
	if len(chunk) == 0 {
		return 0, io.EOF
	}

	n := copy(b, chunk)
	if n < len(chunk) {
		c.leftover = chunk[n:]
		c.leftoverPos = 0
	}
	return n, nil
}

func (c *conn) readChunk() ([]byte, error) {
	hdr := make([]byte, 2+tagSize)
	if _, err := io.ReadFull(c.Conn, hdr); err != nil {
		return nil, err
	}
	opened, err := c.readAEAD.Open(hdr[:0], c.readNonce, hdr, nil)
	if err != nil {
		return nil, fmt.Errorf("snell: decrypt header: %w", err)
	}
	incrementNonce(c.readNonce)

	chunkLen := (int(opened[0])<<8 | int(opened[1])) & payloadLimit
	if chunkLen == 0 {
		return nil, nil
	}

	payload := make([]byte, chunkLen+tagSize)
	if _, err := io.ReadFull(c.Conn, payload); err != nil {
		return nil, err
	}
	opened, err = c.readAEAD.Open(payload[:0], c.readNonce, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("snell: decrypt payload: %w", err)
	}
	incrementNonce(c.readNonce)

	return opened, nil
}

func (c *conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c *conn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}
