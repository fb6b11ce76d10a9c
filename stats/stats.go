// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stats tracks byte counters and the outbound chain each
// connection traversed, and aggregates them into a StatisticsManager
// that the dispatcher registers each connection with, holding
// upload/download totals and "blips" (the last second's throughput).
package stats

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MFSGA/Chimera-Client/log"
)

// ChainedStream is a net.Conn augmented with the list of outbound names
// it passed through (DIRECT, then a proxy chain, etc.). Byte counts are
// kept by TrackedStream's Manager, not here.
type ChainedStream interface {
	net.Conn
	// Chain returns the outbound names this stream passed through, in
	// the order they were appended.
	Chain() []string
	// AppendChain records that this stream passed through outbound
	// name. Outbound handlers call this once each, innermost first.
	AppendChain(name string)
}

// chainedStreamWrapper is the concrete ChainedStream used by every
// outbound handler: it passes reads/writes straight through to the
// wrapped connection while accumulating the traversal chain.
type chainedStreamWrapper struct {
	net.Conn
	mu    sync.Mutex
	chain []string
}

// NewChainedStream wraps conn with an empty chain.
func NewChainedStream(conn net.Conn) ChainedStream {
	return &chainedStreamWrapper{Conn: conn}
}

func (c *chainedStreamWrapper) Chain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.chain))
	copy(out, c.chain)
	return out
}

func (c *chainedStreamWrapper) AppendChain(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = append(c.chain, name)
}

// TrackedStream is a ChainedStream whose byte counts are reported to a
// StatisticsManager as they're read/written, and which notifies the
// manager exactly once (via a one-shot channel) when it is closed.
type TrackedStream struct {
	ChainedStream
	id      uuid.UUID
	manager *Manager

	closeOnce sync.Once
	done      chan struct{}
}

// NewTrackedStream wraps conn in a fresh ChainedStream and assigns it a
// random UUIDv4, but does not yet register it with a manager — call
// Track for that once the manager is known.
func NewTrackedStream(conn net.Conn) *TrackedStream {
	return &TrackedStream{
		ChainedStream: NewChainedStream(conn),
		id:            uuid.New(),
		done:          make(chan struct{}),
	}
}

// ID returns this stream's UUID.
func (t *TrackedStream) ID() uuid.UUID { return t.id }

// Track registers t with m so its lifetime and byte counts are visible
// to connection listings and the statistics ticker.
func (t *TrackedStream) Track(m *Manager) {
	t.manager = m
	m.track(t)
}

func (t *TrackedStream) Read(b []byte) (int, error) {
	n, err := t.ChainedStream.Read(b)
	if n > 0 && t.manager != nil {
		t.manager.addDownload(int64(n))
	}
	return n, err
}

func (t *TrackedStream) Write(b []byte) (int, error) {
	n, err := t.ChainedStream.Write(b)
	if n > 0 && t.manager != nil {
		t.manager.addUpload(int64(n))
	}
	return n, err
}

func (t *TrackedStream) Close() error {
	err := t.ChainedStream.Close()
	t.closeOnce.Do(func() {
		close(t.done)
		if t.manager != nil {
			t.manager.untrack(t.id)
		}
	})
	return err
}

// Done returns a channel closed exactly once, when the stream is closed.
func (t *TrackedStream) Done() <-chan struct{} { return t.done }

// CloseWrite half-closes the write side if the wrapped connection
// supports it (e.g. *net.TCPConn, *tls.Conn), matching the relay's
// half-close-on-EOF behaviour instead of tearing down the whole stream.
func (t *TrackedStream) CloseWrite() error {
	if cw, ok := t.rawConn().(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return t.Close()
}

// CloseRead half-closes the read side if the wrapped connection
// supports it; otherwise it is a no-op, leaving the full close to Close.
func (t *TrackedStream) CloseRead() error {
	if cr, ok := t.rawConn().(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

// rawConn returns the connection the chain wrapper delegates to, so the
// half-close assertions above see its methods rather than the wrapper's.
func (t *TrackedStream) rawConn() net.Conn {
	if w, ok := t.ChainedStream.(*chainedStreamWrapper); ok {
		return w.Conn
	}
	return t.ChainedStream
}

// Manager is the StatisticsManager: it holds the set of currently
// tracked connections plus six running counters (upload/download each
// have a "total" and a "temp" accumulator, and a "blip" snapshot of the
// last completed one-second window), matching statistics_manager.rs.
type Manager struct {
	mu          sync.Mutex
	connections map[uuid.UUID]*TrackedStream

	uploadTotal   atomic.Int64
	downloadTotal atomic.Int64
	uploadTemp    atomic.Int64
	downloadTemp  atomic.Int64
	uploadBlip    atomic.Int64
	downloadBlip  atomic.Int64

	stop chan struct{}
}

// NewManager returns a Manager with its one-second ticker already
// running in the background; call Stop to shut it down.
func NewManager() *Manager {
	m := &Manager{
		connections: make(map[uuid.UUID]*TrackedStream),
		stop:        make(chan struct{}),
	}
	go m.kickOff()
	return m
}

func (m *Manager) kickOff() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.uploadBlip.Store(m.uploadTemp.Swap(0))
			m.downloadBlip.Store(m.downloadTemp.Swap(0))
		case <-m.stop:
			return
		}
	}
}

// Stop halts the background ticker. Safe to call once.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) track(t *TrackedStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[t.id] = t
	log.D("stats: tracking %s (active=%d)", t.id, len(m.connections))
}

func (m *Manager) untrack(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, id)
}

func (m *Manager) addUpload(n int64) {
	m.uploadTotal.Add(n)
	m.uploadTemp.Add(n)
}

func (m *Manager) addDownload(n int64) {
	m.downloadTotal.Add(n)
	m.downloadTemp.Add(n)
}

// Snapshot is a point-in-time read of the six counters.
type Snapshot struct {
	UploadTotal   int64
	DownloadTotal int64
	UploadBlip    int64
	DownloadBlip  int64
}

// Snapshot returns the current totals and the most recently completed
// one-second blip.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		UploadTotal:   m.uploadTotal.Load(),
		DownloadTotal: m.downloadTotal.Load(),
		UploadBlip:    m.uploadBlip.Load(),
		DownloadBlip:  m.downloadBlip.Load(),
	}
}

// ActiveCount returns the number of currently tracked connections.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}
