// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"testing"
	"time"
)

func TestExpMapSetThenGetBeforeExpiry(t *testing.T) {
	m := NewExpiringMap()
	m.Set("example.com", time.Minute)

	if got := m.Get("example.com"); got != 0 {
		t.Fatalf("Get on first hit = %d, want 0", got)
	}
	if got := m.Get("example.com"); got != 1 {
		t.Fatalf("Get on second hit = %d, want 1", got)
	}
}

func TestExpMapResetsHitsAfterExpiry(t *testing.T) {
	m := NewExpiringMap()
	m.Set("example.com", time.Millisecond)
	m.Get("example.com")

	time.Sleep(5 * time.Millisecond)

	if got := m.Get("example.com"); got != 0 {
		t.Fatalf("Get after expiry = %d, want 0 (hit count reset)", got)
	}
}

func TestExpMapDeleteAndLen(t *testing.T) {
	m := NewExpiringMap()
	m.Set("a", time.Minute)
	m.Set("b", time.Minute)
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	m.Delete("a")
	if m.Len() != 1 {
		t.Fatalf("Len() after Delete = %d, want 1", m.Len())
	}
}

func TestExpMapClear(t *testing.T) {
	m := NewExpiringMap()
	m.Set("a", time.Minute)
	m.Set("b", time.Minute)

	if n := m.Clear(); n != 2 {
		t.Fatalf("Clear() returned %d, want 2", n)
	}
	if m.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", m.Len())
	}
}
