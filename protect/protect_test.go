// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package protect

import "testing"

func TestMakeDialerNilControllerHasNoControlHook(t *testing.T) {
	d := MakeDialer(nil)
	if d.Control != nil {
		t.Fatal("expected a nil Controller to produce a dialer with no Control hook")
	}
}

func TestMakeDialerWithControllerSetsControlHook(t *testing.T) {
	d := MakeDialer(StaticController{Opts: Options{SoMark: 100}})
	if d.Control == nil {
		t.Fatal("expected a configured Controller to set the Control hook")
	}
}

func TestMakeListenConfigMirrorsMakeDialer(t *testing.T) {
	lc := MakeListenConfig(nil)
	if lc.Control != nil {
		t.Fatal("expected a nil Controller to produce a listen config with no Control hook")
	}

	lc2 := MakeListenConfig(StaticController{Opts: Options{Iface: "eth0"}})
	if lc2.Control == nil {
		t.Fatal("expected a configured Controller to set the Control hook")
	}
}
