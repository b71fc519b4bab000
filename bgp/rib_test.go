// Copyright 2025 The littlebgp Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/littlebgp/littlebgp/wire"
)

const testLocalAS uint16 = 65000

var (
	testPrefix = netip.MustParsePrefix("198.51.100.0/24")
	peerA      = netip.MustParseAddr("10.0.0.1")
	peerB      = netip.MustParseAddr("10.0.0.2")
	peerC      = netip.MustParseAddr("10.0.0.3")
)

func testRIB() *RIB {
	return newRIB(testLocalAS, routerIDNumber(netip.MustParseAddr("10.255.0.1")))
}

// route builds an external test route with the given AS path.
func route(peer netip.Addr, peerID uint32, path ...uint16) Route {
	return Route{
		Prefix: testPrefix,
		Attrs: wire.Attributes{
			HasOrigin: true,
			ASPath:    []wire.Segment{{Type: wire.ASSequence, ASNs: path}},
			NextHop:   netip.MustParseAddr("203.0.113.1"),
		},
		Peer:     peer,
		PeerID:   peerID,
		External: true,
	}
}

func ingestAll(r *RIB, routes []Route) {
	for _, rt := range routes {
		r.Ingest(rt.Peer, nil, []Route{rt})
	}
}

func TestDecisionProcess(t *testing.T) {
	withLocalPref := func(rt Route, lp uint32) Route {
		rt.Attrs.LocalPref = lp
		rt.Attrs.HasLocalPref = true
		return rt
	}
	withMED := func(rt Route, med uint32) Route {
		rt.Attrs.MED = med
		rt.Attrs.HasMED = true
		return rt
	}
	withOrigin := func(rt Route, o wire.Origin) Route {
		rt.Attrs.Origin = o
		return rt
	}
	internal := func(rt Route) Route {
		rt.External = false
		return rt
	}
	for _, tc := range []struct {
		Name   string
		Routes []Route
		Want   netip.Addr
	}{
		{
			Name: "highest local pref wins",
			Routes: []Route{
				withLocalPref(route(peerA, 1, 65001, 65002, 65003), 200),
				withLocalPref(route(peerB, 2, 65002), 100),
			},
			Want: peerA,
		},
		{
			Name: "missing local pref defaults to 100",
			Routes: []Route{
				route(peerA, 1, 65001),
				withLocalPref(route(peerB, 2, 65002), 50),
			},
			Want: peerA,
		},
		{
			Name: "shortest as path wins",
			Routes: []Route{
				route(peerA, 1, 65001, 65002),
				route(peerB, 2, 65002),
			},
			Want: peerB,
		},
		{
			Name: "as set counts as one hop",
			Routes: []Route{
				{
					Prefix: testPrefix,
					Attrs: wire.Attributes{
						HasOrigin: true,
						ASPath: []wire.Segment{
							{Type: wire.ASSequence, ASNs: []uint16{65001}},
							{Type: wire.ASSet, ASNs: []uint16{65010, 65011, 65012}},
						},
						NextHop: netip.MustParseAddr("203.0.113.1"),
					},
					Peer:     peerA,
					PeerID:   1,
					External: true,
				},
				route(peerB, 2, 65002, 65003, 65004),
			},
			Want: peerA,
		},
		{
			Name: "lowest origin wins",
			Routes: []Route{
				withOrigin(route(peerA, 1, 65001), wire.OriginIncomplete),
				withOrigin(route(peerB, 2, 65002), wire.OriginEGP),
			},
			Want: peerB,
		},
		{
			Name: "lowest med wins between routes from the same neighbor as",
			Routes: []Route{
				withMED(route(peerA, 1, 65010, 65001), 20),
				withMED(route(peerB, 2, 65010, 65002), 10),
			},
			Want: peerB,
		},
		{
			Name: "med ignored between different neighbor as",
			Routes: []Route{
				withMED(route(peerA, 1, 65011, 65001), 20),
				withMED(route(peerB, 2, 65010, 65002), 10),
			},
			Want: peerA, // falls through to the lower router ID
		},
		{
			Name: "external beats internal",
			Routes: []Route{
				internal(route(peerA, 1, 65001)),
				route(peerB, 2, 65002),
			},
			Want: peerB,
		},
		{
			Name: "lowest router id wins",
			Routes: []Route{
				route(peerA, 9, 65001),
				route(peerB, 2, 65002),
				route(peerC, 5, 65003),
			},
			Want: peerB,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			r := testRIB()
			ingestAll(r, tc.Routes)
			best, ok := r.Snapshot()[testPrefix]
			if !ok {
				t.Fatal("no best route installed")
			}
			if best.Peer != tc.Want {
				t.Errorf("got best route from %v, want %v", best.Peer, tc.Want)
			}
		})
	}
}

// TestDecisionDeterminism verifies that the winner does not depend on the
// order routes arrive in.
func TestDecisionDeterminism(t *testing.T) {
	withMED := func(rt Route, med uint32) Route {
		rt.Attrs.MED = med
		rt.Attrs.HasMED = true
		return rt
	}
	for _, tc := range []struct {
		Name   string
		Routes []Route
		Want   netip.Addr
	}{
		{
			Name: "router id tie break",
			Routes: []Route{
				route(peerA, 9, 65001),
				route(peerB, 2, 65002),
				route(peerC, 5, 65003),
			},
			Want: peerB,
		},
		{
			// The pairwise preferences here form a cycle: the same-AS MED rule
			// favors the first route over the second, while the router ID rule
			// favors the second over the third and the third over the first.
			// The per-rule elimination must still settle on one winner.
			Name: "med preference cycle",
			Routes: []Route{
				withMED(route(peerA, 3, 65001, 65101), 10),
				withMED(route(peerB, 1, 65001, 65102), 20),
				withMED(route(peerC, 2, 65002, 65103), 5),
			},
			Want: peerC,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			perms := [][]int{
				{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
			}
			for _, perm := range perms {
				r := testRIB()
				for _, i := range perm {
					rt := tc.Routes[i]
					r.Ingest(rt.Peer, nil, []Route{rt})
				}
				best, ok := r.Snapshot()[testPrefix]
				if !ok {
					t.Fatalf("permutation %v: no best route installed", perm)
				}
				if best.Peer != tc.Want {
					t.Errorf("permutation %v: got best route from %v, want %v", perm, best.Peer, tc.Want)
				}
			}
		})
	}
}

func TestLoopedPathRejected(t *testing.T) {
	r := testRIB()
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001, testLocalAS, 65002)})
	if _, ok := r.Snapshot()[testPrefix]; ok {
		t.Error("route whose path contains our AS was installed")
	}
	// A clean alternative still wins.
	r.Ingest(peerB, nil, []Route{route(peerB, 2, 65002)})
	best, ok := r.Snapshot()[testPrefix]
	if !ok || best.Peer != peerB {
		t.Errorf("got %+v, want best route from %v", best, peerB)
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("got unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatch(t *testing.T) {
	r := testRIB()
	ch, cancel := r.Watch()
	defer cancel()

	attrs := wire.Attributes{NextHop: netip.MustParseAddr("203.0.113.7")}
	r.OriginateLocal(testPrefix, attrs)
	ev := waitEvent(t, ch)
	if ev.Prefix != testPrefix || ev.Route == nil || !ev.Route.Local() {
		t.Errorf("got event %+v, want local route for %v", ev, testPrefix)
	}

	// Replacing the best route with an identical one is not a change.
	r.OriginateLocal(testPrefix, attrs)
	expectNoEvent(t, ch)

	r.WithdrawLocal(testPrefix)
	ev = waitEvent(t, ch)
	if ev.Prefix != testPrefix || ev.Route != nil {
		t.Errorf("got event %+v, want withdrawal of %v", ev, testPrefix)
	}

	// Withdrawing an absent prefix is a no-op.
	r.WithdrawLocal(testPrefix)
	expectNoEvent(t, ch)
}

func TestWatchCancel(t *testing.T) {
	r := testRIB()
	ch, cancel := r.Watch()
	cancel()
	cancel() // must be safe to call twice
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("got event after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Error("stream not closed after cancel")
	}
	// Changes after cancel must not block the RIB.
	r.OriginateLocal(testPrefix, wire.Attributes{})
}

func TestExportToExternalPeer(t *testing.T) {
	r := testRIB()
	out := r.register(peerB, 65002, nil)
	rt := route(peerA, 1, 65001)
	rt.Attrs.LocalPref = 200
	rt.Attrs.HasLocalPref = true
	rt.Attrs.MED = 30
	rt.Attrs.HasMED = true
	rt.Attrs.Unknown = []wire.UnknownAttribute{
		{Flags: wire.FlagOptional | wire.FlagTransitive, TypeCode: 99, Value: []byte{1}},
	}
	r.Ingest(peerA, nil, []Route{rt})

	adverts := out.q.drain()
	if len(adverts) != 1 {
		t.Fatalf("got %d adverts, want 1", len(adverts))
	}
	attrs := adverts[0].attrs
	if attrs == nil {
		t.Fatal("got a withdrawal, want an announcement")
	}
	wantPath := []wire.Segment{{Type: wire.ASSequence, ASNs: []uint16{testLocalAS, 65001}}}
	if diff := cmp.Diff(wantPath, attrs.ASPath); diff != "" {
		t.Errorf("AS_PATH mismatch (-want +got):\n%s", diff)
	}
	if attrs.HasLocalPref || attrs.HasMED {
		t.Errorf("LOCAL_PREF and MED must not cross the AS boundary: %+v", attrs)
	}
	if len(attrs.Unknown) != 1 || attrs.Unknown[0].Flags&wire.FlagPartial == 0 {
		t.Errorf("re-advertised unknown attribute not marked partial: %+v", attrs.Unknown)
	}
	// The route installed in the table is untouched.
	best := r.Snapshot()[testPrefix]
	if best.Attrs.Unknown[0].Flags&wire.FlagPartial != 0 {
		t.Error("export mutated the installed route")
	}
	if !best.Attrs.HasLocalPref {
		t.Error("export scrubbed LOCAL_PREF from the installed route")
	}
}

func TestExportToInternalPeer(t *testing.T) {
	r := testRIB()
	out := r.register(peerB, testLocalAS, nil)
	rt := route(peerA, 1, 65001)
	rt.Attrs.LocalPref = 200
	rt.Attrs.HasLocalPref = true
	r.Ingest(peerA, nil, []Route{rt})

	adverts := out.q.drain()
	if len(adverts) != 1 {
		t.Fatalf("got %d adverts, want 1", len(adverts))
	}
	attrs := adverts[0].attrs
	wantPath := []wire.Segment{{Type: wire.ASSequence, ASNs: []uint16{65001}}}
	if diff := cmp.Diff(wantPath, attrs.ASPath); diff != "" {
		t.Errorf("AS_PATH mismatch (-want +got):\n%s", diff)
	}
	if !attrs.HasLocalPref || attrs.LocalPref != 200 {
		t.Errorf("LOCAL_PREF must be preserved within the AS: %+v", attrs)
	}
}

func TestExportSuppression(t *testing.T) {
	r := testRIB()
	source := r.register(peerA, 65001, nil)
	looped := r.register(peerB, 65001, nil)
	other := r.register(peerC, 65002, nil)
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001)})

	if adverts := source.q.drain(); len(adverts) != 0 {
		t.Errorf("route echoed back to its source: %+v", adverts)
	}
	if adverts := looped.q.drain(); len(adverts) != 0 {
		t.Errorf("route sent to a peer already in its path: %+v", adverts)
	}
	if adverts := other.q.drain(); len(adverts) != 1 {
		t.Errorf("got %d adverts for a clean peer, want 1", len(adverts))
	}

	// An identical re-announcement queues nothing.
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001)})
	if adverts := other.q.drain(); len(adverts) != 0 {
		t.Errorf("unchanged route re-advertised: %+v", adverts)
	}
}

func TestExportWellKnownCommunities(t *testing.T) {
	withCommunity := func(rt Route, c uint32) Route {
		rt.Attrs.Communities = []uint32{c}
		return rt
	}
	for _, tc := range []struct {
		Name         string
		Route        Route
		WantExternal bool
		WantInternal bool
	}{
		{
			Name:         "no communities",
			Route:        route(peerA, 1, 65001),
			WantExternal: true,
			WantInternal: true,
		},
		{
			Name:         "no-export stays within the as",
			Route:        withCommunity(route(peerA, 1, 65001), wire.NoExport),
			WantInternal: true,
		},
		{
			Name:  "no-advertise goes nowhere",
			Route: withCommunity(route(peerA, 1, 65001), wire.NoAdvertise),
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			r := testRIB()
			external := r.register(peerB, 65002, nil)
			internal := r.register(peerC, testLocalAS, nil)
			r.Ingest(peerA, nil, []Route{tc.Route})
			if got := len(external.q.drain()) == 1; got != tc.WantExternal {
				t.Errorf("exported to external peer: got %v, want %v", got, tc.WantExternal)
			}
			if got := len(internal.q.drain()) == 1; got != tc.WantInternal {
				t.Errorf("exported to internal peer: got %v, want %v", got, tc.WantInternal)
			}
		})
	}
}

func TestExportImplicitWithdraw(t *testing.T) {
	r := testRIB()
	out := r.register(peerB, 65002, nil)
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001)})
	if adverts := out.q.drain(); len(adverts) != 1 || adverts[0].attrs == nil {
		t.Fatalf("got %+v, want one announcement", adverts)
	}
	// The replacement route transits the peer's own AS and therefore cannot
	// be advertised; the earlier announcement must be withdrawn.
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001, 65002)})
	adverts := out.q.drain()
	if len(adverts) != 1 || adverts[0].attrs != nil {
		t.Fatalf("got %+v, want one withdrawal", adverts)
	}
}

func TestExportFilter(t *testing.T) {
	rejected := netip.MustParsePrefix("10.9.0.0/16")
	filter := func(prefix netip.Prefix, attrs *wire.Attributes) error {
		if prefix == rejected {
			return ErrDiscard
		}
		attrs.Communities = append(attrs.Communities, 65000<<16|1)
		return nil
	}
	r := testRIB()
	out := r.register(peerB, 65002, filter)
	rt := route(peerA, 1, 65001)
	rejectedRoute := route(peerA, 1, 65001)
	rejectedRoute.Prefix = rejected
	r.Ingest(peerA, nil, []Route{rt, rejectedRoute})

	adverts := out.q.drain()
	if len(adverts) != 1 {
		t.Fatalf("got %d adverts, want 1", len(adverts))
	}
	if adverts[0].prefix != testPrefix {
		t.Errorf("got advert for %v, want %v", adverts[0].prefix, testPrefix)
	}
	if diff := cmp.Diff([]uint32{65000<<16 | 1}, adverts[0].attrs.Communities); diff != "" {
		t.Errorf("filter edits not applied (-want +got):\n%s", diff)
	}
}

func TestRegisterSeedsFromTable(t *testing.T) {
	r := testRIB()
	r.OriginateLocal(testPrefix, wire.Attributes{NextHop: netip.MustParseAddr("203.0.113.7")})
	out := r.register(peerB, 65002, nil)
	adverts := out.q.drain()
	if len(adverts) != 1 || adverts[0].prefix != testPrefix {
		t.Fatalf("got %+v, want seeded announcement of %v", adverts, testPrefix)
	}
	wantPath := []wire.Segment{{Type: wire.ASSequence, ASNs: []uint16{testLocalAS}}}
	if diff := cmp.Diff(wantPath, adverts[0].attrs.ASPath, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("AS_PATH mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterSeedsInternalPeer(t *testing.T) {
	r := testRIB()
	r.OriginateLocal(testPrefix, wire.Attributes{NextHop: netip.MustParseAddr("203.0.113.7")})
	out := r.register(peerB, testLocalAS, nil)
	adverts := out.q.drain()
	if len(adverts) != 1 || adverts[0].prefix != testPrefix {
		t.Fatalf("got %+v, want seeded announcement of %v", adverts, testPrefix)
	}
	attrs := adverts[0].attrs
	// An internal session sees no prepend, but AS_PATH is still mandatory
	// and must go out as an explicit empty path.
	if attrs.ASPath == nil || len(attrs.ASPath) != 0 {
		t.Errorf("got AS_PATH %v, want an explicit empty path", attrs.ASPath)
	}
	b, err := wire.Marshal(&wire.Update{Attrs: attrs, NLRI: []netip.Prefix{testPrefix}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wire.Unmarshal(b); err != nil {
		t.Errorf("advert does not survive the codec: %v", err)
	}
}

func TestRefreshReplaysAdjRIBOut(t *testing.T) {
	r := testRIB()
	out := r.register(peerB, 65002, nil)
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001)})
	if adverts := out.q.drain(); len(adverts) != 1 {
		t.Fatalf("got %d adverts, want 1", len(adverts))
	}
	r.refresh(peerB)
	adverts := out.q.drain()
	if len(adverts) != 1 || adverts[0].attrs == nil {
		t.Fatalf("got %+v, want the announcement replayed", adverts)
	}
}

func TestPeerDown(t *testing.T) {
	r := testRIB()
	r.Ingest(peerA, nil, []Route{route(peerA, 1, 65001)})
	if _, ok := r.Snapshot()[testPrefix]; !ok {
		t.Fatal("route not installed")
	}
	r.PeerDown(peerA)
	if _, ok := r.Snapshot()[testPrefix]; ok {
		t.Error("route survived the loss of its peer")
	}
	// A second PeerDown for the same peer is a no-op.
	r.PeerDown(peerA)
}
