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
	"slices"
	"sync"
	"time"

	"github.com/littlebgp/littlebgp/wire"
)

// DefaultLocalPreference is the LOCAL_PREF assumed for routes that do not
// carry the attribute.
const DefaultLocalPreference uint32 = 100

// A Route is one path to a prefix. Routes are treated as immutable once
// installed in a table: an update replaces the entry, it never modifies the
// attributes in place.
type Route struct {
	Prefix netip.Prefix
	Attrs  wire.Attributes
	// Peer is the session address of the neighbor this route was learned
	// from, or the zero Addr for locally originated routes.
	Peer netip.Addr
	// PeerID is the BGP identifier of the originating peer, used as the final
	// decision process tie break.
	PeerID uint32
	// External records whether the route was learned over a session to
	// another AS.
	External bool
}

// Local reports whether the route was originated by this speaker rather than
// learned from a peer.
func (r Route) Local() bool { return !r.Peer.IsValid() }

// An Event reports one Loc-RIB change.
type Event struct {
	Prefix netip.Prefix
	// Route is the new best route, or nil if the prefix became unreachable.
	Route *Route
	Time  time.Time
}

// advert is one pending Adj-RIB-Out transmission for a peer session.
type advert struct {
	prefix netip.Prefix
	// attrs is the exported attribute set, or nil for a withdrawal.
	attrs *wire.Attributes
}

// queue is an unbounded FIFO with a level-triggered ready channel, so that
// RIB writers never block on a slow peer session.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(ready chan struct{}, v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// peerOut is the Adj-RIB-Out of one established peer session.
type peerOut struct {
	addr   netip.Addr
	asn    uint16
	filter Filter
	// advertised maps each prefix to the attributes most recently queued for
	// transmission to the peer.
	advertised map[netip.Prefix]*wire.Attributes
	q          queue[advert]
	ready      chan struct{}
}

type watcher struct {
	q     queue[Event]
	ready chan struct{}
	done  chan struct{}
	ch    chan Event
}

// RIB holds the Adj-RIB-In tables, the Loc-RIB, and the per-session
// Adj-RIB-Out state, and runs the decision process. All mutation is
// serialized through a single mutex so the decision process for a prefix
// always observes a consistent set of candidates. The RIB performs no I/O.
type RIB struct {
	localAS  uint16
	routerID uint32

	mu sync.Mutex
	// adjIn maps peer address to that peer's Adj-RIB-In. Locally originated
	// routes live under the zero Addr.
	adjIn    map[netip.Addr]map[netip.Prefix]Route
	loc      map[netip.Prefix]Route
	outs     map[netip.Addr]*peerOut
	watchers map[*watcher]struct{}
}

func newRIB(localAS uint16, routerID uint32) *RIB {
	return &RIB{
		localAS:  localAS,
		routerID: routerID,
		adjIn:    map[netip.Addr]map[netip.Prefix]Route{},
		loc:      map[netip.Prefix]Route{},
		outs:     map[netip.Addr]*peerOut{},
		watchers: map[*watcher]struct{}{},
	}
}

// localPref returns the LOCAL_PREF to use in the decision process.
func localPref(r *Route) uint32 {
	if r.Attrs.HasLocalPref {
		return r.Attrs.LocalPref
	}
	return DefaultLocalPreference
}

func origin(r *Route) wire.Origin {
	if r.Attrs.HasOrigin {
		return r.Attrs.Origin
	}
	return wire.OriginIGP
}

// keepLeast retains the candidates whose key is the minimum over the set.
func keepLeast(routes []Route, key func(*Route) int64) []Route {
	least := key(&routes[0])
	for i := 1; i < len(routes); i++ {
		if k := key(&routes[i]); k < least {
			least = k
		}
	}
	kept := routes[:0]
	for i := range routes {
		if key(&routes[i]) == least {
			kept = append(kept, routes[i])
		}
	}
	return kept
}

// keepLowestMED drops every route carrying a higher MED than another route
// from the same neighboring AS. Routes whose path does not begin with an
// AS_SEQUENCE have no neighboring AS and are never compared. A route without
// MED counts as zero.
func keepLowestMED(routes []Route) []Route {
	lowest := map[uint16]uint32{}
	for i := range routes {
		first, ok := routes[i].Attrs.FirstAS()
		if !ok {
			continue
		}
		if med, seen := lowest[first]; !seen || routes[i].Attrs.MED < med {
			lowest[first] = routes[i].Attrs.MED
		}
	}
	kept := routes[:0]
	for i := range routes {
		if first, ok := routes[i].Attrs.FirstAS(); ok && routes[i].Attrs.MED > lowest[first] {
			continue
		}
		kept = append(kept, routes[i])
	}
	return kept
}

// bestLocked runs the decision process for one prefix over the current
// Adj-RIB-In entries, or returns nil if no candidate survives. Each rule is
// applied as an elimination over the whole surviving set rather than as a
// pairwise comparison: the MED rule orders only routes that share a
// neighboring AS, so a pairwise ordering is not transitive and the winner
// would depend on iteration order.
func (r *RIB) bestLocked(prefix netip.Prefix) *Route {
	var candidates []Route
	for _, table := range r.adjIn {
		rt, ok := table[prefix]
		if !ok {
			continue
		}
		// A path that already contains our AS is a loop.
		if !rt.Local() && rt.Attrs.PathContains(r.localAS) {
			continue
		}
		candidates = append(candidates, rt)
	}
	if len(candidates) == 0 {
		return nil
	}
	// Highest LOCAL_PREF wins.
	candidates = keepLeast(candidates, func(rt *Route) int64 { return -int64(localPref(rt)) })
	// Shortest AS_PATH wins, with each AS_SET counting as one hop.
	candidates = keepLeast(candidates, func(rt *Route) int64 { return int64(rt.Attrs.PathLen()) })
	// Lowest ORIGIN wins: IGP < EGP < INCOMPLETE.
	candidates = keepLeast(candidates, func(rt *Route) int64 { return int64(origin(rt)) })
	// Lowest MED wins between routes from the same neighboring AS.
	candidates = keepLowestMED(candidates)
	// External routes win over internal ones.
	candidates = keepLeast(candidates, func(rt *Route) int64 {
		if rt.External {
			return 0
		}
		return 1
	})
	// Lowest originating BGP identifier wins.
	candidates = keepLeast(candidates, func(rt *Route) int64 { return int64(rt.PeerID) })
	// Distinct peers never share an identifier, but keep the order total.
	best := candidates[0]
	for _, rt := range candidates[1:] {
		if rt.Peer.Compare(best.Peer) < 0 {
			best = rt
		}
	}
	return &best
}

// Ingest applies one peer's withdrawals and announcements to its Adj-RIB-In
// and reruns the decision process for the affected prefixes. Announcements
// must all belong to the given peer.
func (r *RIB) Ingest(peer netip.Addr, withdrawn []netip.Prefix, announced []Route) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.adjIn[peer]
	if table == nil {
		table = map[netip.Prefix]Route{}
		r.adjIn[peer] = table
	}
	affected := make([]netip.Prefix, 0, len(withdrawn)+len(announced))
	for _, p := range withdrawn {
		if _, ok := table[p]; ok {
			delete(table, p)
			affected = append(affected, p)
		}
	}
	for _, rt := range announced {
		// An announcement for a prefix already present is an implicit
		// withdraw of the earlier route.
		table[rt.Prefix] = rt
		affected = append(affected, rt.Prefix)
	}
	for _, p := range affected {
		r.decideLocked(p, now)
	}
}

// PeerDown withdraws every route learned from the peer, as if the peer had
// sent withdrawals for all of them.
func (r *RIB) PeerDown(peer netip.Addr) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.adjIn[peer]
	if table == nil {
		return
	}
	delete(r.adjIn, peer)
	for p := range table {
		r.decideLocked(p, now)
	}
}

// OriginateLocal installs a locally originated route. The attributes
// typically have an empty AS_PATH; the path is extended on export.
func (r *RIB) OriginateLocal(prefix netip.Prefix, attrs wire.Attributes) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.adjIn[netip.Addr{}]
	if table == nil {
		table = map[netip.Prefix]Route{}
		r.adjIn[netip.Addr{}] = table
	}
	table[prefix] = Route{
		Prefix: prefix,
		Attrs:  attrs,
		PeerID: r.routerID,
	}
	r.decideLocked(prefix, now)
}

// WithdrawLocal removes a locally originated route. Withdrawing a prefix
// that was never originated is a no-op.
func (r *RIB) WithdrawLocal(prefix netip.Prefix) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.adjIn[netip.Addr{}]
	if _, ok := table[prefix]; !ok {
		return
	}
	delete(table, prefix)
	r.decideLocked(prefix, now)
}

// Snapshot returns a copy of the Loc-RIB.
func (r *RIB) Snapshot() map[netip.Prefix]Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[netip.Prefix]Route, len(r.loc))
	for p, rt := range r.loc {
		snapshot[p] = rt
	}
	return snapshot
}

// decideLocked reruns the decision process for one prefix and, if the best
// route changed, updates the Loc-RIB, notifies watchers, and refreshes every
// session's Adj-RIB-Out.
func (r *RIB) decideLocked(prefix netip.Prefix, now time.Time) {
	best := r.bestLocked(prefix)
	old, had := r.loc[prefix]
	if best == nil {
		if !had {
			return
		}
		delete(r.loc, prefix)
	} else {
		if had && old.Peer == best.Peer && old.Attrs.Equal(&best.Attrs) {
			return
		}
		r.loc[prefix] = *best
	}
	ev := Event{Prefix: prefix, Time: now}
	if best != nil {
		rt := *best
		ev.Route = &rt
	}
	for w := range r.watchers {
		w.q.push(w.ready, ev)
	}
	for _, out := range r.outs {
		r.exportLocked(out, prefix, best)
	}
}

// exportRoute computes the attributes to advertise to a session, or nil if
// the route must not be sent there.
func (r *RIB) exportRoute(out *peerOut, prefix netip.Prefix, best *Route) *wire.Attributes {
	if best == nil {
		return nil
	}
	if best.Peer == out.addr {
		// Never echo a route back to the peer it came from.
		return nil
	}
	if best.Attrs.PathContains(out.asn) {
		// The peer would reject this as a loop anyway.
		return nil
	}
	if slices.Contains(best.Attrs.Communities, wire.NoAdvertise) {
		return nil
	}
	if out.asn != r.localAS && slices.Contains(best.Attrs.Communities, wire.NoExport) {
		return nil
	}
	attrs := best.Attrs
	if out.asn != r.localAS {
		attrs = attrs.WithPrepended(r.localAS)
		// LOCAL_PREF and MED do not cross AS boundaries.
		attrs.HasLocalPref = false
		attrs.LocalPref = 0
		attrs.HasMED = false
		attrs.MED = 0
	}
	if !attrs.HasOrigin {
		attrs.Origin = wire.OriginIGP
		attrs.HasOrigin = true
	}
	if attrs.ASPath == nil {
		// A locally originated route reaches an internal session without any
		// prepend. AS_PATH is mandatory on the wire, so send it explicitly
		// empty.
		attrs.ASPath = []wire.Segment{}
	}
	if len(attrs.Unknown) > 0 {
		// Passing along attributes we do not understand requires marking
		// them partial.
		attrs.Unknown = slices.Clone(attrs.Unknown)
		for i := range attrs.Unknown {
			attrs.Unknown[i].Flags |= wire.FlagPartial
		}
	}
	if out.filter != nil {
		if err := out.filter(prefix, &attrs); err != nil {
			return nil
		}
	}
	return &attrs
}

// exportLocked refreshes one prefix in one session's Adj-RIB-Out, queuing an
// UPDATE only if the advertised route actually changed. A route that no
// longer qualifies is implicitly withdrawn.
func (r *RIB) exportLocked(out *peerOut, prefix netip.Prefix, best *Route) {
	attrs := r.exportRoute(out, prefix, best)
	prev, had := out.advertised[prefix]
	if attrs == nil {
		if !had {
			return
		}
		delete(out.advertised, prefix)
		out.q.push(out.ready, advert{prefix: prefix})
		return
	}
	if had && prev.Equal(attrs) {
		return
	}
	out.advertised[prefix] = attrs
	out.q.push(out.ready, advert{prefix: prefix, attrs: attrs})
}

// register creates the Adj-RIB-Out for a newly established session and seeds
// it with the current Loc-RIB. The session drains adverts from the returned
// peerOut until it calls unregister.
func (r *RIB) register(addr netip.Addr, asn uint16, filter Filter) *peerOut {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &peerOut{
		addr:       addr,
		asn:        asn,
		filter:     filter,
		advertised: map[netip.Prefix]*wire.Attributes{},
		ready:      make(chan struct{}, 1),
	}
	r.outs[addr] = out
	for prefix, rt := range r.loc {
		best := rt
		r.exportLocked(out, prefix, &best)
	}
	return out
}

func (r *RIB) unregister(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outs, addr)
}

// refresh requeues a session's entire Adj-RIB-Out, as requested by a
// ROUTE-REFRESH message from the peer.
func (r *RIB) refresh(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outs[addr]
	if out == nil {
		return
	}
	for prefix, attrs := range out.advertised {
		out.q.push(out.ready, advert{prefix: prefix, attrs: attrs})
	}
}

// Watch returns a live stream of Loc-RIB changes, starting from the moment
// of the call, along with a function to cancel the subscription. The stream
// is unbounded; events that predate the subscription are not replayed. Use
// Snapshot for the full current state.
func (r *RIB) Watch() (<-chan Event, func()) {
	w := &watcher{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		ch:    make(chan Event),
	}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	go func() {
		for {
			select {
			case <-w.ready:
			case <-w.done:
				close(w.ch)
				return
			}
			for _, ev := range w.q.drain() {
				select {
				case w.ch <- ev:
				case <-w.done:
					close(w.ch)
					return
				}
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
			close(w.done)
		})
	}
	return w.ch, cancel
}
