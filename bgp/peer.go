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
	"errors"
	"net"
	"net/netip"
	"strconv"

	"github.com/littlebgp/littlebgp/wire"
)

// A Filter is a function that runs upon import or export of a route.
//
// Import filters receive a fresh copy of the attributes of each announced
// route and may modify it to apply local policy. Export filters run after the
// standard export rewriting (AS prepend, LOCAL_PREF and MED scrubbing on
// external sessions) and may adjust the attributes further, for example to
// override the next hop.
//
// A filter may return ErrDiscard to prevent the route from being imported or
// exported.
type Filter func(prefix netip.Prefix, attrs *wire.Attributes) error

// ErrDiscard is returned by filters that have made an explicit decision to
// discard a route.
var ErrDiscard = errors.New("discard")

// A Peer is a BGP neighbor.
type Peer struct {
	// Addr is the address of the peer. This is required.
	Addr netip.Addr
	// Port is the port on which the peer listens.
	// If not set, port 179 is assumed.
	Port int
	// Passive inhibits dialing the peer. The local server will still accept
	// incoming connections from the peer.
	Passive bool

	// LocalAddr is the local address to dial from, and to match incoming
	// connections against. Optional.
	LocalAddr netip.Addr

	// ASN is the expected AS number of the peer. If set, it is verified
	// against the peer's OPEN message. If zero, any AS is accepted.
	ASN uint16

	// ImportFilter runs for each route received from the peer before it is
	// offered to the RIB. A rejected route is treated as withdrawn.
	ImportFilter Filter

	// ExportFilter runs for each route to be announced to the peer.
	ExportFilter Filter

	// Timers holds optional parameters to control the hold time and the
	// connect retry behavior of the session.
	Timers *Timers

	fsm *fsm
}

func (p *Peer) localAddr() net.Addr {
	if !p.LocalAddr.IsValid() {
		return nil
	}
	return &net.TCPAddr{
		IP:   net.IP(p.LocalAddr.AsSlice()),
		Zone: p.LocalAddr.Zone(),
	}
}

func (p *Peer) dialAddr() string {
	port := 179
	if p.Port != 0 {
		port = p.Port
	}
	if p.Addr.Is6() {
		return "[" + p.Addr.String() + "]:" + strconv.Itoa(port)
	}
	return p.Addr.String() + ":" + strconv.Itoa(port)
}

func (p *Peer) start(s *Server) {
	if p.fsm != nil {
		s.fatalf("tried to start the same peer twice")
	}
	p.fsm = &fsm{
		server:  s,
		peer:    p,
		timers:  newTimers(p.Timers),
		rib:     s.ribLocked(),
		acceptC: make(chan net.Conn, 1),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	go p.fsm.run(p)
}

func (p *Peer) stop() {
	// The fsm is nil if the server was never started.
	if p.fsm != nil {
		p.fsm.stop()
	}
}
