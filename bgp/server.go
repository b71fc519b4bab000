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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/littlebgp/littlebgp/wire"
)

// Server is a BGP speaker: it maintains sessions to the configured peers and
// a RIB shared between them.
type Server struct {
	// RouterID is a unique identifier for this router within its AS. You must
	// populate this with a 32-bit number formatted as an IPv4 address.
	RouterID netip.Addr
	// ASN is the autonomous system number. This is required.
	ASN uint16
	// Logger is the destination for human readable debug logs. If nil, the
	// default slog logger is used.
	Logger *slog.Logger

	mu           sync.Mutex
	rib          *RIB
	listeners    []net.Listener
	peers        map[netip.Addr]*Peer
	running      bool
	closed       bool
	serverClosed chan struct{}
	peersStopped chan struct{}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) fatalf(format string, v ...any) {
	s.logger().Error(fmt.Sprintf(format, v...))
	panic(fmt.Sprintf(format, v...))
}

// ribLocked lazily creates the RIB so that routes may be originated before
// Serve is called.
func (s *Server) ribLocked() *RIB {
	if s.rib == nil {
		s.rib = newRIB(s.ASN, routerIDNumber(s.RouterID))
	}
	return s.rib
}

func (s *Server) ribTable() *RIB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ribLocked()
}

// Originate installs a locally originated route that will be announced to all
// peers, subject to their export filters. The attributes typically have an
// empty AS_PATH; our AS is prepended on export to external peers.
func (s *Server) Originate(prefix netip.Prefix, attrs wire.Attributes) {
	s.ribTable().OriginateLocal(prefix, attrs)
}

// Withdraw removes a locally originated route. Withdrawing a prefix that was
// never originated is a no-op.
func (s *Server) Withdraw(prefix netip.Prefix) {
	s.ribTable().WithdrawLocal(prefix)
}

// Snapshot returns a copy of the current best routes.
func (s *Server) Snapshot() map[netip.Prefix]Route {
	return s.ribTable().Snapshot()
}

// Watch returns a live stream of best route changes and a function to cancel
// the subscription.
func (s *Server) Watch() (<-chan Event, func()) {
	return s.ribTable().Watch()
}

// AddPeer adds a peer.
//
// Peers that are added to a non-running server will be held idle until Serve
// is called. Peers that are added after the first call to Serve will
// immediately have their state machine start running.
func (s *Server) AddPeer(p *Peer) error {
	if !p.Addr.IsValid() {
		return fmt.Errorf("invalid peer address: %v", p.Addr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot add peer to closed server")
	}
	if s.peers[p.Addr] != nil {
		return fmt.Errorf("duplicate peer: %v", p.Addr)
	}
	if s.peers == nil {
		s.peers = map[netip.Addr]*Peer{}
	}
	s.peers[p.Addr] = p
	if s.running {
		p.start(s)
	}
	return nil
}

// RemovePeer stops a peer's session and removes it. Routes learned from the
// peer are withdrawn as the session closes.
func (s *Server) RemovePeer(peer netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot remove peer from closed server")
	}
	p := s.peers[peer]
	if p == nil {
		return fmt.Errorf("peer not found: %v", peer)
	}
	p.stop()
	delete(s.peers, peer)
	return nil
}

func addrFromNetAddr(a net.Addr) netip.Addr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(tcp.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.Addr{}
}

// matchPeer finds the configured peer for an incoming connection. A peer with
// a LocalAddr only matches connections accepted on that address.
func (s *Server) matchPeer(conn net.Conn) (*Peer, error) {
	localAddr := addrFromNetAddr(conn.LocalAddr())
	remoteAddr := addrFromNetAddr(conn.RemoteAddr())
	if !localAddr.IsValid() || !remoteAddr.IsValid() {
		return nil, errors.New("unsupported peer address type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var fullMatch, remoteMatch []*Peer
	for _, p := range s.peers {
		switch {
		case remoteAddr == p.Addr && localAddr == p.LocalAddr:
			fullMatch = append(fullMatch, p)
		case remoteAddr == p.Addr && !p.LocalAddr.IsValid():
			remoteMatch = append(remoteMatch, p)
		}
	}
	for _, match := range [][]*Peer{fullMatch, remoteMatch} {
		switch len(match) {
		case 1:
			return match[0], nil
		case 0:
			continue
		default:
			return nil, errors.New("ambiguous match of more than one peer")
		}
	}
	return nil, errors.New("unknown peer")
}

func (s *Server) acceptLoop(l net.Listener) error {
	defer s.Close() // close server if any listener fails
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept on %v: %w", l.Addr(), err)
		}
		p, err := s.matchPeer(conn)
		if err != nil {
			s.logger().Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "details", err)
			conn.Close() // ignore errors
			continue
		}
		select {
		case p.fsm.acceptC <- conn:
			// We've successfully handed off the connection to the FSM!
		default:
			// The FSM's input queue is full; immediately close the connection
			// so that we don't block the accept loop. This can happen if the
			// peer tries to open two connections.
			s.logger().Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "details", "peer queue is full")
			conn.Close() // ignore errors
		}
	}
}

func (s *Server) start(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot start a closed server")
	}
	if !s.RouterID.Is4() || s.RouterID.IsUnspecified() {
		return fmt.Errorf("invalid router ID: %v", s.RouterID)
	}
	if s.ASN == 0 {
		return errors.New("ASN is required")
	}
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	if s.running {
		return nil
	}
	s.running = true
	s.ribLocked()
	s.serverClosed = make(chan struct{})
	s.peersStopped = make(chan struct{})
	for _, p := range s.peers {
		p.start(s)
	}
	return nil
}

// Serve runs the BGP protocol. A listener is optional, and multiple listeners
// can be provided by calling Serve concurrently in several goroutines. All
// concurrent calls to Serve block until a single call to Shutdown or Close is
// made.
func (s *Server) Serve(l net.Listener) error {
	if err := s.start(l); err != nil {
		return err
	}
	if l != nil {
		return s.acceptLoop(l)
	}
	<-s.serverClosed
	return errors.New("server closed")
}

// Shutdown terminates the server and closes all listeners. It waits for all
// peering connections to be closed before returning. Each established session
// sends a Cease NOTIFICATION before its transport is released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close() // ignore errors
	select {
	case <-s.peersStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the server and closes all listeners. It does not wait for
// peering connections to be closed; to do that call Shutdown instead.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only invoke the close sequence once.
	if s.closed {
		return errors.New("server is already closed")
	}
	s.closed = true
	if s.serverClosed == nil {
		s.serverClosed = make(chan struct{})
		s.peersStopped = make(chan struct{})
	}
	close(s.serverClosed)

	// Close all listeners.
	var closeErr error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			// Only keep the first error from any listener.
			if closeErr == nil {
				closeErr = err
			}
		}
	}

	// Stop the peers, but don't wait for them.
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.fsm != nil {
			peers = append(peers, p)
		}
	}
	peersStopped := s.peersStopped
	go func() {
		var wg sync.WaitGroup
		for _, p := range peers {
			wg.Add(1)
			go func(p *Peer) {
				p.stop()
				wg.Done()
			}(p)
		}
		wg.Wait()
		close(peersStopped)
	}()

	return closeErr
}
