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

// This file implements the session state machine from RFC 4271 section 8:
// Idle, Connect, Active, OpenSent, OpenConfirm, Established. Every fatal
// condition sends at most one NOTIFICATION, releases the transport, and
// returns to Idle.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/littlebgp/littlebgp/wire"
)

type fsmState uint8

const (
	stateIdle fsmState = iota
	stateConnect
	stateActive
	stateOpenSent
	stateOpenConfirm
	stateEstablished
	// stateTerminate is an additional state used as a signal to terminate the
	// run loop.
	stateTerminate
)

func (s fsmState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateConnect:
		return "CONNECT"
	case stateActive:
		return "ACTIVE"
	case stateOpenSent:
		return "OPENSENT"
	case stateOpenConfirm:
		return "OPENCONFIRM"
	case stateEstablished:
		return "ESTABLISHED"
	case stateTerminate:
		return "TERMINATE"
	}
	return "UNKNOWN"
}

// Optional parameter and capability codes used in our OPEN message.
const (
	capabilityParameter uint8 = 2
	capRouteRefresh     uint8 = 2
)

// errStopped reports that a blocking receive was interrupted by an
// administrative stop.
var errStopped = errors.New("administrative stop")

// session holds the parameters negotiated for one BGP connection.
type session struct {
	peerASN  uint16
	peerID   uint32
	holdTime time.Duration
	external bool
	localIP  netip.Addr
}

type fsm struct {
	server *Server
	peer   *Peer
	timers *Timers
	rib    *RIB
	logger *slog.Logger
	// acceptC passes incoming connections from the Server accept loop to the
	// run loop.
	acceptC chan net.Conn
	state   fsmState
	// stopC is closed to signal the run loop to terminate.
	stopC    chan struct{}
	stopOnce sync.Once
	// doneC is closed when the run loop has terminated.
	doneC chan struct{}
}

func (f *fsm) setState(s fsmState) {
	f.logger.Info("bgp state transition", "from", f.state.String(), "to", s.String())
	f.state = s
}

func (f *fsm) setStateError(s fsmState, err error) {
	f.logger.Warn("bgp state transition", "from", f.state.String(), "to", s.String(), "details", err)
	f.state = s
}

// routerIDNumber converts a BGP identifier to its numeric form for the
// decision process tie break.
func routerIDNumber(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// dialPeer attempts to connect to the peer in the background, and returns the
// opened connection or error on a channel. If the caller does not read from
// the channel within a short time of the connection being established, the
// connection will automatically be closed. It is safe for callers to abandon
// a dial attempt and never read from either channel.
func dialPeer(d *net.Dialer, addr string) (<-chan net.Conn, <-chan error) {
	// connC has no buffer because we want to detect when the channel is read.
	connC := make(chan net.Conn)
	// errC has a buffer to avoid a resource leak if the caller abandons the dial.
	errC := make(chan error, 1)
	go func(connC chan<- net.Conn, errC chan<- error) {
		c, err := d.Dial("tcp", addr)
		if err != nil {
			errC <- err
			return
		}
		select {
		case connC <- c:
		case <-time.After(3 * time.Second):
			// We've lost the race against an incoming connection. Close ours.
			c.Close()
		}
	}(connC, errC)
	return connC, errC
}

// sendMessage encodes and writes one message to the peer.
func sendMessage(c net.Conn, m wire.Message, timeout time.Duration) error {
	b, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

// recvMessage reads and decodes one message from the peer.
func recvMessage(c net.Conn, deadline time.Time) (wire.Message, error) {
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return wire.ReadMessage(c)
}

// recvWithStop reads one message while also watching for an administrative
// stop, which must interrupt the blocked read. The deadline is installed
// before the watcher starts so the watcher's past deadline always wins.
func (f *fsm) recvWithStop(c net.Conn, deadline time.Time) (wire.Message, error) {
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	watch := make(chan struct{})
	go func() {
		select {
		case <-f.stopC:
			c.SetReadDeadline(time.Unix(1, 0)) // unblock the read
		case <-watch:
		}
	}()
	m, err := wire.ReadMessage(c)
	close(watch)
	select {
	case <-f.stopC:
		return nil, errStopped
	default:
	}
	return m, err
}

func sendNotification(c net.Conn, code, subcode uint8, data []byte) error {
	return sendMessage(c, &wire.Notification{Code: code, Subcode: subcode, Data: data}, defaultNotificationTimeout)
}

// maybeSendNotification sends a NOTIFICATION if the passed error carries a
// wire.MessageError and does nothing otherwise.
func maybeSendNotification(c net.Conn, e error) error {
	var me *wire.MessageError
	if errors.As(e, &me) {
		return sendNotification(c, me.Code, me.Subcode, me.Data)
	}
	return nil
}

// sendOpen sends our OPEN message.
func (f *fsm) sendOpen(c net.Conn) error {
	m := &wire.Open{
		Version:  4,
		AS:       f.server.ASN,
		HoldTime: uint16(f.timers.HoldTime / time.Second),
		RouterID: f.server.RouterID,
		Parameters: []wire.Parameter{
			{Code: capabilityParameter, Value: []byte{capRouteRefresh, 0}},
		},
	}
	return sendMessage(c, m, defaultOpenTimeout)
}

// validateOpen checks the peer's OPEN message and returns the negotiated
// session parameters. Validation failures return a *wire.MessageError whose
// subcode identifies the problem for the NOTIFICATION back to the peer.
func (f *fsm) validateOpen(o *wire.Open) (session, error) {
	var s session
	if o.Version != 4 {
		return s, &wire.MessageError{
			Code: wire.OpenMessageError, Subcode: wire.UnsupportedVersionNumber,
			Data: []byte{0, 4},
			Text: fmt.Sprintf("unsupported BGP version %d", o.Version),
		}
	}
	if o.AS == 0 || (f.peer.ASN != 0 && o.AS != f.peer.ASN) {
		return s, &wire.MessageError{
			Code: wire.OpenMessageError, Subcode: wire.BadPeerAS,
			Text: fmt.Sprintf("wrong peer AS: got %d, want %d", o.AS, f.peer.ASN),
		}
	}
	if !o.RouterID.Is4() || o.RouterID.IsUnspecified() || o.RouterID == f.server.RouterID {
		return s, &wire.MessageError{
			Code: wire.OpenMessageError, Subcode: wire.BadBGPIdentifier,
			Text: fmt.Sprintf("bad BGP identifier %v", o.RouterID),
		}
	}
	// RFC 4271 forbids hold times of 1 and 2 seconds. Zero would disable
	// keepalives entirely and is rejected as well. There is no upper bound;
	// a high proposal just loses to our own value in the negotiation below.
	if o.HoldTime < 3 {
		return s, &wire.MessageError{
			Code: wire.OpenMessageError, Subcode: wire.UnacceptableHoldTime,
			Text: fmt.Sprintf("unacceptable hold time %d", o.HoldTime),
		}
	}
	hold := time.Duration(o.HoldTime) * time.Second
	if f.timers.HoldTime < hold {
		hold = f.timers.HoldTime
	}
	return session{
		peerASN:  o.AS,
		peerID:   routerIDNumber(o.RouterID),
		holdTime: hold,
		external: o.AS != f.server.ASN,
	}, nil
}

// toOpenSent sends our OPEN on a freshly established transport and advances
// the state machine, or falls back to Idle.
func (f *fsm) toOpenSent(c net.Conn) {
	if err := f.sendOpen(c); err != nil {
		c.Close() // ignore errors
		f.setStateError(stateIdle, err)
		return
	}
	f.setState(stateOpenSent)
}

// notification is a pending NOTIFICATION transmission. The zero value asks
// the send loop to terminate without sending anything.
type notification struct {
	code, subcode uint8
	data          []byte
}

// sendLoop launches a background goroutine that handles outgoing messages:
// route adverts from the Adj-RIB-Out, keepalives, and a final NOTIFICATION.
func (f *fsm) sendLoop(c net.Conn, sess session, out *peerOut) (chan<- notification, <-chan error) {
	// notifyC needs a buffer of 2 because either the run loop or the recv
	// loop may wish to transmit a NOTIFICATION.
	notifyC := make(chan notification, 2)
	errC := make(chan error, 1)
	go func(notifyC <-chan notification, errC chan<- error) {
		keepalive := time.NewTimer(f.timers.NextKeepAlive(sess.holdTime))
		defer keepalive.Stop()
		resetKeepalive := func() {
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(f.timers.NextKeepAlive(sess.holdTime))
		}
		for {
			select {
			case <-out.ready:
				for _, ad := range out.q.drain() {
					if err := f.sendAdvert(c, sess, ad); err != nil {
						errC <- err
						return
					}
				}
				// An UPDATE counts as liveness for the peer's hold timer.
				resetKeepalive()
			case <-keepalive.C:
				if err := sendMessage(c, wire.Keepalive{}, defaultMessageTimeout); err != nil {
					errC <- err
					return
				}
				keepalive.Reset(f.timers.NextKeepAlive(sess.holdTime))
			case n := <-notifyC:
				if n.code == 0 {
					// We've been asked to terminate without sending a NOTIFICATION.
					errC <- nil
				} else {
					errC <- sendNotification(c, n.code, n.subcode, n.data)
				}
				return
			}
		}
	}(notifyC, errC)
	return notifyC, errC
}

// sendAdvert transmits one Adj-RIB-Out change as an UPDATE.
func (f *fsm) sendAdvert(c net.Conn, sess session, ad advert) error {
	if ad.attrs == nil {
		f.logger.Info("withdrawing route", "prefix", ad.prefix)
		return sendMessage(c, &wire.Update{Withdrawn: []netip.Prefix{ad.prefix}}, defaultMessageTimeout)
	}
	attrs := *ad.attrs
	if !attrs.NextHop.IsValid() {
		if !sess.localIP.IsValid() {
			// NEXT_HOP is mandatory. Refusing the send ends the session;
			// a malformed UPDATE would have the peer reset it anyway.
			return fmt.Errorf("no next hop for %v and no local address to substitute", ad.prefix)
		}
		attrs.NextHop = sess.localIP
	}
	f.logger.Info("announcing route", "prefix", ad.prefix, "nexthop", attrs.NextHop)
	return sendMessage(c, &wire.Update{Attrs: &attrs, NLRI: []netip.Prefix{ad.prefix}}, defaultMessageTimeout)
}

// processUpdate turns one received UPDATE into RIB announcements and
// withdrawals, applying the import filter.
func (f *fsm) processUpdate(sess session, m *wire.Update) {
	withdrawn := m.Withdrawn
	var announced []Route
	for _, prefix := range m.NLRI {
		attrs := *m.Attrs
		if f.peer.ImportFilter != nil {
			if err := f.peer.ImportFilter(prefix, &attrs); err != nil {
				if !errors.Is(err, ErrDiscard) {
					f.logger.Warn("import filter rejected route", "prefix", prefix, "details", err)
				}
				// A rejected replacement still invalidates the previous route.
				withdrawn = append(withdrawn, prefix)
				continue
			}
		}
		announced = append(announced, Route{
			Prefix:   prefix,
			Attrs:    attrs,
			Peer:     f.peer.Addr,
			PeerID:   sess.peerID,
			External: sess.external,
		})
	}
	f.rib.Ingest(f.peer.Addr, withdrawn, announced)
}

// recvLoop launches a background goroutine to handle incoming messages. Any
// received message resets the hold timer; its expiry, a decode failure, or an
// unexpected message type ends the session with the matching NOTIFICATION.
func (f *fsm) recvLoop(c net.Conn, sess session, notifyC chan<- notification) <-chan error {
	errC := make(chan error, 1)
	go func(errC chan<- error) {
		for {
			m, err := recvMessage(c, time.Now().Add(sess.holdTime))
			if err != nil {
				errC <- err // Unblock recvErrC in the run loop before sendErrC.
				var me *wire.MessageError
				var nerr net.Error
				switch {
				case errors.As(err, &me):
					notifyC <- notification{me.Code, me.Subcode, me.Data}
				case errors.As(err, &nerr) && nerr.Timeout():
					notifyC <- notification{wire.HoldTimerExpired, 0, nil}
				default:
					notifyC <- notification{}
				}
				return
			}
			switch m := m.(type) {
			case *wire.Update:
				f.processUpdate(sess, m)
			case wire.Keepalive:
				// Nothing to do beyond the hold timer reset.
			case *wire.RouteRefresh:
				f.logger.Info("route refresh requested", "afi", m.AFI, "safi", m.SAFI)
				f.rib.refresh(f.peer.Addr)
			case *wire.Notification:
				errC <- fmt.Errorf("notification from peer: code=%d subcode=%d data=%q", m.Code, m.Subcode, m.Data)
				notifyC <- notification{}
				return
			default:
				errC <- fmt.Errorf("received unexpected message type %d", m.Type())
				notifyC <- notification{wire.FSMError, wire.UnexpectedMessageInEstablished, nil}
				return
			}
		}
	}(errC)
	return errC
}

// run executes the BGP state machine.
func (f *fsm) run(peer *Peer) {
	f.logger = f.server.logger().With("peer", peer.Addr.String())
	dialer := &net.Dialer{
		Timeout:   defaultOpenTimeout,
		LocalAddr: peer.localAddr(),
		KeepAlive: -1,
	}
	connectRetry := &backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    1 * time.Second,
		Max:    f.timers.ConnectRetry,
	}
	var conn net.Conn
	var sess session
	for {
		switch f.state {
		case stateIdle:
			conn = nil
			var readyToConnect <-chan time.Time
			if !peer.Passive {
				readyToConnect = time.After(connectRetry.Duration())
			}
			select {
			case c := <-f.acceptC:
				conn = c
				f.toOpenSent(conn)
			case <-readyToConnect:
				f.setState(stateConnect)
			case <-f.stopC:
				f.setState(stateTerminate)
			}

		case stateConnect:
			// Make an outgoing connection in the background. An incoming
			// connection may still win the race.
			connC, errC := dialPeer(dialer, peer.dialAddr())
			select {
			case c := <-connC:
				conn = c
				f.toOpenSent(conn)
			case c := <-f.acceptC:
				conn = c
				f.toOpenSent(conn)
			case err := <-errC:
				// The connect retry timer governs the next attempt.
				f.setStateError(stateActive, err)
			case <-f.stopC:
				f.setState(stateTerminate)
			}

		case stateActive:
			select {
			case c := <-f.acceptC:
				conn = c
				f.toOpenSent(conn)
			case <-time.After(connectRetry.Duration()):
				f.setState(stateConnect)
			case <-f.stopC:
				f.setState(stateTerminate)
			}

		case stateOpenSent:
			m, err := f.recvWithStop(conn, time.Now().Add(defaultOpenHoldTime))
			if err != nil {
				if errors.Is(err, errStopped) {
					conn.Close() // ignore errors
					f.setState(stateTerminate)
					continue
				}
				maybeSendNotification(conn, err) // ignore errors
				conn.Close()                     // ignore errors
				f.setStateError(stateIdle, err)
				continue
			}
			switch o := m.(type) {
			case *wire.Open:
				s, err := f.validateOpen(o)
				if err != nil {
					maybeSendNotification(conn, err) // ignore errors
					conn.Close()                     // ignore errors
					f.setStateError(stateIdle, err)
					continue
				}
				if err := sendMessage(conn, wire.Keepalive{}, defaultMessageTimeout); err != nil {
					conn.Close() // ignore errors
					f.setStateError(stateIdle, err)
					continue
				}
				sess = s
				f.setState(stateOpenConfirm)
			case *wire.Notification:
				conn.Close() // ignore errors
				f.setStateError(stateIdle, fmt.Errorf("notification from peer: code=%d subcode=%d", o.Code, o.Subcode))
			default:
				sendNotification(conn, wire.FSMError, wire.UnexpectedMessageInOpenSent, nil) // ignore errors
				conn.Close()                                                                // ignore errors
				f.setStateError(stateIdle, fmt.Errorf("received unexpected message type %d", m.Type()))
			}

		case stateOpenConfirm:
			m, err := f.recvWithStop(conn, time.Now().Add(sess.holdTime))
			if err != nil {
				if errors.Is(err, errStopped) {
					conn.Close() // ignore errors
					f.setState(stateTerminate)
					continue
				}
				maybeSendNotification(conn, err) // ignore errors
				conn.Close()                     // ignore errors
				f.setStateError(stateIdle, err)
				continue
			}
			switch n := m.(type) {
			case wire.Keepalive:
				f.setState(stateEstablished)
			case *wire.Notification:
				conn.Close() // ignore errors
				f.setStateError(stateIdle, fmt.Errorf("notification from peer: code=%d subcode=%d data=%q", n.Code, n.Subcode, n.Data))
			default:
				sendNotification(conn, wire.FSMError, wire.UnexpectedMessageInOpenConfirm, nil) // ignore errors
				conn.Close()                                                                   // ignore errors
				f.setStateError(stateIdle, fmt.Errorf("received unexpected message type %d", m.Type()))
			}

		case stateEstablished:
			connectRetry.Reset()
			if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
				if a, ok := netip.AddrFromSlice(tcp.IP); ok {
					sess.localIP = a.Unmap()
				}
			}
			f.logger.Info("bgp session established",
				"peer_as", sess.peerASN, "hold_time", sess.holdTime)
			out := f.rib.register(peer.Addr, sess.peerASN, peer.ExportFilter)
			notifyC, sendErrC := f.sendLoop(conn, sess, out)
			recvErrC := f.recvLoop(conn, sess, notifyC)
			select {
			case err := <-sendErrC:
				if err != nil {
					f.setStateError(stateIdle, fmt.Errorf("send: %w", err))
				} else {
					// The error emitted by sendLoop should only be nil if a
					// NOTIFICATION was successfully sent. Handle the original
					// error from recvLoop, but don't block if there is none.
					select {
					case err := <-recvErrC:
						f.setStateError(stateIdle, fmt.Errorf("receive: %w", err))
					default:
						f.setStateError(stateIdle, errors.New("session closed"))
					}
				}
			case err := <-recvErrC:
				f.setStateError(stateIdle, fmt.Errorf("receive: %w", err))
				select {
				// Wait for sendLoop to send an optional NOTIFICATION and terminate.
				case <-sendErrC:
				case <-time.After(defaultNotificationTimeout):
				}
			case <-f.stopC:
				notifyC <- notification{code: wire.Cease, subcode: wire.AdministrativeShutdown}
				f.setState(stateTerminate)
				select {
				// Wait for sendLoop to transmit the NOTIFICATION and terminate.
				case <-sendErrC:
				case <-time.After(defaultNotificationTimeout):
				}
			}
			conn.Close() // ignore errors
			f.rib.unregister(peer.Addr)
			f.rib.PeerDown(peer.Addr)

		case stateTerminate:
			close(f.doneC)
			return

		default:
			f.server.fatalf("reached invalid state")
		}
	}
}

// stop signals the run loop to terminate and waits for it to do so. It is
// safe to call more than once.
func (f *fsm) stop() {
	f.stopOnce.Do(func() { close(f.stopC) })
	<-f.doneC
}
