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

// Package wire implements the BGP-4 wire format from RFC 4271: the five
// message types and the path attributes carried inside UPDATE messages.
// The codec is a pure transform between bytes and message values; it does
// no I/O of its own beyond the ReadMessage framing helper.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

const (
	// MarkerLength is the size of the all-ones synchronization marker.
	MarkerLength = 16
	// HeaderLength is the size of the fixed message header.
	HeaderLength = 19
	// MaxMessageLength is the largest message permitted by RFC 4271.
	MaxMessageLength = 4096
)

// Message type codes.
const (
	TypeOpen         uint8 = 1
	TypeUpdate       uint8 = 2
	TypeNotification uint8 = 3
	TypeKeepalive    uint8 = 4
	TypeRouteRefresh uint8 = 5
)

// A Message is a decoded BGP message.
type Message interface {
	// Type returns the message type code for the header.
	Type() uint8
	// marshalBody appends the encoded message body to b.
	marshalBody(b []byte) ([]byte, error)
}

// A Parameter is one optional parameter from an OPEN message. Capabilities
// (RFC 5492) are parameters with code 2; their value is kept opaque here.
type Parameter struct {
	Code  uint8
	Value []byte
}

// Open is the OPEN message that begins a session.
type Open struct {
	Version    uint8
	AS         uint16
	HoldTime   uint16
	RouterID   netip.Addr
	Parameters []Parameter
}

func (*Open) Type() uint8 { return TypeOpen }

func (m *Open) marshalBody(b []byte) ([]byte, error) {
	if !m.RouterID.Is4() {
		return nil, fmt.Errorf("router ID %v is not an IPv4 address", m.RouterID)
	}
	b = append(b, m.Version)
	b = binary.BigEndian.AppendUint16(b, m.AS)
	b = binary.BigEndian.AppendUint16(b, m.HoldTime)
	id := m.RouterID.As4()
	b = append(b, id[:]...)
	var params []byte
	for _, p := range m.Parameters {
		if len(p.Value) > 0xff {
			return nil, fmt.Errorf("optional parameter %d is too long: %d bytes", p.Code, len(p.Value))
		}
		params = append(params, p.Code, uint8(len(p.Value)))
		params = append(params, p.Value...)
	}
	if len(params) > 0xff {
		return nil, fmt.Errorf("optional parameters too long: %d bytes", len(params))
	}
	b = append(b, uint8(len(params)))
	return append(b, params...), nil
}

// Update is the UPDATE message that announces and withdraws routes. The
// withdrawn routes and NLRI fields carry IPv4 prefixes; Attrs is nil when the
// message carries no path attributes.
type Update struct {
	Withdrawn []netip.Prefix
	Attrs     *Attributes
	NLRI      []netip.Prefix
}

func (*Update) Type() uint8 { return TypeUpdate }

func (m *Update) marshalBody(b []byte) ([]byte, error) {
	withdrawn, err := appendPrefixes(nil, m.Withdrawn)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(withdrawn)))
	b = append(b, withdrawn...)
	var attrs []byte
	if m.Attrs != nil {
		attrs, err = m.Attrs.encode()
		if err != nil {
			return nil, err
		}
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(attrs)))
	b = append(b, attrs...)
	return appendPrefixes(b, m.NLRI)
}

// Notification is the NOTIFICATION message that reports a fatal error.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) Type() uint8 { return TypeNotification }

func (m *Notification) marshalBody(b []byte) ([]byte, error) {
	b = append(b, m.Code, m.Subcode)
	return append(b, m.Data...), nil
}

// Keepalive is the KEEPALIVE message. It has no body.
type Keepalive struct{}

func (Keepalive) Type() uint8 { return TypeKeepalive }

func (Keepalive) marshalBody(b []byte) ([]byte, error) { return b, nil }

// RouteRefresh is the ROUTE-REFRESH message from RFC 2918.
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

func (*RouteRefresh) Type() uint8 { return TypeRouteRefresh }

func (m *RouteRefresh) marshalBody(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, m.AFI)
	return append(b, 0, m.SAFI), nil
}

// Marshal encodes a message, including its header.
func Marshal(m Message) ([]byte, error) {
	b := make([]byte, HeaderLength, 64)
	for i := 0; i < MarkerLength; i++ {
		b[i] = 0xff
	}
	b[HeaderLength-1] = m.Type()
	b, err := m.marshalBody(b)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageLength {
		return nil, fmt.Errorf("message too long: %d bytes", len(b))
	}
	binary.BigEndian.PutUint16(b[MarkerLength:], uint16(len(b)))
	return b, nil
}

// unmarshalHeader validates the fixed header and returns the total message
// length and type code.
func unmarshalHeader(b []byte) (int, uint8, error) {
	for _, c := range b[:MarkerLength] {
		if c != 0xff {
			return 0, 0, newMessageError(MessageHeaderError, ConnectionNotSynchronized, nil, "connection not synchronized")
		}
	}
	length := int(binary.BigEndian.Uint16(b[MarkerLength:]))
	typ := b[HeaderLength-1]
	if length < HeaderLength || length > MaxMessageLength {
		return 0, 0, newMessageError(MessageHeaderError, BadMessageLength, b[MarkerLength:MarkerLength+2],
			fmt.Sprintf("bad message length %d", length))
	}
	min, max := HeaderLength, MaxMessageLength
	switch typ {
	case TypeOpen:
		min = HeaderLength + 10
	case TypeUpdate:
		min = HeaderLength + 4
	case TypeNotification:
		min = HeaderLength + 2
	case TypeKeepalive:
		min, max = HeaderLength, HeaderLength
	case TypeRouteRefresh:
		min, max = HeaderLength+4, HeaderLength+4
	default:
		return 0, 0, newMessageError(MessageHeaderError, BadMessageType, []byte{typ},
			fmt.Sprintf("bad message type %d", typ))
	}
	if length < min || length > max {
		return 0, 0, newMessageError(MessageHeaderError, BadMessageLength, b[MarkerLength:MarkerLength+2],
			fmt.Sprintf("bad length %d for message type %d", length, typ))
	}
	return length, typ, nil
}

func unmarshalBody(typ uint8, b []byte) (Message, error) {
	switch typ {
	case TypeOpen:
		return decodeOpen(b)
	case TypeUpdate:
		return decodeUpdate(b)
	case TypeNotification:
		m := &Notification{Code: b[0], Subcode: b[1]}
		if len(b) > 2 {
			m.Data = append([]byte(nil), b[2:]...)
		}
		return m, nil
	case TypeKeepalive:
		return Keepalive{}, nil
	default: // TypeRouteRefresh, the header check rejects everything else
		return &RouteRefresh{AFI: binary.BigEndian.Uint16(b), SAFI: b[3]}, nil
	}
}

// Unmarshal decodes a complete message, including its header. The input must
// contain exactly one message.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < HeaderLength {
		return nil, newMessageError(MessageHeaderError, BadMessageLength, nil,
			fmt.Sprintf("short message: %d bytes", len(b)))
	}
	length, typ, err := unmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	if length != len(b) {
		return nil, newMessageError(MessageHeaderError, BadMessageLength, b[MarkerLength:MarkerLength+2],
			fmt.Sprintf("length field %d does not match %d available bytes", length, len(b)))
	}
	return unmarshalBody(typ, b[HeaderLength:])
}

// ReadMessage reads and decodes a single message from a byte stream.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [MaxMessageLength]byte
	if _, err := io.ReadFull(r, buf[:HeaderLength]); err != nil {
		return nil, err
	}
	length, typ, err := unmarshalHeader(buf[:HeaderLength])
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, buf[HeaderLength:length]); err != nil {
		return nil, err
	}
	return unmarshalBody(typ, buf[HeaderLength:length])
}

func decodeOpen(b []byte) (*Open, error) {
	m := &Open{
		Version:  b[0],
		AS:       binary.BigEndian.Uint16(b[1:3]),
		HoldTime: binary.BigEndian.Uint16(b[3:5]),
		RouterID: netip.AddrFrom4([4]byte(b[5:9])),
	}
	optLen := int(b[9])
	opts := b[10:]
	if optLen != len(opts) {
		return nil, newMessageError(OpenMessageError, UnsupportedOptionalParameter, nil,
			fmt.Sprintf("optional parameter length %d does not match %d available bytes", optLen, len(opts)))
	}
	for len(opts) > 0 {
		if len(opts) < 2 || len(opts) < 2+int(opts[1]) {
			return nil, newMessageError(OpenMessageError, UnsupportedOptionalParameter, nil, "truncated optional parameter")
		}
		m.Parameters = append(m.Parameters, Parameter{
			Code:  opts[0],
			Value: append([]byte(nil), opts[2:2+opts[1]]...),
		})
		opts = opts[2+opts[1]:]
	}
	return m, nil
}

func decodeUpdate(b []byte) (*Update, error) {
	m := &Update{}
	withdrawnLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if withdrawnLen > len(b)-2 {
		return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil,
			fmt.Sprintf("withdrawn routes length %d overruns message", withdrawnLen))
	}
	var err error
	if m.Withdrawn, err = decodePrefixes(b[:withdrawnLen]); err != nil {
		return nil, err
	}
	b = b[withdrawnLen:]
	attrLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if attrLen > len(b) {
		return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil,
			fmt.Sprintf("path attribute length %d overruns message", attrLen))
	}
	if attrLen > 0 {
		if m.Attrs, err = decodeAttributes(b[:attrLen]); err != nil {
			return nil, err
		}
	}
	if m.NLRI, err = decodePrefixes(b[attrLen:]); err != nil {
		return nil, err
	}
	if len(m.NLRI) > 0 {
		// ORIGIN, AS_PATH, and NEXT_HOP are mandatory when routes are announced.
		switch {
		case m.Attrs == nil || !m.Attrs.HasOrigin:
			return nil, newMessageError(UpdateMessageError, MissingWellKnownAttribute, []byte{attrOrigin}, "missing ORIGIN")
		case m.Attrs.ASPath == nil:
			return nil, newMessageError(UpdateMessageError, MissingWellKnownAttribute, []byte{attrASPath}, "missing AS_PATH")
		case !m.Attrs.NextHop.IsValid():
			return nil, newMessageError(UpdateMessageError, MissingWellKnownAttribute, []byte{attrNextHop}, "missing NEXT_HOP")
		}
	}
	return m, nil
}

// appendPrefixes appends the length-prefixed IPv4 prefix encoding used by the
// withdrawn routes and NLRI fields.
func appendPrefixes(b []byte, prefixes []netip.Prefix) ([]byte, error) {
	for _, p := range prefixes {
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("prefix %v is not IPv4", p)
		}
		p = p.Masked()
		addr := p.Addr().As4()
		b = append(b, uint8(p.Bits()))
		b = append(b, addr[:(p.Bits()+7)/8]...)
	}
	return b, nil
}

func decodePrefixes(b []byte) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for len(b) > 0 {
		bits := int(b[0])
		if bits > 32 {
			return nil, newMessageError(UpdateMessageError, InvalidNetworkField, nil,
				fmt.Sprintf("invalid prefix length %d", bits))
		}
		n := (bits + 7) / 8
		if len(b) < 1+n {
			return nil, newMessageError(UpdateMessageError, InvalidNetworkField, nil, "truncated prefix")
		}
		var addr [4]byte
		copy(addr[:], b[1:1+n])
		// Trailing bits beyond the prefix length are not meaningful and are
		// masked away rather than treated as an error.
		prefixes = append(prefixes, netip.PrefixFrom(netip.AddrFrom4(addr), bits).Masked())
		b = b[1+n:]
	}
	return prefixes, nil
}
