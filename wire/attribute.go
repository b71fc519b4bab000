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

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
)

// Path attribute type codes.
const (
	attrOrigin          uint8 = 1
	attrASPath          uint8 = 2
	attrNextHop         uint8 = 3
	attrMultiExitDisc   uint8 = 4
	attrLocalPref       uint8 = 5
	attrAtomicAggregate uint8 = 6
	attrAggregator      uint8 = 7
	attrCommunities     uint8 = 8
)

// Path attribute flag bits.
const (
	FlagOptional   uint8 = 0x80
	FlagTransitive uint8 = 0x40
	FlagPartial    uint8 = 0x20
	flagExtended   uint8 = 0x10
)

// Origin is the ORIGIN attribute value.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	case OriginIncomplete:
		return "INCOMPLETE"
	}
	return fmt.Sprintf("ORIGIN(%d)", uint8(o))
}

// SegmentType distinguishes the two kinds of AS_PATH segment.
type SegmentType uint8

const (
	ASSet      SegmentType = 1
	ASSequence SegmentType = 2
)

// A Segment is one AS_PATH segment: an ordered sequence of AS numbers, or an
// unordered set that counts as a single hop for path length purposes.
type Segment struct {
	Type SegmentType
	ASNs []uint16
}

// Aggregator is the AGGREGATOR attribute value.
type Aggregator struct {
	AS   uint16
	Addr netip.Addr
}

// An UnknownAttribute is an optional attribute with a type code this codec
// does not understand. Transitive ones are preserved for re-advertisement;
// non-transitive ones are dropped at decode. Flags holds the optional,
// transitive, and partial bits as received; the extended-length bit is
// recomputed at encode time.
type UnknownAttribute struct {
	Flags    uint8
	TypeCode uint8
	Value    []byte
}

// Transitive reports whether the attribute must be passed along to other
// peers.
func (u UnknownAttribute) Transitive() bool { return u.Flags&FlagTransitive != 0 }

// Attributes is the decoded path attribute set of an UPDATE message.
type Attributes struct {
	Origin       Origin
	HasOrigin    bool
	ASPath       []Segment
	NextHop      netip.Addr
	MED          uint32
	HasMED       bool
	LocalPref    uint32
	HasLocalPref bool

	AtomicAggregate bool
	Aggregator      *Aggregator

	// Communities holds RFC 1997 community values.
	Communities []uint32

	// Unknown holds preserved optional transitive attributes, in the order
	// they appeared on the wire.
	Unknown []UnknownAttribute
}

// PathLen returns the AS_PATH length for the decision process: the number of
// ASNs in AS_SEQUENCE segments, with each AS_SET segment counting as one.
func (a *Attributes) PathLen() int {
	var n int
	for _, s := range a.ASPath {
		if s.Type == ASSet {
			n++
		} else {
			n += len(s.ASNs)
		}
	}
	return n
}

// FirstAS returns the neighboring AS at the front of the AS_PATH, or false
// if the path is empty or begins with an AS_SET.
func (a *Attributes) FirstAS() (uint16, bool) {
	if len(a.ASPath) == 0 || a.ASPath[0].Type != ASSequence || len(a.ASPath[0].ASNs) == 0 {
		return 0, false
	}
	return a.ASPath[0].ASNs[0], true
}

// PathContains reports whether the AS_PATH mentions the given AS number in
// any segment.
func (a *Attributes) PathContains(asn uint16) bool {
	for _, s := range a.ASPath {
		if slices.Contains(s.ASNs, asn) {
			return true
		}
	}
	return false
}

// WithPrepended returns a copy of the attributes with the AS number inserted
// at the front of the AS_PATH. The receiver is not modified.
func (a Attributes) WithPrepended(asn uint16) Attributes {
	path := make([]Segment, 0, len(a.ASPath)+1)
	if len(a.ASPath) > 0 && a.ASPath[0].Type == ASSequence {
		first := Segment{Type: ASSequence, ASNs: make([]uint16, 0, len(a.ASPath[0].ASNs)+1)}
		first.ASNs = append(append(first.ASNs, asn), a.ASPath[0].ASNs...)
		path = append(append(path, first), a.ASPath[1:]...)
	} else {
		path = append(append(path, Segment{Type: ASSequence, ASNs: []uint16{asn}}), a.ASPath...)
	}
	a.ASPath = path
	return a
}

// Equal reports whether two attribute sets would encode identically.
func (a *Attributes) Equal(b *Attributes) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, aerr := a.encode()
	bb, berr := b.encode()
	return aerr == nil && berr == nil && bytes.Equal(ab, bb)
}

// appendAttribute appends one encoded attribute, choosing the extended length
// form when the value exceeds one length octet.
func appendAttribute(b []byte, flags, typeCode uint8, value []byte) []byte {
	if len(value) > 0xff {
		b = append(b, flags|flagExtended, typeCode)
		b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	} else {
		b = append(b, flags&^flagExtended, typeCode, uint8(len(value)))
	}
	return append(b, value...)
}

// encode serializes the attributes in canonical type code order.
func (a *Attributes) encode() ([]byte, error) {
	var b []byte
	if a.HasOrigin {
		b = appendAttribute(b, FlagTransitive, attrOrigin, []byte{uint8(a.Origin)})
	}
	if a.ASPath != nil {
		var v []byte
		for _, s := range a.ASPath {
			if len(s.ASNs) == 0 || len(s.ASNs) > 0xff {
				return nil, fmt.Errorf("invalid AS_PATH segment of %d ASNs", len(s.ASNs))
			}
			v = append(v, uint8(s.Type), uint8(len(s.ASNs)))
			for _, asn := range s.ASNs {
				v = binary.BigEndian.AppendUint16(v, asn)
			}
		}
		b = appendAttribute(b, FlagTransitive, attrASPath, v)
	}
	if a.NextHop.IsValid() {
		if !a.NextHop.Is4() {
			return nil, fmt.Errorf("next hop %v is not an IPv4 address", a.NextHop)
		}
		nh := a.NextHop.As4()
		b = appendAttribute(b, FlagTransitive, attrNextHop, nh[:])
	}
	if a.HasMED {
		b = appendAttribute(b, FlagOptional, attrMultiExitDisc, binary.BigEndian.AppendUint32(nil, a.MED))
	}
	if a.HasLocalPref {
		b = appendAttribute(b, FlagTransitive, attrLocalPref, binary.BigEndian.AppendUint32(nil, a.LocalPref))
	}
	if a.AtomicAggregate {
		b = appendAttribute(b, FlagTransitive, attrAtomicAggregate, nil)
	}
	if a.Aggregator != nil {
		if !a.Aggregator.Addr.Is4() {
			return nil, fmt.Errorf("aggregator %v is not an IPv4 address", a.Aggregator.Addr)
		}
		v := binary.BigEndian.AppendUint16(nil, a.Aggregator.AS)
		addr := a.Aggregator.Addr.As4()
		b = appendAttribute(b, FlagOptional|FlagTransitive, attrAggregator, append(v, addr[:]...))
	}
	if len(a.Communities) > 0 {
		var v []byte
		for _, c := range a.Communities {
			v = binary.BigEndian.AppendUint32(v, c)
		}
		b = appendAttribute(b, FlagOptional|FlagTransitive, attrCommunities, v)
	}
	for _, u := range a.Unknown {
		b = appendAttribute(b, u.Flags, u.TypeCode, u.Value)
	}
	return b, nil
}

// wellKnownFlags maps the attribute type codes this codec understands to the
// flag bits RFC 4271 mandates for them.
var wellKnownFlags = map[uint8]uint8{
	attrOrigin:          FlagTransitive,
	attrASPath:          FlagTransitive,
	attrNextHop:         FlagTransitive,
	attrMultiExitDisc:   FlagOptional,
	attrLocalPref:       FlagTransitive,
	attrAtomicAggregate: FlagTransitive,
	attrAggregator:      FlagOptional | FlagTransitive,
	attrCommunities:     FlagOptional | FlagTransitive,
}

// attrError builds the NOTIFICATION data for an attribute level error: the
// full erroneous attribute including its type, length, and value.
func attrError(subcode uint8, flags, typeCode uint8, value []byte, text string) error {
	return newMessageError(UpdateMessageError, subcode, appendAttribute(nil, flags, typeCode, value), text)
}

func decodeAttributes(b []byte) (*Attributes, error) {
	a := &Attributes{}
	seen := map[uint8]bool{}
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil, "truncated attribute header")
		}
		flags, typeCode := b[0], b[1]
		var length int
		if flags&flagExtended != 0 {
			if len(b) < 4 {
				return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil, "truncated attribute header")
			}
			length = int(binary.BigEndian.Uint16(b[2:4]))
			b = b[4:]
		} else {
			length = int(b[2])
			b = b[3:]
		}
		if length > len(b) {
			return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil,
				fmt.Sprintf("attribute %d length %d overruns attribute list", typeCode, length))
		}
		value := b[:length]
		b = b[length:]

		if seen[typeCode] {
			return nil, newMessageError(UpdateMessageError, MalformedAttributeList, nil,
				fmt.Sprintf("duplicate attribute %d", typeCode))
		}
		seen[typeCode] = true

		want, known := wellKnownFlags[typeCode]
		if !known {
			if flags&FlagOptional == 0 {
				return nil, attrError(UnrecognizedWellKnownAttribute, flags, typeCode, value,
					fmt.Sprintf("unrecognized well-known attribute %d", typeCode))
			}
			if flags&FlagTransitive != 0 {
				a.Unknown = append(a.Unknown, UnknownAttribute{
					Flags:    flags &^ flagExtended,
					TypeCode: typeCode,
					Value:    append([]byte(nil), value...),
				})
			}
			// Unknown optional non-transitive attributes are quietly dropped.
			continue
		}
		if flags&(FlagOptional|FlagTransitive) != want {
			return nil, attrError(AttributeFlagsError, flags, typeCode, value,
				fmt.Sprintf("attribute %d has flags %#x, want %#x", typeCode, flags&(FlagOptional|FlagTransitive), want))
		}

		switch typeCode {
		case attrOrigin:
			if length != 1 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("ORIGIN length %d, want 1", length))
			}
			if value[0] > uint8(OriginIncomplete) {
				return nil, attrError(InvalidOriginAttribute, flags, typeCode, value,
					fmt.Sprintf("invalid ORIGIN value %d", value[0]))
			}
			a.Origin = Origin(value[0])
			a.HasOrigin = true
		case attrASPath:
			path, err := decodeASPath(value)
			if err != nil {
				return nil, err
			}
			a.ASPath = path
		case attrNextHop:
			if length != 4 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("NEXT_HOP length %d, want 4", length))
			}
			nh := netip.AddrFrom4([4]byte(value))
			if nh.IsUnspecified() || nh.IsMulticast() {
				return nil, attrError(InvalidNextHopAttribute, flags, typeCode, value,
					fmt.Sprintf("invalid NEXT_HOP %v", nh))
			}
			a.NextHop = nh
		case attrMultiExitDisc:
			if length != 4 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("MULTI_EXIT_DISC length %d, want 4", length))
			}
			a.MED = binary.BigEndian.Uint32(value)
			a.HasMED = true
		case attrLocalPref:
			if length != 4 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("LOCAL_PREF length %d, want 4", length))
			}
			a.LocalPref = binary.BigEndian.Uint32(value)
			a.HasLocalPref = true
		case attrAtomicAggregate:
			if length != 0 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("ATOMIC_AGGREGATE length %d, want 0", length))
			}
			a.AtomicAggregate = true
		case attrAggregator:
			if length != 6 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("AGGREGATOR length %d, want 6", length))
			}
			a.Aggregator = &Aggregator{
				AS:   binary.BigEndian.Uint16(value),
				Addr: netip.AddrFrom4([4]byte(value[2:6])),
			}
		case attrCommunities:
			if length == 0 || length%4 != 0 {
				return nil, attrError(AttributeLengthError, flags, typeCode, value,
					fmt.Sprintf("COMMUNITIES length %d is not a positive multiple of 4", length))
			}
			for i := 0; i < length; i += 4 {
				a.Communities = append(a.Communities, binary.BigEndian.Uint32(value[i:i+4]))
			}
		}
	}
	return a, nil
}

func decodeASPath(b []byte) ([]Segment, error) {
	segments := []Segment{}
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, newMessageError(UpdateMessageError, MalformedASPath, nil, "truncated AS_PATH segment")
		}
		typ, count := SegmentType(b[0]), int(b[1])
		if typ != ASSet && typ != ASSequence {
			return nil, newMessageError(UpdateMessageError, MalformedASPath, nil,
				fmt.Sprintf("invalid AS_PATH segment type %d", typ))
		}
		if count == 0 {
			return nil, newMessageError(UpdateMessageError, MalformedASPath, nil, "empty AS_PATH segment")
		}
		if len(b) < 2+2*count {
			return nil, newMessageError(UpdateMessageError, MalformedASPath, nil, "truncated AS_PATH segment")
		}
		s := Segment{Type: typ, ASNs: make([]uint16, count)}
		for i := 0; i < count; i++ {
			s.ASNs[i] = binary.BigEndian.Uint16(b[2+2*i:])
		}
		segments = append(segments, s)
		b = b[2+2*count:]
	}
	return segments, nil
}
