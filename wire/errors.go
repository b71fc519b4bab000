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

import "fmt"

// NOTIFICATION error codes from RFC 4271 section 4.5.
const (
	MessageHeaderError uint8 = 1
	OpenMessageError   uint8 = 2
	UpdateMessageError uint8 = 3
	HoldTimerExpired   uint8 = 4
	FSMError           uint8 = 5
	Cease              uint8 = 6
)

// Message header error subcodes.
const (
	ConnectionNotSynchronized uint8 = 1
	BadMessageLength          uint8 = 2
	BadMessageType            uint8 = 3
)

// OPEN message error subcodes. Subcode 5 is deprecated.
const (
	UnsupportedVersionNumber     uint8 = 1
	BadPeerAS                    uint8 = 2
	BadBGPIdentifier             uint8 = 3
	UnsupportedOptionalParameter uint8 = 4
	UnacceptableHoldTime         uint8 = 6
)

// UPDATE message error subcodes. Subcode 7 is deprecated.
const (
	MalformedAttributeList         uint8 = 1
	UnrecognizedWellKnownAttribute uint8 = 2
	MissingWellKnownAttribute      uint8 = 3
	AttributeFlagsError            uint8 = 4
	AttributeLengthError           uint8 = 5
	InvalidOriginAttribute         uint8 = 6
	InvalidNextHopAttribute        uint8 = 8
	OptionalAttributeError         uint8 = 9
	InvalidNetworkField            uint8 = 10
	MalformedASPath                uint8 = 11
)

// FSM error subcodes from RFC 6608.
const (
	UnexpectedMessageInOpenSent    uint8 = 1
	UnexpectedMessageInOpenConfirm uint8 = 2
	UnexpectedMessageInEstablished uint8 = 3
)

// Cease subcodes from RFC 4486.
const (
	AdministrativeShutdown uint8 = 2
	PeerDeconfigured       uint8 = 3
	AdministrativeReset    uint8 = 4
)

// A MessageError describes a malformed or semantically invalid message. It
// carries the error code, subcode, and data for the NOTIFICATION that must be
// sent to the peer before the session is torn down.
type MessageError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	Text    string
}

func (e *MessageError) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return fmt.Sprintf("bgp message error: code=%d subcode=%d", e.Code, e.Subcode)
}

func newMessageError(code, subcode uint8, data []byte, text string) error {
	return &MessageError{Code: code, Subcode: subcode, Data: data, Text: text}
}
