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
	"math/rand"
	"time"
)

const (
	// defaultHoldTime is the hold time proposed in our OPEN message. Per the
	// BGP spec this must be at least 3 seconds.
	defaultHoldTime = 90 * time.Second
	// defaultConnectRetry caps the backoff between outbound connection
	// attempts. 120 seconds is the ConnectRetryTime suggested by RFC 4271.
	defaultConnectRetry = 120 * time.Second
	// defaultKeepAliveFuzz spreads out keepalive transmissions so that
	// sessions sharing a process don't all wake at once.
	defaultKeepAliveFuzz = 2 * time.Second
	// defaultOpenTimeout is the timeout to dial the peer and transmit an OPEN.
	defaultOpenTimeout = 10 * time.Second
	// defaultOpenHoldTime is the provisional hold time applied between sending
	// an OPEN and negotiating the real value.
	defaultOpenHoldTime = 240 * time.Second
	// defaultMessageTimeout is the timeout for most messages sent and received.
	defaultMessageTimeout = 30 * time.Second
	// defaultNotificationTimeout is the transmit timeout for NOTIFICATIONs.
	defaultNotificationTimeout = 3 * time.Second
)

// Timers holds optional parameters to control the timing of a BGP session.
type Timers struct {
	// HoldTime is proposed to the peer in our OPEN message. The session uses
	// the minimum of this value and the peer's proposal.
	HoldTime time.Duration
	// ConnectRetry caps the delay between outbound connection attempts.
	ConnectRetry time.Duration
	// KeepAliveFuzz randomizes each keepalive interval downward by up to this
	// amount.
	KeepAliveFuzz time.Duration
}

func newTimers(from *Timers) *Timers {
	t := &Timers{
		HoldTime:      defaultHoldTime,
		ConnectRetry:  defaultConnectRetry,
		KeepAliveFuzz: defaultKeepAliveFuzz,
	}
	if from != nil {
		if from.HoldTime != 0 {
			t.HoldTime = from.HoldTime
		}
		if from.ConnectRetry != 0 {
			t.ConnectRetry = from.ConnectRetry
		}
		if from.KeepAliveFuzz != 0 {
			t.KeepAliveFuzz = from.KeepAliveFuzz
		}
	}
	return t
}

// NextKeepAlive returns the time until the next KEEPALIVE for a session with
// the given negotiated hold time: one third of the hold time, fuzzed downward.
func (t *Timers) NextKeepAlive(holdTime time.Duration) time.Duration {
	interval := holdTime / 3
	if t.KeepAliveFuzz > 0 {
		fuzz := t.KeepAliveFuzz
		if fuzz > interval/2 {
			fuzz = interval / 2
		}
		interval -= time.Duration(rand.Int63n(int64(fuzz) + 1))
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
