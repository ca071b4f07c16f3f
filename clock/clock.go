/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package clock implements the router's monotonic microsecond clock and
the Sync message responder used by clients to estimate their offset
from it (spec section 4.3).
*/
package clock

import (
	"time"

	"github.com/clasp-router/clasp/wire"
)

// Clock reports server_time_us = anchor + monotonic, so a process
// restart never moves the clock backward unless the OS clock itself
// does (spec section 4.3). It never adjusts itself from client data;
// Offset/RoundTripUs below are purely client-side estimation helpers.
type Clock struct {
	boot     time.Time
	anchorUs uint64
}

// New returns a Clock anchored at the current wall-clock time.
func New() *Clock {
	return &Clock{boot: time.Now(), anchorUs: uint64(time.Now().UnixMicro())}
}

// NowUs returns the current server_time_us: the boot anchor plus
// monotonic microseconds elapsed since the clock was created.
func (c *Clock) NowUs() uint64 {
	return c.anchorUs + uint64(time.Since(c.boot).Microseconds())
}

// Respond fills in the server-side timestamps of a Sync request. It
// stamps ServerReceiveUs and then ServerTransmitUs from this Clock at
// the moment it is called, so both readings are taken while the router
// handles the Sync, not when the reply later leaves the session's
// egress queue; both share this Clock's time base.
func (c *Clock) Respond(req *wire.Sync) *wire.Sync {
	return &wire.Sync{
		ClientTransmitUs: req.ClientTransmitUs,
		ServerReceiveUs:  c.NowUs(),
		ServerTransmitUs: c.NowUs(),
	}
}

// Offset estimates, using the RFC 958 formula facebook/time's ntp
// package applies to its four timestamps, how far a client's clock
// is from this Clock's time base. clientReceiveUs is the client's own
// NowUs() reading when the Sync reply arrived.
//
//	avgNetworkDelay = (forwardPath + returnPath) / 2
//	offset          = (serverReceive - clientTransmit) + (serverTransmit - clientReceive)) / 2
//
// A positive offset means the client is behind this Clock.
func Offset(reply *wire.Sync, clientReceiveUs uint64) int64 {
	forward := int64(reply.ServerReceiveUs) - int64(reply.ClientTransmitUs)
	back := int64(reply.ServerTransmitUs) - int64(clientReceiveUs)
	return (forward + back) / 2
}

// RoundTripUs estimates the network delay the same Sync exchange
// experienced, mirroring AvgNetworkDelay from facebook/time's ntp
// package but operating on microsecond counters instead of time.Time.
func RoundTripUs(reply *wire.Sync, clientReceiveUs uint64) int64 {
	total := int64(clientReceiveUs) - int64(reply.ClientTransmitUs)
	processing := int64(reply.ServerTransmitUs) - int64(reply.ServerReceiveUs)
	delay := total - processing
	if delay < 0 {
		return -delay
	}
	return delay
}
