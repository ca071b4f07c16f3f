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

package wire

import (
	"fmt"

	"github.com/clasp-router/clasp/value"
)

// Message is implemented by every CLASP message payload.
type Message interface {
	Type() MessageType
}

// Hello is sent once, immediately after connecting.
type Hello struct {
	ProtocolVersion  uint8
	EncodingVersion  uint8
	DisplayName      string
	Token            string
	FeatureFlags     []string
}

// Type implements Message.
func (*Hello) Type() MessageType { return MsgHello }

// Welcome replies to a successful Hello.
type Welcome struct {
	SessionID                 string
	ServerTimeUs              uint64
	NegotiatedEncodingVersion uint8
	FeatureFlags              []string
}

// Type implements Message.
func (*Welcome) Type() MessageType { return MsgWelcome }

// Announce advertises a signal's existence (address + kind) without
// carrying a value.
type Announce struct {
	Address string
	Kind    SignalKind
}

// Type implements Message.
func (*Announce) Type() MessageType { return MsgAnnounce }

// SubscribeOptions holds the per-subscription dispatch gates of spec
// section 4.6.
type SubscribeOptions struct {
	MaxRateHz float64
	Epsilon   float64
	History   bool
	WindowUs  uint32
}

// Subscribe registers interest in a pattern for a set of signal kinds.
type Subscribe struct {
	Pattern string
	Kinds   []SignalKind
	Options SubscribeOptions
}

// Type implements Message.
func (*Subscribe) Type() MessageType { return MsgSubscribe }

// Unsubscribe removes a prior Subscribe by pattern.
type Unsubscribe struct {
	Pattern string
}

// Type implements Message.
func (*Unsubscribe) Type() MessageType { return MsgUnsubscribe }

// StreamPayload carries a batch of numeric samples for Stream signals.
type StreamPayload struct {
	Samples []float64
	RateHz  uint32
}

// Keyframe is one control point of a Timeline payload.
type Keyframe struct {
	TimeUs    uint64
	Value     value.Value
	Easing    EasingKind
	HasBezier bool
	Bezier    [4]float32
}

// TimelinePayload carries client-interpolated keyframe data; the
// router only ever broadcasts it (spec section 9).
type TimelinePayload struct {
	Keyframes    []Keyframe
	Loop         bool
	StartTimeUs  uint64
}

// Publish delivers a value for a signal kind, optionally carrying
// gesture, stream or timeline sub-payloads.
type Publish struct {
	Address string
	Kind    SignalKind
	QoS     QoS
	Value   value.Value

	HasGesture bool
	GestureID  uint32
	Phase      GesturePhase

	HasStream bool
	Stream    StreamPayload

	HasTimeline bool
	Timeline    TimelinePayload
}

// Type implements Message.
func (*Publish) Type() MessageType { return MsgPublish }

// Set writes a Parameter entry.
type Set struct {
	Address  string
	Value    value.Value
	Strategy Strategy
	QoS      QoS
	Revision uint64
}

// Type implements Message.
func (*Set) Type() MessageType { return MsgSet }

// Get reads a single Parameter entry.
type Get struct {
	Address string
}

// Type implements Message.
func (*Get) Type() MessageType { return MsgGet }

// Snapshot requests a (possibly chunked) dump of matching Parameter
// entries.
type Snapshot struct {
	Pattern string
}

// Type implements Message.
func (*Snapshot) Type() MessageType { return MsgSnapshot }

// Bundle groups messages for atomic and/or scheduled application.
type Bundle struct {
	ExecuteAtUs uint64
	Atomic      bool
	Items       []Message
}

// Type implements Message.
func (*Bundle) Type() MessageType { return MsgBundle }

// Sync carries NTP-style timestamps for clock offset estimation. A
// client sends ClientTransmitUs only; the router echoes it back and
// fills in its own receive/transmit timestamps (spec section 4.3).
type Sync struct {
	ClientTransmitUs uint64
	ServerReceiveUs  uint64
	ServerTransmitUs uint64
}

// Type implements Message.
func (*Sync) Type() MessageType { return MsgSync }

// Ping requests a Pong.
type Ping struct{}

// Type implements Message.
func (*Ping) Type() MessageType { return MsgPing }

// Pong replies to Ping with the server's current time.
type Pong struct {
	ServerTimeUs uint64
}

// Type implements Message.
func (*Pong) Type() MessageType { return MsgPong }

// Ack confirms a Confirm/Commit-QoS operation.
type Ack struct {
	CorrelationID uint16
	HasRevision   bool
	Revision      uint64
}

// Type implements Message.
func (*Ack) Type() MessageType { return MsgAck }

// Error reports a taxonomy failure (spec section 4.11).
type Error struct {
	Code              ErrorCode
	Reason            string
	HasCorrelationID  bool
	CorrelationID     uint16
}

// Type implements Message.
func (*Error) Type() MessageType { return MsgError }

// Error implements the error interface so callers that bridge CLASP's
// wire-level Error message into ordinary Go error handling (e.g. a
// diagnostic CLI) don't need a separate wrapper type.
func (e *Error) Error() string {
	return fmt.Sprintf("clasp: %s (%d): %s", e.Code, e.Code, e.Reason)
}

// Query asks for the entries matching a pattern. The router answers it
// from its parameter store, like Snapshot; it keeps no registry of
// announced signals.
type Query struct {
	Pattern  string
	HasKinds bool
	Kinds    []SignalKind
}

// Type implements Message.
func (*Query) Type() MessageType { return MsgQuery }

// ResultEntry is one row of a Get/Snapshot/Query reply.
type ResultEntry struct {
	Address     string
	Value       value.Value
	Revision    uint64
	TimestampUs uint64
}

// Result replies to Get/Snapshot/Query, possibly as one chunk of many.
type Result struct {
	ChunkIndex uint16
	ChunkTotal uint16
	Entries    []ResultEntry
}

// Type implements Message.
func (*Result) Type() MessageType { return MsgResult }
