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
Package wire implements the CLASP outer frame, message tags and
positional message payloads described in spec section 4.1.
*/
package wire

import "fmt"

// SignalKind is the semantic category governing routing policy.
type SignalKind uint8

// Signal kinds, spec section 3.
const (
	KindParam SignalKind = iota
	KindEvent
	KindStream
	KindGesture
	KindTimeline
)

func (k SignalKind) String() string {
	switch k {
	case KindParam:
		return "param"
	case KindEvent:
		return "event"
	case KindStream:
		return "stream"
	case KindGesture:
		return "gesture"
	case KindTimeline:
		return "timeline"
	default:
		return fmt.Sprintf("signalkind(%d)", uint8(k))
	}
}

// QoS is the delivery-quality class of a message.
type QoS uint8

// QoS classes, spec section 3.
const (
	QoSFire QoS = iota
	QoSConfirm
	QoSCommit
)

func (q QoS) String() string {
	switch q {
	case QoSFire:
		return "fire"
	case QoSConfirm:
		return "confirm"
	case QoSCommit:
		return "commit"
	default:
		return fmt.Sprintf("qos(%d)", uint8(q))
	}
}

// Strategy is a parameter-store conflict resolution strategy.
type Strategy uint8

// Conflict strategies, spec section 3.
const (
	StrategyLWW Strategy = iota
	StrategyMax
	StrategyMin
	StrategyLock
	StrategyMerge
)

func (s Strategy) String() string {
	switch s {
	case StrategyLWW:
		return "lww"
	case StrategyMax:
		return "max"
	case StrategyMin:
		return "min"
	case StrategyLock:
		return "lock"
	case StrategyMerge:
		return "merge"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// GesturePhase is the lifecycle phase of a Gesture publication.
type GesturePhase uint8

// Gesture phases, spec section 4.7.
const (
	GestureStart GesturePhase = iota
	GestureMove
	GestureEnd
	GestureCancel
)

func (p GesturePhase) String() string {
	switch p {
	case GestureStart:
		return "start"
	case GestureMove:
		return "move"
	case GestureEnd:
		return "end"
	case GestureCancel:
		return "cancel"
	default:
		return fmt.Sprintf("gesturephase(%d)", uint8(p))
	}
}

// IsTerminal reports whether this phase ends a gesture lifecycle.
func (p GesturePhase) IsTerminal() bool { return p == GestureEnd || p == GestureCancel }

// MessageType is the first payload byte of every frame.
type MessageType uint8

// Message tags, spec section 4.1.
const (
	MsgHello       MessageType = 0x01
	MsgWelcome     MessageType = 0x02
	MsgAnnounce    MessageType = 0x03
	MsgSubscribe   MessageType = 0x10
	MsgUnsubscribe MessageType = 0x11
	MsgPublish     MessageType = 0x20
	MsgSet         MessageType = 0x21
	MsgGet         MessageType = 0x22
	MsgSnapshot    MessageType = 0x23
	MsgBundle      MessageType = 0x30
	MsgSync        MessageType = 0x40
	MsgPing        MessageType = 0x41
	MsgPong        MessageType = 0x42
	MsgAck         MessageType = 0x50
	MsgError       MessageType = 0x51
	MsgQuery       MessageType = 0x60
	MsgResult      MessageType = 0x61
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgWelcome:
		return "welcome"
	case MsgAnnounce:
		return "announce"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgPublish:
		return "publish"
	case MsgSet:
		return "set"
	case MsgGet:
		return "get"
	case MsgSnapshot:
		return "snapshot"
	case MsgBundle:
		return "bundle"
	case MsgSync:
		return "sync"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgAck:
		return "ack"
	case MsgError:
		return "error"
	case MsgQuery:
		return "query"
	case MsgResult:
		return "result"
	default:
		return fmt.Sprintf("messagetype(0x%02x)", uint8(t))
	}
}

// ErrorCode is the numeric code carried by an Error message, spec
// section 4.11.
type ErrorCode uint16

// Error codes, spec section 4.11.
const (
	ErrMalformed           ErrorCode = 100
	ErrNotFound            ErrorCode = 200
	ErrRevisionConflict    ErrorCode = 201
	ErrLockHeld            ErrorCode = 202
	ErrUnauthorized        ErrorCode = 300
	ErrForbidden           ErrorCode = 301
	ErrTokenExpired        ErrorCode = 302
	ErrMessageTooLarge     ErrorCode = 400
	ErrUnknownMessageType  ErrorCode = 401
	ErrDuplicateHello      ErrorCode = 402
	ErrProtocolMismatch    ErrorCode = 403
	ErrRateLimited         ErrorCode = 429
	ErrInternal            ErrorCode = 500
	ErrOverloaded          ErrorCode = 503
)

func (c ErrorCode) String() string {
	switch c {
	case ErrMalformed:
		return "Malformed"
	case ErrNotFound:
		return "NotFound"
	case ErrRevisionConflict:
		return "RevisionConflict"
	case ErrLockHeld:
		return "LockHeld"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrForbidden:
		return "Forbidden"
	case ErrTokenExpired:
		return "TokenExpired"
	case ErrMessageTooLarge:
		return "MessageTooLarge"
	case ErrUnknownMessageType:
		return "UnknownMessageType"
	case ErrDuplicateHello:
		return "DuplicateHello"
	case ErrProtocolMismatch:
		return "ProtocolMismatch"
	case ErrRateLimited:
		return "RateLimited"
	case ErrInternal:
		return "Internal"
	case ErrOverloaded:
		return "Overloaded"
	default:
		return fmt.Sprintf("errorcode(%d)", uint16(c))
	}
}

// EasingKind is the interpolation curve of a timeline keyframe.
type EasingKind uint8

// Easing kinds. Linear/Step/Bezier are the common cases; the router
// never interpolates itself (spec section 9 open question) so this is
// opaque routed data as far as CLASP is concerned.
const (
	EasingLinear EasingKind = iota
	EasingStep
	EasingBezier
)
