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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/clasp-router/clasp/value"
)

// Magic is the first byte of every frame.
const Magic = 0x53

// MaxPayloadBytes is the largest payload a frame may carry (spec 4.1).
const MaxPayloadBytes = 65535

const (
	flagTimestampPresent = 0x80
	flagQoSMask          = 0x60
	flagQoSShift         = 5
	flagEncrypted        = 0x10
	flagCompressed       = 0x08
	flagEncodingMask     = 0x07
)

// ErrMessageTooLarge is returned when a payload exceeds MaxPayloadBytes.
var ErrMessageTooLarge = errors.New("wire: payload exceeds maximum frame size")

// ErrUnsupported is returned when a reserved flag bit is set.
var ErrUnsupported = errors.New("wire: unsupported frame flag")

// ErrIncomplete signals DecodeFrame needs more bytes than were given;
// it is not a protocol error.
var ErrIncomplete = errors.New("wire: incomplete frame")

// Frame is the outer envelope around one message payload.
type Frame struct {
	QoS             QoS
	HasTimestamp    bool
	TimestampUs     uint64
	Encrypted       bool
	Compressed      bool
	EncodingVersion uint8
	Payload         []byte
}

// Encode appends the frame's wire encoding to buf.
func (f *Frame) Encode(buf []byte) ([]byte, error) {
	if len(f.Payload) > MaxPayloadBytes {
		return nil, ErrMessageTooLarge
	}
	if f.EncodingVersion > flagEncodingMask {
		return nil, fmt.Errorf("wire: encoding version %d does not fit in 3 bits", f.EncodingVersion)
	}

	flags := byte(f.EncodingVersion) & flagEncodingMask
	flags |= (byte(f.QoS) << flagQoSShift) & flagQoSMask
	if f.HasTimestamp {
		flags |= flagTimestampPresent
	}
	if f.Encrypted {
		flags |= flagEncrypted
	}
	if f.Compressed {
		flags |= flagCompressed
	}

	buf = append(buf, Magic, flags)
	if f.HasTimestamp {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], f.TimestampUs)
		buf = append(buf, ts[:]...)
	}
	var ln [2]byte
	binary.BigEndian.PutUint16(ln[:], uint16(len(f.Payload)))
	buf = append(buf, ln[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// DecodeFrame parses one frame from the head of buf. It returns
// ErrIncomplete (not a fatal error) when buf does not yet hold a full
// frame, so callers can feed more bytes and retry -- this is what lets
// the codec work over a transport that gives no message boundaries.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != Magic {
		return nil, 0, fmt.Errorf("%w: bad magic byte 0x%02x", ErrMalformedFrame, buf[0])
	}
	flags := buf[1]
	hasTS := flags&flagTimestampPresent != 0
	qos := QoS((flags & flagQoSMask) >> flagQoSShift)
	encrypted := flags&flagEncrypted != 0
	compressed := flags&flagCompressed != 0
	encVersion := flags & flagEncodingMask
	if encVersion > 1 {
		return nil, 0, fmt.Errorf("%w: encoding version %d", errUnknownVersion, encVersion)
	}

	head := 2
	var ts uint64
	if hasTS {
		if len(buf) < head+8 {
			return nil, 0, ErrIncomplete
		}
		ts = binary.BigEndian.Uint64(buf[head : head+8])
		head += 8
	}

	if len(buf) < head+2 {
		return nil, 0, ErrIncomplete
	}
	plen := int(binary.BigEndian.Uint16(buf[head : head+2]))
	head += 2

	if len(buf) < head+plen {
		return nil, 0, ErrIncomplete
	}

	payload := make([]byte, plen)
	copy(payload, buf[head:head+plen])

	return &Frame{
		QoS:             qos,
		HasTimestamp:    hasTS,
		TimestampUs:     ts,
		Encrypted:       encrypted,
		Compressed:      compressed,
		EncodingVersion: encVersion,
		Payload:         payload,
	}, head + plen, nil
}

// ErrMalformedFrame marks a structurally invalid outer frame.
var ErrMalformedFrame = errors.New("wire: malformed frame")
var errUnknownVersion = errors.New("wire: unknown encoding version")

// IsMalformed reports whether err is (or wraps) a malformed frame or
// malformed message-level encoding.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrMalformedMessage) || errors.Is(err, value.ErrMalformed)
}

// IsUnknownVersion reports whether err is (or wraps) an unknown
// encoding version error.
func IsUnknownVersion(err error) bool {
	return errors.Is(err, errUnknownVersion)
}
