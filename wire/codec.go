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
	"fmt"
	"math"

	"github.com/clasp-router/clasp/value"
)

// ErrUnrecognizedTag marks a message tag this decoder doesn't
// recognize. Errors carrying it also wrap ErrMalformedMessage, so
// IsMalformed reports them, while errors.Is still tells them apart
// from a structurally malformed but known type.
var ErrUnrecognizedTag = fmt.Errorf("wire: unrecognized message tag")

// ErrMalformedMessage marks a structurally invalid message-level
// encoding (payload too short, bad tag, etc). The frame may have
// decoded fine; this is a problem with what's inside it.
var ErrMalformedMessage = fmt.Errorf("wire: malformed message")

const (
	flagHasGesture  = 0x01
	flagHasStream   = 0x02
	flagHasTimeline = 0x04

	flagHasRevision      = 0x01
	flagHasCorrelationID = 0x01
	flagHasKinds         = 0x01
	flagKeyframeBezier   = 0x01
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// EncodeMessage appends tag followed by m's positional payload to buf.
func EncodeMessage(buf []byte, m Message) ([]byte, error) {
	buf = append(buf, byte(m.Type()))
	return encodeBody(buf, m)
}

func encodeBody(buf []byte, m Message) ([]byte, error) {
	var err error
	switch msg := m.(type) {
	case *Hello:
		buf = append(buf, msg.ProtocolVersion, msg.EncodingVersion)
		buf = putString(buf, msg.DisplayName)
		buf = putString(buf, msg.Token)
		buf = putStrings(buf, msg.FeatureFlags)
	case *Welcome:
		buf = putString(buf, msg.SessionID)
		buf = putUint64(buf, msg.ServerTimeUs)
		buf = append(buf, msg.NegotiatedEncodingVersion)
		buf = putStrings(buf, msg.FeatureFlags)
	case *Announce:
		buf = putString(buf, msg.Address)
		buf = append(buf, byte(msg.Kind))
	case *Subscribe:
		buf = putString(buf, msg.Pattern)
		if len(msg.Kinds) > 0xFF {
			return nil, malformed("too many subscribe kinds: %d", len(msg.Kinds))
		}
		buf = append(buf, byte(len(msg.Kinds)))
		for _, k := range msg.Kinds {
			buf = append(buf, byte(k))
		}
		buf = putFloat64(buf, msg.Options.MaxRateHz)
		buf = putFloat64(buf, msg.Options.Epsilon)
		buf = append(buf, boolByte(msg.Options.History))
		buf = putUint32(buf, msg.Options.WindowUs)
	case *Unsubscribe:
		buf = putString(buf, msg.Pattern)
	case *Publish:
		buf = putString(buf, msg.Address)
		buf = append(buf, byte(msg.Kind), byte(msg.QoS))
		buf, err = value.Encode(buf, msg.Value)
		if err != nil {
			return nil, err
		}
		var flags byte
		if msg.HasGesture {
			flags |= flagHasGesture
		}
		if msg.HasStream {
			flags |= flagHasStream
		}
		if msg.HasTimeline {
			flags |= flagHasTimeline
		}
		buf = append(buf, flags)
		if msg.HasGesture {
			buf = putUint32(buf, msg.GestureID)
			buf = append(buf, byte(msg.Phase))
		}
		if msg.HasStream {
			buf = putUint16(buf, uint16(len(msg.Stream.Samples)))
			for _, s := range msg.Stream.Samples {
				buf = putFloat64(buf, s)
			}
			buf = putUint32(buf, msg.Stream.RateHz)
		}
		if msg.HasTimeline {
			buf, err = encodeTimeline(buf, msg.Timeline)
			if err != nil {
				return nil, err
			}
		}
	case *Set:
		buf = putString(buf, msg.Address)
		buf, err = value.Encode(buf, msg.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(msg.Strategy), byte(msg.QoS))
		buf = putUint64(buf, msg.Revision)
	case *Get:
		buf = putString(buf, msg.Address)
	case *Snapshot:
		buf = putString(buf, msg.Pattern)
	case *Bundle:
		buf = putUint64(buf, msg.ExecuteAtUs)
		buf = append(buf, boolByte(msg.Atomic))
		if len(msg.Items) > 0xFFFF {
			return nil, malformed("bundle has too many items: %d", len(msg.Items))
		}
		buf = putUint16(buf, uint16(len(msg.Items)))
		for _, item := range msg.Items {
			inner, err := EncodeMessage(nil, item)
			if err != nil {
				return nil, err
			}
			if len(inner) > 0xFFFF {
				return nil, malformed("bundle item too large: %d bytes", len(inner))
			}
			buf = putUint16(buf, uint16(len(inner)))
			buf = append(buf, inner...)
		}
	case *Sync:
		buf = putUint64(buf, msg.ClientTransmitUs)
		buf = putUint64(buf, msg.ServerReceiveUs)
		buf = putUint64(buf, msg.ServerTransmitUs)
	case *Ping:
		// no payload
	case *Pong:
		buf = putUint64(buf, msg.ServerTimeUs)
	case *Ack:
		buf = putUint16(buf, msg.CorrelationID)
		var flags byte
		if msg.HasRevision {
			flags |= flagHasRevision
		}
		buf = append(buf, flags)
		if msg.HasRevision {
			buf = putUint64(buf, msg.Revision)
		}
	case *Error:
		buf = putUint16(buf, uint16(msg.Code))
		var flags byte
		if msg.HasCorrelationID {
			flags |= flagHasCorrelationID
		}
		buf = append(buf, flags)
		if msg.HasCorrelationID {
			buf = putUint16(buf, msg.CorrelationID)
		}
		buf = putString(buf, msg.Reason)
	case *Query:
		buf = putString(buf, msg.Pattern)
		var flags byte
		if msg.HasKinds {
			flags |= flagHasKinds
		}
		buf = append(buf, flags)
		if msg.HasKinds {
			if len(msg.Kinds) > 0xFF {
				return nil, malformed("too many query kinds: %d", len(msg.Kinds))
			}
			buf = append(buf, byte(len(msg.Kinds)))
			for _, k := range msg.Kinds {
				buf = append(buf, byte(k))
			}
		}
	case *Result:
		buf = putUint16(buf, msg.ChunkIndex)
		buf = putUint16(buf, msg.ChunkTotal)
		if len(msg.Entries) > 0xFFFF {
			return nil, malformed("result has too many entries: %d", len(msg.Entries))
		}
		buf = putUint16(buf, uint16(len(msg.Entries)))
		for _, e := range msg.Entries {
			buf = putString(buf, e.Address)
			buf, err = value.Encode(buf, e.Value)
			if err != nil {
				return nil, err
			}
			buf = putUint64(buf, e.Revision)
			buf = putUint64(buf, e.TimestampUs)
		}
	default:
		return nil, malformed("unknown message implementation %T", m)
	}
	return buf, nil
}

func encodeTimeline(buf []byte, tl TimelinePayload) ([]byte, error) {
	if len(tl.Keyframes) > 0xFFFF {
		return nil, malformed("timeline has too many keyframes: %d", len(tl.Keyframes))
	}
	buf = putUint16(buf, uint16(len(tl.Keyframes)))
	var err error
	for _, kf := range tl.Keyframes {
		buf = putUint64(buf, kf.TimeUs)
		buf, err = value.Encode(buf, kf.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(kf.Easing))
		var bflag byte
		if kf.HasBezier {
			bflag = flagKeyframeBezier
		}
		buf = append(buf, bflag)
		if kf.HasBezier {
			for _, c := range kf.Bezier {
				buf = putUint32(buf, math.Float32bits(c))
			}
		}
	}
	buf = append(buf, boolByte(tl.Loop))
	buf = putUint64(buf, tl.StartTimeUs)
	return buf, nil
}

// DecodeMessage parses the message tag and positional payload at the
// head of buf, returning the message and bytes consumed.
func DecodeMessage(buf []byte) (Message, int, error) {
	if len(buf) < 1 {
		return nil, 0, malformed("empty message buffer")
	}
	tag := MessageType(buf[0])
	body := buf[1:]
	m, n, err := decodeBody(tag, body)
	if err != nil {
		return nil, 0, err
	}
	return m, 1 + n, nil
}

func decodeBody(tag MessageType, b []byte) (Message, int, error) {
	cur := b
	consumed := 0
	take := func(n int) ([]byte, error) {
		if len(cur) < n {
			return nil, malformed("truncated %s payload", tag)
		}
		out := cur[:n]
		cur = cur[n:]
		consumed += n
		return out, nil
	}
	readStr := func() (string, error) {
		s, n, err := getString(cur)
		if err != nil {
			return "", err
		}
		cur = cur[n:]
		consumed += n
		return s, nil
	}
	readStrs := func() ([]string, error) {
		ss, n, err := getStrings(cur)
		if err != nil {
			return nil, err
		}
		cur = cur[n:]
		consumed += n
		return ss, nil
	}
	readVal := func() (value.Value, error) {
		v, n, err := value.Decode(cur)
		if err != nil {
			return value.Value{}, err
		}
		cur = cur[n:]
		consumed += n
		return v, nil
	}
	readU64 := func() (uint64, error) {
		raw, err := take(8)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(raw), nil
	}
	readU32 := func() (uint32, error) {
		raw, err := take(4)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(raw), nil
	}
	readU16 := func() (uint16, error) {
		raw, err := take(2)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint16(raw), nil
	}
	readF64 := func() (float64, error) {
		raw, err := readU64()
		if err != nil {
			return 0, err
		}
		return math.Float64frombits(raw), nil
	}
	readByte := func() (byte, error) {
		raw, err := take(1)
		if err != nil {
			return 0, err
		}
		return raw[0], nil
	}

	switch tag {
	case MsgHello:
		pv, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		ev, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		disp, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		tok, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readStrs()
		if err != nil {
			return nil, 0, err
		}
		return &Hello{ProtocolVersion: pv, EncodingVersion: ev, DisplayName: disp, Token: tok, FeatureFlags: flags}, consumed, nil

	case MsgWelcome:
		sid, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		st, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		nv, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readStrs()
		if err != nil {
			return nil, 0, err
		}
		return &Welcome{SessionID: sid, ServerTimeUs: st, NegotiatedEncodingVersion: nv, FeatureFlags: flags}, consumed, nil

	case MsgAnnounce:
		addr, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		k, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		return &Announce{Address: addr, Kind: SignalKind(k)}, consumed, nil

	case MsgSubscribe:
		pat, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		kc, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		kinds := make([]SignalKind, kc)
		for i := range kinds {
			kb, err := readByte()
			if err != nil {
				return nil, 0, err
			}
			kinds[i] = SignalKind(kb)
		}
		maxRate, err := readF64()
		if err != nil {
			return nil, 0, err
		}
		eps, err := readF64()
		if err != nil {
			return nil, 0, err
		}
		hist, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		win, err := readU32()
		if err != nil {
			return nil, 0, err
		}
		return &Subscribe{
			Pattern: pat,
			Kinds:   kinds,
			Options: SubscribeOptions{MaxRateHz: maxRate, Epsilon: eps, History: hist != 0, WindowUs: win},
		}, consumed, nil

	case MsgUnsubscribe:
		pat, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		return &Unsubscribe{Pattern: pat}, consumed, nil

	case MsgPublish:
		addr, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		kind, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		qos, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		val, err := readVal()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		p := &Publish{Address: addr, Kind: SignalKind(kind), QoS: QoS(qos), Value: val}
		if flags&flagHasGesture != 0 {
			p.HasGesture = true
			gid, err := readU32()
			if err != nil {
				return nil, 0, err
			}
			ph, err := readByte()
			if err != nil {
				return nil, 0, err
			}
			p.GestureID = gid
			p.Phase = GesturePhase(ph)
		}
		if flags&flagHasStream != 0 {
			p.HasStream = true
			n, err := readU16()
			if err != nil {
				return nil, 0, err
			}
			samples := make([]float64, n)
			for i := range samples {
				samples[i], err = readF64()
				if err != nil {
					return nil, 0, err
				}
			}
			rate, err := readU32()
			if err != nil {
				return nil, 0, err
			}
			p.Stream = StreamPayload{Samples: samples, RateHz: rate}
		}
		if flags&flagHasTimeline != 0 {
			p.HasTimeline = true
			tl, n, err := decodeTimeline(cur)
			if err != nil {
				return nil, 0, err
			}
			cur = cur[n:]
			consumed += n
			p.Timeline = tl
		}
		return p, consumed, nil

	case MsgSet:
		addr, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		val, err := readVal()
		if err != nil {
			return nil, 0, err
		}
		strat, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		qos, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		rev, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		return &Set{Address: addr, Value: val, Strategy: Strategy(strat), QoS: QoS(qos), Revision: rev}, consumed, nil

	case MsgGet:
		addr, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		return &Get{Address: addr}, consumed, nil

	case MsgSnapshot:
		pat, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		return &Snapshot{Pattern: pat}, consumed, nil

	case MsgBundle:
		at, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		atomic, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		n, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		items := make([]Message, n)
		for i := range items {
			ilen, err := readU16()
			if err != nil {
				return nil, 0, err
			}
			raw, err := take(int(ilen))
			if err != nil {
				return nil, 0, err
			}
			item, _, err := DecodeMessage(raw)
			if err != nil {
				return nil, 0, err
			}
			items[i] = item
		}
		return &Bundle{ExecuteAtUs: at, Atomic: atomic != 0, Items: items}, consumed, nil

	case MsgSync:
		ct, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		sr, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		st, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		return &Sync{ClientTransmitUs: ct, ServerReceiveUs: sr, ServerTransmitUs: st}, consumed, nil

	case MsgPing:
		return &Ping{}, 0, nil

	case MsgPong:
		st, err := readU64()
		if err != nil {
			return nil, 0, err
		}
		return &Pong{ServerTimeUs: st}, consumed, nil

	case MsgAck:
		cid, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		a := &Ack{CorrelationID: cid}
		if flags&flagHasRevision != 0 {
			a.HasRevision = true
			rev, err := readU64()
			if err != nil {
				return nil, 0, err
			}
			a.Revision = rev
		}
		return a, consumed, nil

	case MsgError:
		code, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		e := &Error{Code: ErrorCode(code)}
		if flags&flagHasCorrelationID != 0 {
			e.HasCorrelationID = true
			cid, err := readU16()
			if err != nil {
				return nil, 0, err
			}
			e.CorrelationID = cid
		}
		reason, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		e.Reason = reason
		return e, consumed, nil

	case MsgQuery:
		pat, err := readStr()
		if err != nil {
			return nil, 0, err
		}
		flags, err := readByte()
		if err != nil {
			return nil, 0, err
		}
		q := &Query{Pattern: pat}
		if flags&flagHasKinds != 0 {
			q.HasKinds = true
			kc, err := readByte()
			if err != nil {
				return nil, 0, err
			}
			kinds := make([]SignalKind, kc)
			for i := range kinds {
				kb, err := readByte()
				if err != nil {
					return nil, 0, err
				}
				kinds[i] = SignalKind(kb)
			}
			q.Kinds = kinds
		}
		return q, consumed, nil

	case MsgResult:
		ci, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		ct, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		n, err := readU16()
		if err != nil {
			return nil, 0, err
		}
		entries := make([]ResultEntry, n)
		for i := range entries {
			addr, err := readStr()
			if err != nil {
				return nil, 0, err
			}
			val, err := readVal()
			if err != nil {
				return nil, 0, err
			}
			rev, err := readU64()
			if err != nil {
				return nil, 0, err
			}
			ts, err := readU64()
			if err != nil {
				return nil, 0, err
			}
			entries[i] = ResultEntry{Address: addr, Value: val, Revision: rev, TimestampUs: ts}
		}
		return &Result{ChunkIndex: ci, ChunkTotal: ct, Entries: entries}, consumed, nil

	default:
		return nil, 0, fmt.Errorf("%w: %w: unknown message tag 0x%02x", ErrMalformedMessage, ErrUnrecognizedTag, uint8(tag))
	}
}

func decodeTimeline(b []byte) (TimelinePayload, int, error) {
	if len(b) < 2 {
		return TimelinePayload{}, 0, malformed("truncated timeline keyframe count")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	cur := b[2:]
	consumed := 2
	kfs := make([]Keyframe, n)
	for i := range kfs {
		if len(cur) < 8 {
			return TimelinePayload{}, 0, malformed("truncated keyframe time")
		}
		t := binary.BigEndian.Uint64(cur[:8])
		cur = cur[8:]
		consumed += 8
		v, vn, err := value.Decode(cur)
		if err != nil {
			return TimelinePayload{}, 0, err
		}
		cur = cur[vn:]
		consumed += vn
		if len(cur) < 2 {
			return TimelinePayload{}, 0, malformed("truncated keyframe easing/bezier flag")
		}
		easing := cur[0]
		bflag := cur[1]
		cur = cur[2:]
		consumed += 2
		kf := Keyframe{TimeUs: t, Value: v, Easing: EasingKind(easing)}
		if bflag&flagKeyframeBezier != 0 {
			if len(cur) < 16 {
				return TimelinePayload{}, 0, malformed("truncated bezier control points")
			}
			kf.HasBezier = true
			for j := 0; j < 4; j++ {
				kf.Bezier[j] = math.Float32frombits(binary.BigEndian.Uint32(cur[:4]))
				cur = cur[4:]
				consumed += 4
			}
		}
		kfs[i] = kf
	}
	if len(cur) < 1 {
		return TimelinePayload{}, 0, malformed("truncated timeline loop flag")
	}
	loop := cur[0] != 0
	cur = cur[1:]
	consumed++
	if len(cur) < 8 {
		return TimelinePayload{}, 0, malformed("truncated timeline start time")
	}
	start := binary.BigEndian.Uint64(cur[:8])
	consumed += 8
	return TimelinePayload{Keyframes: kfs, Loop: loop, StartTimeUs: start}, consumed, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func putUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putFloat64(buf []byte, v float64) []byte {
	return putUint64(buf, math.Float64bits(v))
}

func putString(buf []byte, s string) []byte {
	buf = putUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func putStrings(buf []byte, ss []string) []byte {
	buf = putUint16(buf, uint16(len(ss)))
	for _, s := range ss {
		buf = putString(buf, s)
	}
	return buf
}

func getString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, malformed("truncated string length")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return "", 0, malformed("truncated string body")
	}
	return string(buf[2 : 2+n]), 2 + n, nil
}

func getStrings(buf []byte) ([]string, int, error) {
	if len(buf) < 2 {
		return nil, 0, malformed("truncated string array count")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	consumed := 2
	cur := buf[2:]
	out := make([]string, n)
	for i := range out {
		s, sn, err := getString(cur)
		if err != nil {
			return nil, 0, err
		}
		out[i] = s
		cur = cur[sn:]
		consumed += sn
	}
	return out, consumed, nil
}
