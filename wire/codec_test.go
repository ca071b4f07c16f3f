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
	"testing"

	"github.com/clasp-router/clasp/value"
	"github.com/stretchr/testify/require"
)

func roundTripMsg(t *testing.T, m Message) Message {
	t.Helper()
	buf, err := EncodeMessage(nil, m)
	require.NoError(t, err)
	got, n, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, m.Type(), got.Type())
	return got
}

func TestHelloWelcomeRoundTrip(t *testing.T) {
	h := &Hello{ProtocolVersion: 1, EncodingVersion: 1, DisplayName: "studio", Token: "tok", FeatureFlags: []string{"bundle", "sync"}}
	got := roundTripMsg(t, h).(*Hello)
	require.Equal(t, h, got)

	w := &Welcome{SessionID: "sess-1", ServerTimeUs: 99, NegotiatedEncodingVersion: 1, FeatureFlags: nil}
	gotW := roundTripMsg(t, w).(*Welcome)
	require.Equal(t, w.SessionID, gotW.SessionID)
	require.Equal(t, w.ServerTimeUs, gotW.ServerTimeUs)
}

func TestSubscribeRoundTrip(t *testing.T) {
	s := &Subscribe{
		Pattern: "/synth/*/freq",
		Kinds:   []SignalKind{KindParam, KindEvent},
		Options: SubscribeOptions{MaxRateHz: 30, Epsilon: 0.001, History: true, WindowUs: 5000},
	}
	got := roundTripMsg(t, s).(*Subscribe)
	require.Equal(t, s, got)
}

func TestPublishPlainRoundTrip(t *testing.T) {
	p := &Publish{
		Address: "/synth/1/freq",
		Kind:    KindParam,
		QoS:     QoSFire,
		Value:   value.Float(440.0),
	}
	got := roundTripMsg(t, p).(*Publish)
	require.Equal(t, p.Address, got.Address)
	require.True(t, p.Value.Equal(got.Value))
	require.False(t, got.HasGesture)
	require.False(t, got.HasStream)
	require.False(t, got.HasTimeline)
}

func TestPublishGestureRoundTrip(t *testing.T) {
	p := &Publish{
		Address:    "/pad/1/xy",
		Kind:       KindGesture,
		QoS:        QoSConfirm,
		Value:      value.Array([]value.Value{value.Float(0.2), value.Float(0.8)}),
		HasGesture: true,
		GestureID:  7,
		Phase:      GestureMove,
	}
	got := roundTripMsg(t, p).(*Publish)
	require.True(t, got.HasGesture)
	require.Equal(t, uint32(7), got.GestureID)
	require.Equal(t, GestureMove, got.Phase)
	require.True(t, p.Value.Equal(got.Value))
}

func TestPublishStreamRoundTrip(t *testing.T) {
	p := &Publish{
		Address:   "/mic/1/level",
		Kind:      KindStream,
		QoS:       QoSFire,
		Value:     value.Null(),
		HasStream: true,
		Stream:    StreamPayload{Samples: []float64{0.1, 0.2, 0.3}, RateHz: 48000},
	}
	got := roundTripMsg(t, p).(*Publish)
	require.True(t, got.HasStream)
	require.Equal(t, p.Stream.Samples, got.Stream.Samples)
	require.Equal(t, p.Stream.RateHz, got.Stream.RateHz)
}

func TestPublishTimelineRoundTrip(t *testing.T) {
	p := &Publish{
		Address:     "/lfo/1/shape",
		Kind:        KindTimeline,
		QoS:         QoSFire,
		Value:       value.Null(),
		HasTimeline: true,
		Timeline: TimelinePayload{
			Keyframes: []Keyframe{
				{TimeUs: 0, Value: value.Float(0), Easing: EasingLinear},
				{TimeUs: 1000, Value: value.Float(1), Easing: EasingBezier, HasBezier: true, Bezier: [4]float32{0.1, 0.2, 0.8, 0.9}},
			},
			Loop:        true,
			StartTimeUs: 500,
		},
	}
	got := roundTripMsg(t, p).(*Publish)
	require.True(t, got.HasTimeline)
	require.Len(t, got.Timeline.Keyframes, 2)
	require.True(t, got.Timeline.Keyframes[1].HasBezier)
	require.Equal(t, p.Timeline.Keyframes[1].Bezier, got.Timeline.Keyframes[1].Bezier)
	require.True(t, got.Timeline.Loop)
}

func TestSetGetSnapshotRoundTrip(t *testing.T) {
	s := &Set{Address: "/synth/1/freq", Value: value.Float(220), Strategy: StrategyLWW, QoS: QoSCommit, Revision: 4}
	got := roundTripMsg(t, s).(*Set)
	require.Equal(t, s.Address, got.Address)
	require.True(t, s.Value.Equal(got.Value))
	require.Equal(t, s.Revision, got.Revision)

	g := &Get{Address: "/synth/1/freq"}
	require.Equal(t, g.Address, roundTripMsg(t, g).(*Get).Address)

	snap := &Snapshot{Pattern: "/synth/**"}
	require.Equal(t, snap.Pattern, roundTripMsg(t, snap).(*Snapshot).Pattern)
}

func TestBundleRoundTrip(t *testing.T) {
	b := &Bundle{
		ExecuteAtUs: 100,
		Atomic:      true,
		Items: []Message{
			&Set{Address: "/a", Value: value.Int(1), Strategy: StrategyLWW, QoS: QoSCommit},
			&Publish{Address: "/b", Kind: KindEvent, QoS: QoSFire, Value: value.Bool(true)},
		},
	}
	got := roundTripMsg(t, b).(*Bundle)
	require.Equal(t, b.ExecuteAtUs, got.ExecuteAtUs)
	require.True(t, got.Atomic)
	require.Len(t, got.Items, 2)
	require.Equal(t, MsgSet, got.Items[0].Type())
	require.Equal(t, MsgPublish, got.Items[1].Type())
}

func TestSyncPingPongRoundTrip(t *testing.T) {
	s := &Sync{ClientTransmitUs: 1, ServerReceiveUs: 2, ServerTransmitUs: 3}
	require.Equal(t, s, roundTripMsg(t, s))

	require.Equal(t, &Ping{}, roundTripMsg(t, &Ping{}))

	pong := &Pong{ServerTimeUs: 12345}
	require.Equal(t, pong, roundTripMsg(t, pong))
}

func TestAckErrorRoundTrip(t *testing.T) {
	a := &Ack{CorrelationID: 9, HasRevision: true, Revision: 3}
	require.Equal(t, a, roundTripMsg(t, a))

	a2 := &Ack{CorrelationID: 9}
	require.Equal(t, a2, roundTripMsg(t, a2))

	e := &Error{Code: ErrRevisionConflict, Reason: "stale revision", HasCorrelationID: true, CorrelationID: 9}
	require.Equal(t, e, roundTripMsg(t, e))
}

func TestQueryResultRoundTrip(t *testing.T) {
	q := &Query{Pattern: "/synth/**", HasKinds: true, Kinds: []SignalKind{KindParam}}
	require.Equal(t, q, roundTripMsg(t, q))

	r := &Result{
		ChunkIndex: 0,
		ChunkTotal: 1,
		Entries: []ResultEntry{
			{Address: "/synth/1/freq", Value: value.Float(440), Revision: 2, TimestampUs: 99},
		},
	}
	got := roundTripMsg(t, r).(*Result)
	require.Equal(t, r.ChunkIndex, got.ChunkIndex)
	require.Len(t, got.Entries, 1)
	require.True(t, r.Entries[0].Value.Equal(got.Entries[0].Value))
}

func TestDecodeMessageMalformed(t *testing.T) {
	_, _, err := DecodeMessage(nil)
	require.Error(t, err)

	_, _, err = DecodeMessage([]byte{0xff})
	require.True(t, IsMalformed(err))

	_, _, err = DecodeMessage([]byte{byte(MsgGet), 0x00})
	require.True(t, IsMalformed(err))
}
