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

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clasp-router/clasp/auth"
	"github.com/clasp-router/clasp/clock"
	"github.com/clasp-router/clasp/gesture"
	"github.com/clasp-router/clasp/sched"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/store"
	"github.com/clasp-router/clasp/subindex"
	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

func newTestRouter() *Router {
	clk := clock.New()
	return New(
		store.New(0),
		subindex.New(),
		gesture.New(16*time.Millisecond, 30*time.Second),
		clk,
		sched.New(clk.NowUs),
		nil,
		false,
	)
}

func newTestSession() *session.Session {
	s := session.New()
	s.Transition(session.Active)
	return s
}

func findMessage[T wire.Message](out []Outbound) (T, bool) {
	var zero T
	for _, o := range out {
		if m, ok := o.Message.(T); ok {
			return m, true
		}
	}
	return zero, false
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	r := newTestRouter()
	subscriber := newTestSession()
	publisher := newTestSession()

	out := r.Dispatch(subscriber, &wire.Subscribe{Pattern: "/synth/*/freq"})
	_, ok := findMessage[*wire.Ack](out)
	require.True(t, ok)

	out = r.Dispatch(publisher, &wire.Publish{Address: "/synth/1/freq", Kind: wire.KindParam, QoS: wire.QoSFire, Value: value.Float(440)})
	require.Len(t, out, 1)
	require.Equal(t, subscriber.ID, out[0].SessionID)
	pub := out[0].Message.(*wire.Publish)
	got, _ := pub.Value.AsFloat()
	require.Equal(t, float64(440), got)
}

func TestFanOutDedupesOverlappingSubscriptionsOnSameSession(t *testing.T) {
	r := newTestRouter()
	subscriber := newTestSession()
	publisher := newTestSession()

	// Two subscriptions on the same session both match "/scene/1": a
	// publication to that address must still be delivered exactly
	// once (spec section 3 invariants, section 8 invariant 2).
	out := r.Dispatch(subscriber, &wire.Subscribe{Pattern: "/scene/*"})
	_, ok := findMessage[*wire.Ack](out)
	require.True(t, ok)
	out = r.Dispatch(subscriber, &wire.Subscribe{Pattern: "/scene/**"})
	_, ok = findMessage[*wire.Ack](out)
	require.True(t, ok)

	out = r.Dispatch(publisher, &wire.Publish{Address: "/scene/1", Kind: wire.KindParam, QoS: wire.QoSFire, Value: value.Int(1)})
	require.Len(t, out, 1, "subscriber must receive the publication exactly once despite two matching subscriptions")
	require.Equal(t, subscriber.ID, out[0].SessionID)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()

	r.Dispatch(sess, &wire.Set{Address: "/a", Value: value.Int(1), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit})

	out := r.Dispatch(sess, &wire.Get{Address: "/a"})
	require.Len(t, out, 1)
	res := out[0].Message.(*wire.Result)
	require.Len(t, res.Entries, 1)
	got, _ := res.Entries[0].Value.AsInt()
	require.Equal(t, int64(1), got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	out := r.Dispatch(sess, &wire.Get{Address: "/missing"})
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrNotFound, errMsg.Code)
}

func TestSetRevisionConflictRepliesWithCurrentEntry(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	r.Dispatch(sess, &wire.Set{Address: "/a", Value: value.Int(1), Revision: 5, Strategy: wire.StrategyLWW, QoS: wire.QoSCommit})

	out := r.Dispatch(sess, &wire.Set{Address: "/a", Value: value.Int(2), Revision: 1, Strategy: wire.StrategyLWW, QoS: wire.QoSCommit})
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrRevisionConflict, errMsg.Code)
	res, ok := findMessage[*wire.Result](out)
	require.True(t, ok)
	got, _ := res.Entries[0].Value.AsInt()
	require.Equal(t, int64(1), got)
}

func TestSyncRespondsWithEchoedClientTransmit(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	out := r.Dispatch(sess, &wire.Sync{ClientTransmitUs: 42})
	require.Len(t, out, 1)
	reply := out[0].Message.(*wire.Sync)
	require.Equal(t, uint64(42), reply.ClientTransmitUs)
}

func TestPingRespondsWithPong(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	out := r.Dispatch(sess, &wire.Ping{})
	_, ok := findMessage[*wire.Pong](out)
	require.True(t, ok)
}

func TestAtomicBundleAbortsOnRevisionConflict(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	r.Dispatch(sess, &wire.Set{Address: "/a", Value: value.Int(1), Revision: 5, Strategy: wire.StrategyLWW, QoS: wire.QoSCommit})

	bundle := &wire.Bundle{
		Atomic: true,
		Items: []wire.Message{
			&wire.Set{Address: "/a", Value: value.Int(9), Revision: 1, Strategy: wire.StrategyLWW, QoS: wire.QoSCommit},
			&wire.Set{Address: "/b", Value: value.Int(2), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit},
		},
	}
	out := r.Dispatch(sess, bundle)
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrRevisionConflict, errMsg.Code)

	_, ok = r.Store.Get("/b")
	require.False(t, ok, "bundle must not have partially applied")
}

func TestAtomicBundleCommitsWhenAllValid(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()
	bundle := &wire.Bundle{
		Atomic: true,
		Items: []wire.Message{
			&wire.Set{Address: "/a", Value: value.Int(1), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit},
			&wire.Set{Address: "/b", Value: value.Int(2), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit},
		},
	}
	r.Dispatch(sess, bundle)

	_, ok := r.Store.Get("/a")
	require.True(t, ok)
	_, ok = r.Store.Get("/b")
	require.True(t, ok)
}

func TestAtomicBundleAbortsOnPublishAuthorizationFailure(t *testing.T) {
	clk := clock.New()
	r := New(store.New(0), subindex.New(), gesture.New(16*time.Millisecond, 30*time.Second), clk, sched.New(clk.NowUs), nil, true)
	sess := newTestSession()
	readOnly, err := auth.ParseScope("read:/**")
	require.NoError(t, err)
	sess.Info = auth.Info{ID: "tok-1", Scopes: []auth.Scope{readOnly}}

	subscriber := newTestSession()
	subscriber.Info = auth.Info{ID: "tok-sub", Scopes: []auth.Scope{readOnly}}
	r.Dispatch(subscriber, &wire.Subscribe{Pattern: "/a"})

	// The only item is a Publish, a write this session's read-only
	// scope is not authorized to make; it is not a Set — a pre-check
	// that only inspects *wire.Set items would miss it and let the
	// bundle proceed to commit, fanning out a Publish no subscriber
	// should ever see.
	bundle := &wire.Bundle{
		Atomic: true,
		Items: []wire.Message{
			&wire.Publish{Address: "/a", Kind: wire.KindEvent, QoS: wire.QoSFire, Value: value.Int(1)},
		},
	}
	out := r.Dispatch(sess, bundle)
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrForbidden, errMsg.Code)

	for _, o := range out {
		require.NotEqual(t, subscriber.ID, o.SessionID, "unauthorized bundle item must never fan out")
	}
}

func TestScheduledBundleDeliversThroughDeliverCallback(t *testing.T) {
	r := newTestRouter()
	sess := newTestSession()

	var delivered []Outbound
	r.Deliver = func(out []Outbound) {
		delivered = append(delivered, out...)
	}

	executeAt := r.Clock.NowUs() + uint64(20*time.Millisecond/time.Microsecond)
	bundle := &wire.Bundle{
		ExecuteAtUs: executeAt,
		Atomic:      true,
		Items: []wire.Message{
			&wire.Set{Address: "/a", Value: value.Int(7), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit},
		},
	}
	out := r.Dispatch(sess, bundle)
	ack, ok := findMessage[*wire.Ack](out)
	require.True(t, ok, "scheduling a future bundle immediately acks")
	require.False(t, ack.HasRevision)

	_, ok = r.Store.Get("/a")
	require.False(t, ok, "bundle must not apply before its execute time")

	require.Eventually(t, func() bool {
		r.Scheduler.RunDue()
		return len(delivered) > 0
	}, time.Second, time.Millisecond)

	_, ok = r.Store.Get("/a")
	require.True(t, ok, "scheduled bundle eventually applies")
	_, ok = findMessage[*wire.Ack](delivered)
	require.True(t, ok, "the scheduled commit's Ack must reach Deliver, not be discarded")
}

func TestCloseSessionReleasesSubscriptionsLocksAndGestures(t *testing.T) {
	r := newTestRouter()
	publisher := newTestSession()
	other := newTestSession()
	subscriber := newTestSession()

	// publisher holds a lock and has a live gesture Move buffered.
	r.Dispatch(publisher, &wire.Set{Address: "/locked", Value: value.Int(1), Strategy: wire.StrategyLock, QoS: wire.QoSFire})
	r.Dispatch(subscriber, &wire.Subscribe{Pattern: "/touch/pad", Kinds: []wire.SignalKind{wire.KindGesture}})
	r.Dispatch(publisher, &wire.Publish{Address: "/touch/pad", Kind: wire.KindGesture, QoS: wire.QoSFire, HasGesture: true, GestureID: 1, Phase: wire.GestureStart, Value: value.Float(0)})
	r.Dispatch(publisher, &wire.Publish{Address: "/touch/pad", Kind: wire.KindGesture, QoS: wire.QoSFire, HasGesture: true, GestureID: 1, Phase: wire.GestureMove, Value: value.Float(0.1)})

	// publisher also subscribes to its own address; closing must drop it.
	r.Dispatch(publisher, &wire.Subscribe{Pattern: "/locked"})

	out := r.CloseSession(publisher.ID)

	// The buffered Move is flushed to the (still live) subscriber.
	require.Len(t, out, 1)
	require.Equal(t, subscriber.ID, out[0].SessionID)
	pub := out[0].Message.(*wire.Publish)
	require.Equal(t, wire.GestureMove, pub.Phase)

	// The lock is released: another session can now write /locked.
	outcome, _ := r.Store.Set(store.SetRequest{Address: "/locked", Value: value.Int(2), Revision: 1, Strategy: wire.StrategyLock, SessionID: other.ID})
	require.Equal(t, store.SetAccepted, outcome)

	// publisher's own subscription is gone: a fresh Set to /locked no
	// longer fans out to it.
	fan := r.Dispatch(other, &wire.Set{Address: "/locked", Value: value.Int(3), Strategy: wire.StrategyLock, QoS: wire.QoSFire, Revision: 2})
	for _, o := range fan {
		require.NotEqual(t, publisher.ID, o.SessionID)
	}
}

func TestAuthorizationForbidsOutOfScopeWrite(t *testing.T) {
	clk := clock.New()
	r := New(store.New(0), subindex.New(), gesture.New(16*time.Millisecond, 30*time.Second), clk, sched.New(clk.NowUs), nil, true)
	sess := newTestSession()
	readOnly, err := auth.ParseScope("read:/**")
	require.NoError(t, err)
	sess.Info = auth.Info{ID: "tok-1", Scopes: []auth.Scope{readOnly}}

	out := r.Dispatch(sess, &wire.Set{Address: "/a", Value: value.Int(1), Strategy: wire.StrategyLWW, QoS: wire.QoSCommit})
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrForbidden, errMsg.Code)
}

func TestUnauthenticatedSessionRejectedInAuthenticatedMode(t *testing.T) {
	clk := clock.New()
	r := New(store.New(0), subindex.New(), gesture.New(16*time.Millisecond, 30*time.Second), clk, sched.New(clk.NowUs), nil, true)
	sess := newTestSession()

	out := r.Dispatch(sess, &wire.Get{Address: "/a"})
	errMsg, ok := findMessage[*wire.Error](out)
	require.True(t, ok)
	require.Equal(t, wire.ErrUnauthorized, errMsg.Code)
}

func TestStreamPublishBatchesIntoWindow(t *testing.T) {
	r := newTestRouter()
	subscriber := newTestSession()
	publisher := newTestSession()

	out := r.Dispatch(subscriber, &wire.Subscribe{
		Pattern: "/audio/in",
		Kinds:   []wire.SignalKind{wire.KindStream},
		Options: wire.SubscribeOptions{WindowUs: 1000},
	})
	_, ok := findMessage[*wire.Ack](out)
	require.True(t, ok)

	// First sample doesn't fill the window; nothing is delivered yet.
	out = r.Dispatch(publisher, &wire.Publish{Address: "/audio/in", Kind: wire.KindStream, QoS: wire.QoSFire, Value: value.Float(1.0)})
	require.Empty(t, out)

	out = r.Dispatch(publisher, &wire.Publish{Address: "/audio/in", Kind: wire.KindStream, QoS: wire.QoSFire, Value: value.Float(2.0)})
	require.Empty(t, out, "window deadline has not elapsed yet")

	// Flushing directly (as the background window sweep would, once
	// the deadline passes) delivers the batch exactly once.
	flushed := r.FlushWindows(time.Now().Add(2 * time.Millisecond))
	require.Len(t, flushed, 1)
	require.Equal(t, subscriber.ID, flushed[0].SessionID)
	pub := flushed[0].Message.(*wire.Publish)
	require.True(t, pub.HasStream)
	require.Equal(t, []float64{1.0, 2.0}, pub.Stream.Samples)

	// A second flush with nothing newly buffered yields nothing.
	require.Empty(t, r.FlushWindows(time.Now().Add(3*time.Millisecond)))
}

func TestStreamPublishAlreadyBatchedBypassesWindow(t *testing.T) {
	r := newTestRouter()
	subscriber := newTestSession()
	publisher := newTestSession()

	r.Dispatch(subscriber, &wire.Subscribe{
		Pattern: "/audio/in",
		Kinds:   []wire.SignalKind{wire.KindStream},
		Options: wire.SubscribeOptions{WindowUs: 1000},
	})

	out := r.Dispatch(publisher, &wire.Publish{
		Address: "/audio/in", Kind: wire.KindStream, QoS: wire.QoSFire,
		HasStream: true, Stream: wire.StreamPayload{Samples: []float64{1, 2, 3}, RateHz: 48000},
	})
	require.Len(t, out, 1, "a publisher-batched Stream publish delivers immediately")
}
