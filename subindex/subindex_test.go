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

package subindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clasp-router/clasp/addr"
	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

func compile(t *testing.T, s string) *addr.Pattern {
	t.Helper()
	p, err := addr.CompilePattern(s)
	require.NoError(t, err)
	return p
}

func TestSubscribeDedupReplacesOptions(t *testing.T) {
	idx := New()
	key := Key{SessionID: "s1", Pattern: "/synth/*/freq", Kinds: "0"}
	kinds := map[wire.SignalKind]bool{wire.KindParam: true}

	sub1 := idx.Subscribe(key, compile(t, "/synth/*/freq"), kinds, Options{MaxRateHz: 10})
	sub2 := idx.Subscribe(key, compile(t, "/synth/*/freq"), kinds, Options{MaxRateHz: 20})
	require.Same(t, sub1, sub2)
	require.Equal(t, float64(20), sub2.Options.MaxRateHz)
}

func TestMatchUnionsLiteralAndWildcardBuckets(t *testing.T) {
	idx := New()
	kinds := map[wire.SignalKind]bool{wire.KindParam: true}
	idx.Subscribe(Key{SessionID: "s1", Pattern: "/synth/*/freq"}, compile(t, "/synth/*/freq"), kinds, Options{})
	idx.Subscribe(Key{SessionID: "s2", Pattern: "/**"}, compile(t, "/**"), kinds, Options{})

	subs := idx.Match("/synth/1/freq", wire.KindParam)
	require.Len(t, subs, 2)
}

func TestMatchFiltersByKind(t *testing.T) {
	idx := New()
	idx.Subscribe(Key{SessionID: "s1", Pattern: "/a"}, compile(t, "/a"), map[wire.SignalKind]bool{wire.KindEvent: true}, Options{})
	subs := idx.Match("/a", wire.KindParam)
	require.Empty(t, subs)
}

func TestUnsubscribeRemovesEntry(t *testing.T) {
	idx := New()
	key := Key{SessionID: "s1", Pattern: "/a"}
	idx.Subscribe(key, compile(t, "/a"), nil, Options{})
	require.Len(t, idx.Match("/a", wire.KindParam), 1)
	idx.Unsubscribe(key)
	require.Empty(t, idx.Match("/a", wire.KindParam))
}

func TestRemoveSessionClearsAllItsSubscriptions(t *testing.T) {
	idx := New()
	idx.Subscribe(Key{SessionID: "s1", Pattern: "/a"}, compile(t, "/a"), nil, Options{})
	idx.Subscribe(Key{SessionID: "s1", Pattern: "/b"}, compile(t, "/b"), nil, Options{})
	idx.Subscribe(Key{SessionID: "s2", Pattern: "/a"}, compile(t, "/a"), nil, Options{})

	idx.RemoveSession("s1")
	require.Len(t, idx.Match("/a", wire.KindParam), 1)
	require.Empty(t, idx.Match("/b", wire.KindParam))
}

func TestDeliverableEpsilonGating(t *testing.T) {
	idx := New()
	sub := idx.Subscribe(Key{SessionID: "s1", Pattern: "/a"}, compile(t, "/a"), nil, Options{Epsilon: 1.0})
	require.True(t, sub.Deliverable("/a", value.Float(10)))
	require.False(t, sub.Deliverable("/a", value.Float(10.5)))
	require.True(t, sub.Deliverable("/a", value.Float(12)))
}

func TestDeliverableMaxRate(t *testing.T) {
	idx := New()
	sub := idx.Subscribe(Key{SessionID: "s1", Pattern: "/a"}, compile(t, "/a"), nil, Options{MaxRateHz: 1})
	require.True(t, sub.Deliverable("/a", value.Int(1)))
	require.False(t, sub.Deliverable("/a", value.Int(2)))
}

func TestWindowBatching(t *testing.T) {
	idx := New()
	sub := idx.Subscribe(Key{SessionID: "s1", Pattern: "/a"}, compile(t, "/a"), nil, Options{WindowUs: 1000})
	now := time.Now()
	due := sub.AddToWindow("/a", 1.0, 48000, now)
	require.False(t, due)
	due = sub.AddToWindow("/a", 2.0, 48000, now.Add(2*time.Millisecond))
	require.True(t, due)

	samples, rateHz := sub.FlushWindow("/a", now)
	require.Equal(t, []float64{1.0, 2.0}, samples)
	require.Equal(t, uint32(48000), rateHz)

	samples, _ = sub.FlushWindow("/a", now)
	require.Nil(t, samples)
}
