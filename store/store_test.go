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

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clasp-router/clasp/addr"
	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

func TestSetAcceptsFirstWrite(t *testing.T) {
	s := New(0)
	outcome, e := s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})
	require.Equal(t, SetAccepted, outcome)
	require.Equal(t, uint64(1), e.Revision)
}

func TestSetRevisionConflict(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 5, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})
	outcome, e := s.Set(SetRequest{Address: "/a", Value: value.Int(2), Revision: 3, Strategy: wire.StrategyLWW, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetRevisionConflict, outcome)
	require.Equal(t, uint64(6), e.Revision)
}

func TestSetMergeBypassesRevisionConflict(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 5, Strategy: wire.StrategyMerge, TimestampUs: 1, SessionID: "s1"})
	outcome, e := s.Set(SetRequest{Address: "/a", Value: value.Int(2), Revision: 0, Strategy: wire.StrategyMerge, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)
	require.Equal(t, uint64(7), e.Revision)
}

func TestSetMaxKeepsExtremumButAdvancesRevision(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Float(10), Revision: 0, Strategy: wire.StrategyMax, TimestampUs: 1, SessionID: "s1"})
	outcome, e := s.Set(SetRequest{Address: "/a", Value: value.Float(5), Revision: 1, Strategy: wire.StrategyMax, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)
	got, _ := e.Value.AsFloat()
	require.Equal(t, float64(10), got)
	require.Equal(t, uint64(2), e.Revision)
}

func TestSetLockHeldByAnotherSession(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLock, TimestampUs: 1, SessionID: "s1"})
	outcome, _ := s.Set(SetRequest{Address: "/a", Value: value.Int(2), Revision: 1, Strategy: wire.StrategyLock, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetLockHeld, outcome)

	s.Unlock("/a", "s1")
	outcome, _ = s.Set(SetRequest{Address: "/a", Value: value.Int(2), Revision: 1, Strategy: wire.StrategyLock, TimestampUs: 3, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)
}

func TestUnlockAllReleasesEveryLockHeldBySession(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLock, TimestampUs: 1, SessionID: "s1"})
	s.Set(SetRequest{Address: "/b", Value: value.Int(2), Revision: 0, Strategy: wire.StrategyLock, TimestampUs: 1, SessionID: "s1"})
	s.Set(SetRequest{Address: "/c", Value: value.Int(3), Revision: 0, Strategy: wire.StrategyLock, TimestampUs: 1, SessionID: "s2"})

	s.UnlockAll("s1")

	outcome, _ := s.Set(SetRequest{Address: "/a", Value: value.Int(9), Revision: 1, Strategy: wire.StrategyLock, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)
	outcome, _ = s.Set(SetRequest{Address: "/b", Value: value.Int(9), Revision: 1, Strategy: wire.StrategyLock, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)

	// /c was never locked by s1, so it is unaffected: s2 already held
	// that lock and can still write to it.
	outcome, _ = s.Set(SetRequest{Address: "/c", Value: value.Int(4), Revision: 1, Strategy: wire.StrategyLock, TimestampUs: 2, SessionID: "s2"})
	require.Equal(t, SetAccepted, outcome)
}

func TestSetLWWTiesBreakOnSessionID(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 5, Strategy: wire.StrategyLWW, TimestampUs: 100, SessionID: "bbb"})
	outcome, e := s.Set(SetRequest{Address: "/a", Value: value.Int(2), Revision: 10, Strategy: wire.StrategyLWW, TimestampUs: 100, SessionID: "aaa"})
	require.Equal(t, SetAccepted, outcome)
	got, _ := e.Value.AsInt()
	require.Equal(t, int64(1), got, "lower session id loses the tie; the stored write from bbb is kept")
}

func TestGetNotFound(t *testing.T) {
	s := New(0)
	_, ok := s.Get("/missing")
	require.False(t, ok)
}

func TestSnapshotOrderedAndChunked(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/b", Value: value.Int(2), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})
	s.Set(SetRequest{Address: "/c", Value: value.Int(3), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})

	chunks := s.Snapshot(nil, 2)
	require.Len(t, chunks, 2)
	require.Equal(t, "/a", chunks[0][0].Address)
	require.Equal(t, "/b", chunks[0][1].Address)
	require.Equal(t, "/c", chunks[1][0].Address)
}

func TestSnapshotFiltersByPattern(t *testing.T) {
	s := New(0)
	s.Set(SetRequest{Address: "/synth/1/freq", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})
	s.Set(SetRequest{Address: "/lights/1/hue", Value: value.Int(2), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 1, SessionID: "s1"})

	pat, err := addr.CompilePattern("/synth/**")
	require.NoError(t, err)
	chunks := s.Snapshot(pat, 10)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 1)
	require.Equal(t, "/synth/1/freq", chunks[0][0].Address)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := New(time.Microsecond * 100)
	s.Set(SetRequest{Address: "/a", Value: value.Int(1), Revision: 0, Strategy: wire.StrategyLWW, TimestampUs: 0, SessionID: "s1"})
	removed := s.Sweep(1000)
	require.Equal(t, 1, removed)
	_, ok := s.Get("/a")
	require.False(t, ok)
}
