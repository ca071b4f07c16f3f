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

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clasp-router/clasp/wire"
)

func TestNewSessionStartsInHandshake(t *testing.T) {
	s := New()
	require.Equal(t, Handshake, s.CurrentState())
	require.NotEmpty(t, s.ID)
}

func TestTransitionSequence(t *testing.T) {
	s := New()
	s.Transition(Active)
	require.Equal(t, Active, s.CurrentState())
	s.Transition(Closing)
	s.Transition(Closed)
	require.Equal(t, Closed, s.CurrentState())
}

func TestTransitionIgnoredAfterClosed(t *testing.T) {
	s := New()
	s.Transition(Closed)
	s.Transition(Active)
	require.Equal(t, Closed, s.CurrentState())
}

func TestEnqueueDropsOldestFireOnOverflow(t *testing.T) {
	s := New()
	s.egressCap = 2
	now := time.Now()

	s.Enqueue(&wire.Publish{QoS: wire.QoSFire, Address: "/a"}, now)
	s.Enqueue(&wire.Publish{QoS: wire.QoSFire, Address: "/b"}, now)
	s.Enqueue(&wire.Publish{QoS: wire.QoSFire, Address: "/c"}, now)

	msgs := s.Drain()
	require.Len(t, msgs, 2)
	require.Equal(t, "/b", msgs[0].(*wire.Publish).Address)
	require.Equal(t, "/c", msgs[1].(*wire.Publish).Address)
}

func TestEnqueueNeverDropsAckErrorWelcome(t *testing.T) {
	s := New()
	s.egressCap = 1
	now := time.Now()

	s.Enqueue(&wire.Ack{CorrelationID: 1}, now)
	s.Enqueue(&wire.Error{Code: wire.ErrInternal}, now)

	msgs := s.Drain()
	require.Len(t, msgs, 2)
}

func TestEnqueueOverloadedFiresOnceWithinCooldown(t *testing.T) {
	s := New()
	s.egressCap = 1
	s.dropThreshold = 2
	now := time.Now()

	s.Enqueue(&wire.Ack{}, now)

	var fired *wire.Error
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(&wire.Publish{QoS: wire.QoSFire}, now); err != nil {
			fired = err
		}
	}
	require.NotNil(t, fired)
	require.Equal(t, wire.ErrOverloaded, fired.Code)

	again := s.Enqueue(&wire.Publish{QoS: wire.QoSFire}, now)
	require.Nil(t, again, "cooldown suppresses a second Overloaded so soon")
}

func TestIdleSinceReportsAfterTimeout(t *testing.T) {
	s := New()
	now := time.Now()
	s.Touch(now)
	require.False(t, s.IdleSince(now.Add(time.Second), 5*time.Second))
	require.True(t, s.IdleSince(now.Add(10*time.Second), 5*time.Second))
}

func TestAllowMessageRateLimits(t *testing.T) {
	s := New()
	s.SetMaxMessagesPerSecond(1)
	require.True(t, s.AllowMessage())
	require.False(t, s.AllowMessage())
}

func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry()
	s := New()
	reg.Add(s)
	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, reg.Len())

	reg.Remove(s.ID)
	_, ok = reg.Get(s.ID)
	require.False(t, ok)
}

func TestTotalDropsAccumulates(t *testing.T) {
	s := New()
	s.egressCap = 1
	now := time.Now()
	s.Enqueue(&wire.Ack{}, now)
	s.Enqueue(&wire.Publish{QoS: wire.QoSFire}, now)
	s.Enqueue(&wire.Publish{QoS: wire.QoSFire}, now)
	require.Equal(t, uint64(2), s.TotalDrops())
}
