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
Package session implements the per-connection CLASP session state
machine and its bounded egress queue with backpressure (spec section
4.8).
*/
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clasp-router/clasp/auth"
	"github.com/clasp-router/clasp/wire"
)

// State is a session's place in the Handshake -> Active -> Closing ->
// Closed lifecycle.
type State uint8

// States, spec section 4.8.
const (
	Handshake State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshake:
		return "handshake"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultEgressQueueLen is the default bounded egress queue length
// (spec section 4.8).
const DefaultEgressQueueLen = 1000

// DefaultDropThreshold and DefaultDropWindow define when a session's
// drop counter is severe enough to synthesize an Overloaded error
// (spec section 4.8): crossing DefaultDropThreshold drops within
// DefaultDropWindow.
const (
	DefaultDropThreshold = 100
	DefaultDropWindow    = 10 * time.Second
	overloadedCooldown   = 10 * time.Second
)

func isUndroppable(m wire.Message) bool {
	switch m.(type) {
	case *wire.Ack, *wire.Error, *wire.Welcome:
		return true
	default:
		return false
	}
}

func qosOf(m wire.Message) wire.QoS {
	switch msg := m.(type) {
	case *wire.Publish:
		return msg.QoS
	case *wire.Set:
		return msg.QoS
	default:
		return wire.QoSConfirm
	}
}

// Session tracks one connection's state machine, identity and
// bounded egress queue.
type Session struct {
	mu sync.Mutex

	ID         string
	State      State
	Info       auth.Info
	everActive bool

	egress        []wire.Message
	egressCap     int
	dropThreshold int
	dropWindow    time.Duration

	totalDrops   uint64
	windowDrops  []time.Time
	lastOverload time.Time

	limiter      *rate.Limiter
	lastActivity time.Time

	notify chan struct{}
}

// Notify returns a channel that receives a signal whenever Enqueue adds
// a message to the queue (at most one signal is kept pending), so an
// egress loop can block without polling.
func (s *Session) Notify() <-chan struct{} {
	return s.notify
}

func (s *Session) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// DefaultMaxMessagesPerSecond is the default per-session ingress rate
// cap (spec section 5).
const DefaultMaxMessagesPerSecond = 10000

// DefaultIdleTimeout is the default session idle timeout (spec
// section 5).
const DefaultIdleTimeout = 300 * time.Second

// SetMaxMessagesPerSecond (re)configures the session's ingress rate
// limiter.
func (s *Session) SetMaxMessagesPerSecond(n float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(n), int(n))
}

// Touch records ingress activity, resetting the idle timer.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// IdleSince reports whether the session has seen no activity for at
// least timeout relative to now.
func (s *Session) IdleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActivity.IsZero() {
		return false
	}
	return now.Sub(s.lastActivity) >= timeout
}

// AllowMessage applies the per-session rate limiter to one inbound
// message; callers reply RateLimited (429) when it returns false.
func (s *Session) AllowMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// New creates a session in the Handshake state with a fresh session
// id.
func New() *Session {
	return &Session{
		ID:            uuid.NewString(),
		State:         Handshake,
		egressCap:     DefaultEgressQueueLen,
		dropThreshold: DefaultDropThreshold,
		dropWindow:    DefaultDropWindow,
		notify:        make(chan struct{}, 1),
	}
}

// Transition moves the session to a new state. Closed is terminal: a
// transition out of Closed is ignored rather than panicking, since a
// stray message racing a close should never crash the router. Any
// other transition is applied as requested.
func (s *Session) Transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == Closed {
		return
	}
	log.Debugf("session %s: %s -> %s", s.ID, s.State, to)
	s.State = to
	if to == Active {
		s.everActive = true
	}
}

// EverActive reports whether the session ever reached the Active
// state, for callers that must distinguish a Handshake failure from a
// normal close when reconciling session-count metrics.
func (s *Session) EverActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everActive
}

// CurrentState returns the session's state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Enqueue appends a message to the egress queue, applying the drop
// policy of spec section 4.8 on overflow: Ack/Error/Welcome are never
// dropped; otherwise the oldest Fire-QoS message is dropped first, and
// if none remain, the newest Fire-QoS candidate (i.e. the message
// being enqueued, if it's Fire) is dropped instead. It returns an
// Overloaded error to send at most once per overloadedCooldown when
// the windowed drop counter crosses dropThreshold.
func (s *Session) Enqueue(m wire.Message, now time.Time) (overloaded *wire.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.egress) < s.egressCap {
		s.egress = append(s.egress, m)
		s.wakeLocked()
		return nil
	}

	if idx := s.oldestFireLocked(); idx >= 0 {
		s.egress = append(s.egress[:idx], s.egress[idx+1:]...)
		s.egress = append(s.egress, m)
		s.wakeLocked()
		s.recordDropLocked(now)
		return s.maybeOverloadedLocked(now)
	}

	if qosOf(m) == wire.QoSFire && !isUndroppable(m) {
		s.recordDropLocked(now)
		return s.maybeOverloadedLocked(now)
	}

	// Nothing droppable and the incoming message must be kept: grow
	// past cap rather than discard an Ack/Error/Welcome/Commit message.
	s.egress = append(s.egress, m)
	s.wakeLocked()
	return nil
}

func (s *Session) oldestFireLocked() int {
	for i, m := range s.egress {
		if qosOf(m) == wire.QoSFire && !isUndroppable(m) {
			return i
		}
	}
	return -1
}

func (s *Session) recordDropLocked(now time.Time) {
	s.totalDrops++
	s.windowDrops = append(s.windowDrops, now)
	cutoff := now.Add(-s.dropWindow)
	i := 0
	for i < len(s.windowDrops) && s.windowDrops[i].Before(cutoff) {
		i++
	}
	s.windowDrops = s.windowDrops[i:]
}

func (s *Session) maybeOverloadedLocked(now time.Time) *wire.Error {
	if len(s.windowDrops) < s.dropThreshold {
		return nil
	}
	if now.Sub(s.lastOverload) < overloadedCooldown {
		return nil
	}
	s.lastOverload = now
	return &wire.Error{Code: wire.ErrOverloaded, Reason: "egress queue overloaded"}
}

// Drain removes and returns every queued message, for best-effort
// flush while Closing.
func (s *Session) Drain() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.egress
	s.egress = nil
	return out
}

// TotalDrops returns the lifetime egress drop count, for metrics.
func (s *Session) TotalDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDrops
}
