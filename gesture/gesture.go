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
Package gesture implements the CLASP gesture coalescer: it buffers
rapid Move publications per (address, gesture id) and flushes them on
a timer, on a terminal phase, or on session close (spec section 4.7).
*/
package gesture

import (
	"sync"
	"time"

	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

// Key identifies one gesture lifecycle.
type Key struct {
	Address   string
	GestureID uint32
}

type entry struct {
	sessionID string
	buffered  *wire.Publish // last Move awaiting flush, nil if none
	dueAt     time.Time
	lastSeen  time.Time
}

// Coalescer implements the Absent -> Active -> Closed state machine
// of spec section 4.7.
type Coalescer struct {
	mu              sync.Mutex
	entries         map[Key]*entry
	coalesceInterval time.Duration
	maxGestureAge    time.Duration
}

// New returns a Coalescer with the given coalesce interval (default
// 16ms) and max gesture age (default 30s) per spec section 4.7.
func New(coalesceInterval, maxGestureAge time.Duration) *Coalescer {
	if coalesceInterval <= 0 {
		coalesceInterval = 16 * time.Millisecond
	}
	if maxGestureAge <= 0 {
		maxGestureAge = 30 * time.Second
	}
	return &Coalescer{
		entries:          make(map[Key]*entry),
		coalesceInterval: coalesceInterval,
		maxGestureAge:    maxGestureAge,
	}
}

// Process handles one incoming gesture Publish and returns the
// publications that should be forwarded to subscribers immediately.
// Start and terminal phases (End/Cancel) bypass coalescing: Start
// forwards right away and opens the entry; a terminal phase flushes
// any buffered Move first, then forwards itself and closes the entry.
// Move never forwards immediately; it replaces the buffer and
// (re)arms the flush timer.
func (c *Coalescer) Process(sessionID string, pub *wire.Publish, now time.Time) []*wire.Publish {
	key := Key{Address: pub.Address, GestureID: pub.GestureID}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch pub.Phase {
	case wire.GestureStart:
		c.entries[key] = &entry{sessionID: sessionID, lastSeen: now}
		return []*wire.Publish{pub}

	case wire.GestureMove:
		e, ok := c.entries[key]
		if !ok {
			e = &entry{sessionID: sessionID}
			c.entries[key] = e
		}
		e.lastSeen = now
		e.buffered = pub
		candidate := now.Add(c.coalesceInterval)
		if e.dueAt.IsZero() || candidate.Before(e.dueAt) {
			e.dueAt = candidate
		}
		return nil

	case wire.GestureEnd, wire.GestureCancel:
		var out []*wire.Publish
		if e, ok := c.entries[key]; ok && e.buffered != nil {
			out = append(out, e.buffered)
		}
		out = append(out, pub)
		delete(c.entries, key)
		return out

	default:
		return []*wire.Publish{pub}
	}
}

// Sweep flushes any buffered Move whose timer is due, and cancels
// synthetically any gesture whose lastSeen exceeds maxGestureAge
// without having reached a terminal phase. It is meant to run from a
// background task at the coalesce interval (spec section 4.7).
func (c *Coalescer) Sweep(now time.Time) []*wire.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*wire.Publish
	for key, e := range c.entries {
		if now.Sub(e.lastSeen) > c.maxGestureAge {
			if e.buffered != nil {
				out = append(out, e.buffered)
			}
			out = append(out, syntheticCancel(key, e.buffered))
			delete(c.entries, key)
			continue
		}
		if e.buffered != nil && !e.dueAt.IsZero() && !now.Before(e.dueAt) {
			out = append(out, e.buffered)
			e.buffered = nil
			e.dueAt = time.Time{}
		}
	}
	return out
}

// CloseSession flushes and discards every gesture entry owned by
// sessionID, e.g. on session close (spec section 4.7 and 4.8).
func (c *Coalescer) CloseSession(sessionID string) []*wire.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*wire.Publish
	for key, e := range c.entries {
		if e.sessionID != sessionID {
			continue
		}
		if e.buffered != nil {
			out = append(out, e.buffered)
		}
		delete(c.entries, key)
	}
	return out
}

func syntheticCancel(key Key, last *wire.Publish) *wire.Publish {
	val := value.Null()
	if last != nil {
		val = last.Value
	}
	return &wire.Publish{
		Address:    key.Address,
		Kind:       wire.KindGesture,
		QoS:        wire.QoSFire,
		Value:      val,
		HasGesture: true,
		GestureID:  key.GestureID,
		Phase:      wire.GestureCancel,
	}
}
