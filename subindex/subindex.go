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
Package subindex implements the CLASP subscription index: prefix-bucket
dispatch, per-subscription maxRate/epsilon/window gating, and dedup on
resubscribe (spec section 4.6).
*/
package subindex

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clasp-router/clasp/addr"
	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

// Options are the dispatch gates of one subscription (spec section
// 4.6).
type Options struct {
	MaxRateHz float64
	Epsilon   float64
	History   bool
	WindowUs  uint32
}

// Key identifies a subscription for dedup purposes: same (session,
// pattern, kinds) replaces options rather than creating a duplicate
// entry (spec section 4.2).
type Key struct {
	SessionID string
	Pattern   string
	Kinds     string // canonical joined kind list, e.g. "param,event"
}

// Subscription is one live entry in the index.
type Subscription struct {
	Key     Key
	Pattern *addr.Pattern
	Kinds   map[wire.SignalKind]bool
	Options Options

	limiter *rate.Limiter
	mu      sync.Mutex
	lastVal map[string]float64 // last delivered numeric value per address, for epsilon gating
	window  map[string]*windowState
}

type windowState struct {
	samples []float64
	rateHz  uint32
	dueAt   time.Time
}

func newSubscription(key Key, pat *addr.Pattern, kinds map[wire.SignalKind]bool, opts Options) *Subscription {
	s := &Subscription{
		Key:     key,
		Pattern: pat,
		Kinds:   kinds,
		Options: opts,
		lastVal: make(map[string]float64),
		window:  make(map[string]*windowState),
	}
	if opts.MaxRateHz > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxRateHz), 1)
	}
	return s
}

// allow applies the maxRate token bucket; Ack/Error/Welcome-class
// control traffic never goes through here, but every publication that
// reaches Deliverable is gated, whatever its signal kind.
func (s *Subscription) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// gateEpsilon reports whether a numeric publication should be
// suppressed because it changed by less than Epsilon since the last
// delivery to this subscription.
func (s *Subscription) gateEpsilon(address string, v value.Value) bool {
	if s.Options.Epsilon <= 0 {
		return false
	}
	n, ok := v.Numeric()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastVal[address]
	if seen && abs(n-last) < s.Options.Epsilon {
		return true
	}
	s.lastVal[address] = n
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Index is the subscription index: a per-session subscription table
// plus a prefix-bucket secondary index for dispatch (spec section
// 4.6). The locking follows the syncMapCli/syncMapSub pattern used
// throughout this repository.
type Index struct {
	mu       sync.RWMutex
	byKey    map[Key]*Subscription
	byPrefix map[string]map[*Subscription]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		byKey:    make(map[Key]*Subscription),
		byPrefix: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe adds or replaces a subscription. Per spec section 4.2,
// the same (session, pattern, kinds) tuple deduplicates; a repeat
// Subscribe just replaces the stored Options.
func (idx *Index) Subscribe(key Key, pattern *addr.Pattern, kinds map[wire.SignalKind]bool, opts Options) *Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.byKey[key]; ok {
		existing.Options = opts
		if opts.MaxRateHz > 0 {
			existing.limiter = rate.NewLimiter(rate.Limit(opts.MaxRateHz), 1)
		} else {
			existing.limiter = nil
		}
		return existing
	}

	sub := newSubscription(key, pattern, kinds, opts)
	idx.byKey[key] = sub
	prefix := pattern.Prefix()
	if idx.byPrefix[prefix] == nil {
		idx.byPrefix[prefix] = make(map[*Subscription]struct{})
	}
	idx.byPrefix[prefix][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription matching key, if any.
func (idx *Index) Unsubscribe(key Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sub, ok := idx.byKey[key]
	if !ok {
		return
	}
	delete(idx.byKey, key)
	prefix := sub.Pattern.Prefix()
	if bucket, ok := idx.byPrefix[prefix]; ok {
		delete(bucket, sub)
		if len(bucket) == 0 {
			delete(idx.byPrefix, prefix)
		}
	}
}

// RemoveSession removes every subscription owned by sessionID, e.g. on
// session close.
func (idx *Index) RemoveSession(sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for key, sub := range idx.byKey {
		if key.SessionID != sessionID {
			continue
		}
		delete(idx.byKey, key)
		prefix := sub.Pattern.Prefix()
		if bucket, ok := idx.byPrefix[prefix]; ok {
			delete(bucket, sub)
			if len(bucket) == 0 {
				delete(idx.byPrefix, prefix)
			}
		}
	}
}

// Has reports whether key already has a live subscription, so a
// resubscribe that only replaces Options never counts against
// max_subscriptions_per_session.
func (idx *Index) Has(key Key) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byKey[key]
	return ok
}

// CountForSession returns how many subscriptions sessionID currently
// holds, for enforcing max_subscriptions_per_session (spec section 6).
func (idx *Index) CountForSession(sessionID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for key := range idx.byKey {
		if key.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Match returns the subscriptions whose pattern matches address and
// whose kind set contains kind, following the prefix-bucket dispatch
// of spec section 4.6: union the literal-prefix bucket with the
// wildcard (empty-prefix) bucket, then filter.
func (idx *Index) Match(address string, kind wire.SignalKind) []*Subscription {
	parts, err := addr.Split(address)
	if err != nil {
		return nil
	}
	prefix := ""
	if len(parts) > 0 {
		prefix = parts[0]
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var candidates []*Subscription
	for s := range idx.byPrefix[prefix] {
		candidates = append(candidates, s)
	}
	if prefix != "" {
		for s := range idx.byPrefix[""] {
			candidates = append(candidates, s)
		}
	}

	var out []*Subscription
	for _, s := range candidates {
		if len(s.Kinds) > 0 && !s.Kinds[kind] {
			continue
		}
		if !s.Pattern.Match(parts) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Deliverable applies the maxRate and epsilon gates for one candidate
// delivery and reports whether the publication should actually reach
// the subscriber. Window batching for Stream signals is handled
// separately by AddToWindow/FlushWindow since it changes what gets sent,
// not just whether.
func (s *Subscription) Deliverable(address string, v value.Value) bool {
	if !s.allow() {
		return false
	}
	return !s.gateEpsilon(address, v)
}

// AddToWindow buffers a Stream sample for window batching and reports
// whether the window is now due to flush.
func (s *Subscription) AddToWindow(address string, sample float64, rateHz uint32, now time.Time) (due bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.window[address]
	if !ok {
		w = &windowState{dueAt: now.Add(time.Duration(s.Options.WindowUs) * time.Microsecond)}
		s.window[address] = w
	}
	w.samples = append(w.samples, sample)
	w.rateHz = rateHz
	return !now.Before(w.dueAt)
}

// FlushWindow returns and clears the buffered samples for address.
func (s *Subscription) FlushWindow(address string, now time.Time) ([]float64, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.window[address]
	if !ok {
		return nil, 0
	}
	delete(s.window, address)
	return w.samples, w.rateHz
}

// dueAddresses lists addresses with a buffered window whose deadline
// has passed, for DueWindows's time-driven flush: a window with no
// further incoming samples must still flush on time.
func (s *Subscription) dueAddresses(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for address, w := range s.window {
		if !now.Before(w.dueAt) {
			out = append(out, address)
		}
	}
	return out
}

// WindowFlush is one Stream window ready to be delivered as a batched
// Publish (spec section 4.6).
type WindowFlush struct {
	SessionID string
	Address   string
	Samples   []float64
	RateHz    uint32
}

// DueWindows scans every live subscription for buffered windows whose
// deadline has passed, flushing and returning them. It is meant to run
// from a periodic background sweep alongside the gesture coalescer's
// flush (spec section 5): a window only ever flushes on a new sample
// reaching its deadline (AddToWindow) or here, on a timer, so a stream
// that goes quiet still delivers its last partial batch on time.
func (idx *Index) DueWindows(now time.Time) []WindowFlush {
	idx.mu.RLock()
	subs := make([]*Subscription, 0, len(idx.byKey))
	for _, s := range idx.byKey {
		subs = append(subs, s)
	}
	idx.mu.RUnlock()

	var out []WindowFlush
	for _, s := range subs {
		for _, address := range s.dueAddresses(now) {
			samples, rateHz := s.FlushWindow(address, now)
			if len(samples) == 0 {
				continue
			}
			out = append(out, WindowFlush{SessionID: s.Key.SessionID, Address: address, Samples: samples, RateHz: rateHz})
		}
	}
	return out
}
