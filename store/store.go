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
Package store implements the CLASP parameter store: conflict-resolved
Set/Get, pattern-filtered consistent Snapshot chunking, and a TTL
sweeper (spec section 4.5).
*/
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/clasp-router/clasp/addr"
	"github.com/clasp-router/clasp/value"
	"github.com/clasp-router/clasp/wire"
)

// Entry is one parameter record.
type Entry struct {
	Address     string
	Value       value.Value
	Revision    uint64
	TimestampUs uint64
	Writer      string
	Strategy    wire.Strategy
	LockedBy    string // non-empty when Strategy == StrategyLock and held
}

// SetRequest carries the inputs of a Set operation (spec section 4.5).
type SetRequest struct {
	Address     string
	Value       value.Value
	Revision    uint64 // client-proposed
	Strategy    wire.Strategy
	TimestampUs uint64
	SessionID   string
}

// SetOutcome reports the taxonomy result of a Set attempt.
type SetOutcome int

const (
	// SetAccepted means the store now reflects the new value (or, for
	// max/min when the proposal lost, the revision alone advanced).
	SetAccepted SetOutcome = iota
	// SetRevisionConflict means strategy != merge and the proposed
	// revision was lower than the stored one (an equal revision is
	// accepted).
	SetRevisionConflict
	// SetLockHeld means strategy == lock and another session holds it.
	SetLockHeld
)

// syncMapEntry is the lock-per-map pattern used throughout this
// repository for concurrent maps (grounded on facebook/time's
// syncMapCli/syncMapSub in ptp4u/server/subscription.go).
type syncMapEntry struct {
	sync.RWMutex
	m map[string]*Entry
}

func (s *syncMapEntry) init() {
	s.m = make(map[string]*Entry)
}

func (s *syncMapEntry) load(key string) (*Entry, bool) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.m[key]
	return e, ok
}

func (s *syncMapEntry) store(key string, val *Entry) {
	s.Lock()
	s.m[key] = val
	s.Unlock()
}

func (s *syncMapEntry) delete(key string) {
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// sortedKeys takes a brief read lock to snapshot and sort the key
// list, which is all Snapshot needs to stream consistent chunks: keys
// already emitted are never reordered by later writes (spec 4.5).
func (s *syncMapEntry) sortedKeys() []string {
	s.RLock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.RUnlock()
	sort.Strings(keys)
	return keys
}

// Store is the parameter store.
type Store struct {
	entries syncMapEntry
	ttl     time.Duration
}

// New returns an empty Store with the given TTL (0 disables sweeping).
func New(ttl time.Duration) *Store {
	s := &Store{ttl: ttl}
	s.entries.init()
	return s
}

func isExtremum(strategy wire.Strategy, current, proposed value.Value) bool {
	cn, cok := current.Numeric()
	pn, pok := proposed.Numeric()
	if !cok || !pok {
		return true
	}
	switch strategy {
	case wire.StrategyMax:
		return pn >= cn
	case wire.StrategyMin:
		return pn <= cn
	default:
		return true
	}
}

// Set applies a Set request and returns the resulting outcome and the
// entry as stored (even on conflict, so the caller can reply with the
// current entry per spec 4.5).
func (s *Store) Set(req SetRequest) (SetOutcome, Entry) {
	current, exists := s.entries.load(req.Address)

	if req.Strategy == wire.StrategyLock && exists && current.LockedBy != "" && current.LockedBy != req.SessionID {
		return SetLockHeld, *current
	}

	if exists && req.Strategy != wire.StrategyMerge && req.Revision < current.Revision {
		return SetRevisionConflict, *current
	}

	if exists && req.Strategy == wire.StrategyLWW && req.TimestampUs == current.TimestampUs {
		if req.SessionID < current.Writer {
			return SetAccepted, *current
		}
	}

	newRevision := req.Revision + 1
	if exists && current.Revision+1 > newRevision {
		newRevision = current.Revision + 1
	}

	storedValue := req.Value
	if exists && (req.Strategy == wire.StrategyMax || req.Strategy == wire.StrategyMin) && !isExtremum(req.Strategy, current.Value, req.Value) {
		storedValue = current.Value
	}

	lockedBy := ""
	if req.Strategy == wire.StrategyLock {
		lockedBy = req.SessionID
	}

	next := &Entry{
		Address:     req.Address,
		Value:       storedValue,
		Revision:    newRevision,
		TimestampUs: req.TimestampUs,
		Writer:      req.SessionID,
		Strategy:    req.Strategy,
		LockedBy:    lockedBy,
	}
	s.entries.store(req.Address, next)
	return SetAccepted, *next
}

// Len returns the number of live parameter entries, for metrics.
func (s *Store) Len() int {
	s.entries.RLock()
	defer s.entries.RUnlock()
	return len(s.entries.m)
}

// Get returns the current entry for address, or false if absent
// (NotFound at the caller).
func (s *Store) Get(address string) (Entry, bool) {
	e, ok := s.entries.load(address)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Unlock clears a lock strategy entry's holder, e.g. on session close.
func (s *Store) Unlock(address, sessionID string) {
	e, ok := s.entries.load(address)
	if ok && e.LockedBy == sessionID {
		clone := *e
		clone.LockedBy = ""
		s.entries.store(address, &clone)
	}
}

// UnlockAll releases every lock sessionID holds across the whole
// store, e.g. on session close: a vanished session must never keep an
// address write-locked forever (spec section 4.5/8's "a session is
// never observable after its terminal transition" extends to the
// locks it was holding).
func (s *Store) UnlockAll(sessionID string) {
	for _, k := range s.entries.sortedKeys() {
		s.Unlock(k, sessionID)
	}
}

// Snapshot returns entries whose address matches pattern (nil pattern
// matches everything), in address-sorted order, chunked so no chunk
// holds more than maxChunkEntries entries.
func (s *Store) Snapshot(pattern *addr.Pattern, maxChunkEntries int) [][]Entry {
	if maxChunkEntries <= 0 {
		maxChunkEntries = 1
	}
	keys := s.entries.sortedKeys()

	var matched []Entry
	for _, k := range keys {
		if pattern != nil {
			parts, err := addr.Split(k)
			if err != nil || !pattern.Match(parts) {
				continue
			}
		}
		e, ok := s.entries.load(k)
		if !ok {
			continue
		}
		matched = append(matched, *e)
	}

	var chunks [][]Entry
	for i := 0; i < len(matched); i += maxChunkEntries {
		end := i + maxChunkEntries
		if end > len(matched) {
			end = len(matched)
		}
		chunks = append(chunks, matched[i:end])
	}
	if len(chunks) == 0 {
		chunks = [][]Entry{{}}
	}
	return chunks
}

// Sweep removes entries whose TimestampUs is older than the store's
// TTL relative to nowUs. It is meant to run periodically from a
// background task (spec 4.5's TTL sweeper); it acquires the write lock
// only per deletion, so a slow sweep never blocks the hot Set/Get path
// for long.
func (s *Store) Sweep(nowUs uint64) int {
	if s.ttl <= 0 {
		return 0
	}
	ttlUs := uint64(s.ttl.Microseconds())
	removed := 0
	for _, k := range s.entries.sortedKeys() {
		e, ok := s.entries.load(k)
		if !ok {
			continue
		}
		if nowUs-e.TimestampUs > ttlUs {
			s.entries.delete(k)
			removed++
		}
	}
	return removed
}
