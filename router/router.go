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
Package router implements the CLASP router core: the operation
contract for every message type, and atomic/scheduled bundle
execution (spec section 4.9).
*/
package router

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clasp-router/clasp/addr"
	"github.com/clasp-router/clasp/auth"
	"github.com/clasp-router/clasp/clock"
	"github.com/clasp-router/clasp/gesture"
	"github.com/clasp-router/clasp/metrics"
	"github.com/clasp-router/clasp/sched"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/store"
	"github.com/clasp-router/clasp/subindex"
	"github.com/clasp-router/clasp/wire"
)

// Outbound is one message the router wants delivered to a specific
// session's egress queue.
type Outbound struct {
	SessionID string
	Message   wire.Message
}

// Router ties the parameter store, subscription index, gesture
// coalescer, clock and scheduled executor into the operation contract
// of spec section 4.9.
type Router struct {
	Store     *store.Store
	Subs      *subindex.Index
	Gestures  *gesture.Coalescer
	Clock     *clock.Clock
	Scheduler *sched.Scheduler
	Tokens    *auth.Registry
	Metrics   *metrics.Registry // optional; nil disables metrics recording

	// Deliver, when set, is called with the Outbound messages produced
	// by a scheduled bundle once the scheduler fires it (spec section
	// 4.10): a scheduled commit happens outside any Dispatch call, so
	// its Acks and fan-out Publishes have no caller to hand them back
	// to and must be pushed to sessions' egress queues directly.
	Deliver func([]Outbound)

	// MaxSubscriptionsPerSession caps how many live subscriptions one
	// session may hold (spec section 6's max_subscriptions_per_session);
	// 0 means unlimited.
	MaxSubscriptionsPerSession int

	authenticated bool // whether the router requires a valid token
}

// New builds a Router from its component parts. authenticated
// controls whether Unauthorized/Forbidden checks run at all (spec
// section 4.4); set false for single-user/local deployments.
func New(st *store.Store, subs *subindex.Index, ges *gesture.Coalescer, clk *clock.Clock, sch *sched.Scheduler, tokens *auth.Registry, authenticated bool) *Router {
	return &Router{Store: st, Subs: subs, Gestures: ges, Clock: clk, Scheduler: sch, Tokens: tokens, authenticated: authenticated}
}

func errMsg(code wire.ErrorCode, reason string) *wire.Error {
	return &wire.Error{Code: code, Reason: reason}
}

// Authorize checks sess's scopes for need on address. When the router
// is not running in authenticated mode, every action is allowed.
func (r *Router) Authorize(sess *session.Session, need auth.Action, address string) *wire.Error {
	if !r.authenticated {
		return nil
	}
	if sess.Info.ID == "" {
		return errMsg(wire.ErrUnauthorized, "session is not authenticated")
	}
	if !sess.Info.Allows(need, address) {
		return errMsg(wire.ErrForbidden, fmt.Sprintf("token lacks %s scope for %s", need, address))
	}
	return nil
}

// Dispatch routes one inbound message for sess and returns zero or
// more outbound messages (replies and/or fan-out publications).
func (r *Router) Dispatch(sess *session.Session, m wire.Message) []Outbound {
	switch msg := m.(type) {
	case *wire.Subscribe:
		return r.handleSubscribe(sess, msg)
	case *wire.Unsubscribe:
		r.Subs.Unsubscribe(subindex.Key{SessionID: sess.ID, Pattern: msg.Pattern, Kinds: kindsKey(msg.Kinds)})
		return nil
	case *wire.Publish:
		return r.handlePublish(sess, msg)
	case *wire.Set:
		return r.handleSet(sess, msg)
	case *wire.Get:
		return r.handleGet(sess, msg)
	case *wire.Snapshot:
		return r.handleSnapshot(sess, msg)
	case *wire.Bundle:
		return r.handleBundle(sess, msg)
	case *wire.Sync:
		reply := r.Clock.Respond(msg)
		return []Outbound{{SessionID: sess.ID, Message: reply}}
	case *wire.Ping:
		return []Outbound{{SessionID: sess.ID, Message: &wire.Pong{ServerTimeUs: r.Clock.NowUs()}}}
	case *wire.Query:
		return r.handleQuery(sess, msg)
	default:
		return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrUnknownMessageType, fmt.Sprintf("unhandled message type %T", m))}}
	}
}

func kindsKey(kinds []wire.SignalKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

func kindSet(kinds []wire.SignalKind) map[wire.SignalKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	out := make(map[wire.SignalKind]bool, len(kinds))
	for _, k := range kinds {
		out[k] = true
	}
	return out
}

func (r *Router) handleSubscribe(sess *session.Session, msg *wire.Subscribe) []Outbound {
	if authErr := r.Authorize(sess, auth.Read, msg.Pattern); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}
	pat, err := addr.CompilePattern(msg.Pattern)
	if err != nil {
		return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrMalformed, err.Error())}}
	}
	key := subindex.Key{SessionID: sess.ID, Pattern: msg.Pattern, Kinds: kindsKey(msg.Kinds)}
	if r.MaxSubscriptionsPerSession > 0 && !r.Subs.Has(key) && r.Subs.CountForSession(sess.ID) >= r.MaxSubscriptionsPerSession {
		return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrForbidden, "max_subscriptions_per_session exceeded")}}
	}
	r.Subs.Subscribe(key, pat, kindSet(msg.Kinds), subindex.Options{
		MaxRateHz: msg.Options.MaxRateHz,
		Epsilon:   msg.Options.Epsilon,
		History:   msg.Options.History,
		WindowUs:  msg.Options.WindowUs,
	})

	var out []Outbound
	out = append(out, Outbound{SessionID: sess.ID, Message: &wire.Ack{}})
	if msg.Options.History {
		out = append(out, r.snapshotOutbound(sess, pat)...)
	}
	return out
}

func (r *Router) snapshotOutbound(sess *session.Session, pat *addr.Pattern) []Outbound {
	chunks := r.Store.Snapshot(pat, 256)
	var out []Outbound
	for i, chunk := range chunks {
		entries := make([]wire.ResultEntry, len(chunk))
		for j, e := range chunk {
			entries[j] = wire.ResultEntry{Address: e.Address, Value: e.Value, Revision: e.Revision, TimestampUs: e.TimestampUs}
		}
		out = append(out, Outbound{SessionID: sess.ID, Message: &wire.Result{
			ChunkIndex: uint16(i),
			ChunkTotal: uint16(len(chunks)),
			Entries:    entries,
		}})
	}
	return out
}

// handlePublish fans a Publish out to matching subscribers, running
// it through the gesture coalescer first when it carries gesture
// phase data, and applying each subscription's maxRate/epsilon gates
// (spec sections 4.6 and 4.7).
func (r *Router) handlePublish(sess *session.Session, msg *wire.Publish) []Outbound {
	if authErr := r.Authorize(sess, auth.Write, msg.Address); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}

	var candidates []*wire.Publish
	if msg.HasGesture {
		candidates = r.Gestures.Process(sess.ID, msg, time.Now())
	} else {
		candidates = []*wire.Publish{msg}
	}

	var out []Outbound
	for _, pub := range candidates {
		out = append(out, r.fanOut(pub)...)
	}
	if msg.QoS != wire.QoSFire {
		out = append(out, Outbound{SessionID: sess.ID, Message: &wire.Ack{}})
	}
	return out
}

// CloseSession releases every resource sess held in the router: its
// subscriptions, any buffered gesture Moves, and any parameter locks
// it was holding (spec sections 4.5, 4.7 and 4.9's design note that a
// session's subscription ids are iterated and removed from the index
// on close, with no shared-ownership cycle left behind). A buffered
// Move flushed this way still fans out to the address's other
// subscribers, exactly as a timer flush would.
func (r *Router) CloseSession(sessionID string) []Outbound {
	r.Subs.RemoveSession(sessionID)
	r.Store.UnlockAll(sessionID)

	var out []Outbound
	for _, pub := range r.Gestures.CloseSession(sessionID) {
		out = append(out, r.fanOut(pub)...)
	}
	return out
}

// FanOut delivers pub to every matching subscriber, applying each
// subscription's maxRate/epsilon/window gates. It is exported for the
// gesture coalescer's background flush (spec 4.7), which reaches the
// router asynchronously rather than through Dispatch.
func (r *Router) FanOut(pub *wire.Publish) []Outbound {
	return r.fanOut(pub)
}

func (r *Router) fanOut(pub *wire.Publish) []Outbound {
	subs := r.Subs.Match(pub.Address, pub.Kind)
	var out []Outbound
	now := time.Now()
	// delivered tracks which sessions already received this publication:
	// a session with two overlapping subscriptions that both match (e.g.
	// "/scene/*" and "/scene/**") must still only see it once (spec
	// section 3 invariants, section 8 invariant 2).
	delivered := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if delivered[sub.Key.SessionID] {
			continue
		}
		// Stream signals on a windowed subscription accumulate rather
		// than deliver immediately (spec section 4.6): an already
		// batched Publish (HasStream set by the publisher) passes
		// through untouched, but a single-sample Stream value is
		// buffered until its window elapses.
		if pub.Kind == wire.KindStream && !pub.HasStream && sub.Options.WindowUs > 0 {
			if n, ok := pub.Value.Numeric(); ok {
				due := sub.AddToWindow(pub.Address, n, pub.Stream.RateHz, now)
				if !due {
					continue
				}
				samples, rateHz := sub.FlushWindow(pub.Address, now)
				if len(samples) == 0 {
					continue
				}
				out = append(out, Outbound{SessionID: sub.Key.SessionID, Message: batchedStreamPublish(pub, samples, rateHz)})
				delivered[sub.Key.SessionID] = true
				continue
			}
		}
		if !sub.Deliverable(pub.Address, pub.Value) {
			continue
		}
		out = append(out, Outbound{SessionID: sub.Key.SessionID, Message: pub})
		delivered[sub.Key.SessionID] = true
	}
	return out
}

func batchedStreamPublish(pub *wire.Publish, samples []float64, rateHz uint32) *wire.Publish {
	clone := *pub
	clone.HasStream = true
	clone.Stream = wire.StreamPayload{Samples: samples, RateHz: rateHz}
	return &clone
}

// FlushWindows delivers any Stream window whose deadline has passed
// with no further sample to trigger it, for the background window
// sweep (spec section 4.6 jointly with section 5's maintenance tasks).
func (r *Router) FlushWindows(now time.Time) []Outbound {
	var out []Outbound
	for _, wf := range r.Subs.DueWindows(now) {
		out = append(out, Outbound{SessionID: wf.SessionID, Message: &wire.Publish{
			Address:   wf.Address,
			Kind:      wire.KindStream,
			QoS:       wire.QoSFire,
			HasStream: true,
			Stream:    wire.StreamPayload{Samples: wf.Samples, RateHz: wf.RateHz},
		}})
	}
	return out
}

func (r *Router) handleSet(sess *session.Session, msg *wire.Set) []Outbound {
	if authErr := r.Authorize(sess, auth.Write, msg.Address); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}

	outcome, entry := r.Store.Set(store.SetRequest{
		Address:     msg.Address,
		Value:       msg.Value,
		Revision:    msg.Revision,
		Strategy:    msg.Strategy,
		TimestampUs: r.Clock.NowUs(),
		SessionID:   sess.ID,
	})

	var out []Outbound
	switch outcome {
	case store.SetRevisionConflict:
		if r.Metrics != nil {
			r.Metrics.SetConflicts.Inc()
		}
		out = append(out, Outbound{SessionID: sess.ID, Message: errMsg(wire.ErrRevisionConflict, "stale revision")})
		out = append(out, Outbound{SessionID: sess.ID, Message: resultOf(entry)})
		return out
	case store.SetLockHeld:
		if r.Metrics != nil {
			r.Metrics.SetConflicts.Inc()
		}
		out = append(out, Outbound{SessionID: sess.ID, Message: errMsg(wire.ErrLockHeld, "address is locked by another session")})
		return out
	}

	if msg.QoS != wire.QoSFire {
		out = append(out, Outbound{SessionID: sess.ID, Message: &wire.Ack{HasRevision: true, Revision: entry.Revision}})
	}
	out = append(out, r.fanOut(&wire.Publish{
		Address: msg.Address,
		Kind:    wire.KindParam,
		QoS:     msg.QoS,
		Value:   entry.Value,
	})...)
	return out
}

func resultOf(e store.Entry) *wire.Result {
	return &wire.Result{
		ChunkIndex: 0,
		ChunkTotal: 1,
		Entries:    []wire.ResultEntry{{Address: e.Address, Value: e.Value, Revision: e.Revision, TimestampUs: e.TimestampUs}},
	}
}

func (r *Router) handleGet(sess *session.Session, msg *wire.Get) []Outbound {
	if authErr := r.Authorize(sess, auth.Read, msg.Address); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}
	e, ok := r.Store.Get(msg.Address)
	if !ok {
		return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrNotFound, msg.Address)}}
	}
	return []Outbound{{SessionID: sess.ID, Message: resultOf(e)}}
}

func (r *Router) handleSnapshot(sess *session.Session, msg *wire.Snapshot) []Outbound {
	if authErr := r.Authorize(sess, auth.Read, msg.Pattern); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}
	var pat *addr.Pattern
	if msg.Pattern != "" {
		p, err := addr.CompilePattern(msg.Pattern)
		if err != nil {
			return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrMalformed, err.Error())}}
		}
		pat = p
	}
	return r.snapshotOutbound(sess, pat)
}

func (r *Router) handleQuery(sess *session.Session, msg *wire.Query) []Outbound {
	if authErr := r.Authorize(sess, auth.Read, msg.Pattern); authErr != nil {
		return []Outbound{{SessionID: sess.ID, Message: authErr}}
	}
	var pat *addr.Pattern
	if msg.Pattern != "" {
		p, err := addr.CompilePattern(msg.Pattern)
		if err != nil {
			return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrMalformed, err.Error())}}
		}
		pat = p
	}
	return r.snapshotOutbound(sess, pat)
}

// handleBundle applies a bundle's items atomically (spec section
// 4.10): when Atomic is set, every contained item is authorized and
// every Set item is validated against the store before any of them
// commit, so a Forbidden, RevisionConflict or LockHeld on one item
// aborts the whole bundle with no partial state visible. A future
// ExecuteAtUs schedules the bundle on the Scheduler instead of
// applying it inline.
func (r *Router) handleBundle(sess *session.Session, msg *wire.Bundle) []Outbound {
	if msg.ExecuteAtUs > r.Clock.NowUs() {
		r.Scheduler.Schedule(msg.ExecuteAtUs, func() {
			out := r.applyBundle(sess, msg)
			if r.Deliver != nil {
				r.Deliver(out)
			}
		})
		return []Outbound{{SessionID: sess.ID, Message: &wire.Ack{}}}
	}
	return r.applyBundle(sess, msg)
}

// authorizeBundleItem applies spec section 4.9's "authorize each
// contained message independently" to every message type a Bundle may
// carry, not just Set: an atomic bundle that slips a Publish, Get,
// Snapshot, Query or Subscribe past the pre-check would let it mutate
// state or fan out during the commit loop even though it was never
// authorized. Unsubscribe carries no address to check.
func (r *Router) authorizeBundleItem(sess *session.Session, item wire.Message) *wire.Error {
	switch m := item.(type) {
	case *wire.Set:
		return r.Authorize(sess, auth.Write, m.Address)
	case *wire.Publish:
		return r.Authorize(sess, auth.Write, m.Address)
	case *wire.Get:
		return r.Authorize(sess, auth.Read, m.Address)
	case *wire.Snapshot:
		return r.Authorize(sess, auth.Read, m.Pattern)
	case *wire.Query:
		return r.Authorize(sess, auth.Read, m.Pattern)
	case *wire.Subscribe:
		return r.Authorize(sess, auth.Read, m.Pattern)
	}
	return nil
}

func (r *Router) applyBundle(sess *session.Session, msg *wire.Bundle) []Outbound {
	if msg.Atomic {
		for _, item := range msg.Items {
			if authErr := r.authorizeBundleItem(sess, item); authErr != nil {
				return []Outbound{{SessionID: sess.ID, Message: authErr}}
			}
			set, ok := item.(*wire.Set)
			if !ok {
				continue
			}
			if current, ok := r.Store.Get(set.Address); ok {
				if set.Strategy != wire.StrategyMerge && set.Revision < current.Revision {
					log.Debugf("session %s: bundle aborted, revision conflict on %s", sess.ID, set.Address)
					return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrRevisionConflict, "bundle aborted: "+set.Address)}}
				}
				if set.Strategy == wire.StrategyLock && current.LockedBy != "" && current.LockedBy != sess.ID {
					return []Outbound{{SessionID: sess.ID, Message: errMsg(wire.ErrLockHeld, "bundle aborted: "+set.Address)}}
				}
			}
		}
	}

	var out []Outbound
	for _, item := range msg.Items {
		out = append(out, r.Dispatch(sess, item)...)
	}
	out = append(out, Outbound{SessionID: sess.ID, Message: &wire.Ack{}})
	return out
}

