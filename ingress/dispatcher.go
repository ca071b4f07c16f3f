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

package ingress

import (
	"time"

	"github.com/clasp-router/clasp/router"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/wire"
)

// RouterDispatcher implements maint.Dispatcher (without importing
// package maint, which would cycle back here): it turns a flushed
// gesture Publish into real egress deliveries, and nudges an
// idle-timed-out session's connection closed.
type RouterDispatcher struct {
	Router   *router.Router
	Sessions *session.Registry
}

// DispatchGestureFlush fans pub out to its matching subscribers via
// the router's subscription index, exactly as a live Publish would be
// (spec section 4.7's flush-on-timer path).
func (d *RouterDispatcher) DispatchGestureFlush(pub *wire.Publish) {
	now := time.Now()
	for _, out := range d.Router.FanOut(pub) {
		sess, ok := d.Sessions.Get(out.SessionID)
		if !ok {
			continue
		}
		sess.Enqueue(out.Message, now)
	}
}

// DispatchDueWindows delivers every Stream window flushed on a timer
// rather than a sample (spec section 4.6's window gate), exactly as a
// live windowed Publish would be.
func (d *RouterDispatcher) DispatchDueWindows(now time.Time) {
	for _, out := range d.Router.FlushWindows(now) {
		sess, ok := d.Sessions.Get(out.SessionID)
		if !ok {
			continue
		}
		sess.Enqueue(out.Message, now)
	}
}

// CloseIdleSession is a no-op: maint has already transitioned sess to
// Closing before calling us, and that alone is enough for the owning
// connection's egress pump to close the transport once it next drains
// (see pumpEgress). Idle timeout is not itself one of spec section
// 4.11's error codes, so no Error is synthesized.
func (d *RouterDispatcher) CloseIdleSession(sess *session.Session) {}

// Deliver pushes a batch of Outbound messages onto each target
// session's egress queue. It is assigned to Router.Deliver so a
// scheduled bundle's commit (spec section 4.10), which fires outside
// any Dispatch call, still reaches its sessions.
func (d *RouterDispatcher) Deliver(out []router.Outbound) {
	now := time.Now()
	for _, o := range out {
		sess, ok := d.Sessions.Get(o.SessionID)
		if !ok {
			continue
		}
		sess.Enqueue(o.Message, now)
	}
}
