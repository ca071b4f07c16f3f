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
Package maint runs the router's background maintenance tasks: the
parameter TTL sweeper, the gesture coalescer flusher, the Stream
window flusher, and per-session idle-timeout enforcement (spec section
5). Each task is cancellable and releases its locks promptly on
cancellation, since they all run under one errgroup tied to the
router's lifetime.
*/
package maint

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clasp-router/clasp/clock"
	"github.com/clasp-router/clasp/gesture"
	"github.com/clasp-router/clasp/metrics"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/store"
	"github.com/clasp-router/clasp/wire"
)

// Config holds the tunables of spec section 6's "Configuration
// (recognized options)" that this package is responsible for.
type Config struct {
	TTLSweepInterval    time.Duration
	GestureCoalesceMs   time.Duration
	SessionIdleTimeout  time.Duration
	SessionSweepInterval time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		TTLSweepInterval:     60 * time.Second,
		GestureCoalesceMs:     16 * time.Millisecond,
		SessionIdleTimeout:    session.DefaultIdleTimeout,
		SessionSweepInterval:  5 * time.Second,
	}
}

// Dispatcher is the narrow seam through which the background tasks hand
// their results back to the router side: flushed gesture Publishes, due
// Stream windows, and idle sessions. This package depends only on the
// interface and does not import router; ingress.RouterDispatcher
// implements it.
type Dispatcher interface {
	DispatchGestureFlush(pub *wire.Publish)
	DispatchDueWindows(now time.Time)
	CloseIdleSession(sess *session.Session)
}

// Maintainer owns the background task group.
type Maintainer struct {
	cfg       Config
	store     *store.Store
	gestures  *gesture.Coalescer
	sessions  *session.Registry
	clock     *clock.Clock
	dispatch  Dispatcher
	metrics   *metrics.Registry
}

// New builds a Maintainer. dispatch may be nil in tests that only
// want to exercise the sweeps directly.
func New(cfg Config, st *store.Store, ges *gesture.Coalescer, sessions *session.Registry, clk *clock.Clock, dispatch Dispatcher) *Maintainer {
	return &Maintainer{cfg: cfg, store: st, gestures: ges, sessions: sessions, clock: clk, dispatch: dispatch}
}

// SetMetrics attaches a metrics.Registry that the sweeps report
// removal/flush counts to. Optional; nil (the default) skips metrics.
func (m *Maintainer) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Run launches every background task and blocks until ctx is
// cancelled or one task returns an error.
func (m *Maintainer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.runTTLSweep(ctx) })
	g.Go(func() error { return m.runGestureSweep(ctx) })
	g.Go(func() error { return m.runWindowSweep(ctx) })
	g.Go(func() error { return m.runIdleSweep(ctx) })

	return g.Wait()
}

func (m *Maintainer) runTTLSweep(ctx context.Context) error {
	interval := m.cfg.TTLSweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := m.store.Sweep(m.clock.NowUs())
			if removed > 0 {
				log.Debugf("maint: ttl sweep removed %d parameter entries", removed)
			}
			if m.metrics != nil {
				m.metrics.TTLSweepRemoved.Add(float64(removed))
				m.metrics.ParamEntries.Set(float64(m.store.Len()))
			}
		}
	}
}

func (m *Maintainer) runGestureSweep(ctx context.Context) error {
	interval := m.cfg.GestureCoalesceMs
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flushed := m.gestures.Sweep(time.Now())
			if m.metrics != nil && len(flushed) > 0 {
				m.metrics.GestureFlushes.Add(float64(len(flushed)))
			}
			if m.dispatch == nil {
				continue
			}
			for _, pub := range flushed {
				m.dispatch.DispatchGestureFlush(pub)
			}
		}
	}
}

// runWindowSweep flushes any Stream window batch whose deadline has
// passed even though no new sample arrived to trigger delivery (spec
// section 4.6): it shares the gesture coalescer's tick granularity
// since both are short-interval, time-driven flush loops.
func (m *Maintainer) runWindowSweep(ctx context.Context) error {
	interval := m.cfg.GestureCoalesceMs
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.dispatch == nil {
				continue
			}
			m.dispatch.DispatchDueWindows(time.Now())
		}
	}
}

func (m *Maintainer) runIdleSweep(ctx context.Context) error {
	interval := m.cfg.SessionSweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.sessions == nil {
				continue
			}
			now := time.Now()
			m.sessions.Each(func(s *session.Session) {
				if s.CurrentState() != session.Active {
					return
				}
				if s.IdleSince(now, m.cfg.SessionIdleTimeout) {
					log.Infof("maint: session %s idle for %s, closing", s.ID, m.cfg.SessionIdleTimeout)
					s.Transition(session.Closing)
					if m.dispatch != nil {
						m.dispatch.CloseIdleSession(s)
					}
				}
			})
		}
	}
}
