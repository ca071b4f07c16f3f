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
Package ingress is the thin adapter between a transport's raw byte
stream and the router core: it frames/deframes per spec section 4.1,
runs the Hello/Welcome handshake, and pumps a session's egress queue
back out (spec section 4.9/§6 transport boundary). It knows nothing
about TCP, WebSocket or any other concrete transport; it only consumes
the Conn contract below.
*/
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clasp-router/clasp/auth"
	"github.com/clasp-router/clasp/clock"
	"github.com/clasp-router/clasp/metrics"
	"github.com/clasp-router/clasp/router"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/wire"
)

// Conn is the transport contract the core consumes (spec section 6):
// an incoming stream of byte slices terminating on close or error, an
// outgoing sink, and a close operation. One Conn corresponds to one
// CLASP session. Implementations do not need to preserve message
// boundaries; the frame codec resynchronizes on the stream itself.
type Conn interface {
	// Recv blocks for the next chunk of bytes, or returns io.EOF (or a
	// wrapped io.EOF) when the peer closed the connection.
	Recv(ctx context.Context) ([]byte, error)
	// Send writes one complete frame's bytes to the peer.
	Send(ctx context.Context, b []byte) error
	// Close tears down the underlying transport.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// ProtocolVersion is the only Hello.ProtocolVersion this server speaks.
const ProtocolVersion = 1

// MaxBufferedBytes bounds how much unframed input ingress will buffer
// before giving up on a peer that never completes a frame.
const MaxBufferedBytes = 4 * wire.MaxPayloadBytes

// Handler wires one accepted connection into the router.
type Handler struct {
	Router        *router.Router
	Tokens        *auth.Registry
	Clock         *clock.Clock
	Sessions      *session.Registry
	Authenticated bool
	MaxSessions   int
	FeatureFlags  []string
	// Metrics is optional; when set, Serve records session and message
	// counters on it (spec section 2's ambient observability stack).
	Metrics *metrics.Registry
}

// Serve drives one connection end-to-end: handshake, dispatch loop and
// egress pump, until the connection closes or ctx is cancelled.
func (h *Handler) Serve(ctx context.Context, conn Conn) error {
	sess := session.New()
	sess.SetMaxMessagesPerSecond(session.DefaultMaxMessagesPerSecond)

	if h.Sessions != nil && h.MaxSessions > 0 && h.Sessions.Len() >= h.MaxSessions {
		h.sendError(ctx, conn, wire.ErrOverloaded, "server at max session capacity")
		return conn.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		h.pumpEgress(ctx, conn, sess)
	}()

	err := h.ingressLoop(ctx, conn, sess)

	sess.Transition(session.Closing)
	if h.Sessions != nil {
		h.Sessions.Remove(sess.ID)
	}
	for _, out := range h.Router.CloseSession(sess.ID) {
		h.deliverLocal(sess, out)
	}
	if h.Metrics != nil && sess.EverActive() {
		h.Metrics.Sessions.Dec()
	}
	cancel()
	<-egressDone
	sess.Transition(session.Closed)

	closeErr := conn.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return closeErr
}

func (h *Handler) ingressLoop(ctx context.Context, conn Conn, sess *session.Session) error {
	var buf []byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		buf = append(buf, chunk...)

		for {
			frame, consumed, ferr := wire.DecodeFrame(buf)
			if errors.Is(ferr, wire.ErrIncomplete) {
				if len(buf) > MaxBufferedBytes {
					h.sendError(ctx, conn, wire.ErrMessageTooLarge, "frame never completed")
					return fmt.Errorf("ingress: %s exceeded unframed buffer limit", conn.RemoteAddr())
				}
				break
			}
			if ferr != nil {
				code := wire.ErrMalformed
				if wire.IsUnknownVersion(ferr) {
					code = wire.ErrProtocolMismatch
				}
				h.sendError(ctx, conn, code, ferr.Error())
				return ferr
			}
			buf = buf[consumed:]
			if h.Metrics != nil {
				h.Metrics.MessagesIn.Inc()
			}

			if !sess.AllowMessage() {
				h.sendError(ctx, conn, wire.ErrRateLimited, "message rate exceeded")
				continue
			}
			sess.Touch(time.Now())

			if handleErr := h.handleFrame(ctx, conn, sess, frame); handleErr != nil {
				return handleErr
			}
			if sess.CurrentState() == session.Closed {
				return nil
			}
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, conn Conn, sess *session.Session, frame *wire.Frame) error {
	msg, decodeErr := decodePayload(frame)
	if decodeErr != nil {
		code := wire.ErrMalformed
		if errors.Is(decodeErr, wire.ErrUnrecognizedTag) {
			code = wire.ErrUnknownMessageType
		}
		h.sendError(ctx, conn, code, decodeErr.Error())
		return decodeErr
	}

	if sess.CurrentState() == session.Handshake {
		hello, ok := msg.(*wire.Hello)
		if !ok {
			h.sendError(ctx, conn, wire.ErrProtocolMismatch, "expected Hello as first message")
			return fmt.Errorf("ingress: %s sent %T before Hello", conn.RemoteAddr(), msg)
		}
		return h.handleHello(ctx, conn, sess, hello)
	}

	if _, isHello := msg.(*wire.Hello); isHello {
		h.sendError(ctx, conn, wire.ErrDuplicateHello, "Hello already received")
		return nil
	}

	for _, out := range h.Router.Dispatch(sess, msg) {
		h.deliverLocal(sess, out)
	}
	return nil
}

func (h *Handler) handleHello(ctx context.Context, conn Conn, sess *session.Session, hello *wire.Hello) error {
	if hello.ProtocolVersion != ProtocolVersion {
		h.sendError(ctx, conn, wire.ErrProtocolMismatch, fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion))
		return fmt.Errorf("ingress: %s: protocol version mismatch", conn.RemoteAddr())
	}

	if h.Authenticated {
		result, info, err := h.Tokens.Validate(hello.Token)
		if err != nil {
			log.Errorf("ingress: %s: token validator error: %v", conn.RemoteAddr(), err)
			h.sendError(ctx, conn, wire.ErrInternal, "validator failure")
			return err
		}
		switch result {
		case auth.Expired:
			h.sendError(ctx, conn, wire.ErrTokenExpired, "token expired")
			return fmt.Errorf("ingress: %s: token expired", conn.RemoteAddr())
		case auth.Valid:
			sess.Info = info
		default:
			h.sendError(ctx, conn, wire.ErrUnauthorized, "invalid or unrecognized token")
			return fmt.Errorf("ingress: %s: token rejected", conn.RemoteAddr())
		}
	}

	negotiated := hello.EncodingVersion
	if negotiated > 1 {
		negotiated = 1
	}

	sess.Transition(session.Active)
	if h.Sessions != nil {
		h.Sessions.Add(sess)
	}
	if h.Metrics != nil {
		h.Metrics.Sessions.Inc()
		h.Metrics.SessionsTotal.Inc()
	}
	log.Infof("ingress: %s: session %s active (%s)", conn.RemoteAddr(), sess.ID, hello.DisplayName)

	welcome := &wire.Welcome{
		SessionID:                 sess.ID,
		ServerTimeUs:              h.Clock.NowUs(),
		NegotiatedEncodingVersion: negotiated,
		FeatureFlags:              h.FeatureFlags,
	}
	return h.send(ctx, conn, welcome, negotiated)
}

// deliverLocal enqueues an outbound message for its target session;
// cross-session fanout lands here so a single reader goroutine per
// connection never has to reach into another connection's state.
func (h *Handler) deliverLocal(sess *session.Session, out router.Outbound) {
	target := sess
	if out.SessionID != sess.ID {
		if h.Sessions == nil {
			return
		}
		s, ok := h.Sessions.Get(out.SessionID)
		if !ok {
			return
		}
		target = s
	}
	before := target.TotalDrops()
	overloaded := target.Enqueue(out.Message, time.Now())
	if h.Metrics != nil {
		if dropped := target.TotalDrops() - before; dropped > 0 {
			h.Metrics.EgressDrops.Add(float64(dropped))
		}
	}
	if overloaded != nil {
		target.Enqueue(overloaded, time.Now())
		if h.Metrics != nil {
			h.Metrics.Overloads.Inc()
		}
	}
}

// pumpEgress drains sess's egress queue and writes each message as a
// frame, waking on Notify() instead of polling.
func (h *Handler) pumpEgress(ctx context.Context, conn Conn, sess *session.Session) {
	for {
		for _, m := range sess.Drain() {
			if err := h.send(ctx, conn, m, 1); err != nil {
				return
			}
		}
		// Closing sessions (e.g. maint's idle sweep) have nothing left
		// to drain once their queued Errors/Acks are flushed: closing
		// the transport unblocks ingressLoop's Recv so Serve returns.
		if sess.CurrentState() == session.Closing {
			_ = conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			for _, m := range sess.Drain() {
				_ = h.send(ctx, conn, m, 1)
			}
			return
		case <-sess.Notify():
		}
	}
}

func (h *Handler) send(ctx context.Context, conn Conn, m wire.Message, encodingVersion uint8) error {
	payload, err := wire.EncodeMessage(nil, m)
	if err != nil {
		return err
	}
	frame := &wire.Frame{EncodingVersion: encodingVersion, Payload: payload}
	out, err := frame.Encode(nil)
	if err != nil {
		return err
	}
	if h.Metrics != nil {
		h.Metrics.MessagesOut.Inc()
	}
	return conn.Send(ctx, out)
}

func (h *Handler) sendError(ctx context.Context, conn Conn, code wire.ErrorCode, reason string) {
	if h.Metrics != nil {
		h.Metrics.ErrorCode(code)
	}
	_ = h.send(ctx, conn, &wire.Error{Code: code, Reason: reason}, 1)
}

func decodePayload(frame *wire.Frame) (wire.Message, error) {
	if frame.EncodingVersion == 0 {
		return wire.DecodeLegacySet(frame.Payload)
	}
	msg, _, err := wire.DecodeMessage(frame.Payload)
	return msg, err
}
