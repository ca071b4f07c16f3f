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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/clasp-router/clasp/ingress"
	"github.com/clasp-router/clasp/transport/tcpref"
	"github.com/clasp-router/clasp/wire"
)

// client is a one-shot connection to claspd: dial, Hello/Welcome, send
// one request, read one reply, done. It speaks encoding version 1
// (binary positional) unconditionally since claspctl always talks to
// a claspd built from this tree.
type client struct {
	conn *tcpref.Conn
}

func dial(ctx context.Context, addr, token string) (*client, error) {
	conn, err := tcpref.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &client{conn: conn}

	if err := c.send(ctx, &wire.Hello{
		ProtocolVersion: ingress.ProtocolVersion,
		EncodingVersion: 1,
		DisplayName:     "claspctl",
		Token:           token,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := c.recv(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch m := reply.(type) {
	case *wire.Welcome:
		return c, nil
	case *wire.Error:
		conn.Close()
		return nil, m
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected reply to Hello: %T", reply)
	}
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) send(ctx context.Context, m wire.Message) error {
	payload, err := wire.EncodeMessage(nil, m)
	if err != nil {
		return err
	}
	frame := &wire.Frame{EncodingVersion: 1, Payload: payload}
	buf, err := frame.Encode(nil)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, buf)
}

func (c *client) recv(ctx context.Context) (wire.Message, error) {
	b, err := c.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	frame, _, err := wire.DecodeFrame(b)
	if err != nil {
		return nil, err
	}
	msg, _, err := wire.DecodeMessage(frame.Payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// request sends m and returns the single reply, applying a request
// timeout on top of whatever deadline ctx already carries.
func (c *client) request(ctx context.Context, m wire.Message) (wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.send(ctx, m); err != nil {
		return nil, err
	}
	return c.recv(ctx)
}
