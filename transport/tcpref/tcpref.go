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
Package tcpref is a reference transport adapter over plain TCP, one of
the transports spec section 6 documents as carrying the wire format
byte-for-byte ("TCP (length-prefixed as above)"). It satisfies
ingress.Conn and nothing more: no CLASP semantics live here, only the
byte-stream contract the core consumes. A bridge or embedder may use
this package directly or implement ingress.Conn over any other
transport instead -- the router core never imports this package.
*/
package tcpref

import (
	"context"
	"net"
)

// Conn adapts a net.Conn to ingress.Conn.
type Conn struct {
	nc net.Conn
}

// New wraps an already-accepted or already-dialed net.Conn.
func New(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Dial connects to addr and wraps the resulting net.Conn.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(nc), nil
}

// Recv implements ingress.Conn.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(dl)
	}
	buf := make([]byte, 64*1024)
	n, err := c.nc.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// Send implements ingress.Conn.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	}
	_, err := c.nc.Write(b)
	return err
}

// Close implements ingress.Conn.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr implements ingress.Conn.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Listener wraps net.Listener, handing out *Conn from Accept.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return New(nc), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
