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
Package wsref is a reference transport adapter over WebSocket, the other
transport spec section 6 names alongside plain TCP. It satisfies
ingress.Conn and nothing more: one binary message per CLASP frame, no
CLASP semantics. Both sides negotiate the "clasp" subprotocol token so a
generic WebSocket proxy can route the connection without inspecting
payload bytes. The router core never imports this package; it is wired
up by a transport binary the same way tcpref is.
*/
package wsref

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol token both dialer and
// upgrader advertise.
const Subprotocol = "clasp"

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{Subprotocol},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

var dialer = websocket.Dialer{
	Subprotocols:    []string{Subprotocol},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Conn adapts a *websocket.Conn to ingress.Conn. Writes are serialized
// with writeMu because ingress.Handler's egress pump and a concurrent
// Close (idle sweep, shutdown) may both reach for the socket.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New wraps an already-dialed or already-upgraded *websocket.Conn.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dial connects to a claspd WebSocket listener at addr (e.g.
// "ws://host:port/clasp").
func Dial(ctx context.Context, addr string) (*Conn, error) {
	ws, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return New(ws), nil
}

// Upgrade upgrades an inbound HTTP request to a WebSocket connection,
// for use from an http.Handler registered on the claspd listen address.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	return New(ws), nil
}

// Recv implements ingress.Conn. Each CLASP frame rides in exactly one
// binary WebSocket message.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read websocket message: %w", err)
	}
	return b, nil
}

// Send implements ingress.Conn.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close implements ingress.Conn.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Close()
}

// RemoteAddr implements ingress.Conn.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
