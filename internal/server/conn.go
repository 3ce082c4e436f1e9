// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bufio"
	"net"

	"github.com/httptoolkit/testserver-sub000/internal/proxyproto"
)

// peekedConn replays a bufio.Reader's buffered bytes ahead of further
// reads from the wrapped net.Conn, so C1's PROXY-header stripping and
// C2's classification peeks can both run ahead of the real protocol
// handler without losing or duplicating any bytes (spec.md §4.1/§4.2).
type peekedConn struct {
	net.Conn
	r      *bufio.Reader
	source *proxyproto.Source
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// chanListener is a net.Listener whose connections arrive over a
// channel instead of a real socket, letting the demultiplexing accept
// loop below hand already-classified connections to a stock
// *http.Server: wrap the lower transport layers, don't replace the
// stdlib server.
type chanListener struct {
	addr   net.Addr
	connCh chan net.Conn
	closed chan struct{}
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{
		addr:   addr,
		connCh: make(chan net.Conn, 16),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) deliver(c net.Conn) {
	select {
	case l.connCh <- c:
	case <-l.closed:
		_ = c.Close()
	}
}

func (l *chanListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }
