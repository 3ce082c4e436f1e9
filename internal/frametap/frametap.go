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

// Package frametap implements the HTTP/2 frame-tap duplex (spec.md C3):
// a transparent net.Conn wrapper that also parses HTTP/2 frames off the
// wire and delivers them to per-stream subscribers, so a request handler
// can observe frame-level telemetry for its own stream without patching
// the HTTP/2 server itself. Frame header layout (9 bytes: 24-bit length,
// 8-bit type, 8-bit flags, 31-bit stream id) is parsed directly per
// spec.md §4.3; golang.org/x/net/http2's FrameType/Flags constants are
// reused for naming rather than redefined, grounding this package on the
// HTTP/2 implementation the rest of the server treats as provided by the
// runtime (spec.md §1 Non-goals: "not an HTTP/2 implementation").
package frametap

import (
	"encoding/binary"
	"net"
	"sync"

	"golang.org/x/net/http2"
)

// Frame is a parsed HTTP/2 frame header plus its raw payload.
type Frame struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
	Payload  []byte
}

const frameHeaderLen = 9

type streamSub struct {
	callback func(Frame)
	buffer   []Frame
	stopped  bool
}

// Conn wraps a net.Conn, tapping HTTP/2 frames as they are read while
// passing all bytes through to the caller unmodified.
type Conn struct {
	net.Conn

	mu           sync.Mutex
	globalFrames []Frame
	streams      map[uint32]*streamSub
	parseBuf     []byte

	dispatchOnce sync.Once
	dispatchCh   chan func()
	closeOnce    sync.Once
	stopCh       chan struct{}
}

// Wrap returns c tapped for HTTP/2 frame observation. Only connections
// that will carry HTTP/2 should be wrapped, since the HTTP/2 server
// consumes bytes without emitting a parallel copy of them.
func Wrap(c net.Conn) *Conn {
	return &Conn{
		Conn:    c,
		streams: make(map[uint32]*streamSub),
		stopCh:  make(chan struct{}),
	}
}

// Read satisfies net.Conn. Every byte read from the underlying
// connection is returned to the caller unchanged; a copy is also fed to
// the frame parser.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.feed(p[:n])
	}
	return n, err
}

// Close stops the dispatch worker (if started) and closes the
// underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return c.Conn.Close()
}

func (c *Conn) feed(b []byte) {
	c.mu.Lock()
	c.parseBuf = append(c.parseBuf, b...)
	for {
		if len(c.parseBuf) < frameHeaderLen {
			break
		}
		length := uint32(c.parseBuf[0])<<16 | uint32(c.parseBuf[1])<<8 | uint32(c.parseBuf[2])
		if len(c.parseBuf) < frameHeaderLen+int(length) {
			break
		}
		frame := Frame{
			Length:   length,
			Type:     http2.FrameType(c.parseBuf[3]),
			Flags:    http2.Flags(c.parseBuf[4]),
			StreamID: binary.BigEndian.Uint32(c.parseBuf[5:9]) & 0x7fffffff,
		}
		if length > 0 {
			frame.Payload = append([]byte(nil), c.parseBuf[frameHeaderLen:frameHeaderLen+length]...)
		}
		c.parseBuf = c.parseBuf[frameHeaderLen+length:]
		c.dispatchLocked(frame)
	}
	c.mu.Unlock()
}

// dispatchLocked must be called with c.mu held; it releases the lock
// before invoking any callback, and only ever enqueues callback
// invocations onto the async dispatch worker rather than calling them
// inline, so a frame handler can never reenter its own call stack.
func (c *Conn) dispatchLocked(frame Frame) {
	if frame.StreamID == 0 {
		c.globalFrames = append(c.globalFrames, frame)
		var cbs []func(Frame)
		for _, sub := range c.streams {
			if sub.callback != nil && !sub.stopped {
				cbs = append(cbs, sub.callback)
			}
		}
		c.mu.Unlock()
		for _, cb := range cbs {
			cb := cb
			c.enqueue(func() { cb(frame) })
		}
		c.mu.Lock()
		return
	}

	sub, ok := c.streams[frame.StreamID]
	if !ok {
		sub = &streamSub{}
		c.streams[frame.StreamID] = sub
	}
	if sub.stopped {
		return
	}
	if sub.callback != nil {
		cb := sub.callback
		c.mu.Unlock()
		c.enqueue(func() { cb(frame) })
		c.mu.Lock()
		return
	}
	sub.buffer = append(sub.buffer, frame)
}

func (c *Conn) enqueue(job func()) {
	c.dispatchOnce.Do(func() {
		c.dispatchCh = make(chan func(), 256)
		go func() {
			for {
				select {
				case j := <-c.dispatchCh:
					j()
				case <-c.stopCh:
					return
				}
			}
		}()
	})
	select {
	case c.dispatchCh <- job:
	case <-c.stopCh:
	}
}

// AddStreamCallback subscribes fn to frames for streamID. It returns a
// snapshot of the global (stream 0) frames seen so far and any frames
// already buffered for this stream; the stream's buffer is cleared.
func (c *Conn) AddStreamCallback(streamID uint32, fn func(Frame)) (global, buffered []Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	global = append([]Frame(nil), c.globalFrames...)

	sub, ok := c.streams[streamID]
	if !ok {
		sub = &streamSub{}
		c.streams[streamID] = sub
	}
	buffered = sub.buffer
	sub.buffer = nil
	sub.callback = fn
	sub.stopped = false
	return global, buffered
}

// RemoveStreamCallback drops all state for streamID.
func (c *Conn) RemoveStreamCallback(streamID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamID)
}

// StopCapturingStream discards any buffered frames for streamID and
// refuses to buffer further frames until a subsequent AddStreamCallback
// re-enables capture.
func (c *Conn) StopCapturingStream(streamID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.streams[streamID]
	if !ok {
		sub = &streamSub{}
		c.streams[streamID] = sub
	}
	sub.stopped = true
	sub.buffer = nil
	sub.callback = nil
}
