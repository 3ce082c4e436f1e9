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

package frametap

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func encodeFrame(typ http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(len(payload) >> 16)
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	buf[3] = byte(typ)
	buf[4] = byte(flags)
	binary.BigEndian.PutUint32(buf[5:9], streamID)
	copy(buf[9:], payload)
	return buf
}

func TestFrameTapPassthroughAndDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tapped := Wrap(server)
	defer tapped.Close()

	var mu sync.Mutex
	var got []Frame
	done := make(chan struct{}, 1)
	tapped.AddStreamCallback(1, func(f Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		done <- struct{}{}
	})

	settingsFrame := encodeFrame(http2.FrameSettings, 0, 0, nil)
	headersFrame := encodeFrame(http2.FrameHeaders, http2.FlagHeadersEndHeaders, 1, []byte("headers-payload"))

	go func() {
		client.Write(settingsFrame)
		client.Write(headersFrame)
	}()

	buf := make([]byte, len(settingsFrame))
	n, err := io.ReadFull(tapped, buf)
	require.NoError(t, err)
	require.Equal(t, settingsFrame, buf[:n])

	buf2 := make([]byte, len(headersFrame))
	n2, err := io.ReadFull(tapped, buf2)
	require.NoError(t, err)
	require.Equal(t, headersFrame, buf2[:n2])

	// The stream-0 SETTINGS frame is forwarded to the stream subscriber
	// too, ahead of the stream's own HEADERS frame.
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stream callback")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, http2.FrameSettings, got[0].Type)
	require.Equal(t, uint32(0), got[0].StreamID)
	require.Equal(t, http2.FrameHeaders, got[1].Type)
	require.Equal(t, uint32(1), got[1].StreamID)
	require.Equal(t, "headers-payload", string(got[1].Payload))

	global, _ := tapped.AddStreamCallback(1, func(Frame) {})
	require.Len(t, global, 1)
	require.Equal(t, http2.FrameSettings, global[0].Type)
}

func TestFrameTapBuffersUntilSubscribed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tapped := Wrap(server)
	defer tapped.Close()

	frame := encodeFrame(http2.FrameData, 0, 3, []byte("data"))
	go client.Write(frame)

	buf := make([]byte, len(frame))
	_, err := io.ReadFull(tapped, buf)
	require.NoError(t, err)

	// give feed() a moment to parse (it runs synchronously inside Read, so
	// this should already be visible)
	_, buffered := tapped.AddStreamCallback(3, func(Frame) {})
	require.Len(t, buffered, 1)
	require.Equal(t, "data", string(buffered[0].Payload))
}

func TestStopCapturingStreamDiscards(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tapped := Wrap(server)
	defer tapped.Close()
	tapped.StopCapturingStream(5)

	frame := encodeFrame(http2.FrameData, 0, 5, []byte("x"))
	go client.Write(frame)
	buf := make([]byte, len(frame))
	io.ReadFull(tapped, buf)

	_, buffered := tapped.AddStreamCallback(5, func(Frame) {})
	require.Empty(t, buffered)
}
