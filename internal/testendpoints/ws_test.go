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

package testendpoints

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/httptoolkit/testserver-sub000/internal/wsrouter"
)

func TestWSSubprotocolEchoForcesNamedProtocol(t *testing.T) {
	ep := WSSubprotocolEchoEndpoint{}
	matched, err := ep.MatchPath("/ws/subprotocol/mqtt/echo", "")
	require.NoError(t, err)
	require.True(t, matched)

	protocol, omit := ep.GetProtocol("/ws/subprotocol/mqtt/echo")
	require.False(t, omit)
	require.Equal(t, "mqtt", protocol)

	rt := wsrouter.New("example.com", []wsrouter.Endpoint{ep}, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	// The router synthesizes Sec-WebSocket-Protocol from GetProtocol
	// when the client doesn't offer one, so an unadorned dial still
	// exercises the forced-subprotocol handshake path end to end.
	cfg, err := websocket.NewConfig("ws"+srv.URL[len("http"):]+"/ws/subprotocol/mqtt/echo", srv.URL)
	require.NoError(t, err)

	ws, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.Message.Send(ws, "ping"))
	var reply string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, websocket.Message.Receive(ws, &reply))
	require.Equal(t, "ping", reply)
}

func TestWSNoSubprotocolOmitsHeaderEntirely(t *testing.T) {
	ep := WSNoSubprotocolEndpoint{}
	protocol, omit := ep.GetProtocol("/ws/no-subprotocol")
	require.True(t, omit)
	require.Equal(t, "", protocol)
}
