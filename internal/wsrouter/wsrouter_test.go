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

package wsrouter

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type echoEndpoint struct {
	path string
}

func (e echoEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == e.path, nil
}

func (e echoEndpoint) Handle(ws *websocket.Conn, hop Hop) error {
	var msg string
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		return err
	}
	return websocket.Message.Send(ws, msg)
}

func TestRouterEchoesOverWebSocket(t *testing.T) {
	rt := New("example.com", []Endpoint{echoEndpoint{path: "/ws/echo"}}, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws/echo"
	origin := srv.URL

	ws, err := websocket.Dial(wsURL, "", origin)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.Message.Send(ws, "hello"))

	var reply string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, websocket.Message.Receive(ws, &reply))
	require.Equal(t, "hello", reply)
}

func TestRouterRejectsUnmatchedPathBeforeUpgrade(t *testing.T) {
	rt := New("example.com", nil, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/nope"
	_, err := websocket.Dial(wsURL, "", srv.URL)
	require.Error(t, err)
}
