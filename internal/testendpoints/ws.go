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
	"regexp"

	"golang.org/x/net/websocket"

	"github.com/httptoolkit/testserver-sub000/internal/wsrouter"
)

// WSEchoEndpoint answers /ws/echo by echoing every received message
// back to the client until it disconnects.
type WSEchoEndpoint struct{}

func (WSEchoEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == "/ws/echo", nil
}

func (WSEchoEndpoint) Handle(ws *websocket.Conn, hop wsrouter.Hop) error {
	return echoUntilClosed(ws)
}

var subprotocolEchoPath = regexp.MustCompile(`^/ws/subprotocol/([^/]+)/echo$`)

// WSSubprotocolEchoEndpoint answers /ws/subprotocol/<name>/echo,
// forcing the named subprotocol (spec.md §4.13 step 2, scenario 6) and
// then echoing.
type WSSubprotocolEchoEndpoint struct{}

func (WSSubprotocolEchoEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return subprotocolEchoPath.MatchString(path), nil
}

func (WSSubprotocolEchoEndpoint) GetProtocol(path string) (string, bool) {
	m := subprotocolEchoPath.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], false
}

func (WSSubprotocolEchoEndpoint) Handle(ws *websocket.Conn, hop wsrouter.Hop) error {
	return echoUntilClosed(ws)
}

// WSNoSubprotocolEndpoint answers /ws/no-subprotocol, forcing the
// handshake to omit Sec-WebSocket-Protocol entirely regardless of what
// the client offered (spec.md §4.13 step 3).
type WSNoSubprotocolEndpoint struct{}

func (WSNoSubprotocolEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == "/ws/no-subprotocol", nil
}

func (WSNoSubprotocolEndpoint) GetProtocol(path string) (string, bool) {
	return "", true
}

func (WSNoSubprotocolEndpoint) Handle(ws *websocket.Conn, hop wsrouter.Hop) error {
	return echoUntilClosed(ws)
}

func echoUntilClosed(ws *websocket.Conn) error {
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return nil
		}
		if err := websocket.Message.Send(ws, msg); err != nil {
			return err
		}
	}
}
