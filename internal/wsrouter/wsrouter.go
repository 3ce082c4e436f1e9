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

// Package wsrouter implements the WebSocket upgrade router (spec.md
// §4.13): chain resolution ahead of the handshake, forced-subprotocol
// negotiation, and sequential chained-handler invocation after the
// socket is open. Built on golang.org/x/net/websocket, the maintained
// low-level WebSocket implementation the ecosystem reaches for outside
// a full HTTP framework's own upgrade support.
package wsrouter

import (
	"encoding/binary"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/httptoolkit/testserver-sub000/internal/endpoint"
)

// CloseInternalError is the WebSocket close code for an unhandled
// handler exception (spec.md §4.13 step 5).
const CloseInternalError = 1011

// Endpoint is a WebSocket catalog entry.
type Endpoint interface {
	endpoint.Endpoint
	// Handle runs once the socket is open; it returns an error to abort
	// the chain (spec.md §4.13 step 4). Implementations must check
	// ws.IsServerConn or an equivalent liveness signal if they need to
	// detect a socket the previous hop already closed.
	Handle(ws *websocket.Conn, hop Hop) error
}

// ProtocolEndpoint is implemented by endpoints exposing getProtocol
// (spec.md §4.13 step 2): those in the chain that force a specific
// WebSocket subprotocol.
type ProtocolEndpoint interface {
	// GetProtocol reports the forced subprotocol for path. omit=true
	// means suppress Sec-WebSocket-Protocol entirely (the
	// /ws/no-subprotocol "false" sentinel).
	GetProtocol(path string) (protocol string, omit bool)
}

// Hop mirrors httprouter.Hop for the WebSocket side.
type Hop struct {
	Path           string
	HostnamePrefix string
}

// Router resolves and serves WebSocket upgrades per spec.md §4.13.
type Router struct {
	RootDomain string
	Endpoints  []Endpoint
	Log        *zap.Logger
}

// New builds a Router.
func New(rootDomain string, endpoints []Endpoint, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{RootDomain: rootDomain, Endpoints: endpoints, Log: log}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	hostnamePrefix := endpoint.HostnamePrefix(r.Host, rt.RootDomain)

	chain, err := endpoint.Resolve(toEndpointSlice(rt.Endpoints), path, hostnamePrefix)
	if err != nil {
		rt.rejectBeforeUpgrade(w, err)
		return
	}

	var protocolEndpoints []ProtocolEndpoint
	for _, h := range chain {
		if pe, ok := h.Endpoint.(ProtocolEndpoint); ok {
			protocolEndpoints = append(protocolEndpoints, pe)
		}
	}
	if len(protocolEndpoints) > 1 {
		rt.rejectBeforeUpgrade(w, &endpoint.MatchError{Status: 400, Message: "multiple protocol endpoints in chain"})
		return
	}

	var forcedProtocol string
	var forcedOmit bool
	haveForced := len(protocolEndpoints) == 1
	if haveForced {
		forcedProtocol, forcedOmit = protocolEndpoints[0].GetProtocol(path)
		if r.Header.Get("Sec-WebSocket-Protocol") == "" && !forcedOmit {
			r.Header.Set("Sec-WebSocket-Protocol", forcedProtocol)
		}
	}

	server := &websocket.Server{
		Handshake: func(config *websocket.Config, req *http.Request) error {
			switch {
			case haveForced && forcedOmit:
				config.Protocol = nil
			case haveForced:
				config.Protocol = []string{forcedProtocol}
			case len(config.Protocol) > 0:
				config.Protocol = config.Protocol[:1]
			}
			return nil
		},
		Handler: func(ws *websocket.Conn) {
			rt.runChain(ws, chain, hostnamePrefix)
		},
	}
	server.ServeHTTP(w, r)
}

func (rt *Router) runChain(ws *websocket.Conn, chain []endpoint.Hop, hostnamePrefix string) {
	defer ws.Close()
	defer func() {
		if rec := recover(); rec != nil {
			rt.Log.Error("wsrouter: handler panicked", zap.Any("recovered", rec))
			_ = writeCloseFrame(ws, CloseInternalError, "Internal error")
		}
	}()

	for _, h := range chain {
		ep := h.Endpoint.(Endpoint)
		if err := ep.Handle(ws, Hop{Path: h.Path, HostnamePrefix: hostnamePrefix}); err != nil {
			rt.Log.Warn("wsrouter: chained handler failed", zap.Error(err))
			_ = writeCloseFrame(ws, CloseInternalError, "Internal error")
			return
		}
	}
}

// rejectBeforeUpgrade writes a minimal HTTP/1.1 status line and
// destroys the socket (spec.md §4.13 step 1): the handshake never
// happened, so a plain HTTP response (with Connection: close) is the
// correct way to fail it.
func (rt *Router) rejectBeforeUpgrade(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"
	if matchErr, ok := err.(*endpoint.MatchError); ok {
		status = matchErr.Status
		message = matchErr.Message
	}
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func toEndpointSlice(eps []Endpoint) []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, len(eps))
	for i, e := range eps {
		out[i] = e
	}
	return out
}

// writeCloseFrame sends a single RFC 6455 close frame carrying code and
// reason. Write's frame opcode is whatever ws.PayloadType is currently
// set to, so setting it to websocket.CloseFrame for this one write is
// how a control frame (rather than a data frame) reaches the peer
// through the library's own framer, with our chosen code instead of
// Close's built-in default.
func writeCloseFrame(ws *websocket.Conn, code uint16, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)

	ws.PayloadType = websocket.CloseFrame
	_, err := ws.Write(payload)
	return err
}
