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
	"net/http"
	"strings"

	"github.com/httptoolkit/testserver-sub000/internal/httprouter"
	"github.com/httptoolkit/testserver-sub000/internal/wsrouter"
)

// combinedHandler demultiplexes the single HTTP handler every accepted
// connection is ultimately served with: a WebSocket upgrade goes to
// C12, everything else to C11.
type combinedHandler struct {
	http *httprouter.Router
	ws   *wsrouter.Router
}

func (h *combinedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		h.ws.ServeHTTP(w, r)
		return
	}
	h.http.ServeHTTP(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
