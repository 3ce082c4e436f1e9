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

// Package testendpoints holds a minimal, real set of HTTP and WebSocket
// endpoint handlers. These are the out-of-scope business logic the
// spec's endpoint catalog assumes as "external collaborators" (spec.md
// §6); only enough live occupants to exercise the C10/C11/C12 routing
// contract in tests are implemented here (/ip, /anything, /delay/<n>,
// /status/<code>, /ws/echo, /ws/subprotocol/<name>/echo,
// /ws/no-subprotocol), not the full business-logic surface of the
// original service.
package testendpoints

import (
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/httptoolkit/testserver-sub000/internal/endpoint"
	"github.com/httptoolkit/testserver-sub000/internal/httprouter"
	"github.com/httptoolkit/testserver-sub000/internal/proxyproto"
	"github.com/httptoolkit/testserver-sub000/internal/reflect"
)

// maxDelay caps /delay/<n> per spec.md's boundary behavior ("Delay at
// 10.0001 s: capped to 10 s").
const maxDelay = 10 * time.Second

// IPEndpoint answers GET /ip with just the resolved request origin.
type IPEndpoint struct{}

func (IPEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == "/ip", nil
}

func (IPEndpoint) Handle(w http.ResponseWriter, r *http.Request, hop httprouter.Hop) error {
	doc, err := reflect.Build(r, nil, reflect.Options{Fields: []string{"origin"}, ProxyOrigin: proxyOrigin(r)})
	if err != nil {
		return err
	}
	return writeJSON(w, doc)
}

// AnythingEndpoint answers /anything (and any subpath of it) by
// reflecting the full request back as JSON (spec.md §4.14).
type AnythingEndpoint struct{}

func (AnythingEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == "/anything" || hasPrefixSegment(path, "/anything/"), nil
}

func (AnythingEndpoint) Handle(w http.ResponseWriter, r *http.Request, hop httprouter.Hop) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	doc, err := reflect.Build(r, body, reflect.Options{ProxyOrigin: proxyOrigin(r)})
	if err != nil {
		return err
	}
	return writeJSON(w, doc)
}

var delayPath = regexp.MustCompile(`^/delay/([^/]+)$`)

// DelayEndpoint answers /delay/<seconds> by sleeping (capped at 10s)
// before reflecting the request, same as AnythingEndpoint.
type DelayEndpoint struct{}

func (DelayEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	m := delayPath.FindStringSubmatch(path)
	if m == nil {
		return false, nil
	}
	if _, err := parseDelaySeconds(m[1]); err != nil {
		return false, &endpoint.MatchError{Status: 400, Message: "invalid delay: " + m[1]}
	}
	return true, nil
}

func (DelayEndpoint) Handle(w http.ResponseWriter, r *http.Request, hop httprouter.Hop) error {
	m := delayPath.FindStringSubmatch(hop.Path)
	seconds, err := parseDelaySeconds(m[1])
	if err != nil {
		return err
	}
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxDelay {
		delay = maxDelay
	}
	select {
	case <-time.After(delay):
	case <-r.Context().Done():
		return r.Context().Err()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	doc, err := reflect.Build(r, body, reflect.Options{ProxyOrigin: proxyOrigin(r)})
	if err != nil {
		return err
	}
	return writeJSON(w, doc)
}

func parseDelaySeconds(raw string) (float64, error) {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0, &endpoint.MatchError{Status: 400, Message: "invalid delay: " + raw}
	}
	return seconds, nil
}

var statusPath = regexp.MustCompile(`^/status/([^/]+)$`)

// StatusEndpoint answers /status/<code> by writing that status with no
// body.
type StatusEndpoint struct{}

func (StatusEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	m := statusPath.FindStringSubmatch(path)
	if m == nil {
		return false, nil
	}
	if _, err := parseStatusCode(m[1]); err != nil {
		return false, &endpoint.MatchError{Status: 400, Message: "invalid status code: " + m[1]}
	}
	return true, nil
}

func (StatusEndpoint) Handle(w http.ResponseWriter, r *http.Request, hop httprouter.Hop) error {
	m := statusPath.FindStringSubmatch(hop.Path)
	code, err := parseStatusCode(m[1])
	if err != nil {
		return err
	}
	w.WriteHeader(code)
	return nil
}

func parseStatusCode(raw string) (int, error) {
	code, err := strconv.Atoi(raw)
	if err != nil || code < 100 || code > 599 {
		return 0, &endpoint.MatchError{Status: 400, Message: "invalid status code: " + raw}
	}
	return code, nil
}

func hasPrefixSegment(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}

func proxyOrigin(r *http.Request) string {
	if src, ok := proxyproto.SourceFromContext(r.Context()); ok && src != nil {
		return src.SrcAddr
	}
	return ""
}

func writeJSON(w http.ResponseWriter, doc map[string]any) error {
	out, err := reflect.MarshalPretty(doc)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(out)
	return err
}
