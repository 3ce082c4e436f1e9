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

// Package httprouter implements the HTTP/1 and HTTP/2 request router
// (spec.md §4.12): proxy-abuse filtering, the ACME challenge path, the
// landing redirect, CORS header echoing, and chain dispatch through
// internal/endpoint.
package httprouter

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/endpoint"
)

// ChallengeResponder answers ACME HTTP-01 challenge requests (spec.md
// §4.12 step 3, backed by internal/acme's Manager).
type ChallengeResponder interface {
	GetChallengeResponse(token string) (string, bool)
}

// Endpoint is an HTTP catalog entry: it matches a path (via
// endpoint.Endpoint) and handles the request once resolved.
type Endpoint interface {
	endpoint.Endpoint
	Handle(w http.ResponseWriter, r *http.Request, hop Hop) error
}

// RawDataEndpoint is implemented by endpoints that need the raw
// HTTP/2 frame stream (e.g. an echo-raw-bytes endpoint); any chain
// without one allows the router to tell the frame tap to stop
// capturing, bounding memory (spec.md §4.12 step 6).
type RawDataEndpoint interface {
	NeedsRawData() bool
}

// StreamCapture lets the router bound HTTP/2 frame-tap memory once a
// chain is known not to need raw frame data.
type StreamCapture interface {
	StopCapturingStream(streamID uint32)
}

// Hop is the context handed to a matched endpoint's Handle, mirroring
// spec.md §4.12 step 7's "(req, res, {path, query, handleRequest})".
// Pipelining is PipelineTracker.Begin's result for this request: true
// only if another handler on the same connection was still running, so
// it stays false for pipelined HTTP/1 requests, which net/http serves
// one at a time. No endpoint in the current catalog consumes it.
type Hop struct {
	Path           string
	Query          string
	HostnamePrefix string
	Pipelining     bool
}

type streamCaptureKey struct{}
type streamIDKey struct{}

// WithStreamCapture attaches the HTTP/2 frame tap's stop-capturing
// hook and this request's stream ID to ctx, so the router can call it
// once the resolved chain is known (spec.md §4.12 step 6).
func WithStreamCapture(ctx context.Context, capture StreamCapture, streamID uint32) context.Context {
	ctx = context.WithValue(ctx, streamCaptureKey{}, capture)
	return context.WithValue(ctx, streamIDKey{}, streamID)
}

// Router dispatches HTTP/1 and HTTP/2 requests per spec.md §4.12.
type Router struct {
	RootDomain string
	Endpoints  []Endpoint
	Challenges ChallengeResponder
	LandingURL string
	Log        *zap.Logger
}

// New builds a Router.
func New(rootDomain, landingURL string, endpoints []Endpoint, challenges ChallengeResponder, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{RootDomain: rootDomain, Endpoints: endpoints, Challenges: challenges, LandingURL: landingURL, Log: log}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tracked := &statusTrackingWriter{ResponseWriter: w}

	pipelining := false
	if tracker := pipelineTrackerFromContext(r.Context()); tracker != nil {
		pipelining = tracker.Begin()
		defer tracker.End()
	}

	if r.URL.IsAbs() {
		host := r.URL.Hostname()
		if rt.RootDomain != "" && !strings.HasSuffix(host, rt.RootDomain) {
			tracked.Header().Set("Connection", "close")
			tracked.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	path := r.URL.Path
	hostnamePrefix := endpoint.HostnamePrefix(r.Host, rt.RootDomain)

	if token, ok := strings.CutPrefix(path, "/.well-known/acme-challenge/"); ok {
		rt.serveChallengeResponse(tracked, token)
		return
	}

	if path == "/" && (hostnamePrefix == "" || hostnamePrefix == "www") {
		if rt.LandingURL != "" {
			http.Redirect(tracked, r, rt.LandingURL, http.StatusTemporaryRedirect)
			return
		}
		tracked.WriteHeader(http.StatusOK)
		return
	}

	applyCORS(tracked.Header(), r)
	if r.Method == http.MethodOptions {
		tracked.WriteHeader(http.StatusOK)
		return
	}

	chain, err := endpoint.Resolve(toEndpointSlice(rt.Endpoints), path, hostnamePrefix)
	if err != nil {
		rt.writeMatchError(tracked, err)
		return
	}

	rt.maybeStopCapturingStream(r.Context(), chain)

	rt.invokeChain(tracked, r, chain, hostnamePrefix, pipelining)
}

func (rt *Router) serveChallengeResponse(w http.ResponseWriter, token string) {
	if rt.Challenges == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp, ok := rt.Challenges.GetChallengeResponse(token)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(resp))
}

func (rt *Router) invokeChain(w *statusTrackingWriter, r *http.Request, chain []endpoint.Hop, hostnamePrefix string, pipelining bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			rt.Log.Error("httprouter: handler panicked", zap.Any("recovered", rec))
			if !w.headerSent {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("HTTP handler failed"))
				return
			}
			panic(http.ErrAbortHandler)
		}
	}()

	for _, h := range chain {
		ep := h.Endpoint.(Endpoint)
		hop := Hop{Path: h.Path, Query: r.URL.RawQuery, HostnamePrefix: hostnamePrefix, Pipelining: pipelining}
		if err := ep.Handle(w, r, hop); err != nil {
			if !w.headerSent {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("HTTP handler failed"))
				return
			}
			panic(http.ErrAbortHandler)
		}
	}
}

func (rt *Router) maybeStopCapturingStream(ctx context.Context, chain []endpoint.Hop) {
	capture, ok := ctx.Value(streamCaptureKey{}).(StreamCapture)
	if !ok || capture == nil {
		return
	}
	for _, h := range chain {
		if rd, ok := h.Endpoint.(RawDataEndpoint); ok && rd.NeedsRawData() {
			return
		}
	}
	if streamID, ok := ctx.Value(streamIDKey{}).(uint32); ok {
		capture.StopCapturingStream(streamID)
	}
}

func (rt *Router) writeMatchError(w http.ResponseWriter, err error) {
	matchErr, ok := err.(*endpoint.MatchError)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(matchErr.Status)
	_, _ = w.Write([]byte(matchErr.Message))
}

func applyCORS(h http.Header, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Credentials", "true")
	if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
		h.Set("Access-Control-Allow-Methods", m)
	}
	if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
		h.Set("Access-Control-Allow-Headers", hdrs)
	}
	if pn := r.Header.Get("Access-Control-Request-Private-Network"); pn != "" {
		h.Set("Access-Control-Allow-Private-Network", pn)
	}
}

func toEndpointSlice(eps []Endpoint) []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, len(eps))
	for i, e := range eps {
		out[i] = e
	}
	return out
}

// statusTrackingWriter records whether WriteHeader has already fired,
// so a handler error after partial output can choose to destroy the
// response instead of writing a second status line (spec.md §4.12
// step 8).
type statusTrackingWriter struct {
	http.ResponseWriter
	headerSent bool
}

func (w *statusTrackingWriter) WriteHeader(status int) {
	if w.headerSent {
		return
	}
	w.headerSent = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusTrackingWriter) Write(b []byte) (int, error) {
	if !w.headerSent {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
