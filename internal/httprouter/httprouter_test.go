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

package httprouter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedEndpoint struct {
	path    string
	handler func(w http.ResponseWriter, r *http.Request, hop Hop) error
}

func (f fixedEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == f.path, nil
}

func (f fixedEndpoint) Handle(w http.ResponseWriter, r *http.Request, hop Hop) error {
	return f.handler(w, r, hop)
}

type fakeChallenges struct{ responses map[string]string }

func (f fakeChallenges) GetChallengeResponse(token string) (string, bool) {
	v, ok := f.responses[token]
	return v, ok
}

func TestRouterServesAcmeChallenge(t *testing.T) {
	rt := New("example.com", "", nil, fakeChallenges{responses: map[string]string{"tok": "keyauth"}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok", nil)
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "keyauth", rec.Body.String())
}

func TestRouterMissingChallengeReturns404(t *testing.T) {
	rt := New("example.com", "", nil, fakeChallenges{responses: map[string]string{}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/missing", nil)
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterRedirectsLandingPage(t *testing.T) {
	rt := New("example.com", "https://httptoolkit.com", nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "https://httptoolkit.com", rec.Header().Get("Location"))
}

func TestRouterRejectsAbsoluteURLOutsideRootDomain(t *testing.T) {
	rt := New("example.com", "", nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "http://evil.test/anything", nil)
	req.RequestURI = "http://evil.test/anything"
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestRouterAppliesCORSHeadersAndHandlesOptions(t *testing.T) {
	ep := fixedEndpoint{path: "/anything", handler: func(w http.ResponseWriter, r *http.Request, hop Hop) error {
		w.WriteHeader(http.StatusOK)
		return nil
	}}
	rt := New("example.com", "", []Endpoint{ep}, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", "https://client.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://client.test", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "POST", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRouterDispatchesToMatchingEndpoint(t *testing.T) {
	ep := fixedEndpoint{path: "/ip", handler: func(w http.ResponseWriter, r *http.Request, hop Hop) error {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return nil
	}}
	rt := New("example.com", "", []Endpoint{ep}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRouterReturns404ForUnmatchedPath(t *testing.T) {
	rt := New("example.com", "", nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterHandlerFailureBefore500WhenHeadersUnsent(t *testing.T) {
	ep := fixedEndpoint{path: "/boom", handler: func(w http.ResponseWriter, r *http.Request, hop Hop) error {
		return errBoom
	}}
	rt := New("example.com", "", []Endpoint{ep}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()

	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

var errBoom = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
