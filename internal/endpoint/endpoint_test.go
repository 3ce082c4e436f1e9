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

package endpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticEndpoint struct {
	path string
	next string
}

func (s staticEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return path == s.path, nil
}

func (s staticEndpoint) GetRemainingPath(path string) string { return s.next }

type throwingEndpoint struct{}

func (throwingEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) {
	return false, &MatchError{Status: 400, Message: "bad status code"}
}

func TestResolveSingleHop(t *testing.T) {
	eps := []Endpoint{staticEndpoint{path: "/ip"}}
	chain, err := Resolve(eps, "/ip", "")
	require.NoError(t, err)
	require.Len(t, chain, 1)
}

func TestResolveMultiHopChain(t *testing.T) {
	eps := []Endpoint{
		staticEndpoint{path: "/delay/1", next: "/anything"},
		staticEndpoint{path: "/anything"},
	}
	chain, err := Resolve(eps, "/delay/1", "")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "/delay/1", chain[0].Path)
	require.Equal(t, "/anything", chain[1].Path)
}

func TestResolveNotFound(t *testing.T) {
	eps := []Endpoint{staticEndpoint{path: "/ip"}}
	_, err := Resolve(eps, "/nope", "prefix")
	var matchErr *MatchError
	require.True(t, errors.As(err, &matchErr))
	require.Equal(t, 404, matchErr.Status)
}

func TestResolvePropagatesMatchPathError(t *testing.T) {
	eps := []Endpoint{throwingEndpoint{}}
	_, err := Resolve(eps, "/status/abc", "")
	var matchErr *MatchError
	require.True(t, errors.As(err, &matchErr))
	require.Equal(t, 400, matchErr.Status)
}

func TestResolveExceedsMaxDepth(t *testing.T) {
	// Each endpoint forwards to the next indefinitely, never emptying path.
	self := &selfChainingEndpoint{}
	eps := []Endpoint{self}
	_, err := Resolve(eps, "/loop", "")
	require.ErrorIs(t, err, ChainTooDeep)
}

type selfChainingEndpoint struct{}

func (*selfChainingEndpoint) MatchPath(path, hostnamePrefix string) (bool, error) { return true, nil }
func (*selfChainingEndpoint) GetRemainingPath(path string) string                 { return path }
