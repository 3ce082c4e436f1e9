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

// Package endpoint resolves a request path against an ordered list of
// endpoints into a chain of (endpoint, path) hops (spec.md §4.11).
// Grounded on the source's explicit design note that endpoint matching
// uses a three-valued result instead of exceptions-as-control-flow
// (spec.md §9); MatchError models the one case that legitimately needs
// to abort resolution with a specific HTTP status.
package endpoint

import (
	"fmt"
	"strings"
)

// maxChainDepth bounds how many endpoints may be chained for a single
// request (spec.md §4.11).
const maxChainDepth = 10

// MatchError is a typed failure an endpoint's MatchPath may return to
// abort resolution with a specific status, e.g. the status endpoint
// rejecting a non-numeric code with 400 (spec.md §4.11).
type MatchError struct {
	Status  int
	Message string
}

func (e *MatchError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Message) }

// NotFound builds the 404 MatchError used when no endpoint in the list
// matches (spec.md §4.11 step 1).
func NotFound(path, hostnamePrefix string) *MatchError {
	return &MatchError{
		Status:  404,
		Message: fmt.Sprintf("No endpoint matched path %q (hostname prefix %q)", path, hostnamePrefix),
	}
}

// ChainTooDeep is the 400 MatchError used when resolution does not
// terminate within maxChainDepth hops (spec.md §4.11 step 2).
var ChainTooDeep = &MatchError{Status: 400, Message: "chain exceeded maximum depth"}

// Endpoint is satisfied by every HTTP, WebSocket, and TLS catalog
// entry. MatchPath returns (matched, err); a non-nil err is normally a
// *MatchError carrying the status to reply with, and the routers answer
// any other error with 500.
type Endpoint interface {
	MatchPath(path, hostnamePrefix string) (bool, error)
}

// RemainingPather is implemented by endpoints that continue a chain
// (e.g. /delay/<n> before the real handler); GetRemainingPath returns
// the path to resolve next, or "" to end the chain here.
type RemainingPather interface {
	GetRemainingPath(path string) string
}

// Hop is one resolved link in the chain: the endpoint that matched and
// the path it was matched against.
type Hop struct {
	Endpoint Endpoint
	Path     string
}

// Resolve implements spec.md §4.11 exactly.
func Resolve(endpoints []Endpoint, initialPath, hostnamePrefix string) ([]Hop, error) {
	var chain []Hop
	path := initialPath

	for path != "" && len(chain) < maxChainDepth {
		ep, err := findMatch(endpoints, path, hostnamePrefix)
		if err != nil {
			return nil, err
		}
		if ep == nil {
			return nil, NotFound(initialPath, hostnamePrefix)
		}

		chain = append(chain, Hop{Endpoint: ep, Path: path})

		next := ""
		if rp, ok := ep.(RemainingPather); ok {
			next = rp.GetRemainingPath(path)
		}
		path = next
	}

	if path != "" {
		return nil, ChainTooDeep
	}

	return chain, nil
}

// HostnamePrefix strips the port and rootDomain suffix from host,
// yielding the prefix MatchPath matches against (spec.md §4.11/§4.12's
// shared notion of "hostname prefix"). Shared by the HTTP and
// WebSocket routers so both resolve endpoints against the same rule.
func HostnamePrefix(host, rootDomain string) string {
	host = stripPort(host)
	if rootDomain == "" {
		return host
	}
	suffix := "." + rootDomain
	if strings.HasSuffix(host, suffix) {
		return strings.TrimSuffix(host, suffix)
	}
	if host == rootDomain {
		return ""
	}
	return host
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		return host[:idx]
	}
	return host
}

func findMatch(endpoints []Endpoint, path, hostnamePrefix string) (Endpoint, error) {
	for _, ep := range endpoints {
		matched, err := ep.MatchPath(path, hostnamePrefix)
		if err != nil {
			return nil, err
		}
		if matched {
			return ep, nil
		}
	}
	return nil, nil
}
