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
	"context"
	"sync/atomic"
)

// PipelineTracker is the per-connection "concurrent in-flight HTTP/1
// requests" counter the spec's connection state keeps (spec.md §3's
// `pipelining` boolean). One tracker lives for the lifetime of a TCP
// connection, attached via WithPipelineTracker in http.Server's
// ConnContext hook, and counts the requests whose handlers are running
// at the same time. net/http starts the next handler of an HTTP/1
// connection only after the previous one has returned, so the count
// never exceeds one there: a request pipelined behind an unfinished
// response is not detected.
type PipelineTracker struct {
	inFlight int32
}

// Begin marks the start of a request and reports whether another
// request's handler on the same connection was still running.
func (t *PipelineTracker) Begin() (pipelined bool) {
	return atomic.AddInt32(&t.inFlight, 1) > 1
}

// End marks the request's completion.
func (t *PipelineTracker) End() {
	atomic.AddInt32(&t.inFlight, -1)
}

type pipelineTrackerKey struct{}

// WithPipelineTracker attaches t to ctx for the lifetime of one
// connection.
func WithPipelineTracker(ctx context.Context, t *PipelineTracker) context.Context {
	return context.WithValue(ctx, pipelineTrackerKey{}, t)
}

func pipelineTrackerFromContext(ctx context.Context) *PipelineTracker {
	t, _ := ctx.Value(pipelineTrackerKey{}).(*PipelineTracker)
	return t
}
