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

package proxyproto

import "context"

type sourceKey struct{}

// WithSource attaches a PROXY-header Source to ctx so downstream HTTP
// handlers (the anything-reflector's origin field, spec.md §4.14) can
// prefer it over the raw socket's remote address.
func WithSource(ctx context.Context, src *Source) context.Context {
	if src == nil {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFromContext returns the Source attached by WithSource, if any.
func SourceFromContext(ctx context.Context) (*Source, bool) {
	src, ok := ctx.Value(sourceKey{}).(*Source)
	return src, ok
}
