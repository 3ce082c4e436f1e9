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

// Package reflect implements the anything-reflector (spec.md §4.14):
// it serializes one HTTP request as JSON so a test client can inspect
// exactly what the server received.
package reflect

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

// Multidict is args/form: a scalar string when a key appears once, or
// a []string when it repeats (spec.md §4.14).
type Multidict map[string]any

func newMultidict(values url.Values) Multidict {
	m := make(Multidict, len(values))
	for k, v := range values {
		if len(v) == 1 {
			m[k] = v[0]
		} else {
			m[k] = append([]string(nil), v...)
		}
	}
	return m
}

// Document is the full serialized shape (spec.md §4.14).
type Document struct {
	Args    Multidict         `json:"args"`
	Data    string            `json:"data"`
	Files   map[string]string `json:"files"`
	Form    Multidict         `json:"form"`
	Headers map[string]string `json:"headers"`
	JSON    any               `json:"json"`
	Method  string            `json:"method"`
	Origin  string            `json:"origin"`
	URL     string            `json:"url"`
}

// Options configures field filtering and origin resolution.
type Options struct {
	// Fields restricts the output to this subset of top-level keys;
	// nil/empty means include everything.
	Fields []string
	// ProxyOrigin is the PROXY-protocol source address, if any,
	// preferred over the socket's remote address (spec.md §4.14).
	ProxyOrigin string
}

// Build produces the reflected Document from r and its already-read
// body, then applies any field filter.
func Build(r *http.Request, body []byte, opts Options) (map[string]any, error) {
	doc := Document{
		Args:    newMultidict(r.URL.Query()),
		Headers: canonicalHeaders(r.Header),
		Method:  r.Method,
		Origin:  resolveOrigin(r, opts.ProxyOrigin),
		URL:     reconstructURL(r),
		Form:    Multidict{},
		Files:   map[string]string{},
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "multipart/form-data":
		doc.Files = parseMultipartFiles(body, params["boundary"])
	case mediaType == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			doc.Form = newMultidict(form)
		}
	}

	if utf8.Valid(body) {
		doc.Data = string(body)
	} else {
		doc.Data = "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body)
	}

	var parsedJSON any
	if json.Unmarshal(body, &parsedJSON) == nil {
		doc.JSON = parsedJSON
	}

	generic := map[string]any{
		"args":    doc.Args,
		"data":    doc.Data,
		"files":   doc.Files,
		"form":    doc.Form,
		"headers": doc.Headers,
		"json":    doc.JSON,
		"method":  doc.Method,
		"origin":  doc.Origin,
		"url":     doc.URL,
	}

	if len(opts.Fields) == 0 {
		return generic, nil
	}
	filtered := make(map[string]any, len(opts.Fields))
	for _, f := range opts.Fields {
		if v, ok := generic[f]; ok {
			filtered[f] = v
		}
	}
	return filtered, nil
}

// MarshalPretty renders doc as pretty-printed JSON with a trailing
// newline (spec.md §4.14).
func MarshalPretty(doc map[string]any) ([]byte, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// canonicalHeaders Title-Cases each "-"-delimited header name
// component. Go's net/http already canonicalizes header keys this way
// on storage, but keys set directly on the map may not be, so the form
// is re-derived here; names that canonicalize to the same key are
// joined in sorted order of their raw names. The JSON encoder writes
// the resulting map's keys in sorted order.
func canonicalHeaders(h http.Header) map[string]string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, name := range names {
		key := http.CanonicalHeaderKey(name)
		value := strings.Join(h[name], ", ")
		if prev, ok := out[key]; ok {
			value = prev + ", " + value
		}
		out[key] = value
	}
	return out
}

func resolveOrigin(r *http.Request, proxyOrigin string) string {
	origin := proxyOrigin
	if origin == "" {
		origin = r.RemoteAddr
		if host, _, err := net.SplitHostPort(origin); err == nil {
			origin = host
		}
	}
	return strings.TrimPrefix(origin, "::ffff:")
}

func reconstructURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	authority := r.Host
	return scheme + "://" + authority + r.URL.RequestURI()
}

func parseMultipartFiles(body []byte, boundary string) map[string]string {
	files := map[string]string{}
	if boundary == "" {
		return files
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		contents, _ := io.ReadAll(part)
		name := part.FormName()
		if name == "" {
			continue
		}
		if utf8.Valid(contents) {
			files[name] = string(contents)
		} else {
			files[name] = "data:" + part.Header.Get("Content-Type") + ";base64," + base64.StdEncoding.EncodeToString(contents)
		}
	}
	return files
}
