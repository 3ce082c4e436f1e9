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

// Package classify implements the connection classifier (spec.md C2):
// it peeks the first bytes of a byte stream and decides whether the
// stream is TLS, HTTP/2 cleartext, HTTP/1.x, or unrecognized, without
// consuming bytes the downstream parser needs. Grounded structurally on
// the peek-then-dispatch idiom shown in the rawhttp and gateway listener
// examples in the retrieval pack (pkg/transport, internal/listener/http.go),
// adapted to the bufio.Reader idiom used throughout this module.
package classify

import (
	"bufio"
	"io"
)

// Protocol is the result of classifying a connection's first bytes.
type Protocol int

const (
	// ProtocolUnknown means the bytes did not match any recognized
	// protocol; the caller should reject the connection.
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolHTTP2Cleartext
	ProtocolHTTP1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTLS:
		return "tls"
	case ProtocolHTTP2Cleartext:
		return "h2c"
	case ProtocolHTTP1:
		return "http/1.1"
	default:
		return "unknown"
	}
}

// http2Preface is the 24-byte client connection preface that precedes
// an HTTP/2 cleartext (h2c) connection.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// httpMethods are the request-line method tokens recognized as HTTP/1.x.
// Only the method needs to match; the classifier does not validate the
// rest of the request line.
var httpMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
}

// Result is the outcome of Classify: the detected protocol, and a
// bufio.Reader positioned at the very first byte of the stream so that
// every downstream parser — TLS handshake, HTTP/2 server, HTTP/1
// server — observes the complete, unaltered byte sequence.
type Result struct {
	Protocol Protocol
	Reader   *bufio.Reader
}

// Classify peeks the front of r (wrapping it in a bufio.Reader if it
// is not already one, so repeated calls across a TLS-then-plaintext
// re-entry are cheap) and returns the detected protocol.
//
// Classify is safe to call again on the plaintext stream handed back
// by the TLS listener after a successful handshake (spec.md §4.2 "the
// classifier must tolerate this re-entry"): a fresh bufio.Reader wraps
// the post-handshake net.Conn and Classify peeks it exactly the same
// way.
func Classify(r io.Reader) (*Result, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, len(http2Preface)+8)
	}

	first, err := br.Peek(1)
	if len(first) == 0 {
		return &Result{Protocol: ProtocolUnknown, Reader: br}, err
	}
	if first[0] == 0x16 {
		return &Result{Protocol: ProtocolTLS, Reader: br}, nil
	}

	preface, _ := br.Peek(len(http2Preface))
	if string(preface) == http2Preface {
		return &Result{Protocol: ProtocolHTTP2Cleartext, Reader: br}, nil
	}

	if looksLikeHTTP1(br) {
		return &Result{Protocol: ProtocolHTTP1, Reader: br}, nil
	}

	return &Result{Protocol: ProtocolUnknown, Reader: br}, nil
}

func looksLikeHTTP1(br *bufio.Reader) bool {
	for _, method := range httpMethods {
		want := method + " "
		b, err := br.Peek(len(want))
		if err != nil {
			continue
		}
		if string(b) == want {
			return true
		}
	}
	return false
}
