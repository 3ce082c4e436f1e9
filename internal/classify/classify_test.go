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

package classify

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTLS(t *testing.T) {
	res, err := Classify(bytes.NewReader([]byte{0x16, 0x03, 0x01, 0x00, 0x01}))
	require.NoError(t, err)
	require.Equal(t, ProtocolTLS, res.Protocol)
	b, _ := res.Reader.Peek(1)
	require.Equal(t, byte(0x16), b[0])
}

func TestClassifyHTTP2Cleartext(t *testing.T) {
	res, err := Classify(bytes.NewReader([]byte(http2Preface + "extra")))
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP2Cleartext, res.Protocol)
	full := make([]byte, len(http2Preface))
	io.ReadFull(res.Reader, full)
	require.Equal(t, http2Preface, string(full))
}

func TestClassifyHTTP1(t *testing.T) {
	res, err := Classify(bytes.NewReader([]byte("GET /anything HTTP/1.1\r\n")))
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP1, res.Protocol)
}

func TestClassifyUnknown(t *testing.T) {
	res, err := Classify(bytes.NewReader([]byte("garbage data here")))
	require.NoError(t, err)
	require.Equal(t, ProtocolUnknown, res.Protocol)
}

func TestClassifyPreservesAllBytes(t *testing.T) {
	payload := "PUT /anything HTTP/1.1\r\nHost: x\r\n\r\nbody"
	res, err := Classify(bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	require.Equal(t, ProtocolHTTP1, res.Protocol)
	all, _ := io.ReadAll(res.Reader)
	require.Equal(t, payload, string(all))
}
