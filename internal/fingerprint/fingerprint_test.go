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

package fingerprint

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal, spec-valid TLS record containing
// a ClientHello with the given SNI and ALPN protocols, for test purposes.
func buildClientHello(sni string, alpn []string) []byte {
	var ext []byte

	// server_name extension
	sniHost := append([]byte{0x00}, uint16Bytes(uint16(len(sni)))...)
	sniHost = append(sniHost, []byte(sni)...)
	sniList := append(uint16Bytes(uint16(len(sniHost))), sniHost...)
	ext = append(ext, 0x00, 0x00)
	ext = append(ext, uint16Bytes(uint16(len(sniList)))...)
	ext = append(ext, sniList...)

	// ALPN extension
	var alpnList []byte
	for _, p := range alpn {
		alpnList = append(alpnList, byte(len(p)))
		alpnList = append(alpnList, []byte(p)...)
	}
	alpnBody := append(uint16Bytes(uint16(len(alpnList))), alpnList...)
	ext = append(ext, 0x00, 0x10)
	ext = append(ext, uint16Bytes(uint16(len(alpnBody)))...)
	ext = append(ext, alpnBody...)

	extensions := append(uint16Bytes(uint16(len(ext))), ext...)

	var hello []byte
	hello = append(hello, 0x03, 0x03) // client version TLS 1.2
	hello = append(hello, make([]byte, 32)...) // random
	hello = append(hello, 0x00) // session id len
	ciphers := []byte{0xc0, 0x2f, 0xc0, 0x30}
	hello = append(hello, uint16Bytes(uint16(len(ciphers)))...)
	hello = append(hello, ciphers...)
	hello = append(hello, 0x01, 0x00) // compression methods
	hello = append(hello, extensions...)

	hsLen := len(hello)
	handshake := []byte{0x01, byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)}
	handshake = append(handshake, hello...)

	record := []byte{0x16, 0x03, 0x01}
	record = append(record, uint16Bytes(uint16(len(handshake)))...)
	record = append(record, handshake...)
	return record
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func TestParseClientHelloAndFingerprints(t *testing.T) {
	raw := buildClientHello("expired.localhost", []string{"h2", "http/1.1"})
	res, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "expired.localhost", res.Hello.SNI)
	require.Equal(t, []string{"h2", "http/1.1"}, res.Hello.ALPNProtocols)
	require.Len(t, res.JA3Hash, 32)
	require.NotEmpty(t, res.JA4)
}

func TestParseRejectsNonClientHello(t *testing.T) {
	_, err := Parse([]byte{0x17, 0x03, 0x01, 0x00, 0x01, 0x00})
	require.Error(t, err)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse([]byte{0x16, 0x03})
	require.Error(t, err)
}
