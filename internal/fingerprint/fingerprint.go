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

// Package fingerprint parses a raw TLS ClientHello record (peeked before
// the handshake proper begins, per spec.md C4) and computes JA3 and JA4
// fingerprints. Failure to parse is non-fatal: callers attach whatever
// was recoverable to the connection and move on.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // JA3 is defined in terms of MD5
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ClientHello is the subset of a parsed ClientHello needed for
// fingerprinting.
type ClientHello struct {
	Raw           []byte
	Version       uint16
	CipherSuites  []uint16
	Extensions    []uint16
	SupportedGrps []uint16
	PointFormats  []uint8
	ALPNProtocols []string
	SNI           string
}

// Result carries the raw hello alongside both fingerprints.
type Result struct {
	Hello *ClientHello
	JA3   string
	JA3Hash string
	JA4   string
}

var errTooShort = errors.New("fingerprint: record too short")

// Parse reads a single TLS record containing a ClientHello handshake
// message from raw (as peeked off the wire, content type 0x16 already
// confirmed by the caller) and computes its fingerprints.
func Parse(raw []byte) (*Result, error) {
	hello, err := parseClientHello(raw)
	if err != nil {
		return nil, err
	}
	ja3 := computeJA3(hello)
	sum := md5.Sum([]byte(ja3)) //nolint:gosec
	return &Result{
		Hello:   hello,
		JA3:     ja3,
		JA3Hash: hex.EncodeToString(sum[:]),
		JA4:     computeJA4(hello),
	}, nil
}

// parseClientHello walks the TLS record header, handshake header, and
// ClientHello body to extract version, cipher suites, extensions,
// supported groups, EC point formats, ALPN protocols, and SNI.
func parseClientHello(raw []byte) (*ClientHello, error) {
	if len(raw) < 5 || raw[0] != 0x16 {
		return nil, errTooShort
	}
	recLen := int(binary.BigEndian.Uint16(raw[3:5]))
	if len(raw) < 5+recLen {
		recLen = len(raw) - 5
	}
	body := raw[5 : 5+recLen]
	if len(body) < 4 || body[0] != 0x01 { // handshake type ClientHello
		return nil, errors.New("fingerprint: not a ClientHello")
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	p := body[4:]
	if len(p) > hsLen {
		p = p[:hsLen]
	}

	h := &ClientHello{Raw: raw}
	if len(p) < 2 {
		return nil, errTooShort
	}
	h.Version = binary.BigEndian.Uint16(p[0:2])
	p = p[2:]

	if len(p) < 32 {
		return nil, errTooShort
	}
	p = p[32:] // random

	if len(p) < 1 {
		return nil, errTooShort
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return nil, errTooShort
	}
	p = p[sidLen:]

	if len(p) < 2 {
		return nil, errTooShort
	}
	csLen := int(binary.BigEndian.Uint16(p[0:2]))
	p = p[2:]
	if len(p) < csLen {
		return nil, errTooShort
	}
	for i := 0; i+1 < csLen; i += 2 {
		h.CipherSuites = append(h.CipherSuites, binary.BigEndian.Uint16(p[i:i+2]))
	}
	p = p[csLen:]

	if len(p) < 1 {
		return nil, errTooShort
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return nil, errTooShort
	}
	p = p[cmLen:]

	if len(p) < 2 {
		// no extensions present; nothing more to parse
		return h, nil
	}
	extTotalLen := int(binary.BigEndian.Uint16(p[0:2]))
	p = p[2:]
	if len(p) > extTotalLen {
		p = p[:extTotalLen]
	}

	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p[0:2])
		extLen := int(binary.BigEndian.Uint16(p[2:4]))
		p = p[4:]
		if len(p) < extLen {
			break
		}
		extData := p[:extLen]
		h.Extensions = append(h.Extensions, extType)

		switch extType {
		case 0x0000: // server_name
			h.SNI = parseSNIExtension(extData)
		case 0x000a: // supported_groups
			h.SupportedGrps = parseUint16List(extData)
		case 0x000b: // ec_point_formats
			if len(extData) > 1 {
				h.PointFormats = append([]uint8(nil), extData[1:]...)
			}
		case 0x0010: // ALPN
			h.ALPNProtocols = parseALPNExtension(extData)
		}

		p = p[extLen:]
	}

	return h, nil
}

func parseUint16List(data []byte) []uint16 {
	if len(data) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) > n {
		data = data[:n]
	}
	var out []uint16
	for i := 0; i+1 < len(data); i += 2 {
		out = append(out, binary.BigEndian.Uint16(data[i:i+2]))
	}
	return out
}

func parseSNIExtension(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) > listLen {
		data = data[:listLen]
	}
	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < nameLen {
			break
		}
		if nameType == 0 {
			return string(data[:nameLen])
		}
		data = data[nameLen:]
	}
	return ""
}

func parseALPNExtension(data []byte) []string {
	if len(data) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) > listLen {
		data = data[:listLen]
	}
	var out []string
	for len(data) >= 1 {
		n := int(data[0])
		data = data[1:]
		if len(data) < n {
			break
		}
		out = append(out, string(data[:n]))
		data = data[n:]
	}
	return out
}

// computeJA3 builds the canonical JA3 string: comma-joined
// version,ciphers,extensions,groups,point-formats, each inner list
// dash-joined, in wire order (not sorted).
func computeJA3(h *ClientHello) string {
	return fmt.Sprintf("%d,%s,%s,%s,%s",
		h.Version,
		joinUint16(h.CipherSuites),
		joinUint16(h.Extensions),
		joinUint16(h.SupportedGrps),
		joinUint8(h.PointFormats),
	)
}

func joinUint16(vs []uint16) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func joinUint8(vs []uint8) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

// computeJA4 builds a JA4-shaped fingerprint: protocol letter, TLS
// version, SNI presence, cipher/extension counts, the first ALPN
// value, and truncated SHA-256 hashes of the sorted cipher and
// extension lists, per the JA4 specification's "_t_a_b" layout for TCP.
func computeJA4(h *ClientHello) string {
	proto := "t" // TCP
	sniFlag := "i"
	if h.SNI != "" {
		sniFlag = "d"
	}
	version := ja4Version(h.Version)

	cipherCount := len(h.CipherSuites)
	extCount := len(h.Extensions)

	alpn := "00"
	if len(h.ALPNProtocols) > 0 {
		a := h.ALPNProtocols[0]
		if len(a) >= 2 {
			alpn = string([]byte{a[0], a[len(a)-1]})
		} else if len(a) == 1 {
			alpn = a + a
		}
	}

	sortedCiphers := append([]uint16(nil), h.CipherSuites...)
	sort.Slice(sortedCiphers, func(i, j int) bool { return sortedCiphers[i] < sortedCiphers[j] })
	sortedExts := append([]uint16(nil), h.Extensions...)
	sort.Slice(sortedExts, func(i, j int) bool { return sortedExts[i] < sortedExts[j] })

	cipherHash := truncatedSHA256(joinUint16(sortedCiphers))
	extHash := truncatedSHA256(joinUint16(sortedExts))

	return fmt.Sprintf("%s%s%s%02d%02d%s_%s_%s",
		proto, version, sniFlag, min(cipherCount, 99), min(extCount, 99), alpn, cipherHash, extHash)
}

func ja4Version(v uint16) string {
	switch v {
	case 0x0304:
		return "13"
	case 0x0303:
		return "12"
	case 0x0302:
		return "11"
	case 0x0301:
		return "10"
	default:
		return "00"
	}
}

func truncatedSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
