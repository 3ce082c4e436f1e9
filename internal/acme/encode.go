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

package acme

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
)

// parseCertExpiryMs extracts the leaf's NotAfter, in Unix milliseconds,
// from a PEM chain as returned by Issue (leaf certificate first). It
// returns 0 if certPEM cannot be parsed, which CachedCertificate.Valid
// treats as invalid.
func parseCertExpiryMs(certPEM string) int64 {
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return 0
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		leaf, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return 0
		}
		return leaf.NotAfter.UnixMilli()
	}
}

// encodeCertChainPEM concatenates every DER certificate in chain (leaf
// first, per the ACME order finalization response) into one PEM
// bundle.
func encodeCertChainPEM(chain [][]byte) string {
	var out []byte
	for _, der := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return string(out)
}

// encodeKeyPEM PEM-encodes an EC private key in SEC1 form.
func encodeKeyPEM(key *ecdsa.PrivateKey) string {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}
