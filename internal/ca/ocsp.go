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

package ca

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

// OCSPRespond builds a signed OCSP response for leafDER, answering
// "revoked" when any DNS SAN on the leaf carries the "revoked" token
// as a full "--"-separated segment or dot-separated label, and "good"
// otherwise, per spec.md §4.5.
func (c *CA) OCSPRespond(leafDER []byte) ([]byte, error) {
	if err := c.ensureInit(); err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing leaf for OCSP: %w", err)
	}

	now := time.Now()
	tmpl := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: leaf.SerialNumber,
		ThisUpdate:   now,
		Certificate:  c.rootCert,
	}

	if isRevokedSAN(leaf.DNSNames) {
		tmpl.Status = ocsp.Revoked
		tmpl.RevokedAt = now
		tmpl.RevocationReason = ocsp.KeyCompromise
	}

	resp, err := ocsp.CreateResponse(c.rootCert, c.rootCert, tmpl, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: signing OCSP response: %w", err)
	}
	return resp, nil
}

// isRevokedSAN reports whether any of names contains a segment (split
// by "." or by "--") that is exactly "revoked".
func isRevokedSAN(names []string) bool {
	for _, name := range names {
		for _, label := range strings.Split(name, ".") {
			if label == "revoked" {
				return true
			}
			for _, seg := range strings.Split(label, "--") {
				if seg == "revoked" {
					return true
				}
			}
		}
	}
	return false
}
