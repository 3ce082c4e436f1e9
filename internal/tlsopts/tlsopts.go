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

// Package tlsopts holds the small, shared value types used across the
// certificate machinery (local CA, ACME client, SNI compiler, secure
// context cache, TLS listener) so those packages can depend on a common
// vocabulary without importing one another. Grounded on caddytls/config.go's
// Config struct composition, generalized from one monolithic Config to the
// spec's fold-left CertOptions/SecureContextOptions/ALPNPrefs tuple
// (spec.md §3, §4.7).
package tlsopts

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
)

// RequiredCertType constrains CertGenerator (spec.md §4.10) to a
// specific certificate source.
type RequiredCertType string

const (
	RequiredCertTypeNone  RequiredCertType = ""
	RequiredCertTypeACME  RequiredCertType = "acme"
	RequiredCertTypeLocal RequiredCertType = "local"
)

// CertOptions is the immutable (after SNI compilation) set of knobs
// governing which certificate is manufactured or retrieved for a domain.
type CertOptions struct {
	Expired        bool
	Revoked        bool
	SelfSigned     bool
	OverridePrefix string
	RequiredType   RequiredCertType
}

// Merge folds other into o, left-to-right: boolean flags OR together,
// and a non-empty OverridePrefix/RequiredType in other wins.
func (o CertOptions) Merge(other CertOptions) CertOptions {
	out := o
	out.Expired = out.Expired || other.Expired
	out.Revoked = out.Revoked || other.Revoked
	out.SelfSigned = out.SelfSigned || other.SelfSigned
	if other.OverridePrefix != "" {
		out.OverridePrefix = other.OverridePrefix
	}
	if other.RequiredType != RequiredCertTypeNone {
		out.RequiredType = other.RequiredType
	}
	return out
}

// CacheKeyFlags returns the sorted subset of {expired,revoked,selfSigned}
// that are true, used to build the stable cert cache key (spec.md §3).
func (o CertOptions) CacheKeyFlags() []string {
	var flags []string
	if o.Expired {
		flags = append(flags, "expired")
	}
	if o.Revoked {
		flags = append(flags, "revoked")
	}
	if o.SelfSigned {
		flags = append(flags, "selfSigned")
	}
	sort.Strings(flags)
	return flags
}

// CacheKey computes "<domain>+<sortedFlagsJoinedWithPlus>", stable such
// that identical cert options for the same domain always yield the same
// key (spec.md §3, testable property in §8).
func CacheKey(domain string, opts CertOptions) string {
	flags := opts.CacheKeyFlags()
	if len(flags) == 0 {
		return domain
	}
	return domain + "+" + strings.Join(flags, "+")
}

// disabledVersionBit tracks which of TLS 1.0-1.3 are disabled; all start
// disabled until an endpoint descriptor enables one, per spec.md §4.7.
type disabledVersionBit uint8

const (
	bitTLS10 disabledVersionBit = 1 << iota
	bitTLS11
	bitTLS12
	bitTLS13
)

var allVersionsDisabled = bitTLS10 | bitTLS11 | bitTLS12 | bitTLS13

var versionBits = map[uint16]disabledVersionBit{
	tls.VersionTLS10: bitTLS10,
	tls.VersionTLS11: bitTLS11,
	tls.VersionTLS12: bitTLS12,
	tls.VersionTLS13: bitTLS13,
}

var versionOrder = []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13}

// SecureContextOptions is the ordered accumulation of TLS knobs folded
// across SNI labels (spec.md §3, §4.7). The zero value means "no
// version restriction has been applied yet"; MinVersion/CipherSuites
// only take effect once EnableVersion has been called at least once.
type SecureContextOptions struct {
	disabledVersions disabledVersionBit
	versionsTouched  bool
	MinVersion       uint16
	CipherSuitesExpr string // e.g. "DEFAULT@SECLEVEL=0" appended for TLS 1.0/1.1
}

// EnableVersion clears the disable bit for v, recomputes MinVersion as
// the lowest enabled version, and appends the SECLEVEL=0 cipher
// downgrade for TLS 1.0/1.1 (old versions require weaker ciphers to
// even negotiate), per spec.md §4.7.
func (o SecureContextOptions) EnableVersion(v uint16) SecureContextOptions {
	out := o
	if !out.versionsTouched {
		out.disabledVersions = allVersionsDisabled
		out.versionsTouched = true
	}
	if bit, ok := versionBits[v]; ok {
		out.disabledVersions &^= bit
	}
	out.MinVersion = out.lowestEnabled()
	if v == tls.VersionTLS10 || v == tls.VersionTLS11 {
		if !strings.Contains(out.CipherSuitesExpr, "@SECLEVEL=0") {
			out.CipherSuitesExpr += "@SECLEVEL=0"
		}
	}
	return out
}

func (o SecureContextOptions) lowestEnabled() uint16 {
	for _, v := range versionOrder {
		if o.disabledVersions&versionBits[v] == 0 {
			return v
		}
	}
	return 0
}

// VersionAllowed reports whether v may be negotiated under these
// options. When no EnableVersion call has happened, all versions are
// allowed (the endpoint catalog never restricted them).
func (o SecureContextOptions) VersionAllowed(v uint16) bool {
	if !o.versionsTouched {
		return true
	}
	bit, ok := versionBits[v]
	if !ok {
		return false
	}
	return o.disabledVersions&bit == 0
}

// CanonicalKey renders a stable string for cache-keying purposes,
// grounding the "contextCacheKey = certCacheKey + '|' +
// canonicalJSON(tlsOpts)" rule from spec.md §4.8 without needing a full
// JSON encoder for three scalar fields.
func (o SecureContextOptions) CanonicalKey() string {
	return fmt.Sprintf("%d|%d|%s", o.MinVersion, uint8(o.disabledVersions), o.CipherSuitesExpr)
}

// ALPNPrefs is the ordered list of ALPN protocols preferred for a
// handshake; empty means the default ["http/1.1", "h2"].
type ALPNPrefs []string

// DefaultALPNPrefs is used when no TLS endpoint descriptor configures
// ALPN preferences (spec.md §4.7).
func DefaultALPNPrefs() ALPNPrefs { return ALPNPrefs{"http/1.1", "h2"} }

// Negotiate picks the first preference present in offered, per spec.md
// §4.7 ("the server chooses the first element that the client also
// offered").
func (prefs ALPNPrefs) Negotiate(offered []string) (string, bool) {
	want := prefs
	if len(want) == 0 {
		want = DefaultALPNPrefs()
	}
	offeredSet := make(map[string]bool, len(offered))
	for _, o := range offered {
		offeredSet[o] = true
	}
	for _, p := range want {
		if offeredSet[p] {
			return p, true
		}
	}
	return "", false
}

// CachedCertificate is the on-disk/in-memory representation of a
// manufactured or ACME-obtained certificate (spec.md §3).
type CachedCertificate struct {
	CacheKey string `json:"cacheKey"`
	Domain   string `json:"domain"`
	KeyPEM   string `json:"key"`
	CertPEM  string `json:"cert"`
	ExpiryMs int64  `json:"expiry"`
}

// Valid reports whether all four required fields are non-empty/non-zero,
// the invariant spec.md §3 requires of every loaded cache entry.
func (c CachedCertificate) Valid() bool {
	return c.CacheKey != "" && c.Domain != "" && c.KeyPEM != "" && c.CertPEM != "" && c.ExpiryMs > 0
}

// TLSCertificate converts the cached PEM pair into a *tls.Certificate,
// ready to hand to the runtime.
func (c CachedCertificate) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair([]byte(c.CertPEM), []byte(c.KeyPEM))
}
