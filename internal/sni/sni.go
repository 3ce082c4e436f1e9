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

// Package sni compiles a structured SNI hostname into the three-part
// TLS configuration tuple (CertOptions, SecureContextOptions, ALPNPrefs)
// it describes (spec.md §4.7). Grounded on caddytls/config.go's
// per-connection option resolution, generalized from Caddy's
// config-file-driven model to this spec's catalog-of-named-labels,
// fold-left model.
package sni

import (
	"crypto/tls"
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

// maxLabels bounds how many modifier labels a single SNI may carry
// (spec.md §4.7).
const maxLabels = 3

// Descriptor is a catalog entry keyed by one SNI label (spec.md §3's
// "TLS endpoint descriptor"). Every field is optional; a nil function
// means that label contributes nothing to that part of the fold.
type Descriptor struct {
	ConfigureCertOptions func(tlsopts.CertOptions) tlsopts.CertOptions
	ConfigureTLSOptions  func(tlsopts.SecureContextOptions) (tlsopts.SecureContextOptions, error)
	ConfigureALPN        func(tlsopts.ALPNPrefs) tlsopts.ALPNPrefs
}

// ErrNoTLS is returned by the catalog's "no-tls" descriptor to reject
// the handshake outright, propagating through Compile and the TLS
// listener's SNICallback (spec.md §4.9).
var ErrNoTLS = fmt.Errorf("sni: no-tls endpoint rejects handshake")

// Catalog is the static, non-exhaustive set of recognized labels
// (spec.md §3): expired, revoked, self-signed, untrusted-root,
// wrong-host, no-tls, tls-v1-0..tls-v1-3, http1, http2, example.
var Catalog = map[string]Descriptor{
	"expired": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.Expired = true
			return o
		},
	},
	"revoked": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.Revoked = true
			return o
		},
	},
	"self-signed": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.SelfSigned = true
			return o
		},
	},
	"untrusted-root": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.RequiredType = tlsopts.RequiredCertTypeLocal
			return o
		},
	},
	"wrong-host": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.OverridePrefix = "wrong-host"
			return o
		},
	},
	"no-tls": {
		ConfigureTLSOptions: func(tlsopts.SecureContextOptions) (tlsopts.SecureContextOptions, error) {
			return tlsopts.SecureContextOptions{}, ErrNoTLS
		},
	},
	"tls-v1-0": versionDescriptor(tls.VersionTLS10),
	"tls-v1-1": versionDescriptor(tls.VersionTLS11),
	"tls-v1-2": versionDescriptor(tls.VersionTLS12),
	"tls-v1-3": versionDescriptor(tls.VersionTLS13),
	"http1": {
		ConfigureALPN: func(tlsopts.ALPNPrefs) tlsopts.ALPNPrefs {
			return tlsopts.ALPNPrefs{"http/1.1"}
		},
	},
	"http2": {
		ConfigureALPN: func(tlsopts.ALPNPrefs) tlsopts.ALPNPrefs {
			return tlsopts.ALPNPrefs{"h2"}
		},
	},
	"example": {
		ConfigureCertOptions: func(o tlsopts.CertOptions) tlsopts.CertOptions {
			o.OverridePrefix = "example"
			return o
		},
	},
}

func versionDescriptor(v uint16) Descriptor {
	return Descriptor{
		ConfigureTLSOptions: func(o tlsopts.SecureContextOptions) (tlsopts.SecureContextOptions, error) {
			return o.EnableVersion(v), nil
		},
	}
}

// Result is the compiled tuple produced by Compile.
type Result struct {
	Domain   string
	CertOpts tlsopts.CertOptions
	TLSOpts  tlsopts.SecureContextOptions
	ALPN     tlsopts.ALPNPrefs
}

// Compile implements spec.md §4.7 exactly: strip the rootDomain suffix,
// split the remaining prefix into at most 3 unique labels, fold each
// against the catalog in order.
func Compile(servername, rootDomain string) (*Result, error) {
	servername = normalizeHostname(servername)
	rootDomain = normalizeHostname(rootDomain)

	prefix := servername
	if rootDomain != "" {
		suffix := "." + rootDomain
		if servername == rootDomain {
			prefix = ""
		} else if strings.HasSuffix(servername, suffix) {
			prefix = strings.TrimSuffix(servername, suffix)
		}
	}

	labels := splitLabels(prefix)
	if len(labels) > maxLabels {
		return nil, fmt.Errorf("sni: too many modifier labels in %q", servername)
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			return nil, fmt.Errorf("sni: duplicate modifier label %q in %q", l, servername)
		}
		seen[l] = true
	}

	res := &Result{Domain: rootDomain}
	if rootDomain == "" {
		res.Domain = servername
	}

	for _, label := range labels {
		desc, ok := Catalog[label]
		if !ok {
			return nil, fmt.Errorf("sni: Unknown SNI part %q", label)
		}
		if desc.ConfigureCertOptions != nil {
			res.CertOpts = res.CertOpts.Merge(desc.ConfigureCertOptions(tlsopts.CertOptions{}))
		}
		if desc.ConfigureTLSOptions != nil {
			next, err := desc.ConfigureTLSOptions(res.TLSOpts)
			if err != nil {
				return nil, err
			}
			res.TLSOpts = next
		}
		if desc.ConfigureALPN != nil {
			res.ALPN = desc.ConfigureALPN(res.ALPN)
		}
	}

	if res.CertOpts.OverridePrefix != "" {
		res.Domain = res.CertOpts.OverridePrefix + "." + rootDomain
	}

	return res, nil
}

// normalizeHostname converts any punycode/Unicode root domain or SNI
// value to its ASCII form so label splitting operates on a consistent
// representation; hostnames that don't round-trip through IDNA (rare
// outside deliberately malformed ClientHellos) are left as-is rather
// than failing the handshake here, since label matching below still
// rejects anything it doesn't recognize.
func normalizeHostname(host string) string {
	// idna.ToASCII (the lenient Punycode profile, not the strict Lookup
	// profile) is deliberate: Lookup's hyphen-position validation would
	// reject the "--" double-dash label separator this package's own
	// modifier syntax relies on.
	ascii, err := idna.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// splitLabels splits prefix by "." and "--" (spec.md §4.7 treats them
// as equivalent); an empty prefix yields zero labels.
func splitLabels(prefix string) []string {
	if prefix == "" {
		return nil
	}
	normalized := strings.ReplaceAll(prefix, "--", ".")
	return strings.Split(normalized, ".")
}
