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

// Package config holds the process-level configuration recognized by the
// server, as described in spec.md §6. There is no config-file format;
// values are bound from flags/environment by cmd/testserver.
package config

import "time"

// EABConfig carries ACME External Account Binding credentials.
type EABConfig struct {
	KID     string
	HMACKey string
}

// Config is the full set of recognized server configuration.
type Config struct {
	// RootDomain is the suffix that structured SNI is relative to, and
	// anchors the proxy-abuse filtering in the HTTP router.
	RootDomain string

	// AcmeProvider selects the ACME CA. Empty means local-CA-only.
	AcmeProvider string // "letsencrypt" | "zerossl" | "google" | ""

	EABConfig *EABConfig

	// ProactiveCertDomains are refreshed at startup and every 24h.
	ProactiveCertDomains []string

	// CertCacheDir is the persistent on-disk cert cache location.
	CertCacheDir string

	// TrustProxyProtocol enables the PROXY protocol parser (C1) on
	// every accepted connection.
	TrustProxyProtocol bool

	// Ports lists the TCP ports to bind, each serving the full
	// protocol-demultiplexed stack.
	Ports []int

	// ListenAddr is the host part of the listen address; defaults to
	// all interfaces.
	ListenAddr string

	// LandingURL is where bare requests to the root domain's root path
	// are redirected (spec §4.12 step 4). The docs HTML page itself is
	// out of scope.
	LandingURL string

	// Dev toggles human-readable logging.
	Dev bool
}

// ProactiveRefreshInterval is how often proactive cert domains are
// refreshed, per spec.md §4.6.
const ProactiveRefreshInterval = 24 * time.Hour

// Default returns a Config with conservative defaults; callers override
// fields from flags/env.
func Default() Config {
	return Config{
		RootDomain: "localhost",
		Ports:      []int{4443},
		ListenAddr: "0.0.0.0",
		LandingURL: "https://github.com/httptoolkit/testserver",
	}
}
