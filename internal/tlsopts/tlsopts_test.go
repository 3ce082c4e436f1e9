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

package tlsopts

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyStableAcrossEquivalentOptions(t *testing.T) {
	k1 := CacheKey("example.com", CertOptions{Expired: true, Revoked: true})
	k2 := CacheKey("example.com", CertOptions{Revoked: true, Expired: true})
	require.Equal(t, k1, k2)

	k3 := CacheKey("example.com", CertOptions{Expired: true})
	require.NotEqual(t, k1, k3)
}

func TestCacheKeyNoFlags(t *testing.T) {
	require.Equal(t, "example.com", CacheKey("example.com", CertOptions{}))
}

func TestEnableVersionComputesMinVersionAndSeclevel(t *testing.T) {
	var opts SecureContextOptions
	opts = opts.EnableVersion(tls.VersionTLS12)
	require.Equal(t, uint16(tls.VersionTLS12), opts.MinVersion)
	require.Empty(t, opts.CipherSuitesExpr)

	opts = opts.EnableVersion(tls.VersionTLS10)
	require.Equal(t, uint16(tls.VersionTLS10), opts.MinVersion)
	require.Contains(t, opts.CipherSuitesExpr, "SECLEVEL=0")
	require.True(t, opts.VersionAllowed(tls.VersionTLS10))
	require.True(t, opts.VersionAllowed(tls.VersionTLS12))
	require.False(t, opts.VersionAllowed(tls.VersionTLS11))
}

func TestVersionAllowedDefaultsToAllWhenUntouched(t *testing.T) {
	var opts SecureContextOptions
	require.True(t, opts.VersionAllowed(tls.VersionTLS13))
}

func TestALPNNegotiate(t *testing.T) {
	prefs := ALPNPrefs{"h2", "http/1.1"}
	p, ok := prefs.Negotiate([]string{"http/1.1", "h2"})
	require.True(t, ok)
	require.Equal(t, "h2", p)

	_, ok = prefs.Negotiate([]string{"spdy/1"})
	require.False(t, ok)
}

func TestDefaultALPNWhenEmpty(t *testing.T) {
	var prefs ALPNPrefs
	p, ok := prefs.Negotiate([]string{"h2"})
	require.True(t, ok)
	require.Equal(t, "h2", p)
}

func TestCachedCertificateValid(t *testing.T) {
	c := CachedCertificate{CacheKey: "k", Domain: "d", KeyPEM: "k", CertPEM: "c", ExpiryMs: 1}
	require.True(t, c.Valid())
	c.ExpiryMs = 0
	require.False(t, c.Valid())
}
