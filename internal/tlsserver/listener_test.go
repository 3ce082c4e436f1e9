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

package tlsserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

type realisticLocalCA struct{}

func (realisticLocalCA) Generate(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}
	certPEM := pemEncodeCert(der)
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}
	keyPEM := pemEncodeKey(keyDER)
	return tlsopts.CachedCertificate{
		CacheKey: domain, Domain: domain, KeyPEM: keyPEM, CertPEM: certPEM,
		ExpiryMs: tmpl.NotAfter.UnixMilli(),
	}, nil
}

func (realisticLocalCA) OCSPRespond(leafDER []byte) ([]byte, error) { return nil, nil }

func TestGetConfigForClientBuildsUsableConfig(t *testing.T) {
	certGen := &CertGenerator{LocalCA: realisticLocalCA{}, RootDomain: "example.com"}
	s := New("example.com", certGen, nil)

	cfg, err := s.getConfigForClient(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, []string{"http/1.1", "h2"}, cfg.NextProtos)
}

func TestGetConfigForClientRejectsNoTLSLabel(t *testing.T) {
	certGen := &CertGenerator{LocalCA: realisticLocalCA{}, RootDomain: "example.com"}
	s := New("example.com", certGen, nil)

	_, err := s.getConfigForClient(&tls.ClientHelloInfo{ServerName: "no-tls.example.com"})
	require.Error(t, err)
}

func TestGetConfigForClientHonorsHTTP1OnlyLabel(t *testing.T) {
	certGen := &CertGenerator{LocalCA: realisticLocalCA{}, RootDomain: "example.com"}
	s := New("example.com", certGen, nil)

	cfg, err := s.getConfigForClient(&tls.ClientHelloInfo{ServerName: "http1.example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
}

func TestGetConfigForClientCachesSecureContext(t *testing.T) {
	ca := &fakeLocalCA{}
	certGen := &CertGenerator{LocalCA: ca, RootDomain: "example.com"}
	s := New("example.com", certGen, nil)

	_, err := s.getConfigForClient(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	_, err = s.getConfigForClient(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)

	require.Len(t, ca.generated, 1, "second handshake for the same SNI should reuse the cached context")
}

func pemEncodeCert(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func pemEncodeKey(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}
