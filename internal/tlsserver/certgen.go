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

// Package tlsserver wires the local CA, ACME manager, SNI compiler, and
// secure-context cache into a *tls.Config the standard library's TLS
// server can use directly (spec.md §4.9, §4.10). Grounded on
// caddytls/handshake.go's GetConfigForClient/GetCertificate glue.
package tlsserver

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

// LocalCA is the subset of *ca.CA the certificate generator needs.
type LocalCA interface {
	Generate(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, error)
	OCSPRespond(leafDER []byte) ([]byte, error)
}

// ACMEManager is the subset of *acme.Manager the certificate generator
// and challenge responder need.
type ACMEManager interface {
	GetCertificate(ctx context.Context, domain string, opts tlsopts.CertOptions, forceRegenerate bool) (tlsopts.CachedCertificate, error)
	TryGetCertificateSync(domain string) (*tlsopts.CachedCertificate, bool)
	PeekCached(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, bool)
	GetChallengeResponse(token string) (string, bool)
}

// CertGenerator is the single callable described in spec.md §4.10:
// (domain, certOpts) -> a certificate, choosing between the local CA
// and the ACME manager per a fixed priority policy.
type CertGenerator struct {
	LocalCA    LocalCA
	ACME       ACMEManager // nil disables ACME entirely (local-CA-only mode)
	RootDomain string
	Log        *zap.Logger
}

// Generate implements the exact branching of spec.md §4.10.
func (g *CertGenerator) Generate(ctx context.Context, domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, error) {
	switch {
	case opts.SelfSigned || opts.RequiredType == tlsopts.RequiredCertTypeLocal:
		return g.LocalCA.Generate(domain, opts)

	case opts.Expired:
		if g.ACME != nil {
			if cached, ok := g.ACME.PeekCached(domain, tlsopts.CertOptions{}); ok && isExpired(cached) {
				return cached, nil
			}
		}
		return g.LocalCA.Generate(domain, opts)

	case opts.Revoked:
		if g.ACME != nil {
			cert, err := g.ACME.GetCertificate(ctx, domain, tlsopts.CertOptions{Revoked: true}, false)
			if err == nil {
				return cert, nil
			}
			g.logWarn("acme revoked-cert issuance failed, falling back to a normal local cert", domain, err)
		}
		return g.LocalCA.Generate(domain, tlsopts.CertOptions{})

	case g.RootDomain != "" && strings.HasSuffix(domain, g.RootDomain) && g.ACME != nil:
		if cached, ok := g.ACME.TryGetCertificateSync(domain); ok {
			return *cached, nil
		}
		return g.LocalCA.Generate(domain, tlsopts.CertOptions{})

	default:
		return g.LocalCA.Generate(domain, tlsopts.CertOptions{})
	}
}

func isExpired(cert tlsopts.CachedCertificate) bool {
	return cert.ExpiryMs > 0 && cert.ExpiryMs < time.Now().UnixMilli()
}

func (g *CertGenerator) logWarn(msg, domain string, err error) {
	if g.Log == nil {
		return
	}
	g.Log.Warn(msg, zap.String("domain", domain), zap.Error(err))
}
