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
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/sni"
	"github.com/httptoolkit/testserver-sub000/internal/tlscache"
	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

// Server builds per-connection *tls.Config values: it compiles the SNI
// (C7), obtains or builds a secure context via the C8 cache, and wires
// ALPN negotiation and OCSP stapling (spec.md §4.9).
type Server struct {
	RootDomain string
	CertGen    *CertGenerator
	Contexts   *tlscache.Cache
	Log        *zap.Logger
}

// New builds a Server with a fresh secure-context cache.
func New(rootDomain string, certGen *CertGenerator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		RootDomain: rootDomain,
		CertGen:    certGen,
		Contexts:   tlscache.New(tlscache.DefaultMaxSize),
		Log:        log,
	}
}

// TLSConfig returns the *tls.Config to hand to tls.Server for one
// listener; GetConfigForClient is where the real work happens, per
// connection, since each SNI may need a distinct certificate and
// TLS-version policy.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: s.getConfigForClient,
	}
}

func (s *Server) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	servername := hello.ServerName
	if servername == "" {
		servername = s.RootDomain
	}

	compiled, err := sni.Compile(servername, s.RootDomain)
	if err != nil {
		return nil, err
	}

	cacheKey := tlsopts.CacheKey(compiled.Domain, compiled.CertOpts) + "|" + compiled.TLSOpts.CanonicalKey()

	value, err := s.Contexts.GetOrCreate(cacheKey, func() (any, time.Time, error) {
		cert, err := s.CertGen.Generate(context.Background(), compiled.Domain, compiled.CertOpts)
		if err != nil {
			return nil, time.Time{}, err
		}
		tlsCert, err := cert.TLSCertificate()
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("tlsserver: parsing generated certificate: %w", err)
		}
		if staple := s.OCSPRequest(tlsCert.Certificate[0]); len(staple) > 0 {
			tlsCert.OCSPStaple = staple
		}
		cfg := &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			MinVersion:   compiled.TLSOpts.MinVersion,
			NextProtos:   alpnPrefsOrDefault(compiled.ALPN),
		}
		return cfg, time.UnixMilli(cert.ExpiryMs), nil
	})
	if err != nil {
		return nil, err
	}

	return value.(*tls.Config), nil
}

func alpnPrefsOrDefault(prefs tlsopts.ALPNPrefs) []string {
	if len(prefs) == 0 {
		return tlsopts.DefaultALPNPrefs()
	}
	return prefs
}

// OCSPRequest answers a stapling request for the given leaf
// certificate; a nil return means "no stapling" (spec.md §4.9).
func (s *Server) OCSPRequest(leafDER []byte) []byte {
	resp, err := s.CertGen.LocalCA.OCSPRespond(leafDER)
	if err != nil {
		s.Log.Debug("tlsserver: ocsp response unavailable", zap.Error(err))
		return nil
	}
	return resp
}
