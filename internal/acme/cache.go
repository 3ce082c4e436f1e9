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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

// maxIssuanceRetries bounds the "log and recurse with forceRegenerate"
// failure policy from spec.md §4.6/§7 so a persistently-failing CA
// cannot recurse forever.
const maxIssuanceRetries = 3

// future resolves exactly once to a certificate or an error. Its
// identity (a pointer) is what pendingCertRenewals compares, per the
// "future identity must be stable across hops" design note (spec.md §9).
type future struct {
	done chan struct{}
	cert tlsopts.CachedCertificate
	err  error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) complete(cert tlsopts.CachedCertificate, err error) {
	f.cert, f.err = cert, err
	close(f.done)
}

func (f *future) wait(ctx context.Context) (tlsopts.CachedCertificate, error) {
	select {
	case <-f.done:
		return f.cert, f.err
	case <-ctx.Done():
		return tlsopts.CachedCertificate{}, ctx.Err()
	}
}

// Manager obtains, caches, coalesces, and proactively renews
// certificates for one ACME provider (spec.md C6).
type Manager struct {
	issuer    Issuer
	cacheDir  string
	provider  string
	proactive bool
	log       *zap.Logger

	mu       sync.Mutex
	memCache map[string]tlsopts.CachedCertificate
	pending  map[string]*future
}

// NewManager builds a Manager. cacheDir may be empty to disable
// on-disk persistence (in-memory only).
func NewManager(issuer Issuer, cacheDir, provider string, proactive bool, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		issuer:    issuer,
		cacheDir:  cacheDir,
		provider:  provider,
		proactive: proactive,
		log:       log,
		memCache:  make(map[string]tlsopts.CachedCertificate),
		pending:   make(map[string]*future),
	}
}

// LoadDiskCache populates the in-memory cache from cacheDir, creating
// the directory if absent. Files named "lost+found" are ignored
// (spec.md §6); any file whose parsed contents fail the
// CachedCertificate.Valid invariant is skipped with a log message
// rather than aborting startup.
func (m *Manager) LoadDiskCache() error {
	if m.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return fmt.Errorf("acme: creating cert cache dir: %w", err)
	}
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		return fmt.Errorf("acme: reading cert cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "lost+found" || !strings.HasSuffix(e.Name(), ".cert.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.cacheDir, e.Name()))
		if err != nil {
			m.log.Warn("acme: reading cached cert file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var cert tlsopts.CachedCertificate
		if err := json.Unmarshal(data, &cert); err != nil || !cert.Valid() {
			m.log.Warn("acme: skipping invalid cached cert file", zap.String("file", e.Name()))
			continue
		}
		m.mu.Lock()
		m.memCache[cert.CacheKey] = cert
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) saveToDisk(cert tlsopts.CachedCertificate) {
	if m.cacheDir == "" {
		return
	}
	data, err := json.Marshal(cert)
	if err != nil {
		m.log.Warn("acme: marshaling cached cert", zap.Error(err))
		return
	}
	final := filepath.Join(m.cacheDir, cert.CacheKey+".cert.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.log.Warn("acme: writing cached cert", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		m.log.Warn("acme: renaming cached cert into place", zap.Error(err))
	}
}

// GetCertificate implements the full contract in spec.md §4.6: cache
// hit with proactive background renewal, coalesced concurrent
// issuance, and bounded retry-with-forceRegenerate on failure.
func (m *Manager) GetCertificate(ctx context.Context, domain string, opts tlsopts.CertOptions, forceRegenerate bool) (tlsopts.CachedCertificate, error) {
	return m.getCertificate(ctx, domain, opts, forceRegenerate, maxIssuanceRetries)
}

func (m *Manager) getCertificate(ctx context.Context, domain string, opts tlsopts.CertOptions, forceRegenerate bool, retriesLeft int) (tlsopts.CachedCertificate, error) {
	key := tlsopts.CacheKey(domain, opts)

	if !forceRegenerate {
		m.mu.Lock()
		cached, ok := m.memCache[key]
		m.mu.Unlock()
		if ok {
			remaining := time.Until(time.UnixMilli(cached.ExpiryMs))
			if remaining < -60*time.Second {
				m.mu.Lock()
				delete(m.memCache, key)
				m.mu.Unlock()
				return m.getCertificate(ctx, domain, opts, false, retriesLeft)
			}
			if remaining < ProactiveRefreshTime(m.provider, m.proactive) {
				m.mu.Lock()
				_, renewing := m.pending[key]
				m.mu.Unlock()
				if !renewing {
					go func() {
						if _, err := m.getCertificate(context.Background(), domain, opts, true, maxIssuanceRetries); err != nil {
							m.log.Warn("acme: proactive renewal failed", zap.String("domain", domain), zap.Error(err))
						}
					}()
				}
			}
			return cached, nil
		}
	}

	m.mu.Lock()
	if !forceRegenerate {
		if f, ok := m.pending[key]; ok {
			m.mu.Unlock()
			return f.wait(ctx)
		}
	}
	myFuture := newFuture()
	m.pending[key] = myFuture
	m.mu.Unlock()

	cert, err := m.issueOnce(ctx, domain, opts, key)

	m.mu.Lock()
	if cur, ok := m.pending[key]; ok && cur == myFuture {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	myFuture.complete(cert, err)

	if err != nil {
		m.log.Error("acme: certificate issuance failed", zap.String("domain", domain), zap.Error(err))
		if retriesLeft > 0 {
			return m.getCertificate(ctx, domain, opts, true, retriesLeft-1)
		}
		return tlsopts.CachedCertificate{}, err
	}
	return cert, nil
}

func (m *Manager) issueOnce(ctx context.Context, domain string, opts tlsopts.CertOptions, key string) (tlsopts.CachedCertificate, error) {
	certPEM, keyPEM, err := m.issuer.Issue(ctx, domain, opts.Revoked)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}
	cached := tlsopts.CachedCertificate{
		CacheKey: key,
		Domain:   domain,
		KeyPEM:   keyPEM,
		CertPEM:  certPEM,
		ExpiryMs: parseCertExpiryMs(certPEM),
	}
	m.mu.Lock()
	m.memCache[key] = cached
	m.mu.Unlock()
	m.saveToDisk(cached)
	return cached, nil
}

// TryGetCertificateSync peeks the cache without blocking on a network
// round trip; it is the only path called from the TLS SNI callback's
// hot path (spec.md §4.6). A missing or near-expiry entry triggers a
// background refresh and returns whatever is cached, possibly nothing.
func (m *Manager) TryGetCertificateSync(domain string) (*tlsopts.CachedCertificate, bool) {
	key := tlsopts.CacheKey(domain, tlsopts.CertOptions{})

	m.mu.Lock()
	cached, ok := m.memCache[key]
	m.mu.Unlock()

	if !ok {
		go func() {
			if _, err := m.GetCertificate(context.Background(), domain, tlsopts.CertOptions{}, false); err != nil {
				m.log.Warn("acme: background issuance failed", zap.String("domain", domain), zap.Error(err))
			}
		}()
		return nil, false
	}

	remaining := time.Until(time.UnixMilli(cached.ExpiryMs))
	if remaining < ProactiveRefreshTime(m.provider, m.proactive) {
		go func() {
			if _, err := m.GetCertificate(context.Background(), domain, tlsopts.CertOptions{}, false); err != nil {
				m.log.Warn("acme: background renewal failed", zap.String("domain", domain), zap.Error(err))
			}
		}()
	}

	result := cached
	return &result, true
}

// PeekCached returns the raw cache entry for (domain, opts) without
// triggering any issuance or background refresh, used by CertGenerator
// (spec.md §4.10) to look for an opportunistically-cached expired or
// revoked ACME certificate.
func (m *Manager) PeekCached(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, bool) {
	key := tlsopts.CacheKey(domain, opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	cert, ok := m.memCache[key]
	return cert, ok
}

// RunProactiveRefresh refreshes every domain in domains once
// immediately, then every spec.md-mandated 24h until ctx is canceled
// (spec.md §4.6).
func (m *Manager) RunProactiveRefresh(ctx context.Context, domains []string, interval time.Duration) {
	refresh := func() {
		for _, d := range domains {
			if _, err := m.GetCertificate(ctx, d, tlsopts.CertOptions{}, false); err != nil {
				m.log.Warn("acme: proactive domain refresh failed", zap.String("domain", d), zap.Error(err))
			}
		}
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// GetChallengeResponse answers an HTTP-01 challenge GET, computing the
// key authorization statelessly (spec.md §4.6, §9).
func (m *Manager) GetChallengeResponse(token string) (string, bool) {
	c, ok := m.issuer.(interface {
		ChallengeResponse(string) (string, error)
	})
	if !ok {
		return "", false
	}
	resp, err := c.ChallengeResponse(token)
	if err != nil {
		return "", false
	}
	return resp, true
}
