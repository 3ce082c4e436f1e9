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

// Package ca implements the local certificate authority and OCSP
// responder (spec.md C5): a self-signed root that mints leaf
// certificates on demand (normal, expired, self-signed, wrong-host),
// and an OCSP responder that reports "revoked" for leaves whose SAN
// contains the "revoked" token. Grounded on caddytls/config.go's
// Certificate type and the smallstep/certificates family's certificate
// templating idiom (read for structure, not imported — see DESIGN.md
// for why the heavyweight smallstep CA toolkit was not wired).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/tlsopts"
)

// domainValidatedPolicyOID is the "Domain Validated" certificate policy
// OID (2.23.140.1.2.1), required on every leaf per spec.md §4.5.
var domainValidatedPolicyOID = asn1.ObjectIdentifier{2, 23, 140, 1, 2, 1}

const (
	defaultKeyBits  = 2048
	rootValidBefore = -24 * time.Hour
	rootValidAfter  = 365 * 24 * time.Hour
	leafValidAfter  = 365 * 24 * time.Hour
	leafExpiredFrom = -48 * time.Hour
	leafExpiredTo   = -24 * time.Hour
)

// RootSubject configures the self-signed root's distinguished name.
type RootSubject struct {
	CommonName   string
	Organization string
	Country      string
}

// CA is a single long-lived local certificate authority: one RSA
// keypair and self-signed root, shared by every leaf it mints.
type CA struct {
	log *zap.Logger

	initOnce sync.Once
	initErr  error

	rootKey  *rsa.PrivateKey
	rootCert *x509.Certificate
	rootDER  []byte
	subject  RootSubject
	keyBits  int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	cert    tlsopts.CachedCertificate
	tlsCert x509.Certificate // parsed leaf, for OCSP lookups
	leafDER []byte
	expires time.Time
}

const leafCacheTTL = 24 * time.Hour

// New constructs a CA. The RSA keypair and root certificate are
// generated lazily, on first use, under a sync.Once, matching the
// "process-wide RSA keypair is initialized lazily under a
// once-initializer; readers require no lock thereafter" rule in
// spec.md §5.
func New(subject RootSubject, log *zap.Logger) *CA {
	if log == nil {
		log = zap.NewNop()
	}
	return &CA{
		log:     log,
		subject: subject,
		keyBits: defaultKeyBits,
		cache:   make(map[string]cacheEntry),
	}
}

func (c *CA) ensureInit() error {
	c.initOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, c.keyBits)
		if err != nil {
			c.initErr = fmt.Errorf("ca: generating root key: %w", err)
			return
		}
		serial, err := randomSerial()
		if err != nil {
			c.initErr = err
			return
		}
		now := time.Now()
		tmpl := &x509.Certificate{
			SerialNumber: serial,
			Subject: pkix.Name{
				CommonName:   c.subject.CommonName,
				Organization: []string{c.subject.Organization},
				Country:      []string{c.subject.Country},
			},
			NotBefore:             now.Add(rootValidBefore),
			NotAfter:              now.Add(rootValidAfter),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			c.initErr = fmt.Errorf("ca: self-signing root: %w", err)
			return
		}
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			c.initErr = err
			return
		}
		c.rootKey = key
		c.rootCert = parsed
		c.rootDER = der
	})
	return c.initErr
}

// RootCertPEM returns the root certificate, PEM-encoded, for clients
// that want to trust it.
func (c *CA) RootCertPEM() (string, error) {
	if err := c.ensureInit(); err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootDER})), nil
}

// wildcardDomain rewrites domain's first label to "*" if any label
// contains an underscore, per spec.md §4.5, rejecting names where the
// remainder still contains underscores or has only one label left.
func wildcardDomain(domain string) (string, error) {
	if !strings.Contains(domain, "_") {
		return domain, nil
	}
	labels := strings.Split(domain, ".")
	if len(labels) <= 1 {
		return "", errors.New("ca: domain with underscore has no remaining labels for wildcard rewrite")
	}
	rest := strings.Join(labels[1:], ".")
	if strings.Contains(rest, "_") {
		return "", errors.New("ca: domain remainder still contains underscores after wildcard rewrite")
	}
	labels[0] = "*"
	return strings.Join(labels, "."), nil
}

// Generate mints (or returns a cached) leaf certificate for domain
// under opts, per the rules in spec.md §4.5. The cache is a map keyed
// by the cert cache key whose entries are reused for 24h after minting.
// It has no size bound and no least-recently-used eviction: an expired
// entry stays in the map until its key is generated again.
func (c *CA) Generate(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, error) {
	if err := c.ensureInit(); err != nil {
		return tlsopts.CachedCertificate{}, err
	}

	key := tlsopts.CacheKey(domain, opts)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.cert, nil
	}
	c.mu.Unlock()

	cert, leafDER, err := c.generateLeaf(domain, opts)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}
	parsedLeaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return tlsopts.CachedCertificate{}, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{
		cert:    cert,
		tlsCert: *parsedLeaf,
		leafDER: leafDER,
		expires: time.Now().Add(leafCacheTTL),
	}
	c.mu.Unlock()

	return cert, nil
}

func (c *CA) generateLeaf(domain string, opts tlsopts.CertOptions) (tlsopts.CachedCertificate, []byte, error) {
	subjectDomain, err := wildcardDomain(domain)
	if err != nil {
		return tlsopts.CachedCertificate{}, nil, err
	}
	isWildcard := strings.HasPrefix(subjectDomain, "*.")

	leafKey, err := rsa.GenerateKey(rand.Reader, defaultKeyBits)
	if err != nil {
		return tlsopts.CachedCertificate{}, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return tlsopts.CachedCertificate{}, nil, err
	}

	now := time.Now()
	var notBefore, notAfter time.Time
	if opts.Expired {
		notBefore = now.Add(leafExpiredFrom)
		notAfter = now.Add(leafExpiredTo)
	} else {
		notBefore = now.Add(-24 * time.Hour)
		notAfter = now.Add(leafValidAfter)
	}

	subj := pkix.Name{Country: []string{"XX"}}
	if !isWildcard {
		subj.CommonName = subjectDomain
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subj,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{subjectDomain},
		PolicyIdentifiers:     []asn1.ObjectIdentifier{domainValidatedPolicyOID},
	}

	var der []byte
	if opts.SelfSigned {
		der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &leafKey.PublicKey, leafKey)
	} else {
		if err := c.ensureInit(); err != nil {
			return tlsopts.CachedCertificate{}, nil, err
		}
		der, err = x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, &leafKey.PublicKey, c.rootKey)
	}
	if err != nil {
		return tlsopts.CachedCertificate{}, nil, fmt.Errorf("ca: signing leaf for %s: %w", domain, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if !opts.SelfSigned {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootDER})...)
	}

	cached := tlsopts.CachedCertificate{
		CacheKey: tlsopts.CacheKey(domain, opts),
		Domain:   domain,
		KeyPEM:   string(keyPEM),
		CertPEM:  string(certPEM),
		ExpiryMs: notAfter.UnixMilli(),
	}
	return cached, der, nil
}

// randomSerial returns a 128-bit serial number with the MSB cleared so
// it remains a positive integer, per spec.md §4.5.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("ca: generating serial: %w", err)
	}
	return serial, nil
}
