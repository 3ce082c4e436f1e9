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

// Package acme implements the ACME client and certificate cache
// (spec.md C6): obtaining, caching (in-memory and on-disk), coalescing,
// and proactively renewing publicly-trusted certificates, and serving
// HTTP-01 challenge responses. Grounded on caddytls/handshake.go's
// obtainCertWaitChans coalescing-by-channel pattern, generalized here
// to a coalescing-by-future (golang.org/x/sync-free, stdlib-channel)
// pattern since the source's "future identity must be stable across
// hops" design note (spec.md §9) requires a handle, not a value copy.
package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Account is the process-wide ACME account: one ECDSA P-256 key used
// to sign every ACME request, per spec.md §3 ("a singleton account
// key").
type Account struct {
	ID  string
	Key *ecdsa.PrivateKey
}

var (
	accountOnce sync.Once
	account     *Account
	accountErr  error
)

// GetAccount returns the process-wide account key, generating it on
// first call under a once-initializer (mirroring the local CA's lazy
// RSA keypair init in spec.md §5).
func GetAccount() (*Account, error) {
	accountOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			accountErr = fmt.Errorf("acme: generating account key: %w", err)
			return
		}
		account = &Account{ID: uuid.NewString(), Key: key}
	})
	return account, accountErr
}
