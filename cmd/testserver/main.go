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

// Command testserver runs the protocol-demultiplexing test server: one
// process, one or more TCP ports, each serving PROXY protocol, TLS
// (with structured SNI and ACME/local-CA certificates), HTTP/2
// cleartext, and HTTP/1.1 out of the same accept loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/httptoolkit/testserver-sub000/internal/config"
	"github.com/httptoolkit/testserver-sub000/internal/logging"
	"github.com/httptoolkit/testserver-sub000/internal/server"
)

// version is set via -ldflags at release build time; left as "dev" for
// ordinary `go build`/`go run`.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Default()
	var ports []int
	var proactiveDomains string
	var eabKID, eabHMACKey string

	cmd := &cobra.Command{
		Use:     "testserver",
		Short:   "Run the HTTP/TLS/WebSocket protocol test server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ports) > 0 {
				cfg.Ports = ports
			}
			if proactiveDomains != "" {
				cfg.ProactiveCertDomains = strings.Split(proactiveDomains, ",")
			}
			if eabKID != "" || eabHMACKey != "" {
				cfg.EABConfig = &config.EABConfig{KID: eabKID, HMACKey: eabHMACKey}
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.RootDomain, "root-domain", cfg.RootDomain, "suffix structured SNI and proxy-abuse filtering are relative to")
	flags.StringVar(&cfg.AcmeProvider, "acme-provider", cfg.AcmeProvider, "ACME CA to use (letsencrypt, zerossl, google); empty disables ACME")
	flags.StringVar(&eabKID, "eab-kid", "", "ACME External Account Binding key ID")
	flags.StringVar(&eabHMACKey, "eab-hmac-key", "", "ACME External Account Binding HMAC key (base64url, no padding)")
	flags.StringVar(&proactiveDomains, "proactive-cert-domains", "", "comma-separated domains to refresh at startup and every 24h")
	flags.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "persistent on-disk certificate cache directory")
	flags.BoolVar(&cfg.TrustProxyProtocol, "trust-proxy-protocol", cfg.TrustProxyProtocol, "accept PROXY protocol v1/v2 preambles on every connection")
	flags.IntSliceVar(&ports, "port", nil, "TCP port to bind (repeatable); defaults to 4443")
	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "host part of the listen address")
	flags.StringVar(&cfg.LandingURL, "landing-url", cfg.LandingURL, "redirect target for bare requests to the root domain's root path")
	flags.BoolVar(&cfg.Dev, "dev", cfg.Dev, "human-readable development logging instead of JSON")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Dev)
	if err != nil {
		return fmt.Errorf("testserver: building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("testserver: building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("testserver: starting", zap.Strings("ports", portStrings(cfg.Ports)), zap.String("version", version))
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("testserver: stopped with error", zap.Error(err))
		return err
	}
	log.Info("testserver: stopped")
	return nil
}

func portStrings(ports []int) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = fmt.Sprint(p)
	}
	return out
}
