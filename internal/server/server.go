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

// Package server wires together every protocol-layer component into a
// running listener: Accept -> C1 (PROXY protocol) -> C2 (classifier)
// -> {C9 TLS, HTTP/2 cleartext, HTTP/1}.
// One Server per configured port, demultiplexing every accepted
// connection itself.
package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/httptoolkit/testserver-sub000/internal/acme"
	"github.com/httptoolkit/testserver-sub000/internal/ca"
	"github.com/httptoolkit/testserver-sub000/internal/classify"
	"github.com/httptoolkit/testserver-sub000/internal/config"
	"github.com/httptoolkit/testserver-sub000/internal/frametap"
	"github.com/httptoolkit/testserver-sub000/internal/httprouter"
	"github.com/httptoolkit/testserver-sub000/internal/proxyproto"
	"github.com/httptoolkit/testserver-sub000/internal/testendpoints"
	"github.com/httptoolkit/testserver-sub000/internal/tlsserver"
	"github.com/httptoolkit/testserver-sub000/internal/wsrouter"
)

// Server accepts connections on every configured port and dispatches
// each one through the PROXY-protocol parser, the protocol classifier,
// and finally the matching protocol handler.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	tls     *tlsserver.Server
	acme    *acme.Manager
	handler *combinedHandler
	http2   *http2.Server

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
}

// New builds a Server from cfg. It constructs the local CA, an
// optional ACME manager when cfg.AcmeProvider is set, and the HTTP/
// WebSocket routers wired with the minimal testendpoints catalog.
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	localCA := ca.New(ca.RootSubject{CommonName: "testserver local CA"}, log)

	var manager *acme.Manager
	if cfg.AcmeProvider != "" {
		eab, err := buildEAB(cfg.EABConfig)
		if err != nil {
			return nil, fmt.Errorf("server: building EAB: %w", err)
		}
		client, err := acme.NewClient(cfg.AcmeProvider, eab, nil, log)
		if err != nil {
			return nil, fmt.Errorf("server: building acme client: %w", err)
		}
		manager = acme.NewManager(client, cfg.CertCacheDir, cfg.AcmeProvider, len(cfg.ProactiveCertDomains) > 0, log)
		if err := manager.LoadDiskCache(); err != nil {
			log.Warn("server: loading on-disk cert cache", zap.Error(err))
		}
	}

	certGen := &tlsserver.CertGenerator{
		LocalCA:    localCA,
		RootDomain: cfg.RootDomain,
		Log:        log,
	}
	if manager != nil {
		certGen.ACME = manager
	}

	tlsSrv := tlsserver.New(cfg.RootDomain, certGen, log)

	httpEndpoints := []httprouter.Endpoint{
		testendpoints.IPEndpoint{},
		testendpoints.DelayEndpoint{},
		testendpoints.StatusEndpoint{},
		testendpoints.AnythingEndpoint{},
	}
	var challenges httprouter.ChallengeResponder
	if manager != nil {
		challenges = manager
	}
	httpRouter := httprouter.New(cfg.RootDomain, cfg.LandingURL, httpEndpoints, challenges, log)

	wsEndpoints := []wsrouter.Endpoint{
		testendpoints.WSSubprotocolEchoEndpoint{},
		testendpoints.WSNoSubprotocolEndpoint{},
		testendpoints.WSEchoEndpoint{},
	}
	wsRouter := wsrouter.New(cfg.RootDomain, wsEndpoints, log)

	h2 := &http2.Server{}

	return &Server{
		cfg:     cfg,
		log:     log,
		tls:     tlsSrv,
		acme:    manager,
		handler: &combinedHandler{http: httpRouter, ws: wsRouter},
		http2:   h2,
	}, nil
}

func buildEAB(cfg *config.EABConfig) (*acme.EAB, error) {
	if cfg == nil {
		return nil, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(cfg.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("decoding eab hmac key: %w", err)
	}
	return &acme.EAB{KID: cfg.KID, HMACKey: key}, nil
}

// ListenAndServe binds every configured port and blocks until ctx is
// canceled, then drains in-flight connections (spec.md supplemental
// graceful-shutdown behavior, see SPEC_FULL.md §3).
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.acme != nil && len(s.cfg.ProactiveCertDomains) > 0 {
		go s.acme.RunProactiveRefresh(ctx, s.cfg.ProactiveCertDomains, config.ProactiveRefreshInterval)
	}

	for _, port := range s.cfg.Ports {
		if err := s.listen(port); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return s.shutdown()
}

func (s *Server) listen(port int) error {
	addr := net.JoinHostPort(s.cfg.ListenAddr, strconv.Itoa(port))
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}

	httpListener := newChanListener(raw.Addr())
	httpServer := &http.Server{
		Handler:     s.handler,
		ConnContext: attachConnState,
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, raw, httpListener)
	s.servers = append(s.servers, httpServer)
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(httpListener); err != nil {
			s.log.Debug("server: http server stopped", zap.Int("port", port), zap.Error(err))
		}
	}()

	go s.acceptLoop(raw, httpListener)
	s.log.Info("server: listening", zap.String("addr", addr))
	return nil
}

func (s *Server) acceptLoop(raw net.Listener, httpListener *chanListener) {
	for {
		conn, err := raw.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, httpListener)
	}
}

// handleConn runs C1 then C2 on conn and dispatches to the matching
// protocol handler (spec.md §4.2).
func (s *Server) handleConn(conn net.Conn, httpListener *chanListener) {
	connID := uuid.NewString()
	log := s.log.With(zap.String("conn_id", connID))

	var source *proxyproto.Source

	if s.cfg.TrustProxyProtocol {
		result, err := proxyproto.Read(conn)
		if err != nil {
			log.Debug("server: proxy protocol parse failed, destroying connection", zap.Error(err))
			_ = conn.Close()
			return
		}
		source = result.Source
		conn = &peekedConn{Conn: conn, r: result.Reader, source: source}
	}

	classified, _ := classify.Classify(conn)
	if classified.Protocol == classify.ProtocolUnknown {
		_ = conn.Close()
		return
	}
	conn = &peekedConn{Conn: conn, r: classified.Reader, source: source}

	switch classified.Protocol {
	case classify.ProtocolTLS:
		s.handleTLS(conn, source, httpListener, log)

	case classify.ProtocolHTTP2Cleartext:
		tapped := frametap.Wrap(conn)
		ctx := proxyproto.WithSource(context.Background(), source)
		s.http2.ServeConn(tapped, &http2.ServeConnOpts{Context: ctx, Handler: s.handler})

	case classify.ProtocolHTTP1:
		httpListener.deliver(conn)

	default:
		_ = conn.Close()
	}
}

// handleTLS completes the TLS handshake (C9) and loops the decrypted
// plaintext back through C2: an h2-over-TLS client sends its HTTP/2
// connection preface immediately after the handshake, so classifying
// again on the now-plaintext stream is how post-handshake ALPN/preface
// dispatch is detected, exactly as the pre-handshake path detects it.
func (s *Server) handleTLS(conn net.Conn, source *proxyproto.Source, httpListener *chanListener, log *zap.Logger) {
	tlsConn := tls.Server(conn, s.tls.TLSConfig())

	plaintext, err := classify.Classify(tlsConn)
	if plaintext.Protocol == classify.ProtocolUnknown {
		log.Debug("server: tls handshake or post-handshake classification failed", zap.Error(err))
		_ = tlsConn.Close()
		return
	}

	decrypted := &peekedConn{Conn: tlsConn, r: plaintext.Reader, source: source}

	switch plaintext.Protocol {
	case classify.ProtocolHTTP2Cleartext:
		tapped := frametap.Wrap(decrypted)
		ctx := proxyproto.WithSource(context.Background(), source)
		s.http2.ServeConn(tapped, &http2.ServeConnOpts{Context: ctx, Handler: s.handler})

	default:
		httpListener.deliver(decrypted)
	}
}

// attachConnState is the http.Server.ConnContext hook: it unwraps the
// layers handleConn may have added (peeked readers, TLS) to find the
// originally observed PROXY-protocol source, if any, and attaches it
// to the per-request context the anything-reflector's origin field
// reads (spec.md §4.14); it also attaches a fresh PipelineTracker so
// every request served over this connection shares one in-flight
// counter (spec.md §4.12's pipelining detection, HTTP/1 only).
func attachConnState(ctx context.Context, c net.Conn) context.Context {
	ctx = proxyproto.WithSource(ctx, findProxySource(c))
	return httprouter.WithPipelineTracker(ctx, &httprouter.PipelineTracker{})
}

func findProxySource(c net.Conn) *proxyproto.Source {
	for i := 0; i < 4; i++ {
		switch v := c.(type) {
		case *peekedConn:
			if v.source != nil {
				return v.source
			}
			c = v.Conn
		case *frametap.Conn:
			c = v.Conn
		case *tls.Conn:
			c = v.NetConn()
		default:
			return nil
		}
	}
	return nil
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range s.servers {
		_ = srv.Shutdown(ctx)
	}
	for _, l := range s.listeners {
		_ = l.Close()
	}
	return nil
}
