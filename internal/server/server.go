// internal/server/server.go
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/napier9/apiary/internal/config"
)

// Server is the multi-instance aggregation server.
type Server struct {
	cfg      *config.Config
	registry *Registry
	server   *http.Server
}

// NewServer opens the snapshot registry and wires up the HTTP API.
func NewServer(cfg *config.Config) (*Server, error) {
	registry, err := OpenRegistry(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	handler := NewHandler(registry, cfg.Server.APIKey, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		registry: registry,
		server:   srv,
	}, nil
}

// Registry exposes the snapshot registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// start binds the listener and begins serving in the background. The
// returned channel delivers any serve error.
func (s *Server) start(ctx context.Context) (net.Listener, <-chan error, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}

	useTLS := s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		if err != nil {
			ln.Close()
			return nil, nil, fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	log.Printf("Server starting on %s (tls=%v, instances=%d)", ln.Addr(), useTLS, s.registry.Count())

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		log.Println("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return ln, errCh, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	_, errCh, err := s.start(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// RunAndGetAddr binds the listener, starts serving in the background, and
// returns the bound address. Used with port 0 in tests. A serve failure
// after startup is logged rather than silently dropped.
func (s *Server) RunAndGetAddr(ctx context.Context) (string, error) {
	ln, errCh, err := s.start(ctx)
	if err != nil {
		return "", err
	}
	go func() {
		if err := <-errCh; err != nil {
			log.Printf("Server error: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}
