// Package server is the reference sync server: an authoritative object store
// shared by devices over websocket, plus a small REST surface for seeding
// and inspection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/internal/store"
	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
)

// Stats counts server activity.
type Stats struct {
	Clients    int
	Received   uint64
	Accepted   uint64
	Duplicates uint64
	Rejected   uint64
	Broadcasts uint64
	Resyncs    uint64
}

// Server owns the authoritative store and every connected device.
type Server struct {
	cfg       config.ServerConfig
	st        *store.Store
	backend   storage.Backend
	persister *storage.Persister
	log       *slog.Logger
	now       func() time.Time

	router   *mux.Router
	upgrader ws.Upgrader
	http     *http.Server

	// applyMu serializes check, apply and re-stamp of incoming changes.
	applyMu sync.Mutex

	mu      sync.RWMutex
	clients map[*client]struct{}

	received   atomic.Uint64
	accepted   atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	broadcasts atomic.Uint64
	resyncs    atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithBackend lets DELETE ?purge=1 drop rows from storage.
func WithBackend(b storage.Backend, p *storage.Persister) Option {
	return func(s *Server) {
		s.backend = b
		s.persister = p
	}
}

// WithClock replaces time.Now for seeding.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server over st.
func New(cfg config.ServerConfig, st *store.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		st:      st,
		log:     logger,
		now:     time.Now,
		clients: make(map[*client]struct{}),
		upgrader: ws.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireSecret)
	api.HandleFunc("/objects", s.handleListObjects).Methods(http.MethodGet)
	api.HandleFunc("/objects/{id}", s.handleGetObject).Methods(http.MethodGet)
	api.HandleFunc("/objects/{id}", s.handleDeleteObject).Methods(http.MethodDelete)
	api.HandleFunc("/seed", s.handleSeed).Methods(http.MethodPost)
	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeClients()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return Stats{
		Clients:    n,
		Received:   s.received.Load(),
		Accepted:   s.accepted.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Broadcasts: s.broadcasts.Load(),
		Resyncs:    s.resyncs.Load(),
	}
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return true
	}
	if r.Header.Get(SecretHeader) == s.cfg.Secret {
		return true
	}
	return r.URL.Query().Get("secret") == s.cfg.Secret
}

// SecretHeader carries the shared secret on REST requests.
const SecretHeader = "X-Hunt-Secret"
