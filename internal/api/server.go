package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"grid-clash/internal/logger"

	"github.com/go-chi/chi/v5"
)

// Server is the spectator HTTP API with websocket support.
type Server struct {
	source      ViewSource
	router      *chi.Mux
	hub         *Hub
	rateLimiter *IPRateLimiter
}

// NewServer builds the router and hub. Background workers do not start
// until Start, so tests can use Router directly.
func NewServer(src ViewSource) *Server {
	s := &Server{
		source:      src,
		hub:         NewHub(),
		rateLimiter: NewIPRateLimiter(DefaultRateLimitConfig),
	}
	s.router = NewRouter(RouterConfig{
		Source:      src,
		Hub:         s.hub,
		RateLimiter: s.rateLimiter,
	})
	return s
}

// Hub returns the spectator hub, for wiring game hooks.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler { return s.router }

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run()
	s.hub.StartBroadcastLoop(s.source, 500*time.Millisecond)
	defer s.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.WithField("addr", addr).Info("🌐 API server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop releases background workers.
func (s *Server) Stop() {
	s.hub.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}
