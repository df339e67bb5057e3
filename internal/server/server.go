// Package server exposes the HTTP surface: the WebSocket dialogue channel,
// a health probe, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoirhq/narrator/internal/config"
	"github.com/memoirhq/narrator/internal/store"
)

// ReadTimeout bounds request reads. Writes are unbounded because the
// dialogue channel streams for as long as a conversation lasts.
const ReadTimeout = 30 * time.Second

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

func New(cfg *config.Config, st *store.Store, chat *ChatHandler) *Server {
	router := chi.NewRouter()
	router.Use(Recovery)
	router.Use(Logger)

	router.Get("/health", handleHealth(st))
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws/chat", chat.ServeHTTP)

	return &Server{cfg: cfg, router: router}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: 0,
	}
	slog.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the routing tree, for tests that serve it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

func handleHealth(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if pool := st.Pool(); pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
				slog.Warn("health check database ping failed", "error", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
