// Package server exposes the engine over HTTP: JSON handlers for every
// registry operation, Prometheus metrics, NATS event publishing, and an
// optional filesystem watcher that reloads the index when contract
// documents change on disk.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dcrn/sigil/config"
	"github.com/dcrn/sigil/engine"
)

// APIPrefix is where the contract operations are mounted.
const APIPrefix = "/api/contracts"

// Server ties the engine to an HTTP listener.
type Server struct {
	cfg     config.Config
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *Metrics
}

// New builds a server around an already-loaded engine.
func New(cfg config.Config, e *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  e,
		logger:  logger,
		metrics: NewMetrics(),
	}
}

// Handler returns the full route table: the API under APIPrefix plus
// /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(APIPrefix, mux)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", "addr", s.cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
