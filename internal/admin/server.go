// Package admin serves the operational endpoints: liveness probe,
// Prometheus metrics and a pipeline status snapshot. It never mutates
// pipeline state.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/ecommerce-ingest/internal/pkg/httputil"
)

// StatusFunc snapshots the pipeline's current position for the status
// endpoint. Implementations read, never mutate.
type StatusFunc func(ctx context.Context) (any, error)

// Server is the HTTP admin listener.
type Server struct {
	srv *http.Server
}

// New builds the admin router. status may be nil, which drops the /status
// route.
func New(host string, port int, status StatusFunc) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if status != nil {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			snap, err := status(req.Context())
			if err != nil {
				httputil.InternalError(w, err)
				return
			}
			httputil.OK(w, snap)
		})
	}

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the admin route table.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in the background. Bind failures are logged, not fatal; the
// pipeline keeps ingesting without its admin surface.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Admin] Server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
