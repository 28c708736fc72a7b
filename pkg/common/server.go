package common

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpsServer exposes liveness, readiness, Prometheus metrics and the statsviz
// runtime dashboard for a long-running process.
type OpsServer struct {
	srv   *http.Server
	ready *atomic.Bool
}

// NewOpsServer builds the server; it does not start listening.
func NewOpsServer(addr string, ready *atomic.Bool) (*OpsServer, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	sv, err := statsviz.NewServer()
	if err != nil {
		return nil, err
	}
	r.Get("/debug/statsviz/ws", sv.Ws())
	r.Get("/debug/statsviz", http.RedirectHandler("/debug/statsviz/", http.StatusMovedPermanently).ServeHTTP)
	r.Get("/debug/statsviz/*", sv.Index())

	return &OpsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(r, "ops"),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ready: ready,
	}, nil
}

// Handler returns the root handler, mostly for tests.
func (s *OpsServer) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *OpsServer) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *OpsServer) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
