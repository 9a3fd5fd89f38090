package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is an optional HTTP exporter for a Sink's prometheus
// collectors, plus a liveness endpoint. Running it is never required:
// an engine can use a Sink purely in-process.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer builds a Server listening on addr. gatherer is typically
// prometheus.DefaultGatherer, matching the registerer passed to NewSink.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks serving metrics until the server is shut down.
// It returns nil on a clean shutdown, matching net/http.Server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("metrics server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
