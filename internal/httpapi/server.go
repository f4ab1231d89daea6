// Package httpapi is the HTTP adapter in front of the coordinator: it
// validates request shapes, forwards to the pipeline, and renders JSON.
// All ingestion semantics live behind it.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/coordinator"
)

const (
	// maxBodyBytes bounds every request body. A full 100-position batch
	// with generous metadata stays well under this.
	maxBodyBytes = 1 << 20

	// maxBatchPositions is the documented cap on one batch submission.
	maxBatchPositions = 100

	readHeaderTimeout = 5 * time.Second
)

type Server struct {
	srv    *http.Server
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

func NewServer(addr string, coord *coordinator.Coordinator, logger *zap.Logger) *Server {
	s := &Server{coord: coord, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Post("/positions", s.handleSubmitPosition)
		r.Post("/positions/batch", s.handleSubmitBatch)
		r.Get("/devices/{deviceID}/latest", s.handleLatest)
		r.Post("/devices/latest", s.handleLatestMany)
		r.Post("/flush", s.handleFlush)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/stats", s.handleStats)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger logs one line per API request with status and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}
