// Package server exposes the store and the executor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/caffeineduck/fnhost/executor"
	"github.com/caffeineduck/fnhost/storage"
)

const (
	// DefaultMaxUploadSize bounds multipart uploads.
	DefaultMaxUploadSize int64 = 64 << 20
	// DefaultMaxPayloadSize bounds exec request bodies.
	DefaultMaxPayloadSize int64 = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// Server is the fnhost HTTP API.
type Server struct {
	addr           string
	mux            *http.ServeMux
	logger         *zap.Logger
	store          storage.Store
	exec           *executor.Executor
	maxUploadSize  int64
	maxPayloadSize int64
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		s.maxUploadSize = n
	}
}

func WithMaxPayloadSize(n int64) Option {
	return func(s *Server) {
		s.maxPayloadSize = n
	}
}

// New creates a server with all routes registered. exec must read from the
// same store for uploaded functions to be runnable.
func New(addr string, store storage.Store, exec *executor.Executor, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		mux:            http.NewServeMux(),
		logger:         zap.NewNop(),
		store:          store,
		exec:           exec,
		maxUploadSize:  DefaultMaxUploadSize,
		maxPayloadSize: DefaultMaxPayloadSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("PUT /bucket/{bucket}", s.handleCreateBucket)
	s.mux.HandleFunc("DELETE /bucket/{bucket}", s.handleDeleteBucket)
	s.mux.HandleFunc("GET /bucket/{bucket}", s.handleListBucket)

	s.mux.HandleFunc("POST /file/{bucket}/{key...}", s.handleUploadFile)
	s.mux.HandleFunc("GET /file/{bucket}/{key...}", s.handleDownloadFile)
	s.mux.HandleFunc("DELETE /file/{bucket}/{key...}", s.handleDeleteFile)

	s.mux.HandleFunc("POST /exec/{bucket}/{key...}", s.handleExec)
}

// Handler returns the traced, logged route table.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.loggingMiddleware(s.mux), "fnhost")
}

// ListenAndServe serves until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("fnhost listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fnhost"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("dur", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
