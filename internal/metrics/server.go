package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-process-shards/internal/pool"
)

// StatusSource reports the state of every shard.
type StatusSource interface {
	Snapshot(ctx context.Context) []pool.ShardStatus
}

// Server provides HTTP endpoints for Prometheus metrics, health checks and
// the shard snapshot.
type Server struct {
	addr    string
	server  *http.Server
	status  StatusSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewServer creates a new metrics server. status may be nil, in which case
// /readyz always reports ready and /shards is empty.
func NewServer(addr string, gatherer prometheus.Gatherer, status StatusSource, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		addr:    addr,
		status:  status,
		timeout: 5 * time.Second,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/readyz", s.readyHandler)
	mux.HandleFunc("/shards", s.shardsHandler)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// healthHandler handles health check requests.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// readyHandler reports ready while at least one free shard is ready.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.status == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	for _, st := range s.status.Snapshot(ctx) {
		if st.Free && st.Ready {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintln(w, "pool is completely busy")
}

func (s *Server) shardsHandler(w http.ResponseWriter, r *http.Request) {
	statuses := []pool.ShardStatus{}
	if s.status != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		statuses = s.status.Snapshot(ctx)
		cancel()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Debug("shards_encode_failed", "error", err)
	}
}

// Start starts the metrics server in a goroutine.
// Returns immediately. Use Shutdown to stop.
func (s *Server) Start() error {
	s.logger.Info("metrics_server_starting", "addr", s.addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
