// Package metrics exposes the pool server's Prometheus registry over its own
// HTTP listener, kept off the miner-facing API port so scrapes never compete
// with contribution traffic.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the /metrics scrape endpoint for the pool operator.
type Server struct {
	httpServer *http.Server

	mu  sync.RWMutex
	lis net.Listener
}

// Config holds the scrape endpoint configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds a metrics server exposing the gatherer, typically the pool's
// dedicated registry, under /metrics.
func New(cfg Config, reg prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// ListenAndServe binds the scrape port and serves until Shutdown or Close.
// The port is bound before serving starts, so Addr reports the effective
// address even when the configured port was 0.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind metrics listener: %w", err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	return s.httpServer.Serve(lis)
}

// Shutdown stops the scrape endpoint, letting an in-progress scrape finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the scrape endpoint immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the bound listen address. It is empty until ListenAndServe
// has bound the port.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}
