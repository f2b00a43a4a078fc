// Package webservice provides the HTTP server that pool members interact with:
// challenge distribution, registration, contributions and member lookups.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ore-pool/server/internal/aggregator"
	"github.com/ore-pool/server/internal/webservice/handlers"
	"github.com/ore-pool/server/internal/webservice/metrics"
)

// Server is a struct that holds the HTTP server and its configuration.
type Server struct {
	httpServer *http.Server
	pm         dPolicyManager

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits until the next blocking Recv to interrupt.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	WebhookToken string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	ListenHost string
	ListenPort int
}

type dPolicyManager interface {
	Load() error
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	IsBanned(string) bool
}

// New creates a new Server instance serving the pool API.
func New(ctx context.Context, pm dPolicyManager, agg handlers.ChallengeProvider, pool handlers.PoolInfo,
	store handlers.MemberStore, contributions chan<- aggregator.Contribution, rewards chan<- aggregator.Rewards,
	registry prometheus.Registerer, sc StaticConfig) (*Server, error) {
	if err := pm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load policy: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		pm:     pm,
		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel}

	mw := metrics.NewEndpointMiddleware(registry)
	mux := http.NewServeMux()
	mux.Handle("GET /challenge", mw.Wrap("challenge", handlers.NewGetChallenge(agg)))
	mux.Handle("GET /pool-address", mw.Wrap("pool-address", handlers.NewPoolAddress(pool)))
	mux.Handle("GET /member/{authority}", mw.Wrap("member", handlers.NewMember(store, pool)))
	mux.Handle("POST /register", mw.Wrap("register", handlers.NewRegister(store, pool, pm)))
	mux.Handle("POST /contribute", mw.Wrap("contribute", handlers.NewContribute(agg, store, pool, pm, contributions)))
	mux.Handle("POST /webhook/rewards", mw.Wrap("webhook-rewards", handlers.NewRewardsWebhook(sc.WebhookToken, rewards)))
	mux.Handle("GET /health", http.HandlerFunc(handlers.HealthHandler))
	mux.Handle("GET /version", http.HandlerFunc(handlers.VersionHandler))

	var handler http.Handler = metrics.HandlerApplyLabels(allowCORS(mux))
	if sc.MaxBodyBytes > 0 {
		handler = http.MaxBytesHandler(handler, sc.MaxBodyBytes)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", sc.ListenHost, sc.ListenPort),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        http.TimeoutHandler(handler, sc.RequestTimeout, ""),
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return &s, nil
}

// allowCORS adds the permissive cross-origin headers browser-based miners
// rely on, and answers preflight requests before the method-qualified mux
// rejects OPTIONS.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST")
		h.Set("Access-Control-Allow-Headers", "Authorization, Accept, Content-Type")
		h.Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and listens for incoming requests.
func (s *Server) Run() error {
	slog.Info("Starting server", "addr", s.httpServer.Addr)

	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	_, watchErr, err := s.pm.Watch(s.gracefulCtx)
	if err != nil {
		return fmt.Errorf("failed to start watching policy: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-s.gracefulCtx.Done():
		return s.shutdown()

	case err := <-serverErr:
		if err != nil {
			slog.Error("Server encountered error", "err", err)
			s.cancel()
			return err
		}
		// unlikely: ListenAndServe returned nil
		s.cancel()
		return nil
	case err, ok := <-watchErr:
		if (!ok || err == nil) && s.gracefulCtx.Err() != nil {
			// The watcher stopped because a graceful quit was requested;
			// in-flight requests still get to drain.
			return s.shutdown()
		}
		if err != nil {
			slog.Error("Policy watcher encountered unrecoverable error", "err", err)
		}
		errC := s.httpServer.Close()
		s.cancel()

		return errors.Join(err, errC)
	}
}

// shutdown drains in-flight requests, then tears down the rest.
func (s *Server) shutdown() error {
	slog.Info("Graceful shutdown initiated")
	// use parent ctx so if you call s.cancel() elsewhere it unblocks Shutdown immediately
	if err := s.httpServer.Shutdown(s.ctx); err != nil {
		slog.Error("Graceful shutdown failed", "err", err)
		return err
	}
	slog.Info("Server shut down gracefully")
	// now kill everything else (watchers, handlers, etc.)
	s.cancel()
	return nil
}

// Quit shuts down the HTTP server gracefully.
func (s *Server) Quit(force bool) {
	defer s.cancel()

	if force {
		s.httpServer.Close()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	slog.Info("Server quit")
}
