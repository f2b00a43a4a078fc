// Package service runs the pool operator's long lived sub-services: the member
// facing web service, the mining round loop, the attribution loop and the
// Prometheus metrics server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service supervises the pool sub-services and tears them down together.
type Service struct {
	webService    WebService
	rounds        Rounds
	attributor    Attributor
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits until the next blocking Recv to interrupt.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	attributionEpoch    time.Duration
	maxDegradedDuration time.Duration

	running chan struct{} // Channel to signal when the service is running.
}

// WebService is an interface that defines the methods for the member facing HTTP server.
type WebService interface {
	Run() error
	Quit(force bool)
}

// Rounds is an interface that defines the methods for the mining round loop.
type Rounds interface {
	Run(ctx context.Context) error
}

// Attributor is an interface that defines the methods for landing attribution transactions.
type Attributor interface {
	Attribute(ctx context.Context) error
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a new pool service supervising the provided sub-services.
func New(ctx context.Context, ws WebService, rounds Rounds, attributor Attributor, metricsServer MetricsServer,
	attributionEpoch time.Duration, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute, // Default degraded state duration
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	return &Service{
		webService:    ws,
		rounds:        rounds,
		attributor:    attributor,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		attributionEpoch:    attributionEpoch,
		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the pool service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	slog.Info("Pool service started")

	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	const subServices = 4
	done := make(chan error, subServices)
	var wg sync.WaitGroup
	wg.Add(subServices)
	go func() { done <- s.runWebService(); wg.Done() }()
	go func() { done <- s.runRounds(); wg.Done() }()
	go func() { done <- s.runAttribution(); wg.Done() }()
	go func() { done <- s.runMetrics(); wg.Done() }()
	go func() { wg.Wait(); close(done) }() // Close done only after all goroutines have finished.

	// Ensure we don't get stuck in a degraded state if one of the services fails.
	err := <-done
	slog.Info("Waiting for pool sub-services to finish")

	deadline := time.After(s.maxDegradedDuration)
	for remaining := subServices - 1; remaining > 0; remaining-- {
		select {
		case <-deadline:
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Pool service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case nextDone := <-done:
			err = errors.Join(err, nextDone)
		}
	}

	return err
}

func (s *Service) runWebService() error {
	slog.Info("Starting web service")
	defer s.gracefulCancel() // Request stop if the web service fails.

	webErrCh := make(chan error, 1)
	go func() {
		defer close(webErrCh)
		if err := s.webService.Run(); err != nil {
			webErrCh <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
		s.webService.Quit(false)
		err := <-webErrCh
		if err != nil {
			return fmt.Errorf("web service shutdown error: %v", err)
		}
	case err := <-webErrCh:
		if err != nil {
			slog.Error("Web service encountered error", "err", err)
			return fmt.Errorf("web service error: %v", err)
		}
	}
	slog.Info("Web service stopped")
	return nil
}

func (s *Service) runRounds() error {
	slog.Info("Starting mining round loop")
	defer s.gracefulCancel() // Request stop if the round loop fails.

	if err := s.rounds.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Mining round loop encountered an error", "err", err)
		return fmt.Errorf("mining rounds error: %v", err)
	}
	slog.Info("Mining round loop stopped")
	return nil
}

func (s *Service) runAttribution() error {
	slog.Info("Starting attribution loop", "epoch", s.attributionEpoch)
	defer s.gracefulCancel() // Request stop if attribution fails irrecoverably.

	ticker := time.NewTicker(s.attributionEpoch)
	defer ticker.Stop()

	for {
		select {
		case <-s.gracefulCtx.Done():
			slog.Info("Attribution loop stopped")
			return nil
		case <-ticker.C:
			if err := s.attributor.Attribute(s.gracefulCtx); err != nil {
				if errors.Is(err, s.gracefulCtx.Err()) {
					continue
				}
				// Attribution retries next epoch. The database keeps members
				// unsynced so no balance updates are lost.
				slog.Error("Attribution failed", "err", err)
			}
		}
	}
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")
	defer s.gracefulCancel() // Request stop if metrics fail.

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing metrics server", "reason", s.ctx.Err())
		s.metricsServer.Close()
		return nil
	case <-s.gracefulCtx.Done():
		if s.ctx.Err() != nil {
			// Hard cancellation, skip the graceful shutdown.
			slog.Info("Closing metrics server", "reason", s.ctx.Err())
			s.metricsServer.Close()
			return nil
		}
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the pool service.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping pool service")

	if force {
		s.cancel()
		s.webService.Quit(true)
		s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running // Wait for the service to finish running.
}
