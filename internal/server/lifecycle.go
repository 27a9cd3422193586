// Package server runs the process's long-lived services and handles
// SIGINT/SIGTERM driven shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component.
type Service interface {
	// Start runs the service and blocks until ctx is cancelled, Stop is
	// called, or the service fails.
	Start(ctx context.Context) error
	// Stop releases the service's resources. Start must return soon after.
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
// A nil StopFn is a no-op.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start(ctx context.Context) error { return f.StartFn(ctx) }

// Stop calls StopFn when set.
func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle starts services in registration order and stops them in reverse.
//
// Invariant: a service is only stopped after every service registered after
// it has returned from Start.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	services []*runningService
}

type runningService struct {
	name    string
	service Service
	done    chan struct{}
	err     error
}

// NewLifecycle creates a Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger, stopTimeout: 5 * time.Second}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil; Run has not been called.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, &runningService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal arrives,
// ctx is cancelled, or a service returns. It then shuts everything down.
//
// Postcondition: All services are stopped. Returns the first service error,
// or nil for a signal, cancellation, or clean service exit.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := l.services
	l.mu.Unlock()

	exited := make(chan *runningService, len(services))
	for _, rs := range services {
		rs.done = make(chan struct{})
		go l.start(ctx, rs, exited)
	}
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var first error
	select {
	case rs := <-exited:
		if rs.err != nil {
			first = fmt.Errorf("service %s: %w", rs.name, rs.err)
			l.logger.Error("service failed, shutting down", zap.String("service", rs.name), zap.Error(rs.err))
		} else {
			l.logger.Info("service exited, shutting down", zap.String("service", rs.name))
		}
	case <-ctx.Done():
		l.logger.Info("shutdown requested", zap.NamedError("cause", context.Cause(ctx)))
	}

	cancel()
	l.shutdown(services)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return first
}

func (l *Lifecycle) start(ctx context.Context, rs *runningService, exited chan<- *runningService) {
	defer close(rs.done)
	l.logger.Info("starting service", zap.String("service", rs.name))
	err := rs.service.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	rs.err = err
	exited <- rs
}

func (l *Lifecycle) shutdown(services []*runningService) {
	begin := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		rs := services[i]
		svcStart := time.Now()
		rs.service.Stop()
		select {
		case <-rs.done:
		case <-time.After(l.stopTimeout):
			l.logger.Warn("service did not return after stop",
				zap.String("service", rs.name),
				zap.Duration("timeout", l.stopTimeout),
			)
		}
		l.logger.Info("service stopped",
			zap.String("service", rs.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(begin)))
}
