/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-ratequeue/log"
)

// Opts contains optional parameters for Service.
type Opts struct {
	// ShutdownSignals stop the service gracefully. SIGINT and SIGTERM are used if empty.
	ShutdownSignals []os.Signal
}

// Service runs a Unit until a shutdown signal is received, the context is done or the unit fails.
// If the unit implements MetricsRegisterer, its metrics are registered for the service's lifetime.
type Service struct {
	Unit    Unit
	Signals chan os.Signal
	Logger  log.FieldLogger
	Opts    Opts
}

// New creates a Service stopping on SIGINT and SIGTERM.
func New(logger log.FieldLogger, unit Unit) *Service {
	return NewWithOpts(logger, unit, Opts{})
}

// NewWithOpts creates a Service with an ability to specify different optional parameters.
func NewWithOpts(logger log.FieldLogger, unit Unit, opts Opts) *Service {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	if len(opts.ShutdownSignals) == 0 {
		opts.ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return &Service{Unit: unit, Signals: make(chan os.Signal, 1), Logger: logger, Opts: opts}
}

// Start runs the service until it is asked to stop. See StartContext.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext starts the unit in a separate goroutine and blocks until ctx is done, a shutdown signal
// is received or the unit reports a fatal error. In the first two cases the unit is stopped gracefully,
// in the last one it is stopped non-gracefully and the fatal error is returned.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	signal.Notify(s.Signals, s.Opts.ShutdownSignals...)
	defer signal.Stop(s.Signals)

	fatalErr := make(chan error, 1)
	go s.Unit.Start(fatalErr)

	select {
	case err := <-fatalErr:
		s.Logger.Error("unit failed, stopping", log.Error(err))
		if stopErr := s.Unit.Stop(false); stopErr != nil {
			s.Logger.Error("unit stopping error", log.Error(stopErr))
		}
		return fmt.Errorf("unit failed: %w", err)
	case sig := <-s.Signals:
		s.Logger.Info("shutdown signal received, stopping", log.String("signal", sig.String()))
	case <-ctx.Done():
		s.Logger.Info("context is done, stopping", log.Error(ctx.Err()))
	}

	if err := s.Unit.Stop(true); err != nil {
		return fmt.Errorf("stop unit gracefully: %w", err)
	}
	s.Logger.Info("stopped gracefully")
	return nil
}
