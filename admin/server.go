/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-ratequeue/log"
)

// Server is the admin HTTP server.
type Server struct {
	HTTPServer      *http.Server
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a Server serving NewRouter(reg, ...) configured by cfg.
// metricsHandler may be nil (promhttp.Handler() is used then).
func NewServer(cfg *Config, reg Registry, logger log.FieldLogger, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	routerOpts := RouterOpts{
		MetricsHandler: metricsHandler,
		MaxBodySize:    uint64(cfg.Limits.MaxBodySize),
		Profiling:      cfg.Profiling,
	}
	if cfg.Limits.WriteRequestsPerSecond > 0 {
		routerOpts.WriteLimiter = rate.NewLimiter(rate.Limit(cfg.Limits.WriteRequestsPerSecond), cfg.Limits.WriteBurst)
	}
	return &Server{
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           NewRouter(reg, logger, routerOpts),
			WriteTimeout:      time.Duration(cfg.Timeouts.Write),
			ReadTimeout:       time.Duration(cfg.Timeouts.Read),
			ReadHeaderTimeout: time.Duration(cfg.Timeouts.ReadHeader),
			IdleTimeout:       time.Duration(cfg.Timeouts.Idle),
		},
		Logger:          logger,
		ShutdownTimeout: time.Duration(cfg.Timeouts.Shutdown),
		done:            make(chan struct{}),
	}
}

// Addr returns the address the server listens on, or an empty string if it has not started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves in a blocking way. It's supposed that this method will be called
// in a separate goroutine. If a fatal error occurs, it will be sent to the fatalError channel.
func (s *Server) Start(fatalError chan<- error) {
	defer close(s.done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	logger.Info("starting admin HTTP server...")

	listener, err := net.Listen("tcp", s.HTTPServer.Addr)
	if err != nil {
		logger.Error("admin HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if err = s.HTTPServer.Serve(listener); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("admin HTTP server closed")
			return
		}
		logger.Error("admin HTTP server error", log.Error(err))
		fatalError <- err
	}
}

// Stop stops the server (gracefully or not) and waits until Start returns. It must only be called after Start.
func (s *Server) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing admin HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("admin HTTP server closing error", log.Error(err))
			return err
		}
		<-s.done
		s.Logger.Info("admin HTTP server successfully closed")
		return nil
	}

	s.Logger.Info("shutting down admin HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("admin HTTP server shutting down error", log.Error(err))
		return err
	}
	<-s.done
	s.Logger.Info("admin HTTP server successfully shut down")
	return nil
}
