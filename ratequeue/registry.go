/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/acronis/go-ratequeue/log"
)

// QueueOpts contains per-queue options for Registry.Start.
type QueueOpts struct {
	MailboxSize int
	FaultPolicy FaultPolicy
}

// RegistryOpts contains optional parameters for constructing Registry.
type RegistryOpts struct {
	// Metrics is curried with the "queue" label for every started controller.
	// It must be created with CurriedLabelNames: []string{"queue"}. Metrics are disabled if nil.
	Metrics *PrometheusMetrics

	// Clock is passed to every controller. clock.RealClock is used if nil.
	Clock clock.Clock

	// OnTerminate is called (in its own goroutine) after a controller has terminated and has been unregistered.
	// reason is the controller's termination reason.
	OnTerminate func(name string, reason error)
}

// Registry starts rate queue controllers under unique names and routes requests to them by name.
// Controllers that terminate for any reason are unregistered, and their names may be reused.
type Registry struct {
	logger log.FieldLogger
	opts   RegistryOpts

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.RWMutex
	controllers map[string]*Controller

	// Holds the first fault termination not yet picked up by RegistryUnit.
	faults chan error
}

// MetricsLabelQueue is the label curried into registry metrics.
const MetricsLabelQueue = "queue"

// NewRegistry creates an empty Registry.
func NewRegistry(logger log.FieldLogger) *Registry {
	return NewRegistryWithOpts(logger, RegistryOpts{})
}

// NewRegistryWithOpts creates an empty Registry with an ability to specify different optional parameters.
func NewRegistryWithOpts(logger log.FieldLogger, opts RegistryOpts) *Registry {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:      logger,
		opts:        opts,
		ctx:         ctx,
		ctxCancel:   cancel,
		controllers: make(map[string]*Controller),
		faults:      make(chan error, 1),
	}
}

// Start creates a controller named name and runs it until it is shut down or the registry is stopped.
func (r *Registry) Start(name string, processor Processor, rate time.Duration, qOpts QueueOpts) error {
	if name == "" {
		return fmt.Errorf("queue name must be specified")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return ErrTerminated
	}
	if _, exists := r.controllers[name]; exists {
		return fmt.Errorf("%w: %s", ErrQueueAlreadyExists, name)
	}

	opts := Opts{
		Name:        name,
		Clock:       r.opts.Clock,
		MailboxSize: qOpts.MailboxSize,
		FaultPolicy: qOpts.FaultPolicy,
	}
	if r.opts.Metrics != nil {
		opts.MetricsCollector = r.opts.Metrics.MustCurryWith(prometheus.Labels{MetricsLabelQueue: name})
	}
	c, err := NewWithOpts(processor, rate, r.logger, opts)
	if err != nil {
		return fmt.Errorf("create rate queue %s: %w", name, err)
	}
	r.controllers[name] = c

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if runErr := c.Run(r.ctx); runErr != nil {
			r.logger.Error("rate queue stopped with error", log.String("queue", name), log.Error(runErr))
		}
		r.unregister(name, c)
		reason := c.TerminationReason()
		if IsTerminatedByFault(reason) {
			select {
			case r.faults <- fmt.Errorf("rate queue %s: %w", name, reason):
			default:
			}
		}
		if r.opts.OnTerminate != nil {
			r.opts.OnTerminate(name, reason)
		}
	}()
	return nil
}

// StartConfigured starts a controller for every queue declared in cfg. processorFor must return
// a Processor for each declared name. Already started queues are left running if a later one fails.
func (r *Registry) StartConfigured(cfg *Config, processorFor func(name string) (Processor, error)) error {
	for _, name := range cfg.QueueNames() {
		processor, err := processorFor(name)
		if err != nil {
			return fmt.Errorf("processor for rate queue %s: %w", name, err)
		}
		rate, qOpts := cfg.QueueSettings(name)
		if err = r.Start(name, processor, rate, qOpts); err != nil {
			return err
		}
	}
	return nil
}

// unregister removes c and its metric series. It does nothing if name already belongs to another controller.
func (r *Registry) unregister(name string, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controllers[name] != c {
		return
	}
	delete(r.controllers, name)
	if r.opts.Metrics != nil {
		r.opts.Metrics.DeletePartialMatch(prometheus.Labels{MetricsLabelQueue: name})
	}
}

// Lookup returns the running controller with the given name.
func (r *Registry) Lookup(name string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	return c, ok
}

func (r *Registry) mustLookup(name string) (*Controller, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return c, nil
}

// Names returns the names of running controllers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns stats of all running controllers keyed by name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make(map[string]Stats, len(r.controllers))
	for name, c := range r.controllers {
		res[name] = c.Stats()
	}
	return res
}

// EnqueueBlocking queues payload into the named controller and waits for the Processor's reply.
func (r *Registry) EnqueueBlocking(ctx context.Context, name string, payload interface{}) (interface{}, error) {
	c, err := r.mustLookup(name)
	if err != nil {
		return nil, err
	}
	return c.EnqueueBlocking(ctx, payload)
}

// EnqueueAsync queues payload into the named controller without waiting for processing.
func (r *Registry) EnqueueAsync(name string, payload interface{}) error {
	c, err := r.mustLookup(name)
	if err != nil {
		return err
	}
	return c.EnqueueAsync(payload)
}

// SetRate changes the rate of the named controller starting from its next scheduled tick.
func (r *Registry) SetRate(name string, rate time.Duration) error {
	c, err := r.mustLookup(name)
	if err != nil {
		return err
	}
	return c.SetRate(rate)
}

// Shutdown stops the named controller and waits until it has terminated.
// The name is free for Start when Shutdown returns.
func (r *Registry) Shutdown(name string, reason error) error {
	c, err := r.mustLookup(name)
	if err != nil {
		return err
	}
	c.Shutdown(reason)
	<-c.Done()
	r.unregister(name, c)
	return nil
}

// Run blocks until ctx is done and then stops all controllers gracefully.
func (r *Registry) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return r.Stop(true)
}

// Stop shuts down all controllers. If gracefully is true, it waits until all of them have terminated.
// No new controllers can be started afterwards.
func (r *Registry) Stop(gracefully bool) error {
	r.mu.Lock()
	r.ctxCancel()
	r.mu.Unlock()
	if !gracefully {
		return nil
	}
	r.wg.Wait()
	return nil
}

// MustRegisterMetrics registers the registry's metrics in the default Prometheus registry.
func (r *Registry) MustRegisterMetrics() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.MustRegister()
	}
}

// UnregisterMetrics unregisters the registry's metrics.
func (r *Registry) UnregisterMetrics() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.Unregister()
	}
}

// IsTerminatedByFault reports whether err (a termination reason) was a processing fault.
func IsTerminatedByFault(err error) bool {
	return errors.Is(err, ErrProcessingFailed)
}
