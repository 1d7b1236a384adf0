/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/acronis/go-ratequeue/log"
)

// DefaultMailboxSize is the default capacity of the channel passing requests to the controller goroutine.
// It only smooths the hand-off, the item queue itself is unbounded.
const DefaultMailboxSize = 1024

// Opts contains optional parameters for constructing Controller.
type Opts struct {
	// Name identifies the controller in logs.
	Name string

	// MetricsCollector receives controller events. Metrics are disabled if nil.
	MetricsCollector MetricsCollector

	// Clock is used for scheduling ticks. clock.RealClock is used if nil.
	Clock clock.Clock

	// MailboxSize is the capacity of the request channel. DefaultMailboxSize is used if 0.
	MailboxSize int

	// FaultPolicy defines what happens when the Processor fails. FaultPolicyIsolate is used if empty.
	FaultPolicy FaultPolicy
}

// Stats is a point-in-time view of a controller, safe to take from any goroutine.
type Stats struct {
	QueueLength     int           `json:"queueLength"`
	Rate            time.Duration `json:"rate"`
	Ticks           uint64        `json:"ticks"`
	EmptyTicks      uint64        `json:"emptyTicks"`
	Enqueued        uint64        `json:"enqueued"`
	Drained         uint64        `json:"drained"`
	Faults          uint64        `json:"faults"`
	OrphanedReplies uint64        `json:"orphanedReplies"`
	UnknownRequests uint64        `json:"unknownRequests"`
	Discarded       uint64        `json:"discarded"`
	Terminated      bool          `json:"terminated"`
}

// Values written by the controller goroutine and read by anyone.
type controllerStats struct {
	queueLength     atomic.Int64
	rate            atomic.Duration
	ticks           atomic.Uint64
	emptyTicks      atomic.Uint64
	enqueued        atomic.Uint64
	drained         atomic.Uint64
	faults          atomic.Uint64
	orphanedReplies atomic.Uint64
	unknownRequests atomic.Uint64
	discarded       atomic.Uint64
	terminated      atomic.Bool
}

type envelope struct {
	req   interface{}
	reply *replyHandle
}

// Controller drains an unbounded FIFO queue, one item per tick, into a Processor.
type Controller struct {
	processor   Processor
	logger      log.FieldLogger
	metrics     MetricsCollector
	clock       clock.Clock
	faultPolicy FaultPolicy

	mailbox chan envelope
	running atomic.Bool

	stop       chan struct{}
	stopOnce   sync.Once
	stopReason error

	done   chan struct{}
	reason error

	stats controllerStats

	// Owned by the Run goroutine.
	queue itemQueue
	rate  time.Duration
}

// New creates a Controller that drains one item every rate.
func New(processor Processor, rate time.Duration, logger log.FieldLogger) (*Controller, error) {
	return NewWithOpts(processor, rate, logger, Opts{})
}

// NewWithOpts creates a Controller with an ability to specify different optional parameters.
func NewWithOpts(processor Processor, rate time.Duration, logger log.FieldLogger, opts Opts) (*Controller, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor must be specified")
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	faultPolicy, err := ParseFaultPolicy(string(opts.FaultPolicy))
	if err != nil {
		return nil, err
	}
	if opts.MailboxSize < 0 {
		return nil, fmt.Errorf("mailbox size must be non-negative")
	}
	if opts.MailboxSize == 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	if opts.Name != "" {
		logger = logger.With(log.String("queue", opts.Name))
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	c := &Controller{
		processor:   processor,
		logger:      logger,
		metrics:     opts.MetricsCollector,
		clock:       opts.Clock,
		faultPolicy: faultPolicy,
		mailbox:     make(chan envelope, opts.MailboxSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		rate:        rate,
	}
	c.stats.rate.Store(rate)
	c.metrics.SetRate(rate)
	c.metrics.SetQueueLength(0)
	return c, nil
}

// Start creates a Controller and runs it in a new goroutine until ctx is done or Shutdown is called.
func Start(
	ctx context.Context, processor Processor, rate time.Duration, logger log.FieldLogger, opts Opts,
) (*Controller, error) {
	c, err := NewWithOpts(processor, rate, logger, opts)
	if err != nil {
		return nil, err
	}
	go func() { _ = c.Run(ctx) }()
	return c, nil
}

// Run schedules the first tick and then serves requests and ticks until ctx is done or Shutdown is called.
// It returns nil on a regular stop and the processing fault if the controller was
// terminated by FaultPolicyTerminate.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	c.logger.Info("rate queue started", log.Duration("rate", c.rate))

	timer := c.clock.NewTimer(c.rate)
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			c.terminate(ctx.Err())
			return nil
		case <-c.stop:
			c.terminate(c.stopReason)
			return nil
		case env := <-c.mailbox:
			c.handle(env)
		case <-timer.C():
			c.handlePending()
			if err := c.tick(ctx); err != nil && c.faultPolicy == FaultPolicyTerminate {
				c.terminate(err)
				return err
			}
			// The fired timer is done, so exactly one timer is pending again after this.
			timer = c.clock.NewTimer(c.rate)
		}
	}
}

// Call sends req and waits for the controller's answer. For EnqueueRequest the answer is the value
// the Processor replied with once the item is drained. Unknown requests are answered with ErrUnknownRequest.
//
// The controller imposes no timeout: if ctx is never done, Call waits for as long as the item is queued,
// and forever if the controller shuts down before draining it.
func (c *Controller) Call(ctx context.Context, req interface{}) (interface{}, error) {
	h := newReplyHandle()
	if err := c.send(ctx, envelope{req: req, reply: h}); err != nil {
		return nil, err
	}
	select {
	case res := <-h.ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cast sends req without waiting for any answer. Unknown requests are only logged by the controller.
func (c *Controller) Cast(req interface{}) error {
	if r, ok := req.(SetRateRequest); ok && r.Rate <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRate, r.Rate)
	}
	return c.send(context.Background(), envelope{req: req})
}

// EnqueueBlocking queues payload and waits until it is drained, returning the Processor's reply value.
func (c *Controller) EnqueueBlocking(ctx context.Context, payload interface{}) (interface{}, error) {
	return c.Call(ctx, EnqueueRequest{Payload: payload})
}

// EnqueueAsync queues payload and returns once the controller has accepted the request.
func (c *Controller) EnqueueAsync(payload interface{}) error {
	return c.Cast(EnqueueRequest{Payload: payload})
}

// SetRate changes the delay between ticks. The tick already scheduled keeps its delay,
// the new rate applies from the following one.
func (c *Controller) SetRate(rate time.Duration) error {
	return c.Cast(SetRateRequest{Rate: rate})
}

// Shutdown stops the controller. Queued items are discarded and their blocking callers are not answered.
// A nil reason is recorded as ErrShutdown. Calling Shutdown more than once has no further effect.
func (c *Controller) Shutdown(reason error) {
	if reason == nil {
		reason = ErrShutdown
	}
	c.stopOnce.Do(func() {
		c.stopReason = reason
		close(c.stop)
	})
}

// Done is closed when the controller has terminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// TerminationReason returns why the controller terminated, or nil if it is still running.
func (c *Controller) TerminationReason() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// Stats returns the current counters of the controller.
func (c *Controller) Stats() Stats {
	return Stats{
		QueueLength:     int(c.stats.queueLength.Load()),
		Rate:            c.stats.rate.Load(),
		Ticks:           c.stats.ticks.Load(),
		EmptyTicks:      c.stats.emptyTicks.Load(),
		Enqueued:        c.stats.enqueued.Load(),
		Drained:         c.stats.drained.Load(),
		Faults:          c.stats.faults.Load(),
		OrphanedReplies: c.stats.orphanedReplies.Load(),
		UnknownRequests: c.stats.unknownRequests.Load(),
		Discarded:       c.stats.discarded.Load(),
		Terminated:      c.stats.terminated.Load(),
	}
}

func (c *Controller) send(ctx context.Context, env envelope) error {
	select {
	case <-c.stop:
		return ErrTerminated
	case <-c.done:
		return ErrTerminated
	default:
	}
	select {
	case c.mailbox <- env:
		return nil
	case <-c.stop:
		return ErrTerminated
	case <-c.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(env envelope) {
	switch req := env.req.(type) {
	case EnqueueRequest:
		item := workItem{id: xid.New(), payload: req.Payload, reply: env.reply, enqueuedAt: c.clock.Now()}
		c.queue.push(item)
		c.metrics.IncEnqueued(item.mode())
		c.metrics.SetQueueLength(c.queue.len())
		c.stats.enqueued.Inc()
		c.stats.queueLength.Store(int64(c.queue.len()))
		c.logger.Debug("item enqueued", log.String("item_id", item.id.String()), log.String("mode", item.mode()))

	case SetRateRequest:
		if env.reply != nil {
			c.reportUnknownRequest(env)
			return
		}
		c.logger.Info("rate changed", log.Duration("old_rate", c.rate), log.Duration("new_rate", req.Rate))
		c.rate = req.Rate
		c.stats.rate.Store(req.Rate)
		c.metrics.SetRate(req.Rate)

	default:
		c.reportUnknownRequest(env)
	}
}

// handlePending handles the requests that were already in the mailbox when the timer fired,
// so an item sent before a tick is queued before that tick drains.
func (c *Controller) handlePending() {
	for n := len(c.mailbox); n > 0; n-- {
		select {
		case env := <-c.mailbox:
			c.handle(env)
		default:
			return
		}
	}
}

func (c *Controller) reportUnknownRequest(env envelope) {
	c.logger.Warn("unexpected request",
		log.String("request_type", fmt.Sprintf("%T", env.req)), log.Bool("awaits_reply", env.reply != nil))
	c.metrics.IncAnomalies(AnomalyUnknownRequest)
	c.stats.unknownRequests.Inc()
	if env.reply != nil {
		env.reply.complete(callResult{err: ErrUnknownRequest})
	}
}

// tick drains at most one item. It returns the processing fault, if any.
func (c *Controller) tick(ctx context.Context) error {
	c.stats.ticks.Inc()
	item, ok := c.queue.pop()
	if !ok {
		c.stats.emptyTicks.Inc()
		c.metrics.IncTicks(TickOutcomeEmpty)
		return nil
	}
	c.stats.queueLength.Store(int64(c.queue.len()))
	c.metrics.SetQueueLength(c.queue.len())
	c.metrics.IncTicks(TickOutcomeDrained)
	c.metrics.ObserveWaitDuration(c.clock.Since(item.enqueuedAt))
	return c.drain(ctx, item)
}

func (c *Controller) drain(ctx context.Context, item workItem) error {
	logger := c.logger.With(log.String("item_id", item.id.String()))

	startedAt := c.clock.Now()
	res, err := c.process(ctx, item, logger)
	c.metrics.ObserveProcessingDuration(c.clock.Since(startedAt))
	c.stats.drained.Inc()

	if err != nil {
		procErr := &ProcessingError{ItemID: item.id.String(), Cause: err}
		logger.Error("processing failed", log.Error(err), log.String("fault_policy", string(c.faultPolicy)))
		c.metrics.IncAnomalies(AnomalyFault)
		c.stats.faults.Inc()
		if item.reply != nil {
			item.reply.complete(callResult{err: procErr})
		}
		return procErr
	}

	value, hasReply := res.Value()
	switch {
	case hasReply && item.reply != nil:
		item.reply.complete(callResult{value: value})
	case hasReply:
		logger.Warn("processor produced a reply nobody is waiting for")
		c.metrics.IncAnomalies(AnomalyOrphanedReply)
		c.stats.orphanedReplies.Inc()
	case item.reply != nil:
		logger.Warn("processor returned no reply for a blocking request, caller is left waiting")
		c.metrics.IncAnomalies(AnomalyMissingReply)
	}
	return nil
}

func (c *Controller) process(ctx context.Context, item workItem, logger log.FieldLogger) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			logger.Error(fmt.Sprintf("panic in processor: %+v", p), log.Bytes("stack", stack))
			if pErr, ok := p.(error); ok {
				err = fmt.Errorf("processor panicked: %w", pErr)
			} else {
				err = fmt.Errorf("processor panicked: %v", p)
			}
		}
	}()
	return c.processor.Process(ctx, item.payload)
}

func (c *Controller) terminate(reason error) {
	discarded := c.queue.reset()
	c.reason = reason
	c.stats.queueLength.Store(0)
	c.stats.discarded.Add(uint64(discarded))
	c.stats.terminated.Store(true)
	c.metrics.SetQueueLength(0)
	c.metrics.AddDiscarded(discarded)

	fields := []log.Field{log.Error(reason), log.Int("discarded_items", discarded)}
	if errors.Is(reason, ErrProcessingFailed) {
		c.logger.Error("rate queue terminated", fields...)
		return
	}
	c.logger.Info("rate queue terminated", fields...)
}
