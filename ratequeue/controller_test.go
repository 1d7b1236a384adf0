/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	"github.com/acronis/go-ratequeue/log"
	"github.com/acronis/go-ratequeue/log/logtest"
)

const (
	waitTimeout  = 5 * time.Second
	waitInterval = 5 * time.Millisecond
	testRate     = 100 * time.Millisecond
)

type recordingProcessor struct {
	mu       sync.Mutex
	payloads []interface{}
	fn       func(payload interface{}) (Result, error)
}

func (p *recordingProcessor) Process(_ context.Context, payload interface{}) (Result, error) {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	if p.fn == nil {
		return NoReply(), nil
	}
	return p.fn(payload)
}

func (p *recordingProcessor) processed() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.payloads...)
}

type testEnv struct {
	t      *testing.T
	clock  *testclock.FakeClock
	logger *logtest.Recorder
	c      *Controller
	runErr chan error
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, processor Processor, rate time.Duration, opts Opts) *testEnv {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clk
	logger := logtest.NewRecorder()
	c, err := NewWithOpts(processor, rate, logger, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{t: t, clock: clk, logger: logger, c: c, runErr: make(chan error, 1), cancel: cancel}
	go func() { env.runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	env.waitTimerArmed()
	return env
}

func (e *testEnv) waitTimerArmed() {
	e.t.Helper()
	require.Eventually(e.t, e.clock.HasWaiters, waitTimeout, waitInterval, "tick is not scheduled")
}

func (e *testEnv) waitStats(cond func(s Stats) bool) {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return cond(e.c.Stats()) }, waitTimeout, waitInterval)
}

func (e *testEnv) waitEnqueued(n uint64) {
	e.t.Helper()
	e.waitStats(func(s Stats) bool { return s.Enqueued == n })
}

// step advances the fake clock by d and, if a tick is expected, waits until it has completed.
func (e *testEnv) step(d time.Duration, expectTick bool) {
	e.t.Helper()
	ticks := e.c.Stats().Ticks
	e.clock.Step(d)
	if !expectTick {
		time.Sleep(20 * time.Millisecond)
		require.Equal(e.t, ticks, e.c.Stats().Ticks, "unexpected tick")
		return
	}
	e.waitStats(func(s Stats) bool { return s.Ticks == ticks+1 })
	// The next tick is armed once the current one is over, unless the controller has terminated.
	require.Eventually(e.t, func() bool {
		select {
		case <-e.c.Done():
			return true
		default:
			return e.clock.HasWaiters()
		}
	}, waitTimeout, waitInterval)
}

func TestController_New(t *testing.T) {
	p := &recordingProcessor{}

	_, err := New(p, 0, nil)
	require.ErrorIs(t, err, ErrInvalidRate)

	_, err = New(p, -time.Second, nil)
	require.ErrorIs(t, err, ErrInvalidRate)

	_, err = New(nil, time.Second, nil)
	require.Error(t, err)

	_, err = NewWithOpts(p, time.Second, nil, Opts{FaultPolicy: "explode"})
	require.ErrorContains(t, err, `unknown fault policy "explode"`)

	_, err = NewWithOpts(p, time.Second, nil, Opts{MailboxSize: -1})
	require.Error(t, err)

	c, err := New(p, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, time.Second, c.Stats().Rate)
	require.NoError(t, c.TerminationReason())
}

func TestController_RunTwice(t *testing.T) {
	env := newTestEnv(t, &recordingProcessor{}, testRate, Opts{})
	require.ErrorIs(t, env.c.Run(context.Background()), ErrAlreadyRunning)
}

func TestController_DrainsOneItemPerTickInFIFOOrder(t *testing.T) {
	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, env.c.EnqueueAsync(i))
	}
	env.waitEnqueued(5)
	require.Equal(t, 5, env.c.Stats().QueueLength)

	env.step(testRate-time.Millisecond, false)
	require.Empty(t, p.processed())

	env.step(time.Millisecond, true)
	require.Equal(t, []interface{}{1}, p.processed())

	for i := 2; i <= 5; i++ {
		env.step(testRate, true)
		require.Len(t, p.processed(), i)
	}
	require.Equal(t, []interface{}{1, 2, 3, 4, 5}, p.processed())

	s := env.c.Stats()
	require.Equal(t, 0, s.QueueLength)
	require.Equal(t, uint64(5), s.Ticks)
	require.Equal(t, uint64(5), s.Drained)
	require.Equal(t, uint64(0), s.EmptyTicks)
}

func TestController_AsyncWithoutReplyThenBlockingWithReply(t *testing.T) {
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		if payload == "B" {
			return ReplyWith("ok"), nil
		}
		return NoReply(), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{})

	require.NoError(t, env.c.EnqueueAsync("A"))
	env.waitEnqueued(1)
	replyCh := make(chan interface{}, 1)
	go func() {
		reply, err := env.c.EnqueueBlocking(context.Background(), "B")
		assert.NoError(t, err)
		replyCh <- reply
	}()
	env.waitEnqueued(2)

	env.step(testRate, true)
	require.Equal(t, []interface{}{"A"}, p.processed())
	require.Empty(t, replyCh)

	env.step(testRate, true)
	require.Equal(t, []interface{}{"A", "B"}, p.processed())
	select {
	case reply := <-replyCh:
		require.Equal(t, "ok", reply)
	case <-time.After(waitTimeout):
		t.Fatal("caller was not answered")
	}

	s := env.c.Stats()
	require.Equal(t, uint64(0), s.OrphanedReplies)
	require.Equal(t, uint64(0), s.UnknownRequests)
	require.Empty(t, env.logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.Level == log.LevelWarn || e.Level == log.LevelError
	}))
}

func TestController_ConcurrentProducers(t *testing.T) {
	type job struct{ producer, seq int }
	const producers, jobsPerProducer = 4, 5

	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for seq := 0; seq < jobsPerProducer; seq++ {
				assert.NoError(t, env.c.EnqueueAsync(job{producer, seq}))
			}
		}(i)
	}
	wg.Wait()
	env.waitEnqueued(producers * jobsPerProducer)

	for i := 1; i <= producers*jobsPerProducer; i++ {
		env.step(testRate, true)
		require.Len(t, p.processed(), i)
	}

	nextSeq := make(map[int]int, producers)
	for _, payload := range p.processed() {
		j := payload.(job)
		require.Equal(t, nextSeq[j.producer], j.seq, "producer %d jobs are out of order", j.producer)
		nextSeq[j.producer]++
	}
	for i := 0; i < producers; i++ {
		require.Equal(t, jobsPerProducer, nextSeq[i])
	}
	require.Equal(t, uint64(0), env.c.Stats().EmptyTicks)
}

type firedTimer struct {
	ch chan time.Time
}

func (t *firedTimer) C() <-chan time.Time      { return t.ch }
func (t *firedTimer) Stop() bool               { return false }
func (t *firedTimer) Reset(time.Duration) bool { return false }

// firstTimerFiredClock returns an already fired timer from its first NewTimer call.
type firstTimerFiredClock struct {
	*testclock.FakeClock
	used atomic.Bool
}

func (c *firstTimerFiredClock) NewTimer(d time.Duration) clock.Timer {
	if c.used.CompareAndSwap(false, true) {
		t := &firedTimer{ch: make(chan time.Time, 1)}
		t.ch <- c.Now()
		return t
	}
	return c.FakeClock.NewTimer(d)
}

func TestController_HandlesMailboxBeforeTick(t *testing.T) {
	clk := &firstTimerFiredClock{FakeClock: testclock.NewFakeClock(time.Now())}
	p := &recordingProcessor{}
	c, err := NewWithOpts(p, testRate, nil, Opts{Clock: clk})
	require.NoError(t, err)

	// Requests are buffered before Run, so they are ready together with the fired timer.
	for _, payload := range []string{"A", "B", "C"} {
		require.NoError(t, c.EnqueueAsync(payload))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-c.Done()
	}()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Drained == 1 }, waitTimeout, waitInterval)
	s := c.Stats()
	require.Equal(t, uint64(1), s.Ticks)
	require.Equal(t, uint64(0), s.EmptyTicks)
	require.Equal(t, uint64(3), s.Enqueued)
	require.Equal(t, 2, s.QueueLength)
	require.Equal(t, []interface{}{"A"}, p.processed())
}

func TestController_EmptyTickOnlyReschedules(t *testing.T) {
	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	env.step(testRate, true)
	env.step(testRate, true)
	s := env.c.Stats()
	require.Equal(t, uint64(2), s.Ticks)
	require.Equal(t, uint64(2), s.EmptyTicks)
	require.Empty(t, p.processed())

	// An item enqueued after empty ticks waits for the next scheduled tick only.
	require.NoError(t, env.c.EnqueueAsync("late"))
	env.waitEnqueued(1)
	env.step(testRate, true)
	require.Equal(t, []interface{}{"late"}, p.processed())
}

func TestController_EnqueueAsync(t *testing.T) {
	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	require.NoError(t, env.c.EnqueueAsync("hello"))
	env.waitEnqueued(1)
	require.Empty(t, p.processed())

	env.step(testRate, true)
	require.Equal(t, []interface{}{"hello"}, p.processed())
	require.Empty(t, env.logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.Level == log.LevelWarn || e.Level == log.LevelError
	}))
}

func TestController_EnqueueBlocking(t *testing.T) {
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		return ReplyWith("ok"), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{})

	replyCh := make(chan interface{}, 1)
	go func() {
		reply, err := env.c.EnqueueBlocking(context.Background(), "job")
		assert.NoError(t, err)
		replyCh <- reply
	}()
	env.waitEnqueued(1)

	select {
	case <-replyCh:
		t.Fatal("caller must stay suspended until the item is drained")
	case <-time.After(20 * time.Millisecond):
	}

	env.step(testRate, true)
	select {
	case reply := <-replyCh:
		require.Equal(t, "ok", reply)
	case <-time.After(waitTimeout):
		t.Fatal("caller was not answered")
	}
}

func TestController_ReplyWithNilValue(t *testing.T) {
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		return ReplyWith(nil), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{})

	errCh := make(chan error, 1)
	go func() {
		reply, err := env.c.EnqueueBlocking(context.Background(), "job")
		assert.Nil(t, reply)
		errCh <- err
	}()
	env.waitEnqueued(1)
	env.step(testRate, true)
	require.NoError(t, <-errCh)
}

func TestController_OrphanedReply(t *testing.T) {
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		return ReplyWith("nobody listens"), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{})

	require.NoError(t, env.c.EnqueueAsync("job"))
	env.waitEnqueued(1)
	env.step(testRate, true)

	require.Equal(t, uint64(1), env.c.Stats().OrphanedReplies)
	entry, found := env.logger.FindEntry("processor produced a reply nobody is waiting for")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
	_, hasItemID := entry.FindField("item_id")
	require.True(t, hasItemID)
}

func TestController_MissingReplyLeavesCallerWaiting(t *testing.T) {
	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.c.EnqueueBlocking(ctx, "job")
		errCh <- err
	}()
	env.waitEnqueued(1)
	env.step(testRate, true)

	_, found := env.logger.FindEntry("processor returned no reply for a blocking request, caller is left waiting")
	require.True(t, found)
	select {
	case <-errCh:
		t.Fatal("caller must not be answered")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestController_SetRate(t *testing.T) {
	t.Run("current tick keeps its delay, the next one uses the new rate", func(t *testing.T) {
		p := &recordingProcessor{}
		env := newTestEnv(t, p, testRate, Opts{})

		require.NoError(t, env.c.SetRate(10*time.Millisecond))
		env.waitStats(func(s Stats) bool { return s.Rate == 10*time.Millisecond })

		env.step(10*time.Millisecond, false)
		env.step(90*time.Millisecond, true)
		env.step(10*time.Millisecond, true)
		env.step(10*time.Millisecond, true)
		require.Equal(t, uint64(3), env.c.Stats().Ticks)

		entry, found := env.logger.FindEntry("rate changed")
		require.True(t, found)
		_, found = entry.FindField("new_rate")
		require.True(t, found)
	})

	t.Run("rate changed between ticks applies to the delay before the tick after next", func(t *testing.T) {
		p := &recordingProcessor{}
		env := newTestEnv(t, p, time.Second, Opts{})

		env.step(time.Second, true)
		require.NoError(t, env.c.SetRate(2*time.Second))
		env.waitStats(func(s Stats) bool { return s.Rate == 2*time.Second })

		env.step(time.Second, true)
		env.step(time.Second, false)
		env.step(time.Second, true)
	})

	t.Run("invalid rate", func(t *testing.T) {
		env := newTestEnv(t, &recordingProcessor{}, testRate, Opts{})
		require.ErrorIs(t, env.c.SetRate(0), ErrInvalidRate)
		require.ErrorIs(t, env.c.Cast(SetRateRequest{Rate: -time.Second}), ErrInvalidRate)
		require.Equal(t, testRate, env.c.Stats().Rate)
	})

	t.Run("call is treated as unknown request", func(t *testing.T) {
		env := newTestEnv(t, &recordingProcessor{}, testRate, Opts{})
		_, err := env.c.Call(context.Background(), SetRateRequest{Rate: time.Second})
		require.ErrorIs(t, err, ErrUnknownRequest)
		require.Equal(t, testRate, env.c.Stats().Rate)
	})
}

func TestController_UnknownRequests(t *testing.T) {
	type ping struct{}

	p := &recordingProcessor{}
	env := newTestEnv(t, p, testRate, Opts{})

	require.NoError(t, env.c.Cast(ping{}))
	env.waitStats(func(s Stats) bool { return s.UnknownRequests == 1 })

	_, err := env.c.Call(context.Background(), "ping")
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.Equal(t, uint64(2), env.c.Stats().UnknownRequests)

	entries := env.logger.FindAllEntries("unexpected request")
	require.Len(t, entries, 2)
	reqType, _ := entries[0].FindField("request_type")
	require.Equal(t, "ratequeue.ping", string(reqType.Bytes))
	require.Equal(t, log.LevelWarn, entries[0].Level)

	// Unknown requests change nothing else.
	s := env.c.Stats()
	require.Equal(t, 0, s.QueueLength)
	require.Equal(t, testRate, s.Rate)
	env.step(testRate, true)
	require.Empty(t, p.processed())
}

func TestController_Shutdown(t *testing.T) {
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		return ReplyWith(payload), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{})

	require.NoError(t, env.c.EnqueueAsync(1))
	require.NoError(t, env.c.EnqueueAsync(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blockedErr := make(chan error, 1)
	go func() {
		_, err := env.c.EnqueueBlocking(ctx, 3)
		blockedErr <- err
	}()
	env.waitEnqueued(3)

	reason := errors.New("maintenance")
	env.c.Shutdown(reason)
	env.c.Shutdown(errors.New("second call is ignored"))

	select {
	case <-env.c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("controller did not terminate")
	}
	require.NoError(t, <-env.runErr)
	require.Equal(t, reason, env.c.TerminationReason())

	s := env.c.Stats()
	require.True(t, s.Terminated)
	require.Equal(t, uint64(3), s.Discarded)
	require.Equal(t, 0, s.QueueLength)
	require.Empty(t, p.processed())

	entry, found := env.logger.FindEntry("rate queue terminated")
	require.True(t, found)
	require.Equal(t, log.LevelInfo, entry.Level)
	discarded, _ := entry.FindField("discarded_items")
	require.EqualValues(t, 3, discarded.Int)

	// The caller of a discarded blocking item is never answered by the controller.
	select {
	case <-blockedErr:
		t.Fatal("discarded item must not be answered")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	require.ErrorIs(t, <-blockedErr, context.Canceled)

	require.ErrorIs(t, env.c.EnqueueAsync(4), ErrTerminated)
	require.ErrorIs(t, env.c.SetRate(time.Second), ErrTerminated)
	_, err := env.c.EnqueueBlocking(context.Background(), 5)
	require.ErrorIs(t, err, ErrTerminated)
}

func TestController_ShutdownWithNilReason(t *testing.T) {
	env := newTestEnv(t, &recordingProcessor{}, testRate, Opts{})
	env.c.Shutdown(nil)
	<-env.c.Done()
	require.ErrorIs(t, env.c.TerminationReason(), ErrShutdown)
}

func TestController_ContextCancellation(t *testing.T) {
	env := newTestEnv(t, &recordingProcessor{}, testRate, Opts{})
	require.NoError(t, env.c.EnqueueAsync("x"))
	env.waitEnqueued(1)

	env.cancel()
	<-env.c.Done()
	require.NoError(t, <-env.runErr)
	require.ErrorIs(t, env.c.TerminationReason(), context.Canceled)
	require.Equal(t, uint64(1), env.c.Stats().Discarded)
}

func TestController_Faults(t *testing.T) {
	errBoom := errors.New("boom")
	failOn := func(bad interface{}) func(payload interface{}) (Result, error) {
		return func(payload interface{}) (Result, error) {
			if payload == bad {
				return Result{}, errBoom
			}
			return ReplyWith(payload), nil
		}
	}

	t.Run("isolate", func(t *testing.T) {
		p := &recordingProcessor{fn: failOn("bad")}
		env := newTestEnv(t, p, testRate, Opts{FaultPolicy: FaultPolicyIsolate})

		errCh := make(chan error, 1)
		go func() {
			_, err := env.c.EnqueueBlocking(context.Background(), "bad")
			errCh <- err
		}()
		env.waitEnqueued(1)
		require.NoError(t, env.c.EnqueueAsync("good"))
		env.waitEnqueued(2)

		env.step(testRate, true)
		err := <-errCh
		require.ErrorIs(t, err, ErrProcessingFailed)
		require.ErrorIs(t, err, errBoom)
		var procErr *ProcessingError
		require.ErrorAs(t, err, &procErr)
		require.NotEmpty(t, procErr.ItemID)

		env.step(testRate, true)
		require.Equal(t, []interface{}{"bad", "good"}, p.processed())
		require.Equal(t, uint64(1), env.c.Stats().Faults)
		require.False(t, env.c.Stats().Terminated)

		entry, found := env.logger.FindEntry("processing failed")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
	})

	t.Run("terminate", func(t *testing.T) {
		p := &recordingProcessor{fn: failOn("bad")}
		env := newTestEnv(t, p, testRate, Opts{FaultPolicy: FaultPolicyTerminate})

		require.NoError(t, env.c.EnqueueAsync("bad"))
		require.NoError(t, env.c.EnqueueAsync("never"))
		env.waitEnqueued(2)

		env.step(testRate, true)
		<-env.c.Done()

		runErr := <-env.runErr
		require.ErrorIs(t, runErr, ErrProcessingFailed)
		require.ErrorIs(t, runErr, errBoom)
		require.True(t, IsTerminatedByFault(env.c.TerminationReason()))
		require.Equal(t, uint64(1), env.c.Stats().Discarded)
		require.Equal(t, []interface{}{"bad"}, p.processed())

		entry, found := env.logger.FindEntry("rate queue terminated")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
	})

	t.Run("panic", func(t *testing.T) {
		p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
			panic("kaboom")
		}}
		env := newTestEnv(t, p, testRate, Opts{})

		errCh := make(chan error, 1)
		go func() {
			_, err := env.c.EnqueueBlocking(context.Background(), "x")
			errCh <- err
		}()
		env.waitEnqueued(1)
		env.step(testRate, true)

		err := <-errCh
		require.ErrorIs(t, err, ErrProcessingFailed)
		require.ErrorContains(t, err, "processor panicked: kaboom")

		entry, found := env.logger.FindEntry("panic in processor: kaboom")
		require.True(t, found)
		_, hasStack := entry.FindField("stack")
		require.True(t, hasStack)

		// The controller survives and keeps ticking.
		env.step(testRate, true)
		require.False(t, env.c.Stats().Terminated)
	})
}

func TestController_Metrics(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{CurriedLabelNames: []string{MetricsLabelQueue}})
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) {
		if payload == "bad" {
			return Result{}, errors.New("bad payload")
		}
		return ReplyWith(payload), nil
	}}
	env := newTestEnv(t, p, testRate, Opts{
		Name:             "billing",
		MetricsCollector: pm.MustCurryWith(prometheus.Labels{MetricsLabelQueue: "billing"}),
	})

	require.NoError(t, env.c.EnqueueAsync("a"))
	require.NoError(t, env.c.EnqueueAsync("bad"))
	require.NoError(t, env.c.EnqueueAsync("c"))
	env.waitEnqueued(3)
	require.Equal(t, 3.0, testutil.ToFloat64(pm.QueueLength.WithLabelValues("billing")))
	require.Equal(t, 0.1, testutil.ToFloat64(pm.Rate.WithLabelValues("billing")))

	env.step(testRate, true)
	env.step(testRate, true)
	require.Equal(t, 1.0, testutil.ToFloat64(pm.QueueLength.WithLabelValues("billing")))

	env.c.Shutdown(nil)
	<-env.c.Done()

	require.Equal(t, 3.0, testutil.ToFloat64(pm.EnqueuedTotal.WithLabelValues("billing", EnqueueModeAsync)))
	require.Equal(t, 0.0, testutil.ToFloat64(pm.EnqueuedTotal.WithLabelValues("billing", EnqueueModeBlocking)))
	require.Equal(t, 2.0, testutil.ToFloat64(pm.TicksTotal.WithLabelValues("billing", TickOutcomeDrained)))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.AnomaliesTotal.WithLabelValues("billing", AnomalyOrphanedReply)))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.AnomaliesTotal.WithLabelValues("billing", AnomalyFault)))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.DiscardedTotal.WithLabelValues("billing")))
	require.Equal(t, 0.0, testutil.ToFloat64(pm.QueueLength.WithLabelValues("billing")))
	require.Equal(t, 1, testutil.CollectAndCount(pm.ProcessingDuration, "ratequeue_processing_duration_seconds"))
}

func TestStart(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	p := &recordingProcessor{fn: func(payload interface{}) (Result, error) { return ReplyWith(payload), nil }}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := Start(ctx, p, time.Second, nil, Opts{Clock: clk})
	require.NoError(t, err)

	replyCh := make(chan interface{}, 1)
	go func() {
		reply, callErr := c.EnqueueBlocking(context.Background(), 42)
		assert.NoError(t, callErr)
		replyCh <- reply
	}()
	require.Eventually(t, func() bool { return c.Stats().Enqueued == 1 }, waitTimeout, waitInterval)
	require.Eventually(t, clk.HasWaiters, waitTimeout, waitInterval)
	clk.Step(time.Second)
	require.Equal(t, 42, <-replyCh)

	cancel()
	<-c.Done()
	require.ErrorIs(t, c.TerminationReason(), context.Canceled)

	_, err = Start(context.Background(), p, 0, nil, Opts{})
	require.ErrorIs(t, err, ErrInvalidRate)
}
