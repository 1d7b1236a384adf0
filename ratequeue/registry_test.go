/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/acronis/go-ratequeue/config"
	"github.com/acronis/go-ratequeue/log/logtest"
)

func echoProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, payload interface{}) (Result, error) {
		return ReplyWith(fmt.Sprintf("echo: %v", payload)), nil
	})
}

func TestRegistry(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{CurriedLabelNames: []string{MetricsLabelQueue}})

	var terminatedMu sync.Mutex
	terminated := map[string]error{}
	reg := NewRegistryWithOpts(logtest.NewRecorder(), RegistryOpts{
		Metrics: pm,
		Clock:   clk,
		OnTerminate: func(name string, reason error) {
			terminatedMu.Lock()
			terminated[name] = reason
			terminatedMu.Unlock()
		},
	})
	defer func() { require.NoError(t, reg.Stop(true)) }()

	require.NoError(t, reg.Start("billing", echoProcessor(), time.Second, QueueOpts{}))
	require.NoError(t, reg.Start("mailer", echoProcessor(), time.Second, QueueOpts{FaultPolicy: FaultPolicyTerminate}))
	require.ErrorIs(t, reg.Start("billing", echoProcessor(), time.Second, QueueOpts{}), ErrQueueAlreadyExists)
	require.Error(t, reg.Start("", echoProcessor(), time.Second, QueueOpts{}))
	require.ErrorIs(t, reg.Start("broken", echoProcessor(), 0, QueueOpts{}), ErrInvalidRate)

	require.Equal(t, []string{"billing", "mailer"}, reg.Names())

	require.ErrorIs(t, reg.EnqueueAsync("unknown", 1), ErrQueueNotFound)
	require.ErrorIs(t, reg.SetRate("unknown", time.Second), ErrQueueNotFound)
	require.ErrorIs(t, reg.Shutdown("unknown", nil), ErrQueueNotFound)
	_, err := reg.EnqueueBlocking(context.Background(), "unknown", 1)
	require.ErrorIs(t, err, ErrQueueNotFound)

	replyCh := make(chan interface{}, 1)
	go func() {
		reply, callErr := reg.EnqueueBlocking(context.Background(), "billing", 7)
		assert.NoError(t, callErr)
		replyCh <- reply
	}()
	require.NoError(t, reg.EnqueueAsync("mailer", "hi"))
	require.Eventually(t, func() bool {
		stats := reg.Stats()
		return stats["billing"].Enqueued == 1 && stats["mailer"].Enqueued == 1
	}, waitTimeout, waitInterval)

	require.NoError(t, reg.SetRate("mailer", 5*time.Second))
	require.Eventually(t, func() bool { return reg.Stats()["mailer"].Rate == 5*time.Second }, waitTimeout, waitInterval)

	clk.Step(time.Second)
	require.Equal(t, "echo: 7", <-replyCh)
	require.Eventually(t, func() bool { return reg.Stats()["mailer"].Drained == 1 }, waitTimeout, waitInterval)

	require.Equal(t, 1.0, testutil.ToFloat64(pm.EnqueuedTotal.WithLabelValues("billing", EnqueueModeBlocking)))
	require.Equal(t, 1.0, testutil.ToFloat64(pm.EnqueuedTotal.WithLabelValues("mailer", EnqueueModeAsync)))
	require.Equal(t, 5.0, testutil.ToFloat64(pm.Rate.WithLabelValues("mailer")))

	reason := errors.New("not needed anymore")
	require.NoError(t, reg.Shutdown("mailer", reason))
	require.Eventually(t, func() bool {
		terminatedMu.Lock()
		defer terminatedMu.Unlock()
		return terminated["mailer"] == reason
	}, waitTimeout, waitInterval)
	require.Equal(t, []string{"billing"}, reg.Names())
	// Series of the terminated queue are not exported anymore.
	require.Equal(t, 1, testutil.CollectAndCount(pm.Rate))
	require.Equal(t, 1, testutil.CollectAndCount(pm.QueueLength))

	// The name can be reused once the queue has terminated.
	require.NoError(t, reg.Start("mailer", echoProcessor(), time.Second, QueueOpts{}))
	require.Equal(t, []string{"billing", "mailer"}, reg.Names())
}

func TestRegistry_FaultTerminatedQueueIsUnregistered(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	done := make(chan error, 1)
	reg := NewRegistryWithOpts(nil, RegistryOpts{
		Clock:       clk,
		OnTerminate: func(name string, reason error) { done <- reason },
	})
	defer func() { require.NoError(t, reg.Stop(true)) }()

	failing := ProcessorFunc(func(context.Context, interface{}) (Result, error) {
		return Result{}, errors.New("downstream is unavailable")
	})
	require.NoError(t, reg.Start("fragile", failing, time.Second, QueueOpts{FaultPolicy: FaultPolicyTerminate}))
	require.NoError(t, reg.EnqueueAsync("fragile", "x"))
	require.Eventually(t, func() bool { return reg.Stats()["fragile"].Enqueued == 1 }, waitTimeout, waitInterval)
	require.Eventually(t, clk.HasWaiters, waitTimeout, waitInterval)

	clk.Step(time.Second)
	select {
	case reason := <-done:
		require.True(t, IsTerminatedByFault(reason))
	case <-time.After(waitTimeout):
		t.Fatal("queue was not terminated")
	}
	require.Empty(t, reg.Names())
}

func TestRegistry_StartConfigured(t *testing.T) {
	cfg, err := loadConfig(`{"ratequeue":{"rate":"1s","queues":{"a":{},"b":{"rate":"10ms"}}}}`, config.DataTypeJSON)
	require.NoError(t, err)

	reg := NewRegistry(nil)
	require.NoError(t, reg.StartConfigured(cfg, func(name string) (Processor, error) {
		return echoProcessor(), nil
	}))
	require.Equal(t, []string{"a", "b"}, reg.Names())
	require.Equal(t, 10*time.Millisecond, reg.Stats()["b"].Rate)

	reply, err := reg.EnqueueBlocking(context.Background(), "b", "real clock")
	require.NoError(t, err)
	require.Equal(t, "echo: real clock", reply)

	require.NoError(t, reg.Stop(true))
	require.Empty(t, reg.Names())
	require.ErrorIs(t, reg.Start("c", echoProcessor(), time.Second, QueueOpts{}), ErrTerminated)

	reg2 := NewRegistry(nil)
	err = reg2.StartConfigured(cfg, func(name string) (Processor, error) {
		if name == "b" {
			return nil, errors.New("no processor")
		}
		return echoProcessor(), nil
	})
	require.ErrorContains(t, err, "processor for rate queue b: no processor")
	require.NoError(t, reg2.Stop(true))
}

func TestRegistry_Run(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Start("q", echoProcessor(), time.Second, QueueOpts{}))
	c, ok := reg.Lookup("q")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- reg.Run(ctx) }()
	cancel()

	require.NoError(t, <-runErr)
	<-c.Done()
	require.ErrorIs(t, c.TerminationReason(), context.Canceled)
}

func TestRegistry_NameIsFreeOnceShutdownReturns(t *testing.T) {
	reg := NewRegistry(nil)
	defer func() { require.NoError(t, reg.Stop(true)) }()

	for i := 0; i < 500; i++ {
		require.NoError(t, reg.Start("q", echoProcessor(), time.Hour, QueueOpts{}), "iteration %d", i)
		require.NoError(t, reg.Shutdown("q", nil))
		require.Empty(t, reg.Names())
		_, found := reg.Stats()["q"]
		require.False(t, found)
	}
}

func TestRegistryUnit(t *testing.T) {
	t.Run("stops with the registry", func(t *testing.T) {
		reg := NewRegistry(nil)
		require.NoError(t, reg.Start("q", echoProcessor(), time.Hour, QueueOpts{}))
		unit := NewRegistryUnit(reg, true)

		fatalErr := make(chan error, 1)
		returned := make(chan struct{})
		go func() {
			unit.Start(fatalErr)
			close(returned)
		}()

		require.NoError(t, unit.Stop(true))
		select {
		case <-returned:
		case <-time.After(waitTimeout):
			t.Fatal("unit did not return from Start")
		}
		require.Empty(t, fatalErr)
		require.Empty(t, reg.Names())
	})

	t.Run("fault termination is fatal", func(t *testing.T) {
		clk := testclock.NewFakeClock(time.Now())
		reg := NewRegistryWithOpts(nil, RegistryOpts{Clock: clk})
		defer func() { require.NoError(t, reg.Stop(true)) }()

		failing := ProcessorFunc(func(context.Context, interface{}) (Result, error) {
			return Result{}, errors.New("downstream is unavailable")
		})
		require.NoError(t, reg.Start("fragile", failing, time.Second, QueueOpts{FaultPolicy: FaultPolicyTerminate}))

		fatalErr := make(chan error, 1)
		go NewRegistryUnit(reg, true).Start(fatalErr)

		require.NoError(t, reg.EnqueueAsync("fragile", "x"))
		require.Eventually(t, func() bool { return reg.Stats()["fragile"].Enqueued == 1 }, waitTimeout, waitInterval)
		clk.Step(time.Second)

		select {
		case err := <-fatalErr:
			require.True(t, IsTerminatedByFault(err))
			require.ErrorContains(t, err, "rate queue fragile")
		case <-time.After(waitTimeout):
			t.Fatal("fault termination was not reported")
		}
	})

	t.Run("fault termination is not fatal", func(t *testing.T) {
		clk := testclock.NewFakeClock(time.Now())
		reg := NewRegistryWithOpts(nil, RegistryOpts{Clock: clk})

		failing := ProcessorFunc(func(context.Context, interface{}) (Result, error) {
			return Result{}, errors.New("downstream is unavailable")
		})
		require.NoError(t, reg.Start("fragile", failing, time.Second, QueueOpts{FaultPolicy: FaultPolicyTerminate}))
		c, _ := reg.Lookup("fragile")

		unit := NewRegistryUnit(reg, false)
		fatalErr := make(chan error, 1)
		returned := make(chan struct{})
		go func() {
			unit.Start(fatalErr)
			close(returned)
		}()

		require.NoError(t, reg.EnqueueAsync("fragile", "x"))
		require.Eventually(t, func() bool { return reg.Stats()["fragile"].Enqueued == 1 }, waitTimeout, waitInterval)
		clk.Step(time.Second)
		<-c.Done()
		require.Eventually(t, func() bool { return len(reg.Names()) == 0 }, waitTimeout, waitInterval)

		select {
		case <-returned:
			t.Fatal("unit must keep running")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, unit.Stop(true))
		<-returned
		require.Empty(t, fatalErr)
	})

	t.Run("metrics", func(t *testing.T) {
		pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{
			Namespace:         "unit_test",
			CurriedLabelNames: []string{MetricsLabelQueue},
		})
		unit := NewRegistryUnit(NewRegistryWithOpts(nil, RegistryOpts{Metrics: pm}), false)
		unit.MustRegisterMetrics()
		require.Panics(t, pm.MustRegister)
		unit.UnregisterMetrics()
		require.NotPanics(t, func() {
			pm.MustRegister()
			pm.Unregister()
		})
	})
}
