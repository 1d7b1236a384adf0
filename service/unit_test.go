/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

type fakeUnit struct {
	name     string
	fatalErr error
	stopErr  error

	stopped   chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	startCnt  atomic.Int32
	stopCnt   atomic.Int32
	gracefulN atomic.Int32
	regCnt    atomic.Int32
	unregCnt  atomic.Int32
}

func newFakeUnit(name string) *fakeUnit {
	return &fakeUnit{name: name, stopped: make(chan struct{})}
}

func (u *fakeUnit) Start(fatalErr chan<- error) {
	u.startCnt.Inc()
	if u.fatalErr != nil {
		fatalErr <- u.fatalErr
		return
	}
	u.running.Store(true)
	<-u.stopped
	u.running.Store(false)
}

func (u *fakeUnit) Stop(gracefully bool) error {
	u.stopCnt.Inc()
	if gracefully {
		u.gracefulN.Inc()
	}
	u.stopOnce.Do(func() { close(u.stopped) })
	return u.stopErr
}

func (u *fakeUnit) MustRegisterMetrics() { u.regCnt.Inc() }

func (u *fakeUnit) UnregisterMetrics() { u.unregCnt.Inc() }

var errUnitBroken = errors.New("unit is broken")
