/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"strings"
	"sync"
)

// CompositeUnit runs several units as a single one.
type CompositeUnit struct {
	Units []Unit
}

var _ MetricsRegisterer = (*CompositeUnit)(nil)

// NewCompositeUnit creates a CompositeUnit of units.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{Units: units}
}

// Start starts every unit in its own goroutine and blocks until all of them return from Start.
//
// The first fatal error of any unit stops all units non-gracefully. Once every Start has returned,
// a CompositeUnitError with the fatal errors (followed by the stop errors, if any) is sent to fatalError.
func (cu *CompositeUnit) Start(fatalError chan<- error) {
	unitErrs := make(chan error, len(cu.Units))
	failed := make(chan struct{})
	var failOnce sync.Once

	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for _, u := range cu.Units {
		go func(u Unit) {
			defer wg.Done()
			unitFatalErr := make(chan error, 1)
			u.Start(unitFatalErr)
			select {
			case err := <-unitFatalErr:
				unitErrs <- err
				failOnce.Do(func() { close(failed) })
			default:
			}
		}(u)
	}
	returned := make(chan struct{})
	go func() {
		wg.Wait()
		close(returned)
	}()

	select {
	case <-failed:
	case <-returned:
		select {
		case <-failed:
		default:
			return
		}
	}

	stopErr := cu.Stop(false)
	<-returned
	close(unitErrs)

	var errs []error
	for err := range unitErrs {
		errs = append(errs, err)
	}
	if stopErr != nil {
		errs = append(errs, stopErr.(*CompositeUnitError).UnitErrors...)
	}
	fatalError <- &CompositeUnitError{UnitErrors: errs}
}

// Stop stops all units concurrently and waits for them.
// The errors of the units are returned as a single *CompositeUnitError.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	errs := make([]error, len(cu.Units))
	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for i, u := range cu.Units {
		go func(i int, u Unit) {
			defer wg.Done()
			errs[i] = u.Stop(gracefully)
		}(i, u)
	}
	wg.Wait()

	var unitErrs []error
	for _, err := range errs {
		if err != nil {
			unitErrs = append(unitErrs, err)
		}
	}
	if len(unitErrs) != 0 {
		return &CompositeUnitError{UnitErrors: unitErrs}
	}
	return nil
}

// MustRegisterMetrics registers the metrics of every unit implementing MetricsRegisterer.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters the metrics of every unit implementing MetricsRegisterer.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError holds the errors of the units of a CompositeUnit.
type CompositeUnitError struct {
	UnitErrors []error
}

func (e *CompositeUnitError) Error() string {
	msgs := make([]string, 0, len(e.UnitErrors))
	for _, err := range e.UnitErrors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is and errors.As to match any of the unit errors.
func (e *CompositeUnitError) Unwrap() []error {
	return e.UnitErrors
}
