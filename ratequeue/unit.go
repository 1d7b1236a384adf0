/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

// RegistryUnit runs a Registry as a service unit (see the service package).
type RegistryUnit struct {
	Registry *Registry

	// FaultIsFatal makes a queue terminated by FaultPolicyTerminate a fatal error of the unit.
	// Otherwise such a queue is only unregistered and the unit keeps running.
	FaultIsFatal bool
}

// NewRegistryUnit creates a RegistryUnit for reg.
func NewRegistryUnit(reg *Registry, faultIsFatal bool) *RegistryUnit {
	return &RegistryUnit{Registry: reg, FaultIsFatal: faultIsFatal}
}

// Start blocks until the registry is stopped. With FaultIsFatal it returns earlier,
// sending the first fault termination of a queue to fatalError.
func (u *RegistryUnit) Start(fatalError chan<- error) {
	if !u.FaultIsFatal {
		<-u.Registry.ctx.Done()
		return
	}
	select {
	case <-u.Registry.ctx.Done():
	case err := <-u.Registry.faults:
		fatalError <- err
	}
}

// Stop stops the registry and all of its queues.
func (u *RegistryUnit) Stop(gracefully bool) error {
	return u.Registry.Stop(gracefully)
}

// MustRegisterMetrics registers the registry's metrics.
func (u *RegistryUnit) MustRegisterMetrics() {
	u.Registry.MustRegisterMetrics()
}

// UnregisterMetrics unregisters the registry's metrics.
func (u *RegistryUnit) UnregisterMetrics() {
	u.Registry.UnregisterMetrics()
}
