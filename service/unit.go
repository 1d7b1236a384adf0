/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs long-living components (units) until the process is asked to stop.
package service

// Unit is a component with its own lifecycle.
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the whole unit's lifetime.
	// A fatal error is reported by sending it to fatalErr before Start returns, and nothing is sent on success.
	Start(fatalErr chan<- error)

	// Stop stops the unit, cleanly if gracefully is true.
	// It may be called whether Start is still running, has failed or has returned.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units exposing their own Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
