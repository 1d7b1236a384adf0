/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides a log.FieldLogger that records entries, so tests can assert
// on what a rate queue reported (anomalies, faults, termination).
package logtest
