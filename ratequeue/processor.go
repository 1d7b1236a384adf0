/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"fmt"
	"strings"
)

// Processor handles one drained payload at a time. It runs inside the controller's goroutine,
// so no other item is drained and no request is handled until it returns.
//
// A non-nil error (or a panic) is a processing fault, handled according to the controller's FaultPolicy.
type Processor interface {
	Process(ctx context.Context, payload interface{}) (Result, error)
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as Processor.
type ProcessorFunc func(ctx context.Context, payload interface{}) (Result, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, payload interface{}) (Result, error) {
	return f(ctx, payload)
}

// Result is the outcome of processing: either no reply or a reply carrying a value.
type Result struct {
	value    interface{}
	hasReply bool
}

// NoReply returns a Result without a reply.
func NoReply() Result {
	return Result{}
}

// ReplyWith returns a Result that replies with v (v may be nil).
func ReplyWith(v interface{}) Result {
	return Result{value: v, hasReply: true}
}

// Value returns the reply value and whether there is a reply at all.
func (r Result) Value() (interface{}, bool) {
	return r.value, r.hasReply
}

// FaultPolicy defines what a controller does when its Processor fails.
type FaultPolicy string

// Fault policies.
const (
	// FaultPolicyIsolate logs the fault, answers the waiting caller (if any) with *ProcessingError
	// and keeps draining.
	FaultPolicyIsolate FaultPolicy = "isolate"

	// FaultPolicyTerminate answers the waiting caller like FaultPolicyIsolate, then shuts the controller down
	// with the fault as reason. Run returns the fault.
	FaultPolicyTerminate FaultPolicy = "terminate"
)

// ParseFaultPolicy parses a policy name, case-insensitively. Empty string means FaultPolicyIsolate.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch p := FaultPolicy(strings.ToLower(s)); p {
	case "":
		return FaultPolicyIsolate, nil
	case FaultPolicyIsolate, FaultPolicyTerminate:
		return p, nil
	}
	return "", fmt.Errorf("unknown fault policy %q, should be one of [%s %s]", s, FaultPolicyIsolate, FaultPolicyTerminate)
}
