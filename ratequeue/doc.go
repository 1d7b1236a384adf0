/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratequeue throttles bursty work from many callers down to a fixed pace.
//
// A Controller buffers work items in an unbounded FIFO queue and, on every tick of its timer,
// hands at most one item to a user-supplied Processor. Items may be enqueued in two ways:
//
//   - EnqueueAsync: fire-and-forget, returns as soon as the item is accepted;
//   - EnqueueBlocking: the caller waits until its item is drained and receives the value
//     the Processor replied with. The controller never times such calls out,
//     the caller's context is the only way to stop waiting.
//
// All state of a Controller (queue, current rate, pending timer) is owned by a single goroutine (Run),
// which serializes enqueue requests, rate changes, ticks and shutdown. SetRate takes effect when the
// next tick is scheduled, the timer already in flight is never re-armed.
//
// On shutdown, items still in the queue are discarded and blocking callers waiting for them
// are not answered.
//
// Registry gives controllers names, so callers can address them without holding a *Controller.
package ratequeue
