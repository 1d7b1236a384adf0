/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"time"

	"github.com/rs/xid"
)

// EnqueueRequest asks the controller to queue Payload.
// Sent with Cast it is fire-and-forget, sent with Call the caller waits for the reply.
type EnqueueRequest struct {
	Payload interface{}
}

// SetRateRequest asks the controller to use Rate for scheduling ticks from now on.
// It is only accepted through Cast.
type SetRateRequest struct {
	Rate time.Duration
}

type callResult struct {
	value interface{}
	err   error
}

// replyHandle represents a caller suspended in Call. The channel is buffered,
// so completing never blocks the controller even if the caller has gone away.
type replyHandle struct {
	ch        chan callResult
	completed bool
}

func newReplyHandle() *replyHandle {
	return &replyHandle{ch: make(chan callResult, 1)}
}

// complete delivers the result at most once. Only the controller goroutine calls it.
func (h *replyHandle) complete(res callResult) {
	if h.completed {
		return
	}
	h.completed = true
	h.ch <- res
}

type workItem struct {
	id         xid.ID
	payload    interface{}
	reply      *replyHandle
	enqueuedAt time.Time
}

func (it *workItem) mode() string {
	if it.reply != nil {
		return EnqueueModeBlocking
	}
	return EnqueueModeAsync
}
