/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

const minQueueCapacity = 16

// itemQueue is an unbounded FIFO ring buffer of work items. Not safe for concurrent use,
// it belongs to the controller goroutine.
type itemQueue struct {
	buf  []workItem
	head int
	size int
}

func (q *itemQueue) push(item workItem) {
	if q.size == len(q.buf) {
		capacity := 2 * len(q.buf)
		if capacity < minQueueCapacity {
			capacity = minQueueCapacity
		}
		q.resize(capacity)
	}
	q.buf[(q.head+q.size)%len(q.buf)] = item
	q.size++
}

func (q *itemQueue) pop() (workItem, bool) {
	if q.size == 0 {
		return workItem{}, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = workItem{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	if len(q.buf) > minQueueCapacity && q.size <= len(q.buf)/4 {
		q.resize(len(q.buf) / 2)
	}
	return item, true
}

func (q *itemQueue) len() int {
	return q.size
}

// reset drops all items without touching their reply handles and returns how many were dropped.
func (q *itemQueue) reset() int {
	n := q.size
	*q = itemQueue{}
	return n
}

func (q *itemQueue) resize(capacity int) {
	buf := make([]workItem, capacity)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
