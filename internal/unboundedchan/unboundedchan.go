// Package unboundedchan provides a queue with channel ends, so that producers of
// client updates never block on a slow publisher.
package unboundedchan

import "sync/atomic"

// UnboundedChannel is an unbounded FIFO queue whose data enter and leave through channels.
// Use pointers or small values for T: every queued element is held by value.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	head    int          // index of the oldest queued element
	pending atomic.Int64 // elements received but not yet delivered
	maxLen  atomic.Int64 // high-water mark of pending
}

// NewUnboundedChannel creates an UnboundedChannel and starts its forwarding goroutine.
// Closing In() makes Out() deliver everything queued and then close.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	n := uc.pending.Add(1)
	if n > uc.maxLen.Load() {
		uc.maxLen.Store(n)
	}
}

func (uc *UnboundedChannel[T]) pop() {
	var zero T
	uc.queue[uc.head] = zero
	uc.head++
	uc.pending.Add(-1)
	if uc.head == len(uc.queue) {
		// Reuse the backing array once the queue drains.
		uc.queue = uc.queue[:0]
		uc.head = 0
	}
}

func (uc *UnboundedChannel[T]) run() {
	defer close(uc.out)
	for {
		if uc.head == len(uc.queue) {
			val, ok := <-uc.in
			if !ok {
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[uc.head]:
			uc.pop()
		case val, ok := <-uc.in:
			if !ok {
				for uc.head < len(uc.queue) {
					uc.out <- uc.queue[uc.head]
					uc.pop()
				}
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel for sending data
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len returns the number of elements waiting in the queue.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.pending.Load())
}

// MaxLen returns the largest number of elements that have waited at once.
func (uc *UnboundedChannel[T]) MaxLen() int {
	return int(uc.maxLen.Load())
}
