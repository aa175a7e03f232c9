package router

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed is returned by Pop once the queue is closed and fully
// drained.
var errQueueClosed = errors.New("event queue closed")

// queue is the buffered ordinary-event queue. It is FIFO, unbounded in
// principle, and owned by the router: the read loop pushes, exactly one
// live reader pops. Subscribing again bumps the generation, which
// invalidates any reader still blocked on the old one.
type queue struct {
	mu     sync.Mutex
	items  []map[string]any
	gen    int
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{})}
}

// push appends an event, preserving arrival order. It never blocks, so
// the read loop stays live regardless of consumer progress.
func (q *queue) push(msg map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, msg)
	q.broadcast()
}

// close marks the queue as finished. Buffered events remain poppable;
// readers see errQueueClosed only once the backlog is drained.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.broadcast()
}

// subscribe registers the caller as the sole live reader and returns
// its generation token. Any previous reader is invalidated.
func (q *queue) subscribe() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	q.broadcast()

	return q.gen
}

// pop returns the oldest buffered event, blocking until one arrives,
// the queue closes, the reader is superseded, or ctx is done.
func (q *queue) pop(ctx context.Context, gen int) (map[string]any, error) {
	for {
		q.mu.Lock()

		if q.gen != gen {
			q.mu.Unlock()

			return nil, errReaderSuperseded
		}

		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			return msg, nil
		}

		if q.closed {
			q.mu.Unlock()

			return nil, errQueueClosed
		}

		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// broadcast wakes all blocked readers. Callers must hold q.mu.
func (q *queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
