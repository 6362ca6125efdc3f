// Package eventloop runs callbacks one at a time on a single goroutine.
//
// The live session controller funnels every poll result, socket event and
// timer expiry through one Loop, so the state they touch never needs a lock.
// Producers do their blocking I/O on their own goroutines and Post the
// result back.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do once the loop has stopped.
var ErrClosed = errors.New("eventloop: closed")

const queueSize = 256

// Loop is a sequential executor.
type Loop struct {
	queue    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New returns a Loop that is not yet running.
func New() *Loop {
	return &Loop{
		queue: make(chan func(), queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes posted callbacks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post queues fn. It reports false when the loop has stopped and fn will
// never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.quit:
		return false
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Stop asks the loop to exit after the callback currently running. Queued
// callbacks are dropped. Safe to call more than once. Calling Wait from
// inside a callback deadlocks.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() { <-l.done }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
