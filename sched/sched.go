// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sched implements a cooperative event loop.
//
// A Loop executes posted tasks one at a time, in the order they were posted,
// on a single goroutine. State owned by a loop may be read and modified by its
// tasks without further synchronization. Blocking work does not belong on the
// loop: start it elsewhere and post its result back with Post.
//
// Timers created by After also run their functions on the loop. A timer that
// has been stopped never runs, even if it had already expired and its task was
// waiting in the queue.
package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// ErrStopped is reported by Call when the loop no longer accepts tasks.
var ErrStopped = errors.New("loop stopped")

// A Loop is a serial executor for tasks. Use New to construct a running loop.
type Loop struct {
	wake  chan struct{}
	tasks *taskgroup.Group

	μ       sync.Mutex
	queue   []func()
	stopped bool
}

// New constructs a new Loop and starts its goroutine. The caller must
// eventually call Stop to release the goroutine.
func New() *Loop {
	l := &Loop{wake: make(chan struct{}, 1), tasks: taskgroup.New(nil)}
	l.tasks.Go(l.run)
	return l
}

func (l *Loop) run() error {
	for {
		l.μ.Lock()
		next, stopped := l.queue, l.stopped
		l.queue = nil
		l.μ.Unlock()

		for _, task := range next {
			task()
		}
		if len(next) != 0 {
			continue
		} else if stopped {
			return nil
		}
		<-l.wake
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post adds f to the end of the task queue and returns without waiting for it
// to run. It reports false without queueing f if the loop has been stopped.
// Post is safe to call from any goroutine, including from a task.
func (l *Loop) Post(f func()) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, f)
	l.signal()
	return true
}

// Call posts f and blocks until it has run. It reports ErrStopped if the loop
// does not accept the task. Call must not be used from a task of the same
// loop, as it would wait for itself.
func (l *Loop) Call(f func()) error {
	done := make(chan struct{})
	if !l.Post(func() { defer close(done); f() }) {
		return ErrStopped
	}
	<-done
	return nil
}

// Quit stops the loop from accepting new tasks. Tasks already queued still
// run. Quit does not wait for the loop to exit; use Wait for that.
func (l *Loop) Quit() {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.stopped = true
	l.signal()
}

// Wait blocks until the loop has exited after a call to Quit.
func (l *Loop) Wait() { l.tasks.Wait() }

// Stop is shorthand for Quit followed by Wait. It must not be called from a
// task of the same loop.
func (l *Loop) Stop() { l.Quit(); l.Wait() }

// A Timer is a pending function scheduled on a loop by After.
type Timer struct {
	t    *time.Timer
	dead atomic.Bool
}

// After arranges for f to be posted to the loop once d has elapsed.
func (l *Loop) After(d time.Duration, f func()) *Timer {
	tm := new(Timer)
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.dead.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether this call prevented the timer's
// function from running. Stop is safe to call on a nil *Timer, and reports
// false.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.t.Stop()
	return t.dead.CompareAndSwap(false, true)
}
