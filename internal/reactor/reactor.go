// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package reactor provides the single sequential evaluation context the
// capture guide runs on. Sensor samples, timer fires, commands and capture
// completions are all posted to a reactor and run one at a time.
package reactor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize bounds the number of callbacks waiting to run.
const DefaultQueueSize = 1024

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running if it has not run yet.
	Stop() bool
}

// Reactor serializes callbacks onto one evaluation context.
type Reactor interface {
	// Now is the reactor's clock.
	Now() time.Time
	// Post queues fn to run on the reactor.
	Post(fn func())
	// AfterFunc runs fn on the reactor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs work off the reactor. The function it returns, if any, is
	// posted back to the reactor.
	Go(work func() func())
}

// Loop is a Reactor backed by a goroutine and the wall clock.
type Loop struct {
	queue chan func()

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewLoop creates a loop. Call Run to start dispatching.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		queue:  make(chan func(), queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run starts the dispatch goroutine.
func (l *Loop) Run() {
	if l.running.Swap(true) {
		return
	}
	l.wg.Add(1)
	go l.dispatchLoop()
}

// Close stops the loop and waits for the running callback to return.
// Callbacks still queued are dropped.
func (l *Loop) Close() {
	l.cancel()
	l.wg.Wait()
}

// Done is closed once the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop is closed.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.ctx.Done():
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Go runs work on its own goroutine and posts its continuation back.
func (l *Loop) Go(work func() func()) {
	go func() {
		if next := work(); next != nil {
			l.Post(next)
		}
	}()
}

func (l *Loop) dispatchLoop() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.queue:
			l.dispatch(fn)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("reactor: callback panicked: %v", r)
		}
	}()
	fn()
}

// Call runs fn on r and waits for it to finish. It must not be called from
// a callback already running on r.
func Call(r Reactor, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		defer close(done)
		fn()
	})
	if l, ok := r.(*Loop); ok {
		select {
		case <-done:
		case <-l.Done():
		}
		return
	}
	<-done
}
