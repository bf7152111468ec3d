// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/smallnest/chanx"
)

var ErrExecutorStopped = errors.New("executor stopped")

// Task is one unit of work run on the executor thread. ctx is marked as
// running on the worker, so nested Do calls made with it run inline.
type Task = func(ctx context.Context)

type workerKey struct{}

type job struct {
	fn   Task
	done chan struct{}
}

// Executor runs every driver call on one goroutine locked to one OS thread.
// Drivers may only be entered from the thread that opened them.
type Executor struct {
	logger   *slog.Logger
	queue    *chanx.UnboundedChan[job]
	lifetime context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
}

func NewExecutor(ctx context.Context, logger *slog.Logger) *Executor {
	lifetime, cancel := context.WithCancel(ctx)
	e := &Executor{
		logger:   logger,
		queue:    chanx.NewUnboundedChan[job](lifetime, 16),
		lifetime: lifetime,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.stopped)

	wctx := context.WithValue(e.lifetime, workerKey{}, e)
	for {
		select {
		case j, ok := <-e.queue.Out:
			if !ok {
				return
			}
			e.exec(wctx, j)
		case <-e.lifetime.Done():
			return
		}
	}
}

func (e *Executor) exec(ctx context.Context, j job) {
	defer func() {
		if j.done != nil {
			close(j.done)
		}
		if r := recover(); r != nil {
			e.logger.Error("Task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	j.fn(ctx)
}

// OnWorker reports whether ctx belongs to work already running on e.
func (e *Executor) OnWorker(ctx context.Context) bool {
	w, _ := ctx.Value(workerKey{}).(*Executor)
	return w == e
}

// Do runs fn on the worker and waits for it. Called from the worker, it runs
// fn inline.
func (e *Executor) Do(ctx context.Context, fn Task) error {
	if e.OnWorker(ctx) {
		fn(ctx)
		return nil
	}
	if e.isStopped() {
		return ErrExecutorStopped
	}
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case e.queue.In <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrExecutorStopped
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrExecutorStopped
	}
}

// Post queues fn without waiting. It is how continuations and device
// callbacks get back onto the worker.
func (e *Executor) Post(fn Task) error {
	if e.isStopped() {
		return ErrExecutorStopped
	}
	select {
	case e.queue.In <- job{fn: fn}:
		return nil
	case <-e.stopped:
		return ErrExecutorStopped
	}
}

func (e *Executor) isStopped() bool {
	select {
	case <-e.stopped:
		return true
	default:
		return false
	}
}

// Close stops the worker after the task in progress. Queued work is dropped.
func (e *Executor) Close() {
	e.cancel()
	<-e.stopped
}
