// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package loop

import (
	"context"
	"sync"

	"github.com/petermattis/goid"
	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/containers"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	unbound              = int64(0)
	defaultWarnThreshold = 4096
)

// Loop is a FIFO task executor owned by a single goroutine. It stands in
// for the main thread of a process: every actor state transition and every
// send of an actor happens in a task of the loop that owns the actor.
//
// Any goroutine may Dispatch tasks. The owner is bound the first time Run or
// Poll is called and never changes afterwards.
type Loop struct {
	name  string
	tasks *containers.Deque[func()]
	ready chan struct{}

	owner atomic.Int64

	// mu orders pushes against Close, so an accepted task is always seen by
	// the final Poll of Run.
	mu     sync.Mutex
	closed atomic.Bool

	closeOnce sync.Once
	closeCh   chan struct{}

	warnThreshold int
	warned        atomic.Bool
}

// Option customizes a Loop.
type Option func(*Loop)

// WithWarnThreshold makes the loop log a warning when more than n tasks are
// pending.
func WithWarnThreshold(n int) Option {
	return func(l *Loop) {
		l.warnThreshold = n
	}
}

// New creates a new loop.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:          name,
		tasks:         containers.NewDeque[func()](),
		ready:         make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		warnThreshold: defaultWarnThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the name of the loop.
func (l *Loop) Name() string {
	return l.name
}

// Dispatch enqueues fn to be run on the loop. It returns false if the loop
// has been closed, in which case fn will never run.
func (l *Loop) Dispatch(fn func()) bool {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return false
	}
	l.tasks.Push(fn)
	l.mu.Unlock()
	loopTaskCounter.WithLabelValues(l.name).Inc()

	if n := l.tasks.Size(); n > l.warnThreshold {
		if l.warned.CompareAndSwap(false, true) {
			log.Warn("too many pending tasks in loop",
				zap.String("loop", l.name), zap.Int("pending", n))
		}
	} else {
		l.warned.Store(false)
	}

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return true
}

// DispatchSync runs fn on the loop and waits for it to return. Called from
// the owner it runs fn inline.
func (l *Loop) DispatchSync(ctx context.Context, fn func()) error {
	if l.IsOnLoop() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if !l.Dispatch(func() {
		defer close(done)
		fn()
	}) {
		return cerrors.ErrLoopClosed.GenWithStackByArgs(l.name)
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-done:
		return nil
	}
}

// bind makes the calling goroutine the owner of the loop.
func (l *Loop) bind() {
	id := goid.Get()
	if l.owner.CompareAndSwap(unbound, id) {
		return
	}
	if owner := l.owner.Load(); owner != id {
		log.Panic("loop is already owned by another goroutine",
			zap.String("loop", l.name),
			zap.Int64("owner", owner),
			zap.Int64("caller", id))
	}
}

// IsOnLoop returns whether the caller is the goroutine that owns the loop.
func (l *Loop) IsOnLoop() bool {
	return l.owner.Load() == goid.Get()
}

// AssertOnLoop panics if the caller is not the goroutine that owns the loop.
func (l *Loop) AssertOnLoop() {
	if !l.IsOnLoop() {
		log.Panic("must be called on the owning loop",
			zap.String("loop", l.name),
			zap.Int64("owner", l.owner.Load()),
			zap.Int64("caller", goid.Get()))
	}
}

// Poll runs pending tasks on the calling goroutine until the queue is empty,
// including tasks enqueued by the tasks it runs, and returns how many ran.
func (l *Loop) Poll() int {
	l.bind()
	n := 0
	for {
		task, ok := l.tasks.Pop()
		if !ok {
			return n
		}
		task()
		n++
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	return l.tasks.Size()
}

// Run runs tasks on the calling goroutine until ctx is done or the loop is
// closed. Tasks queued before Close still run.
func (l *Loop) Run(ctx context.Context) error {
	l.bind()
	log.Debug("loop started", zap.String("loop", l.name))
	defer log.Debug("loop exited", zap.String("loop", l.name))
	for {
		l.Poll()
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-l.closeCh:
			l.Poll()
			return nil
		case <-l.ready:
		}
	}
}

// Close stops the loop from accepting new tasks and makes Run return.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed.Store(true)
		l.mu.Unlock()
		close(l.closeCh)
	})
}

// IsClosed returns whether Close has been called.
func (l *Loop) IsClosed() bool {
	return l.closed.Load()
}
