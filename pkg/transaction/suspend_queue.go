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

package transaction

import (
	"github.com/pingcap/ipcbridge/pkg/containers"
)

// SuspendQueue holds listener callbacks deferred while a request is
// suspended. Callbacks run in the order they were pushed.
type SuspendQueue struct {
	items    *containers.Deque[func()]
	draining bool
}

// NewSuspendQueue creates an empty queue.
func NewSuspendQueue() *SuspendQueue {
	return &SuspendQueue{items: containers.NewDeque[func()]()}
}

// Push appends fn.
func (q *SuspendQueue) Push(fn func()) {
	q.items.Push(fn)
	suspendQueueDepthGauge.Inc()
}

// Len returns the number of deferred callbacks.
func (q *SuspendQueue) Len() int {
	return q.items.Size()
}

// Draining returns whether a Drain is in progress.
func (q *SuspendQueue) Draining() bool {
	return q.draining
}

// Drain runs deferred callbacks while runnable returns true, checking it
// again after every callback, and returns how many ran. A Drain called from
// inside a callback returns immediately.
func (q *SuspendQueue) Drain(runnable func() bool) int {
	if q.draining {
		return 0
	}
	q.draining = true
	defer func() { q.draining = false }()

	n := 0
	for runnable() {
		fn, ok := q.items.Pop()
		if !ok {
			break
		}
		suspendQueueDepthGauge.Dec()
		fn()
		n++
	}
	return n
}

// Clear drops every deferred callback.
func (q *SuspendQueue) Clear() {
	dropped := q.items.PopAll()
	suspendQueueDepthGauge.Sub(float64(len(dropped)))
}
