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

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

// MonotonicTime is a reading of a monotonic clock, measured from an
// arbitrary origin. Only differences between readings are meaningful.
type MonotonicTime time.Duration

// Sub returns the time elapsed from earlier to m.
func (m MonotonicTime) Sub(earlier MonotonicTime) time.Duration {
	return time.Duration(m - earlier)
}

// MonoNow reads the system monotonic clock.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Clock is the time source of watchdogs, request timings and timed
// resumes. Mono must never go backwards.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type systemClock struct {
	bclock.Clock
}

func (systemClock) Mono() MonotonicTime {
	return MonoNow()
}

// New returns the system clock.
func New() Clock {
	return systemClock{Clock: bclock.New()}
}

// Mock is a Clock that moves only when Add or Set is called. Its monotonic
// reading follows its wall time.
type Mock struct {
	*bclock.Mock
}

var _ Clock = (*Mock)(nil)

// NewMock returns a Mock clock at the unix epoch.
func NewMock() *Mock {
	return &Mock{Mock: bclock.NewMock()}
}

// Mono implements Clock.
func (m *Mock) Mono() MonotonicTime {
	return MonotonicTime(m.Now().UnixNano())
}
