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

package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = 10 * time.Millisecond
	defaultMaxDelay  = 100 * time.Millisecond
	defaultMaxTries  = 3
)

// Option tunes the policy of Do.
type Option func(*policy)

// policy says how often and how patiently Do retries. maxTries == 0 retries
// until the operation succeeds or the context is done.
type policy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	maxTries  int
	retryable func(error) bool
}

func newPolicy(opts []Option) *policy {
	p := &policy{
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		maxTries:  defaultMaxTries,
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

func (p *policy) exhausted(tries int) bool {
	return p.maxTries > 0 && tries >= p.maxTries
}

// backoff is the pause after the given failed try: exponential growth with
// full jitter, kept within [baseDelay, maxDelay].
func (p *policy) backoff(try int) time.Duration {
	ceiling := math.Min(float64(p.maxDelay), float64(p.baseDelay)*math.Exp2(float64(try)))
	half := int64(ceiling / 2)
	if half <= 0 {
		half = 1
	}
	d := time.Duration(half + rand.Int63n(half))
	if d > p.maxDelay {
		return p.maxDelay
	}
	if d < p.baseDelay {
		return p.baseDelay
	}
	return d
}

// WithBackoffBaseDelay sets the shortest pause between tries.
func WithBackoffBaseDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithBackoffMaxDelay sets the longest pause between tries.
func WithBackoffMaxDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.maxDelay = d
		}
	}
}

// WithMaxTries bounds the number of calls of the operation.
func WithMaxTries(tries int) Option {
	return func(p *policy) {
		if tries > 0 {
			p.maxTries = tries
		}
	}
}

// WithInfiniteTries retries until success or until the context is done.
func WithInfiniteTries() Option {
	return func(p *policy) {
		p.maxTries = 0
	}
}

// WithIsRetryableErr makes Do give up at once on errors f rejects.
func WithIsRetryableErr(f func(error) bool) Option {
	return func(p *policy) {
		if f != nil {
			p.retryable = f
		}
	}
}
