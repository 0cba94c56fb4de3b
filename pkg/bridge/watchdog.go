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

package bridge

import (
	"context"
	"time"

	"github.com/pingcap/ipcbridge/pkg/clock"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Watchdog keeps a channel alive with keepalive frames and treats a peer
// that has been silent for longer than its TTL as crashed.
type Watchdog struct {
	p        *Process
	clock    clock.Clock
	interval time.Duration
	ttl      time.Duration

	// lastSeen is the monotonic time of the last frame from the peer.
	lastSeen atomic.Int64
	fired    atomic.Bool
}

// NewWatchdog creates a watchdog for p. Keepalives are sent every interval.
func NewWatchdog(p *Process, clk clock.Clock, interval, ttl time.Duration) *Watchdog {
	w := &Watchdog{
		p:        p,
		clock:    clk,
		interval: interval,
		ttl:      ttl,
	}
	w.Touch()
	return w
}

// Touch records that the peer is alive.
func (w *Watchdog) Touch() {
	w.lastSeen.Store(int64(w.clock.Mono()))
}

// Fired returns whether the peer was declared dead.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}

// Run sends keepalives until ctx is done or the peer is declared dead.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.tick() {
				return nil
			}
		}
	}
}

// tick checks the peer and sends a keepalive. It returns false once the
// peer has been declared dead.
func (w *Watchdog) tick() bool {
	if w.fired.Load() {
		return false
	}
	silent := w.clock.Mono().Sub(clock.MonotonicTime(w.lastSeen.Load()))
	if silent > w.ttl {
		w.fired.Store(true)
		w.p.logger.Warn("peer silent for too long, treating it as crashed",
			zap.Duration("silent", silent), zap.Duration("ttl", w.ttl))
		w.p.main.Dispatch(w.p.onPeerHung)
		return false
	}
	w.p.main.Dispatch(func() {
		if w.p.ch == nil {
			return
		}
		err := w.p.ch.Send(ipc.Frame{Actor: ipc.ControlActorID, Kind: ipc.KindControl, Tag: ipc.TagKeepalive})
		if err == nil {
			keepaliveCounter.WithLabelValues(w.p.name).Inc()
		}
	})
	return true
}
