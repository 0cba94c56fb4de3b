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

package util

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/bridge"
	"github.com/pingcap/ipcbridge/pkg/clock"
	"github.com/pingcap/ipcbridge/pkg/config"
	"github.com/pingcap/ipcbridge/pkg/dns"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/ipc/rpc"
	"github.com/pingcap/ipcbridge/pkg/retry"
	"github.com/pingcap/ipcbridge/pkg/transaction"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = time.Second
	dialMaxTries    = 10
)

// SocketProcess is a process serving HTTP transactions and lookups to its
// parent.
type SocketProcess struct {
	*bridge.Process
	engine *transaction.HTTPEngine
}

// NewSocketProcess creates a socket process configured by cfg. Its
// channel is attached by the caller.
func NewSocketProcess(name string, cfg *config.Config) *SocketProcess {
	p := bridge.NewProcess(name)
	engine := transaction.NewHTTPEngine(
		transaction.WithChunkSize(cfg.HTTP.ChunkSize),
		transaction.WithTimeout(cfg.HTTP.Timeout))
	resolver := dns.WithTimeout(dns.NewNetResolver(nil), cfg.DNS.Timeout)
	p.RegisterFactory(ipc.KindHTTPTransaction,
		transaction.NewFactory(p.MainLoop(), engine, p.DataBridges()))
	p.RegisterFactory(ipc.KindDNSRequest, dns.NewFactory(p.MainLoop(), resolver))
	return &SocketProcess{Process: p, engine: engine}
}

// NewWatchdog creates the watchdog cfg asks for, or nil.
func NewWatchdog(p *bridge.Process, cfg *config.Config) *bridge.Watchdog {
	if !cfg.Watchdog.Enable {
		return nil
	}
	return bridge.NewWatchdog(p, clock.New(), cfg.Watchdog.Interval, cfg.Watchdog.TTL)
}

// Close closes the process and its idle connections.
func (s *SocketProcess) Close() error {
	err := s.Process.Close()
	s.engine.CloseIdleConnections()
	return err
}

// Session is a parent process connected to a socket process. The socket
// process runs in-process over a pipe, or remotely over gRPC when the
// config names its address.
type Session struct {
	Parent *bridge.Process
	socket *SocketProcess

	g      *errgroup.Group
	cancel context.CancelFunc
}

// NewSession starts the processes of a session.
func NewSession(ctx context.Context, cfg *config.Config) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		Parent: bridge.NewProcess("parent"),
		cancel: cancel,
	}
	s.g, ctx = errgroup.WithContext(ctx)

	if cfg.SocketProcessAddr == "" {
		s.socket = NewSocketProcess("socket", cfg)
		pe, se := ipc.NewPipe(s.Parent.MainLoop(), s.socket.MainLoop())
		s.Parent.Attach(pe)
		s.socket.Attach(se)
		if w := NewWatchdog(s.socket.Process, cfg); w != nil {
			s.socket.EnableWatchdog(w)
		}
		s.g.Go(func() error { return s.socket.Run(ctx) })
	} else {
		var t *rpc.Transport
		// The socket process may still be starting.
		err := retry.Do(ctx, func() error {
			var err error
			t, err = rpc.Dial(ctx, cfg.SocketProcessAddr, s.Parent.MainLoop())
			return err
		}, retry.WithBackoffBaseDelay(dialBackoffBase),
			retry.WithBackoffMaxDelay(dialBackoffMax),
			retry.WithMaxTries(dialMaxTries),
			retry.WithIsRetryableErr(func(err error) bool {
				return cerrors.Is(err, cerrors.ErrTransportUnavailable)
			}))
		if err != nil {
			cancel()
			return nil, errors.Trace(err)
		}
		s.Parent.Attach(t)
		s.g.Go(func() error { return t.Run(ctx) })
	}
	if w := NewWatchdog(s.Parent, cfg); w != nil {
		s.Parent.EnableWatchdog(w)
	}
	s.g.Go(func() error { return s.Parent.Run(ctx) })
	log.Info("session started",
		zap.String("socket-process", cfg.SocketProcessAddr),
		zap.Bool("in-process", s.socket != nil))
	return s, nil
}

// Do runs fn on the main loop of the parent and waits for it.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.Parent.MainLoop().DispatchSync(ctx, fn)
}

// Status reports the number of live actors of each process.
func (s *Session) Status(ctx context.Context) map[string]interface{} {
	status := make(map[string]interface{})
	if err := s.Do(ctx, func() { status["parent_actors"] = s.Parent.ActorCount() }); err != nil {
		status["parent_error"] = err.Error()
	}
	if s.socket != nil {
		err := s.socket.MainLoop().DispatchSync(ctx, func() {
			status["socket_actors"] = s.socket.ActorCount()
		})
		if err != nil {
			status["socket_error"] = err.Error()
		}
	}
	return status
}

// Close shuts both processes down and waits for them up to timeout.
func (s *Session) Close(timeout time.Duration) error {
	err := s.Parent.Close()
	if s.socket != nil {
		err = multierr.Append(err, s.socket.Close())
	}
	done := make(chan error, 1)
	go func() { done <- s.g.Wait() }()
	select {
	case e := <-done:
		err = multierr.Append(err, e)
	case <-time.After(timeout):
		log.Warn("session did not stop in time, forcing shutdown", zap.Duration("timeout", timeout))
		s.cancel()
		err = multierr.Append(err, <-done)
	}
	s.cancel()
	return err
}
