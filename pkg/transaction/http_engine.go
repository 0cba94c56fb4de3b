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
	"context"
	"io"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/clock"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultChunkSize = 32 * 1024

// HTTPEngine runs HTTP transactions with a resty client, streaming response
// bodies in chunks.
type HTTPEngine struct {
	client    *resty.Client
	chunkSize int
	clock     clock.Clock
}

// HTTPEngineOption customizes an HTTPEngine.
type HTTPEngineOption func(*HTTPEngine)

// WithChunkSize sets the largest chunk handed to OnData.
func WithChunkSize(n int) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithClock sets the clock used for timings.
func WithClock(c clock.Clock) HTTPEngineOption {
	return func(e *HTTPEngine) {
		e.clock = c
	}
}

// WithTimeout sets the timeout of a whole transaction.
func WithTimeout(d time.Duration) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if d > 0 {
			e.client.SetTimeout(d)
		}
	}
}

// NewHTTPEngine creates an HTTPEngine.
func NewHTTPEngine(opts ...HTTPEngineOption) *HTTPEngine {
	e := &HTTPEngine{
		client:    resty.New().SetLogger(log.L().Sugar()),
		chunkSize: defaultChunkSize,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CloseIdleConnections closes the idle keep-alive connections of the
// client.
func (e *HTTPEngine) CloseIdleConnections() {
	e.client.GetClient().CloseIdleConnections()
}

// NewTransaction implements Engine.
func (e *HTTPEngine) NewTransaction(args *InitArgs, obs Observer) (Transaction, error) {
	u, err := url.Parse(args.URL)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrInvalidArgument, err, "url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, cerrors.ErrInvalidArgument.GenWithStackByArgs("unsupported scheme " + u.Scheme)
	}
	method := args.Method
	if method == "" {
		method = resty.MethodGet
	}
	return &httpTransaction{
		engine: e,
		args:   args,
		method: method,
		obs:    obs,
		gate:   newSuspendGate(),
	}, nil
}

type httpTransaction struct {
	engine *HTTPEngine
	args   *InitArgs
	method string
	obs    Observer
	gate   *suspendGate

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelCauseFunc
}

func (t *httpTransaction) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transaction already started")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	t.cancel = cancel
	go func() {
		defer cancel(nil)
		t.run(ctx)
	}()
	return nil
}

func (t *httpTransaction) Suspend() { t.gate.Suspend() }

func (t *httpTransaction) Resume() { t.gate.Resume() }

func (t *httpTransaction) Cancel(reason error) bool {
	if !t.started.Load() || t.stopped.Load() {
		return false
	}
	t.cancel(reason)
	return true
}

func (t *httpTransaction) run(ctx context.Context) {
	start := t.engine.clock.Now()
	t.obs.OnTransportStatus(&TransportStatusArgs{Status: StatusResolving})

	req := t.engine.client.R().
		SetContext(ctx).
		EnableTrace().
		SetDoNotParseResponse(true).
		SetHeaderMultiValues(t.args.Header)
	if len(t.args.Body) > 0 {
		req.SetBody(t.args.Body)
	}
	resp, err := req.Execute(t.method, t.args.URL)
	if err != nil {
		status := t.mapError(ctx, err)
		t.obs.OnStart(status, &StartMeta{})
		t.stop(status, &StopMeta{Timings: Timings{RequestStart: start}})
		return
	}
	body := resp.RawBody()
	defer body.Close()

	trace := resp.Request.TraceInfo()
	var peer string
	if trace.RemoteAddr != nil {
		peer = trace.RemoteAddr.String()
	}
	contentLength := resp.RawResponse.ContentLength
	t.obs.OnTransportStatus(&TransportStatusArgs{Status: StatusConnectedTo, PeerAddr: peer})
	t.obs.OnStart(nil, &StartMeta{
		Head: &ResponseHead{
			StatusCode: resp.StatusCode(),
			Proto:      resp.Proto(),
			Header:     resp.Header(),
		},
	})

	meta := &StopMeta{
		Timings: Timings{
			RequestStart: start,
			DNSLookup:    trace.DNSLookup,
			Connect:      trace.ConnTime,
			Server:       trace.ServerTime,
		},
	}
	buf := make([]byte, t.engine.chunkSize)
	var offset uint64
	for {
		if err := t.gate.Wait(ctx); err != nil {
			meta.TransferSize = int64(offset)
			t.stop(t.mapError(ctx, err), meta)
			return
		}
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.obs.OnData(chunk, offset)
			offset += uint64(n)
			t.obs.OnTransportStatus(&TransportStatusArgs{
				Status:      StatusReceivingFrom,
				Progress:    int64(offset),
				ProgressMax: contentLength,
				PeerAddr:    peer,
			})
		}
		if err == io.EOF {
			meta.ResponseComplete = true
			meta.TransferSize = int64(offset)
			meta.Trailers = resp.RawResponse.Trailer
			meta.Timings.Total = t.engine.clock.Since(start)
			t.stop(nil, meta)
			return
		}
		if err != nil {
			meta.TransferSize = int64(offset)
			meta.Timings.Total = t.engine.clock.Since(start)
			t.stop(t.mapError(ctx, err), meta)
			return
		}
	}
}

func (t *httpTransaction) stop(status error, meta *StopMeta) {
	t.stopped.Store(true)
	t.obs.OnStop(status, meta)
}

// mapError turns a transport error into a request status.
func (t *httpTransaction) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
			return cause
		}
		return cerrors.ErrAborted.FastGenByArgs()
	}
	if cerrors.Is(err, syscall.ECONNREFUSED) {
		return cerrors.ErrConnectionRefused.FastGenByArgs()
	}
	log.Debug("http transaction failed", zap.String("url", t.args.URL), zap.Error(err))
	return cerrors.WrapError(cerrors.ErrNetworkFailure, err)
}

// suspendGate blocks the read pump while suspended. Suspensions are
// counted.
type suspendGate struct {
	mu      sync.Mutex
	count   int
	resumed chan struct{}
}

func newSuspendGate() *suspendGate {
	return &suspendGate{}
}

func (g *suspendGate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	if g.count == 1 {
		g.resumed = make(chan struct{})
	}
}

func (g *suspendGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count == 0 {
		return
	}
	g.count--
	if g.count == 0 {
		close(g.resumed)
	}
}

// Wait returns once the gate is open, or with the cause of ctx when ctx is
// done first.
func (g *suspendGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.count == 0 {
			g.mu.Unlock()
			return ctx.Err()
		}
		resumed := g.resumed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-resumed:
		}
	}
}
