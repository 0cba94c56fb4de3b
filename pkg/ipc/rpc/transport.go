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

package rpc

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/containers"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	sideClient = "client"
	sideServer = "server"
)

// frameStream is what a client and a server stream have in common.
type frameStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
	Context() context.Context
}

// Transport is a channel carried by one gRPC stream. Frames received from
// the stream are handed to the bound receiver on the loop of the process.
//
// A transport is closed cleanly with a Goodbye frame in each direction. A
// stream that breaks before the peer said Goodbye is reported as an
// AbnormalShutdown.
type Transport struct {
	name   string
	side   string
	lp     *loop.Loop
	stream frameStream
	logger *zap.Logger

	// closeSend half-closes a client stream.
	closeSend func() error
	// cancelStream aborts a client stream. A server stream is torn down by
	// grpc once its handler returns.
	cancelStream context.CancelFunc
	// release frees the client connection after Run.
	release func()

	nextID atomic.Uint64
	sendQ  *containers.Deque[ipc.Frame]
	wakeCh chan struct{}

	// closing rejects new sends.
	closing       atomic.Bool
	closedLocally atomic.Bool
	// farewell is set when this side owes the peer a Goodbye.
	farewell atomic.Bool
	// notified is set once the receiver must not hear about the channel
	// closing anymore.
	notified atomic.Bool

	mu       sync.Mutex
	receiver ipc.Receiver
}

var _ ipc.Channel = (*Transport)(nil)

func newTransport(side string, lp *loop.Loop, stream frameStream, firstID uint64) *Transport {
	t := &Transport{
		name:   lp.Name() + "-" + side,
		side:   side,
		lp:     lp,
		stream: stream,
		sendQ:  containers.NewDeque[ipc.Frame](),
		wakeCh: make(chan struct{}, 1),
	}
	t.logger = log.L().With(zap.String("transport", t.name))
	t.nextID.Store(firstID)
	return t
}

// Bind sets the receiver of incoming frames.
func (t *Transport) Bind(r ipc.Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

func (t *Transport) getReceiver() ipc.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiver
}

// Send implements ipc.Channel.
func (t *Transport) Send(f ipc.Frame) error {
	if t.closing.Load() {
		return cerrors.ErrChannelClosed.GenWithStackByArgs()
	}
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	t.sendQ.Push(f)
	t.wake()
	return nil
}

// AllocateID implements ipc.Channel. Clients allocate odd ids and servers
// even ones.
func (t *Transport) AllocateID() ipc.ActorID {
	return ipc.ActorID(t.nextID.Add(2) - 2)
}

// Close implements ipc.Channel. Frames already sent are flushed before the
// Goodbye. The local receiver is not notified.
func (t *Transport) Close() error {
	if !t.closedLocally.CompareAndSwap(false, true) {
		return nil
	}
	t.notified.Store(true)
	t.farewell.Store(true)
	t.closing.Store(true)
	t.wake()
	return nil
}

func (t *Transport) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// Run pumps frames in both directions until the stream ends. ctx being done
// is treated as losing the peer.
func (t *Transport) Run(ctx context.Context) error {
	transportStreamGauge.WithLabelValues(t.side).Inc()
	defer transportStreamGauge.WithLabelValues(t.side).Dec()
	defer transportSendQueueGauge.DeleteLabelValues(t.name)
	if t.release != nil {
		defer t.release()
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	go func() { sendDone <- t.sendLoop(sendCtx) }()
	go func() { recvDone <- t.recvLoop() }()

	for {
		select {
		case err := <-recvDone:
			cancel()
			if sendDone != nil {
				<-sendDone
			}
			return err
		case err := <-sendDone:
			sendDone = nil
			if err != nil {
				t.logger.Warn("failed to write to transport stream", zap.Error(err))
				t.shutdown(ipc.AbnormalShutdown)
				return t.abort(recvDone, err)
			}
			// Nothing more to write, wait for the peer to finish.
		case <-ctx.Done():
			t.shutdown(ipc.AbnormalShutdown)
			return t.abort(recvDone, errors.Trace(ctx.Err()))
		}
	}
}

// abort stops the receive loop of a client stream. The receive loop of a
// server stream ends when the handler returns, so it is not waited for.
func (t *Transport) abort(recvDone <-chan error, err error) error {
	if t.cancelStream != nil {
		t.cancelStream()
		<-recvDone
	}
	return err
}

func (t *Transport) sendLoop(ctx context.Context) error {
	for {
		for _, f := range t.sendQ.PopAll() {
			if err := t.stream.SendMsg(&f); err != nil {
				return cerrors.WrapError(cerrors.ErrTransportStream, err)
			}
		}
		transportSendQueueGauge.WithLabelValues(t.name).Set(float64(t.sendQ.Size()))
		if t.closing.Load() && t.sendQ.Size() == 0 {
			if t.farewell.Load() {
				return t.sendGoodbye()
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.wakeCh:
		}
	}
}

func (t *Transport) sendGoodbye() error {
	goodbye := ipc.Frame{Actor: ipc.ControlActorID, Kind: ipc.KindControl, Tag: ipc.TagGoodbye}
	if err := t.stream.SendMsg(&goodbye); err != nil {
		return cerrors.WrapError(cerrors.ErrTransportStream, err)
	}
	if t.closeSend != nil {
		if err := t.closeSend(); err != nil {
			return cerrors.WrapError(cerrors.ErrTransportStream, err)
		}
	}
	t.logger.Debug("goodbye sent")
	return nil
}

func (t *Transport) recvLoop() error {
	goodbye := false
	for {
		var f ipc.Frame
		if err := t.stream.RecvMsg(&f); err != nil {
			if goodbye || t.closedLocally.Load() {
				return nil
			}
			t.logger.Warn("transport stream broken", zap.Error(err))
			t.shutdown(ipc.AbnormalShutdown)
			return cerrors.WrapError(cerrors.ErrTransportStream, err)
		}
		if f.Kind == ipc.KindControl && f.Tag == ipc.TagGoodbye {
			goodbye = true
			t.farewell.Store(true)
			t.shutdown(ipc.NormalShutdown)
			continue
		}
		if t.closedLocally.Load() {
			continue
		}
		t.lp.Dispatch(func() {
			if r := t.getReceiver(); r != nil {
				ipc.ObserveReceived(f)
				r.OnFrame(f)
			}
		})
	}
}

// shutdown stops accepting sends and tells the receiver, once, that the
// channel is gone.
func (t *Transport) shutdown(reason ipc.DestroyReason) {
	t.closing.Store(true)
	t.wake()
	if !t.notified.CompareAndSwap(false, true) {
		return
	}
	t.logger.Info("transport closed", zap.Stringer("reason", reason))
	t.lp.Dispatch(func() {
		if r := t.getReceiver(); r != nil {
			r.OnChannelClosed(reason)
		}
	})
}
