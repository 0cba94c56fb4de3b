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
	"fmt"
	"net/http"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Handler is the worker side of a transaction. It runs the transaction on
// an Engine and reports its progress to the Shell.
//
// Handler state is owned by the loop. Engine callbacks arrive on other
// goroutines and are dispatched to the loop before they touch the actor.
type Handler struct {
	lp     *loop.Loop
	engine Engine
	sink   DataSink
	logger *zap.Logger

	// actor is cleared once released, after which engine callbacks are
	// swallowed.
	actor *ipc.ActorHandle

	args          *InitArgs
	txn           Transaction
	ctx           context.Context
	cancel        context.CancelFunc
	pumping       bool
	suspendCount  int
	pendingCancel error
	stopSent      bool

	// bridgeable is only touched from engine callbacks.
	bridgeable atomic.Bool
}

var _ ipc.Actor = (*Handler)(nil)

// NewHandler creates the handler endpoint of actor h. engine may be nil, in
// which case every transaction fails to start. sink may be nil.
func NewHandler(lp *loop.Loop, h *ipc.ActorHandle, engine Engine, sink DataSink) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		lp:     lp,
		engine: engine,
		sink:   sink,
		actor:  h,
		ctx:    ctx,
		cancel: cancel,
		logger: logutil.NewLogger4Actor(nil, string(h.Kind()), uint64(h.ID()), "handler"),
	}
}

// NewFactory returns an ipc.Factory creating handlers that run on lp.
func NewFactory(lp *loop.Loop, engine Engine, sink DataSink) ipc.Factory {
	return func(h *ipc.ActorHandle) (ipc.Actor, error) {
		return NewHandler(lp, h, engine, sink), nil
	}
}

// RecvMessage implements ipc.Actor.
func (h *Handler) RecvMessage(tag ipc.Tag, payload []byte) error {
	switch tag {
	case ipc.TagInit:
		var args InitArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		return h.DoWork(&args)
	case ipc.TagRead:
		return h.startPump()
	case ipc.TagCancel:
		var args CancelArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		reason := args.Status.Err()
		if reason == nil {
			reason = cerrors.ErrAborted.FastGenByArgs()
		}
		h.OnCancelRequested(reason)
	case ipc.TagSuspend:
		h.suspendCount++
		if h.pumping {
			h.txn.Suspend()
		}
	case ipc.TagResume:
		if h.suspendCount == 0 {
			return cerrors.ErrProtocolViolation.GenWithStackByArgs("resume without suspend")
		}
		h.suspendCount--
		if h.pumping {
			h.txn.Resume()
		}
	default:
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("unexpected %s for transaction handler", tag))
	}
	return nil
}

// DoWork prepares the transaction described by args. A handler that cannot
// prepare it reports a start failure to the shell.
func (h *Handler) DoWork(args *InitArgs) error {
	h.lp.AssertOnLoop()
	if h.args != nil {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("duplicate init for transaction handler")
	}
	h.args = args

	failpoint.Inject("HandlerStartFailure", func() {
		h.failStart(errors.New("injected start failure"))
		failpoint.Return(nil)
	})

	if h.engine == nil {
		h.failStart(errors.New("no transaction engine"))
		return nil
	}
	txn, err := h.engine.NewTransaction(args, &handlerObserver{h: h})
	if err != nil {
		h.failStart(err)
		return nil
	}
	h.txn = txn
	return nil
}

func (h *Handler) startPump() error {
	if h.stopSent {
		return nil
	}
	if h.args == nil {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("read before init")
	}
	if h.pumping {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("duplicate read")
	}
	if h.pendingCancel != nil {
		h.sendStop(h.pendingCancel, &StopMeta{})
		return nil
	}
	h.pumping = true
	for i := 0; i < h.suspendCount; i++ {
		h.txn.Suspend()
	}
	if err := h.txn.Start(h.ctx); err != nil {
		h.pumping = false
		h.failStart(err)
	}
	return nil
}

// OnCancelRequested asks the transaction to stop with reason and reports
// whether the request was issued. The outcome arrives later as a stop.
func (h *Handler) OnCancelRequested(reason error) bool {
	h.lp.AssertOnLoop()
	if h.stopSent {
		return false
	}
	if !h.pumping {
		if h.pendingCancel == nil {
			h.pendingCancel = reason
		}
		return true
	}
	return h.txn.Cancel(reason)
}

// ActorDestroy implements ipc.Actor.
func (h *Handler) ActorDestroy(reason ipc.DestroyReason) {
	h.logger.Debug("transaction handler destroyed", zap.Stringer("reason", reason))
	h.OnActorReleased()
}

// OnActorReleased detaches the handler from its actor. Later engine
// callbacks are swallowed.
func (h *Handler) OnActorReleased() {
	h.actor = nil
	if h.pumping && !h.stopSent {
		h.txn.Cancel(cerrors.ErrAborted.FastGenByArgs())
	}
	h.cancel()
}

func (h *Handler) failStart(err error) {
	h.logger.Warn("transaction failed to start", zap.Error(err))
	handlerStartFailureCounter.Inc()
	h.sendStop(cerrors.WrapError(cerrors.ErrHandlerStartFailure, err), &StopMeta{})
}

func (h *Handler) send(tag ipc.Tag, v interface{}) {
	if h.actor == nil {
		return
	}
	if err := h.actor.Send(tag, v); err != nil {
		h.logger.Debug("send to shell failed", zap.Stringer("tag", tag), zap.Error(err))
	}
}

func (h *Handler) sendStop(status error, meta *StopMeta) {
	if h.stopSent {
		return
	}
	h.stopSent = true
	h.send(ipc.TagOnStop, &StopArgs{Status: cerrors.StatusOf(status), Meta: *meta})
}

// handlerObserver marshals engine callbacks onto the handler's loop.
type handlerObserver struct {
	h *Handler
}

func (o *handlerObserver) OnTransportStatus(args *TransportStatusArgs) {
	h := o.h
	h.lp.Dispatch(func() {
		if h.stopSent {
			return
		}
		h.send(ipc.TagOnTransportStatus, args)
	})
}

func (o *handlerObserver) OnStart(status error, meta *StartMeta) {
	h := o.h
	h.bridgeable.Store(status == nil && meta != nil && meta.Head != nil &&
		meta.Head.StatusCode == http.StatusOK)
	args := &StartArgs{Status: cerrors.StatusOf(status)}
	if meta != nil {
		args.Meta = *meta
	}
	h.lp.Dispatch(func() {
		if h.stopSent {
			return
		}
		h.send(ipc.TagOnStart, args)
	})
}

func (o *handlerObserver) OnData(data []byte, offset uint64) {
	h := o.h
	args := &DataArgs{Data: data, Offset: offset, Count: uint32(len(data))}
	if h.sink != nil && h.bridgeable.Load() &&
		h.sink.Deliver(h.ctx, h.args.ChannelID, data, offset) {
		bridgedBytesCounter.Add(float64(len(data)))
		args.Data = nil
		args.DataSentToConsumer = true
	}
	h.lp.Dispatch(func() {
		if h.stopSent {
			return
		}
		h.send(ipc.TagOnData, args)
	})
}

func (o *handlerObserver) OnStop(status error, meta *StopMeta) {
	h := o.h
	if meta == nil {
		meta = &StopMeta{}
	}
	h.lp.Dispatch(func() {
		h.sendStop(status, meta)
	})
}
