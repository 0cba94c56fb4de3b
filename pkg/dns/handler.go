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

package dns

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/ipcbridge/pkg/clock"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"go.uber.org/zap"
)

// Handler is the worker side of a lookup.
type Handler struct {
	lp       *loop.Loop
	resolver Resolver
	logger   *zap.Logger

	// actor is cleared once released, after which the completion is
	// swallowed.
	actor *ipc.ActorHandle

	args      *ResolveArgs
	ctx       context.Context
	cancel    context.CancelCauseFunc
	completed bool
}

var _ ipc.Actor = (*Handler)(nil)

// NewHandler creates the handler endpoint of actor h. resolver may be nil,
// in which case every lookup fails.
func NewHandler(lp *loop.Loop, h *ipc.ActorHandle, resolver Resolver) *Handler {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Handler{
		lp:       lp,
		resolver: resolver,
		actor:    h,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logutil.NewLogger4Actor(nil, string(h.Kind()), uint64(h.ID()), "handler"),
	}
}

// NewFactory returns an ipc.Factory creating handlers that run on lp.
func NewFactory(lp *loop.Loop, resolver Resolver) ipc.Factory {
	return func(h *ipc.ActorHandle) (ipc.Actor, error) {
		return NewHandler(lp, h, resolver), nil
	}
}

// RecvMessage implements ipc.Actor.
func (h *Handler) RecvMessage(tag ipc.Tag, payload []byte) error {
	switch tag {
	case ipc.TagResolve:
		var args ResolveArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		return h.DoAsyncResolve(&args)
	case ipc.TagCancelLookup:
		var args CancelLookupArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		reason := args.Status.Err()
		if reason == nil {
			reason = cerrors.ErrAborted.FastGenByArgs()
		}
		h.OnRecvCancel(reason)
		return nil
	default:
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("unexpected %s for dns handler", tag))
	}
}

// DoAsyncResolve starts the lookup and returns at once. The result is sent
// from the loop once the resolver returns.
func (h *Handler) DoAsyncResolve(args *ResolveArgs) error {
	h.lp.AssertOnLoop()
	if h.args != nil {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("duplicate resolve for dns handler")
	}
	h.args = args
	if h.completed {
		return nil
	}
	if h.resolver == nil {
		h.sendComplete(nil, cerrors.WrapError(cerrors.ErrHandlerStartFailure, errors.New("no resolver")))
		return nil
	}
	ctx, resolver := h.ctx, h.resolver
	go func() {
		start := clock.MonoNow()
		rec, err := resolver.Resolve(ctx, args)
		lookupDuration.Observe(clock.MonoNow().Sub(start).Seconds())
		h.lp.Dispatch(func() { h.sendComplete(rec, err) })
	}()
	return nil
}

// OnRecvCancel cancels the lookup in flight and reports whether there was
// one. The completion still follows, carrying reason.
func (h *Handler) OnRecvCancel(reason error) bool {
	if h.completed {
		return false
	}
	if h.args == nil {
		// Nothing started, answer right away.
		h.sendComplete(nil, reason)
		return true
	}
	h.cancel(reason)
	return true
}

// ActorDestroy implements ipc.Actor.
func (h *Handler) ActorDestroy(reason ipc.DestroyReason) {
	h.logger.Debug("dns handler destroyed", zap.Stringer("reason", reason))
	h.OnActorReleased()
}

// OnActorReleased detaches the handler from its actor and abandons the
// lookup.
func (h *Handler) OnActorReleased() {
	h.actor = nil
	h.cancel(cerrors.ErrAborted.FastGenByArgs())
}

func (h *Handler) sendComplete(rec *Record, status error) {
	if h.completed {
		return
	}
	h.completed = true
	lookupCompletedCounter.WithLabelValues(cerrors.StatusOf(status).String()).Inc()
	if h.actor == nil {
		return
	}
	if status != nil {
		rec = nil
		h.logger.Debug("lookup failed", zap.Error(status))
	}
	err := h.actor.Send(ipc.TagLookupCompleted, &LookupCompletedArgs{
		Status: cerrors.StatusOf(status),
		Record: rec,
	})
	if err != nil {
		h.logger.Debug("send lookup completion failed", zap.Error(err))
	}
}
