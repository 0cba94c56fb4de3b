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
	"fmt"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Listener is told about the outcome of a lookup. OnLookupComplete is
// called exactly once for every lookup whose Start succeeded.
type Listener interface {
	OnLookupComplete(rec *Record, status error)
}

// Sender is the consumer side of a lookup. Lookups cannot be suspended, so
// completions are delivered as soon as they arrive.
//
// All methods must be called on the loop the sender was created with.
type Sender struct {
	lp     *loop.Loop
	ctor   ipc.Constructor
	actor  *ipc.ActorHandle
	logger *zap.Logger

	listener  Listener
	args      ResolveArgs
	status    error
	canceled  bool
	completed bool
}

var _ ipc.Actor = (*Sender)(nil)

// NewSender creates a sender that constructs its handler through ctor.
func NewSender(lp *loop.Loop, ctor ipc.Constructor) *Sender {
	return &Sender{lp: lp, ctor: ctor, logger: log.L()}
}

// Start asks the worker process to resolve host.
func (s *Sender) Start(host string, typ Type, flags Flags, l Listener) error {
	s.lp.AssertOnLoop()
	if s.actor != nil {
		err := cerrors.ErrContractViolation.GenWithStackByArgs("Start called twice")
		s.logger.DPanic("dns sender misused", zap.Error(err))
		return err
	}
	h, err := s.ctor.Construct(ipc.KindDNSRequest, s)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrActorCreationFailed, err)
	}
	s.actor = h
	s.logger = logutil.NewLogger4Actor(s.logger, string(h.Kind()), uint64(h.ID()), "shell")
	s.args = ResolveArgs{Host: host, Type: typ, Flags: flags}
	s.listener = l
	if err := h.Send(ipc.TagResolve, &s.args); err != nil {
		s.listener = nil
		return err
	}
	return nil
}

// Cancel asks the handler to give up. Only the first call has an effect.
// The listener still gets its completion, carrying reason.
func (s *Sender) Cancel(reason error) {
	s.lp.AssertOnLoop()
	if s.canceled || s.completed {
		return
	}
	if reason == nil {
		reason = cerrors.ErrAborted.FastGenByArgs()
	}
	s.canceled = true
	s.status = reason
	if s.actor != nil && s.actor.IsOpen() {
		if err := s.actor.Send(ipc.TagCancelLookup, &CancelLookupArgs{Status: cerrors.StatusOf(reason)}); err != nil {
			s.logger.Debug("send cancel lookup failed", zap.Error(err))
		}
	}
}

// RecvMessage implements ipc.Actor.
func (s *Sender) RecvMessage(tag ipc.Tag, payload []byte) error {
	if tag != ipc.TagLookupCompleted {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("unexpected %s for dns sender", tag))
	}
	if s.completed {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("duplicate lookup completion")
	}
	var args LookupCompletedArgs
	if err := ipc.Unmarshal(payload, &args); err != nil {
		return err
	}
	s.complete(args.Record, args.Status.Err())
	// The handler has nothing left to do, release it.
	s.actor.SendDelete()
	return nil
}

// ActorDestroy implements ipc.Actor.
func (s *Sender) ActorDestroy(reason ipc.DestroyReason) {
	if s.completed {
		return
	}
	var status error
	switch reason {
	case ipc.AbnormalShutdown:
		status = cerrors.ErrPeerCrashed.FastGenByArgs()
	case ipc.ConstructFailed:
		status = cerrors.ErrHandlerStartFailure.FastGenByArgs()
	default:
		status = cerrors.ErrActorUnavailable.FastGenByArgs()
	}
	s.logger.Info("dns actor destroyed before completion",
		zap.Stringer("reason", reason), zap.Error(status))
	s.complete(nil, status)
}

func (s *Sender) complete(rec *Record, status error) {
	s.completed = true
	if s.canceled {
		rec, status = nil, s.status
	} else {
		s.status = status
	}
	l := s.listener
	s.listener = nil
	if l == nil {
		return
	}
	s.logger.Debug("lookup completed",
		zap.String("host", s.args.Host), logutil.ShortError(status))
	l.OnLookupComplete(rec, status)
}

// Status returns the outcome of the lookup, nil while it is successful.
func (s *Sender) Status() error { return s.status }

// IsCanceled returns whether Cancel was called before completion.
func (s *Sender) IsCanceled() bool { return s.canceled }

// State returns the state of the sender's actor.
func (s *Sender) State() ipc.ActorState {
	if s.actor == nil {
		return ipc.StateConstructing
	}
	return s.actor.State()
}
