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
	"fmt"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Listener receives the callbacks of a request. For every request whose
// AsyncRead succeeded OnStop is called exactly once, and it is the last
// callback.
type Listener interface {
	OnStart(status error, meta *StartMeta)
	OnData(data []byte, offset uint64, count uint32)
	OnStop(status error, meta *StopMeta)
}

// TransportSink is implemented by listeners that also want transport
// progress.
type TransportSink interface {
	OnTransportStatus(status TransportStatus, progress, progressMax int64)
}

// Shell is the consumer side of a transaction. It forwards calls to a
// Handler in the worker process and rebuilds the ordered callback stream
// from what the handler sends back.
//
// All methods must be called on the loop the shell was created with.
type Shell struct {
	lp     *loop.Loop
	ctor   ipc.Constructor
	actor  *ipc.ActorHandle
	logger *zap.Logger

	listener Listener
	sink     TransportSink
	queue    *SuspendQueue

	status         error
	canceled       bool
	suspendCount   uint32
	drainScheduled bool
	stopReceived   bool
	stopDelivered  bool
	destroyed      bool

	startMeta        StartMeta
	responseComplete bool
	transferSize     int64
	timings          Timings
	trailers         map[string][]string
	selfAddr         string
	peerAddr         string
}

var _ ipc.Actor = (*Shell)(nil)

// NewShell creates a shell that constructs its handler through ctor.
func NewShell(lp *loop.Loop, ctor ipc.Constructor) *Shell {
	return &Shell{
		lp:     lp,
		ctor:   ctor,
		queue:  NewSuspendQueue(),
		logger: log.L(),
	}
}

// Start initializes a shell and begins reading in one call.
func Start(lp *loop.Loop, ctor ipc.Constructor, args *InitArgs, l Listener) (*Shell, error) {
	s := NewShell(lp, ctor)
	if err := s.Init(args); err != nil {
		return nil, err
	}
	if err := s.AsyncRead(l); err != nil {
		return nil, err
	}
	return s, nil
}

// Init constructs the handler in the worker process and sends it args.
func (s *Shell) Init(args *InitArgs) error {
	s.lp.AssertOnLoop()
	if s.actor != nil {
		return s.contractViolation("Init called twice")
	}
	h, err := s.ctor.Construct(ipc.KindHTTPTransaction, s)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrActorCreationFailed, err)
	}
	s.actor = h
	s.logger = logutil.NewLogger4Actor(s.logger, string(h.Kind()), uint64(h.ID()), "shell")
	if err := h.Send(ipc.TagInit, args); err != nil {
		s.logger.Warn("send init failed", zap.Error(err))
		return err
	}
	s.logger.Debug("transaction initialized",
		zap.String("method", args.Method), zap.String("url", args.URL))
	return nil
}

// AsyncRead registers l and tells the handler to start pumping. It may be
// called once per request.
func (s *Shell) AsyncRead(l Listener) error {
	s.lp.AssertOnLoop()
	if s.actor == nil {
		return s.contractViolation("AsyncRead called before Init")
	}
	if s.listener != nil || s.stopDelivered {
		return s.contractViolation("AsyncRead called twice")
	}
	s.listener = l
	if sink, ok := l.(TransportSink); ok {
		s.sink = sink
	}
	if err := s.actor.Send(ipc.TagRead, nil); err != nil && !s.stopReceived {
		// Nothing is owed to a listener that never started.
		s.listener, s.sink = nil, nil
		return err
	}
	if s.queue.Len() > 0 {
		s.scheduleDrain()
	}
	return nil
}

// Cancel asks the handler to stop. Only the first call has an effect. The
// listener learns about the cancellation from OnStop.
func (s *Shell) Cancel(reason error) {
	s.lp.AssertOnLoop()
	if s.canceled {
		return
	}
	if reason == nil {
		reason = cerrors.ErrAborted.FastGenByArgs()
	}
	s.canceled = true
	if s.status == nil {
		s.status = reason
	}
	if s.actor != nil && s.actor.IsOpen() {
		if err := s.actor.Send(ipc.TagCancel, &CancelArgs{Status: cerrors.StatusOf(reason)}); err != nil {
			s.logger.Debug("send cancel failed", zap.Error(err))
		}
	}
}

// Suspend defers listener callbacks and asks the handler to pause. Every
// Suspend needs a matching Resume.
func (s *Shell) Suspend() {
	s.lp.AssertOnLoop()
	s.suspendCount++
	if s.actor != nil && s.actor.IsOpen() {
		if err := s.actor.Send(ipc.TagSuspend, nil); err != nil {
			s.logger.Debug("send suspend failed", zap.Error(err))
		}
	}
}

// Resume undoes one Suspend. When the last one is undone the deferred
// callbacks are drained on the loop.
func (s *Shell) Resume() error {
	s.lp.AssertOnLoop()
	if s.suspendCount == 0 {
		return s.contractViolation("Resume called without Suspend")
	}
	s.suspendCount--
	if s.actor != nil && s.actor.IsOpen() {
		if err := s.actor.Send(ipc.TagResume, nil); err != nil {
			s.logger.Debug("send resume failed", zap.Error(err))
		}
	}
	if s.suspendCount == 0 && s.queue.Len() > 0 {
		s.scheduleDrain()
	}
	return nil
}

// RecvMessage implements ipc.Actor.
func (s *Shell) RecvMessage(tag ipc.Tag, payload []byte) error {
	switch tag {
	case ipc.TagOnStart:
		var args StartArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		s.recvOnStart(&args)
	case ipc.TagOnData:
		var args DataArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		s.recvOnData(&args)
	case ipc.TagOnTransportStatus:
		var args TransportStatusArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		s.recvOnTransportStatus(&args)
	case ipc.TagOnStop:
		var args StopArgs
		if err := ipc.Unmarshal(payload, &args); err != nil {
			return err
		}
		return s.recvOnStop(&args)
	default:
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("unexpected %s for transaction shell", tag))
	}
	return nil
}

func (s *Shell) recvOnStart(args *StartArgs) {
	if s.canceled {
		return
	}
	s.status = args.Status.Err()
	s.startMeta = args.Meta
	status, meta := s.status, args.Meta
	s.deliver(func() {
		if s.canceled {
			return
		}
		s.listener.OnStart(status, &meta)
	})
}

func (s *Shell) recvOnData(args *DataArgs) {
	if s.canceled {
		return
	}
	if args.DataSentToConsumer {
		// The data bridge already handed the chunk over, only the offset
		// matters to the listener.
		args.Data = nil
	}
	s.deliver(func() {
		if s.canceled {
			return
		}
		s.listener.OnData(args.Data, args.Offset, args.Count)
	})
}

func (s *Shell) recvOnTransportStatus(args *TransportStatusArgs) {
	if s.canceled {
		return
	}
	if args.Status == StatusConnectedTo || args.Status == StatusWaitingFor {
		s.selfAddr, s.peerAddr = args.SelfAddr, args.PeerAddr
	}
	s.deliver(func() {
		if s.canceled || s.sink == nil {
			return
		}
		s.sink.OnTransportStatus(args.Status, args.Progress, args.ProgressMax)
	})
}

func (s *Shell) recvOnStop(args *StopArgs) error {
	if s.stopReceived {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs("duplicate stop for transaction shell")
	}
	s.stopReceived = true
	s.responseComplete = args.Meta.ResponseComplete
	s.transferSize = args.Meta.TransferSize
	s.timings = args.Meta.Timings
	s.trailers = args.Meta.Trailers

	status := args.Status.Err()
	if s.canceled {
		status = s.status
	} else if status != nil {
		s.status = status
	}
	meta := args.Meta
	s.deliver(func() { s.deliverStop(status, &meta) })

	// Our side is done, release the handler.
	s.actor.SendDelete()
	return nil
}

// ActorDestroy implements ipc.Actor. A request that has not stopped yet is
// completed with a status that describes why the handler went away.
func (s *Shell) ActorDestroy(reason ipc.DestroyReason) {
	s.destroyed = true
	if s.stopReceived {
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
	s.logger.Info("transaction actor destroyed before stop",
		zap.Stringer("reason", reason), zap.Error(status))
	if s.status == nil {
		s.status = status
	}
	s.stopReceived = true
	s.deliver(func() { s.deliverStop(status, &StopMeta{}) })
}

func (s *Shell) deliverStop(status error, meta *StopMeta) {
	if s.stopDelivered {
		return
	}
	s.stopDelivered = true
	l := s.listener
	s.listener, s.sink = nil, nil
	stopCounter.WithLabelValues(cerrors.StatusOf(status).String()).Inc()
	l.OnStop(status, meta)
}

// deliver runs fn now, or defers it behind earlier callbacks while the
// request is suspended, the queue is not empty, or nobody listens yet.
func (s *Shell) deliver(fn func()) {
	if s.listener == nil || s.suspendCount > 0 || s.queue.Len() > 0 || s.queue.Draining() {
		s.queue.Push(fn)
		return
	}
	fn()
}

func (s *Shell) runnable() bool {
	return s.suspendCount == 0 && s.listener != nil
}

func (s *Shell) scheduleDrain() {
	if s.drainScheduled {
		return
	}
	s.drainScheduled = true
	if !s.lp.Dispatch(func() {
		s.drainScheduled = false
		s.queue.Drain(s.runnable)
	}) {
		s.drainScheduled = false
	}
}

func (s *Shell) contractViolation(msg string) error {
	err := cerrors.ErrContractViolation.GenWithStackByArgs(msg)
	s.logger.DPanic("transaction shell misused", zap.Error(err))
	return err
}

// Status returns the status of the request, nil while it is successful.
func (s *Shell) Status() error { return s.status }

// IsCanceled returns whether Cancel was called.
func (s *Shell) IsCanceled() bool { return s.canceled }

// IsSuspended returns whether callbacks are being deferred.
func (s *Shell) IsSuspended() bool { return s.suspendCount > 0 }

// ResponseComplete returns whether the whole response was received.
func (s *Shell) ResponseComplete() bool { return s.responseComplete }

// TransferSize returns the number of bytes transferred.
func (s *Shell) TransferSize() int64 { return s.transferSize }

// ResponseHead returns the response head, nil before OnStart.
func (s *Shell) ResponseHead() *ResponseHead { return s.startMeta.Head }

// ProxyConnectFailed returns whether connecting through a proxy failed.
func (s *Shell) ProxyConnectFailed() bool { return s.startMeta.ProxyConnectFailed }

// Timings returns the timings reported with the stop.
func (s *Shell) Timings() Timings { return s.timings }

// Trailers returns the response trailers.
func (s *Shell) Trailers() map[string][]string { return s.trailers }

// NetworkAddresses returns the local and remote addresses of the
// connection.
func (s *Shell) NetworkAddresses() (self, peer string) { return s.selfAddr, s.peerAddr }

// State returns the state of the shell's actor.
func (s *Shell) State() ipc.ActorState {
	if s.actor == nil {
		return ipc.StateConstructing
	}
	return s.actor.State()
}
