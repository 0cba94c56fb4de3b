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
	"testing"

	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/stretchr/testify/require"
)

// fakeTxn is driven by hand through its observer.
type fakeTxn struct {
	obs       Observer
	startErr  error
	started   int
	suspends  int
	resumes   int
	cancels   []error
	startCtx  context.Context
	cancelRet bool
}

func (t *fakeTxn) Start(ctx context.Context) error {
	t.started++
	t.startCtx = ctx
	return t.startErr
}

func (t *fakeTxn) Suspend() { t.suspends++ }

func (t *fakeTxn) Resume() { t.resumes++ }

func (t *fakeTxn) Cancel(reason error) bool {
	t.cancels = append(t.cancels, reason)
	return t.cancelRet
}

type fakeEngine struct {
	txn *fakeTxn
	err error
}

func (e *fakeEngine) NewTransaction(_ *InitArgs, obs Observer) (Transaction, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.txn.obs = obs
	return e.txn, nil
}

type fakeSink struct {
	channelID uint64
	chunks    [][]byte
}

func (s *fakeSink) Deliver(_ context.Context, channelID uint64, data []byte, _ uint64) bool {
	if channelID != s.channelID {
		return false
	}
	s.chunks = append(s.chunks, data)
	return true
}

// handlerHarness runs a Handler on the child loop and records what reaches
// the parent.
type handlerHarness struct {
	t       *testing.T
	parent  *loop.Loop
	child   *loop.Loop
	shell   *frameRecorder
	actor   *ipc.ActorHandle
	handler *Handler
}

func newHandlerHarness(t *testing.T, engine Engine, sink DataSink) *handlerHarness {
	parent, child := loop.New("parent"), loop.New("child")
	pe, ce := ipc.NewPipe(parent, child)
	shell := &frameRecorder{}
	pe.Bind(shell)
	parent.Poll()
	child.Poll()

	actor := ipc.NewActorHandle(1, ipc.KindHTTPTransaction, ce, nil)
	actor.Open()
	return &handlerHarness{
		t:       t,
		parent:  parent,
		child:   child,
		shell:   shell,
		actor:   actor,
		handler: NewHandler(child, actor, engine, sink),
	}
}

func (h *handlerHarness) recv(tag ipc.Tag, v interface{}) error {
	payload, err := ipc.Marshal(v)
	require.NoError(h.t, err)
	return h.handler.RecvMessage(tag, payload)
}

func (h *handlerHarness) init(args *InitArgs) {
	require.NoError(h.t, h.recv(ipc.TagInit, args))
}

// sent polls both loops and returns the frames the shell side received.
func (h *handlerHarness) sent() []ipc.Frame {
	h.child.Poll()
	h.parent.Poll()
	return h.shell.frames
}

func (h *handlerHarness) sentTags() []ipc.Tag {
	h.sent()
	return h.shell.tags()
}

func (h *handlerHarness) stopStatus() cerrors.Status {
	frames := h.sent()
	last := frames[len(frames)-1]
	require.Equal(h.t, ipc.TagOnStop, last.Tag)
	var args StopArgs
	require.NoError(h.t, ipc.Unmarshal(last.Payload, &args))
	return args.Status
}

func TestHandlerReportsInOrder(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	h.init(&InitArgs{URL: "http://example.com"})
	require.NoError(t, h.recv(ipc.TagRead, nil))
	require.Equal(t, 1, txn.started)

	txn.obs.OnTransportStatus(&TransportStatusArgs{Status: StatusConnectedTo})
	txn.obs.OnStart(nil, &StartMeta{Head: &ResponseHead{StatusCode: 200}})
	txn.obs.OnData([]byte("hello"), 0)
	txn.obs.OnData([]byte("world"), 5)
	txn.obs.OnStop(nil, &StopMeta{ResponseComplete: true, TransferSize: 10})

	require.Equal(t, []ipc.Tag{
		ipc.TagOnTransportStatus, ipc.TagOnStart, ipc.TagOnData, ipc.TagOnData, ipc.TagOnStop,
	}, h.sentTags())

	var data DataArgs
	require.NoError(t, ipc.Unmarshal(h.shell.frames[3].Payload, &data))
	require.Equal(t, []byte("world"), data.Data)
	require.Equal(t, uint64(5), data.Offset)
	require.Equal(t, uint32(5), data.Count)
	require.True(t, h.stopStatus().OK())
}

func TestHandlerStartFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		engine Engine
		read   bool
	}{
		{name: "no engine", engine: nil},
		{name: "engine refuses", engine: &fakeEngine{err: errors.New("refused")}},
		{name: "start fails", engine: &fakeEngine{txn: &fakeTxn{startErr: errors.New("boom")}}, read: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHandlerHarness(t, tc.engine, nil)
			h.init(&InitArgs{})
			if tc.read {
				require.NoError(t, h.recv(ipc.TagRead, nil))
			}
			require.Equal(t, []ipc.Tag{ipc.TagOnStop}, h.sentTags())
			require.Equal(t, cerrors.StatusOf(cerrors.ErrHandlerStartFailure.FastGenByArgs()), h.stopStatus())

			// Reading after a failed start has nothing left to do.
			require.NoError(t, h.recv(ipc.TagRead, nil))
			require.Len(t, h.sent(), 1)
		})
	}
}

func TestHandlerCancelBeforeRead(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	h.init(&InitArgs{})
	require.NoError(t, h.recv(ipc.TagCancel, &CancelArgs{Status: cerrors.StatusOf(cerrors.ErrBindingAborted.FastGenByArgs())}))
	require.Empty(t, h.sent())

	require.NoError(t, h.recv(ipc.TagRead, nil))
	require.Equal(t, 0, txn.started)
	require.Equal(t, cerrors.StatusOf(cerrors.ErrBindingAborted.FastGenByArgs()), h.stopStatus())
}

func TestHandlerCancelWhilePumping(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{cancelRet: true}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	h.init(&InitArgs{})
	require.NoError(t, h.recv(ipc.TagRead, nil))
	require.NoError(t, h.recv(ipc.TagCancel, &CancelArgs{}))
	require.Len(t, txn.cancels, 1)
	require.ErrorIs(t, txn.cancels[0], cerrors.ErrAborted)

	txn.obs.OnStop(txn.cancels[0], nil)
	require.Equal(t, cerrors.StatusOf(cerrors.ErrAborted.FastGenByArgs()), h.stopStatus())

	// Once stopped there is nothing to cancel.
	require.False(t, h.handler.OnCancelRequested(cerrors.ErrAborted.FastGenByArgs()))
}

func TestHandlerSuspendForwarding(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	h.init(&InitArgs{})

	// Suspends before the pump starts are applied when it does.
	require.NoError(t, h.recv(ipc.TagSuspend, nil))
	require.NoError(t, h.recv(ipc.TagSuspend, nil))
	require.NoError(t, h.recv(ipc.TagResume, nil))
	require.Equal(t, 0, txn.suspends)
	require.NoError(t, h.recv(ipc.TagRead, nil))
	require.Equal(t, 1, txn.suspends)

	require.NoError(t, h.recv(ipc.TagSuspend, nil))
	require.NoError(t, h.recv(ipc.TagResume, nil))
	require.NoError(t, h.recv(ipc.TagResume, nil))
	require.Equal(t, 2, txn.suspends)
	require.Equal(t, 2, txn.resumes)

	require.ErrorIs(t, h.recv(ipc.TagResume, nil), cerrors.ErrProtocolViolation)
}

func TestHandlerProtocolViolations(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	require.ErrorIs(t, h.recv(ipc.TagRead, nil), cerrors.ErrProtocolViolation)
	h.init(&InitArgs{})
	require.ErrorIs(t, h.recv(ipc.TagInit, &InitArgs{}), cerrors.ErrProtocolViolation)
	require.NoError(t, h.recv(ipc.TagRead, nil))
	require.ErrorIs(t, h.recv(ipc.TagRead, nil), cerrors.ErrProtocolViolation)
	require.ErrorIs(t, h.recv(ipc.TagOnData, nil), cerrors.ErrProtocolViolation)
	require.Equal(t, 1, txn.started)
}

func TestHandlerReleasedSwallowsCallbacks(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, nil)
	h.init(&InitArgs{})
	require.NoError(t, h.recv(ipc.TagRead, nil))
	txn.obs.OnStart(nil, &StartMeta{})
	require.Len(t, h.sent(), 1)

	h.actor.ForceClose()
	h.handler.ActorDestroy(ipc.AbnormalShutdown)
	require.Len(t, txn.cancels, 1)
	require.Error(t, txn.startCtx.Err())

	txn.obs.OnData([]byte("late"), 0)
	txn.obs.OnStop(nil, &StopMeta{})
	require.Len(t, h.sent(), 1)
}

func TestHandlerBridgesData(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	sink := &fakeSink{channelID: 7}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, sink)
	h.init(&InitArgs{ChannelID: 7})
	require.NoError(t, h.recv(ipc.TagRead, nil))

	txn.obs.OnStart(nil, &StartMeta{Head: &ResponseHead{StatusCode: 200}})
	txn.obs.OnData([]byte("abc"), 0)
	txn.obs.OnStop(nil, &StopMeta{ResponseComplete: true, TransferSize: 3})

	frames := h.sent()
	require.Len(t, frames, 3)
	var data DataArgs
	require.NoError(t, ipc.Unmarshal(frames[1].Payload, &data))
	require.True(t, data.DataSentToConsumer)
	require.Empty(t, data.Data)
	require.Equal(t, uint32(3), data.Count)
	require.Equal(t, [][]byte{[]byte("abc")}, sink.chunks)
}

func TestHandlerDoesNotBridgeErrorResponses(t *testing.T) {
	t.Parallel()

	txn := &fakeTxn{}
	sink := &fakeSink{channelID: 7}
	h := newHandlerHarness(t, &fakeEngine{txn: txn}, sink)
	h.init(&InitArgs{ChannelID: 7})
	require.NoError(t, h.recv(ipc.TagRead, nil))

	txn.obs.OnStart(nil, &StartMeta{Head: &ResponseHead{StatusCode: 404}})
	txn.obs.OnData([]byte("missing"), 0)

	frames := h.sent()
	require.Len(t, frames, 2)
	var data DataArgs
	require.NoError(t, ipc.Unmarshal(frames[1].Payload, &data))
	require.False(t, data.DataSentToConsumer)
	require.Equal(t, []byte("missing"), data.Data)
	require.Empty(t, sink.chunks)
}
