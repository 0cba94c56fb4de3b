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
	"math/rand"
	"testing"

	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/stretchr/testify/require"
)

var (
	ok      = cerrors.StatusOK.String()
	aborted = string(cerrors.ErrAborted.RFCCode())
)

func TestShellCompleteTransaction(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)

	h.recvStart(nil)
	h.recvData(0, 10)
	h.recvData(10, 20)
	h.recvStop(nil, 30)

	require.Equal(t, []string{
		"start:" + ok,
		"data:10@0",
		"data:20@10",
		"stop:" + ok,
	}, l.events)
	require.True(t, h.shell.ResponseComplete())
	require.Equal(t, int64(30), h.shell.TransferSize())
	require.Equal(t, 200, h.shell.ResponseHead().StatusCode)
	require.NoError(t, h.shell.Status())

	// The shell starts teardown right after the stop.
	require.Equal(t, ipc.StateClosing, h.shell.State())
	require.Equal(t, []ipc.Tag{
		ipc.TagConstruct, ipc.TagInit, ipc.TagRead, ipc.TagDelete,
	}, h.remoteTags())
}

func TestShellSuspendDefersUntilResume(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.shell.Suspend()
	require.True(t, h.shell.IsSuspended())

	h.recvStart(nil)
	h.recvData(0, 1)
	h.recvData(1, 2)
	h.recvData(3, 3)
	require.Empty(t, l.events)

	require.NoError(t, h.shell.Resume())
	// Draining happens on the loop, not inside Resume.
	require.Empty(t, l.events)
	h.parent.Poll()
	require.Equal(t, []string{
		"start:" + ok,
		"data:1@0",
		"data:2@1",
		"data:3@3",
	}, l.events)
	require.Equal(t, []ipc.Tag{
		ipc.TagConstruct, ipc.TagInit, ipc.TagRead, ipc.TagSuspend, ipc.TagResume,
	}, h.remoteTags())
}

func TestShellNestedSuspend(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.shell.Suspend()
	h.shell.Suspend()
	h.recvStart(nil)

	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Empty(t, l.events)

	// Arrivals while the queue is not empty are queued even when not
	// suspended, so nothing overtakes the backlog.
	require.NoError(t, h.shell.Resume())
	h.recvData(0, 5)
	require.Empty(t, l.events)
	h.parent.Poll()
	require.Equal(t, []string{"start:" + ok, "data:5@0"}, l.events)
}

func TestShellSuspendOnSeveredChannel(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	sent := []ipc.Tag{ipc.TagConstruct, ipc.TagInit, ipc.TagRead}
	require.Equal(t, sent, h.remoteTags())
	h.pipe.Crash()

	// Failed suspend and resume sends do not change local delivery.
	h.shell.Suspend()
	h.recvStart(nil)
	require.Empty(t, l.events)
	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Equal(t, []string{"start:" + ok}, l.events)
	require.Equal(t, sent, h.remoteTags())
}

func TestShellCancelBeforeAnyMessage(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)

	reason := cerrors.ErrAborted.GenWithStackByArgs()
	h.shell.Cancel(reason)
	h.shell.Cancel(reason)
	h.shell.Cancel(errors.New("another reason"))
	require.True(t, h.shell.IsCanceled())

	h.recvStart(nil)
	h.recvData(0, 10)
	h.recvStop(reason, 0)

	require.Equal(t, []string{"stop:" + aborted}, l.events)
	require.ErrorIs(t, h.shell.Status(), cerrors.ErrAborted)

	tags := h.remoteTags()
	cancels := 0
	for _, tag := range tags {
		if tag == ipc.TagCancel {
			cancels++
		}
	}
	require.Equal(t, 1, cancels)
}

func TestShellCancelReportsCancelReason(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.recvStart(nil)
	h.shell.Cancel(cerrors.ErrBindingAborted.GenWithStackByArgs())
	h.recvData(0, 10)
	// The handler finished before it saw the cancel.
	h.recvStop(nil, 10)

	require.Equal(t, []string{
		"start:" + ok,
		"stop:" + string(cerrors.ErrBindingAborted.RFCCode()),
	}, l.events)
}

func TestShellCancelKeepsEarlierError(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.recvStart(cerrors.ErrConnectionRefused.GenWithStackByArgs())
	h.shell.Cancel(cerrors.ErrAborted.GenWithStackByArgs())
	require.ErrorIs(t, h.shell.Status(), cerrors.ErrConnectionRefused)
}

func TestShellCancelSwallowsQueuedData(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.shell.Suspend()
	h.recvStart(nil)
	h.recvData(0, 4)
	h.shell.Cancel(nil)
	h.recvStop(nil, 4)
	require.NoError(t, h.shell.Resume())
	h.parent.Poll()

	require.Equal(t, []string{"stop:" + aborted}, l.events)
}

func TestShellCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	run := func(cancels int) ([]string, []ipc.Tag) {
		h := newShellHarness(t)
		l := &recordingListener{}
		h.start(l)
		h.recvStart(nil)
		for i := 0; i < cancels; i++ {
			h.shell.Cancel(cerrors.ErrAborted.GenWithStackByArgs())
		}
		h.recvData(0, 1)
		h.recvStop(cerrors.ErrAborted.GenWithStackByArgs(), 1)
		return l.events, h.remoteTags()
	}
	events1, tags1 := run(1)
	for n := 2; n <= 5; n++ {
		events, tags := run(n)
		require.Equal(t, events1, events)
		require.Equal(t, tags1, tags)
	}
}

func TestShellSuspendNeverReorders(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		h := newShellHarness(t)
		l := &recordingListener{}
		h.start(l)
		h.recvStart(nil)

		var expected []string
		suspended := 0
		for i := 0; i < 40; i++ {
			switch rnd.Intn(4) {
			case 0:
				h.shell.Suspend()
				suspended++
			case 1:
				if suspended > 0 {
					require.NoError(t, h.shell.Resume())
					suspended--
				}
			case 2:
				h.parent.Poll()
			default:
				h.recvData(uint64(i), i+1)
				expected = append(expected, fmt.Sprintf("data:%d@%d", i+1, i))
			}
		}
		for ; suspended > 0; suspended-- {
			require.NoError(t, h.shell.Resume())
		}
		h.parent.Poll()

		require.Equal(t, "start:"+ok, l.events[0])
		require.Equal(t, expected, l.events[1:])
	}
}

func TestShellSuspendDuringDrain(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.shell.Suspend()
	h.recvStart(nil)
	h.recvData(0, 1)
	h.recvData(1, 1)
	h.recvData(2, 1)

	// The first chunk suspends again, so the drain stops right after it.
	first := true
	l.onData = func([]byte) {
		if first {
			first = false
			h.shell.Suspend()
		}
	}
	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Equal(t, []string{"start:" + ok, "data:1@0"}, l.events)

	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Equal(t, []string{"start:" + ok, "data:1@0", "data:1@1", "data:1@2"}, l.events)
}

func TestShellPeerCrash(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.recvStart(nil)
	h.recvData(0, 10)

	h.shell.actor.ForceClose()
	h.shell.ActorDestroy(ipc.AbnormalShutdown)
	require.Equal(t, []string{
		"start:" + ok,
		"data:10@0",
		"stop:" + string(cerrors.ErrPeerCrashed.RFCCode()),
	}, l.events)
	require.ErrorIs(t, h.shell.Status(), cerrors.ErrPeerCrashed)

	// Closed actors stay silent.
	before := len(h.remoteTags())
	h.shell.Cancel(nil)
	h.shell.Suspend()
	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Len(t, h.remoteTags(), before)
	require.Equal(t, 1, l.stops())
}

func TestShellDestroyWhileSuspendedKeepsOrder(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.shell.Suspend()
	h.recvStart(nil)
	h.recvData(0, 7)
	h.shell.actor.ForceClose()
	h.shell.ActorDestroy(ipc.NormalShutdown)
	require.Empty(t, l.events)

	require.NoError(t, h.shell.Resume())
	h.parent.Poll()
	require.Equal(t, []string{
		"start:" + ok,
		"data:7@0",
		"stop:" + string(cerrors.ErrActorUnavailable.RFCCode()),
	}, l.events)
}

func TestShellDestroyAfterStopIsSilent(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	h.start(l)
	h.recvStop(nil, 0)
	h.shell.ActorDestroy(ipc.Deletion)
	h.shell.ActorDestroy(ipc.AbnormalShutdown)
	require.Equal(t, []string{"stop:" + ok}, l.events)
}

func TestShellEventsBeforeAsyncRead(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	require.NoError(t, h.shell.Init(&InitArgs{URL: "http://example.com"}))
	h.recvStop(cerrors.ErrHandlerStartFailure.GenWithStackByArgs(), 0)

	l := &recordingListener{}
	require.NoError(t, h.shell.AsyncRead(l))
	require.Empty(t, l.events)
	h.parent.Poll()
	require.Equal(t, []string{"stop:" + string(cerrors.ErrHandlerStartFailure.RFCCode())}, l.events)
}

func TestShellDestroyBeforeAsyncRead(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	require.NoError(t, h.shell.Init(&InitArgs{URL: "http://example.com"}))
	h.shell.actor.ForceClose()
	h.shell.ActorDestroy(ipc.ConstructFailed)

	l := &recordingListener{}
	require.NoError(t, h.shell.AsyncRead(l))
	h.parent.Poll()
	require.Equal(t, []string{"stop:" + string(cerrors.ErrHandlerStartFailure.RFCCode())}, l.events)
}

func TestShellContractViolations(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &recordingListener{}
	require.ErrorIs(t, h.shell.AsyncRead(l), cerrors.ErrContractViolation)
	require.ErrorIs(t, h.shell.Resume(), cerrors.ErrContractViolation)

	h.start(l)
	require.ErrorIs(t, h.shell.AsyncRead(l), cerrors.ErrContractViolation)
	require.ErrorIs(t, h.shell.Init(&InitArgs{}), cerrors.ErrContractViolation)

	// A stop arriving twice is a protocol violation and is not delivered.
	h.recvStop(nil, 0)
	payload, err := ipc.Marshal(&StopArgs{})
	require.NoError(t, err)
	require.ErrorIs(t, h.shell.RecvMessage(ipc.TagOnStop, payload), cerrors.ErrProtocolViolation)
	require.ErrorIs(t, h.shell.RecvMessage(ipc.TagRead, nil), cerrors.ErrProtocolViolation)
	require.Equal(t, 1, l.stops())
}

func TestShellInitFailures(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	h.shell.ctor = &pipeConstructor{fail: cerrors.ErrChannelClosed.GenWithStackByArgs()}
	err := h.shell.Init(&InitArgs{})
	require.ErrorIs(t, err, cerrors.ErrActorCreationFailed)

	h2 := newShellHarness(t)
	h2.pipe.Crash()
	_, err = Start(h2.parent, &pipeConstructor{ch: h2.pipe}, &InitArgs{}, &recordingListener{})
	require.Error(t, err)
}

func TestShellTransportStatusAndBridgedData(t *testing.T) {
	t.Parallel()

	h := newShellHarness(t)
	l := &transportListener{}
	var chunks [][]byte
	l.onData = func(data []byte) { chunks = append(chunks, data) }
	h.start(l)

	h.recv(ipc.TagOnTransportStatus, &TransportStatusArgs{
		Status: StatusConnectedTo, SelfAddr: "127.0.0.1:1", PeerAddr: "127.0.0.1:2",
	})
	h.recvStart(nil)
	h.recv(ipc.TagOnData, &DataArgs{Data: []byte("abc"), Offset: 0, Count: 3, DataSentToConsumer: true})
	h.recv(ipc.TagOnTransportStatus, &TransportStatusArgs{Status: StatusReceivingFrom, Progress: 3})
	h.recvStop(nil, 3)

	require.Equal(t, []TransportStatus{StatusConnectedTo, StatusReceivingFrom}, l.transport)
	require.Equal(t, []string{"start:" + ok, "data:3@0", "stop:" + ok}, l.events)
	require.Len(t, chunks, 1)
	require.Nil(t, chunks[0])
	self, peer := h.shell.NetworkAddresses()
	require.Equal(t, "127.0.0.1:1", self)
	require.Equal(t, "127.0.0.1:2", peer)
}
