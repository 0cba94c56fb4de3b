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

package ipc

import (
	"testing"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/stretchr/testify/require"
)

type recordingReceiver struct {
	frames  []Frame
	reasons []DestroyReason
}

func (r *recordingReceiver) OnFrame(f Frame) {
	r.frames = append(r.frames, f)
}

func (r *recordingReceiver) OnChannelClosed(reason DestroyReason) {
	r.reasons = append(r.reasons, reason)
}

func newTestPipe() (*loop.Loop, *loop.Loop, *PipeEnd, *PipeEnd, *recordingReceiver, *recordingReceiver) {
	la, lb := loop.New("a"), loop.New("b")
	ea, eb := NewPipe(la, lb)
	ra, rb := &recordingReceiver{}, &recordingReceiver{}
	ea.Bind(ra)
	eb.Bind(rb)
	return la, lb, ea, eb, ra, rb
}

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()

	la, lb, ea, eb, ra, rb := newTestPipe()
	for i := 0; i < 10; i++ {
		require.NoError(t, ea.Send(Frame{Actor: ActorID(i), Tag: TagOnData, Payload: []byte{byte(i)}}))
	}
	require.NoError(t, eb.Send(Frame{Actor: 1, Tag: TagRead}))

	// Nothing is delivered until the receiving loop runs.
	require.Empty(t, rb.frames)
	require.Equal(t, 10, lb.Poll())
	require.Len(t, rb.frames, 10)
	for i, f := range rb.frames {
		require.Equal(t, ActorID(i), f.Actor)
		require.Equal(t, []byte{byte(i)}, f.Payload)
	}

	require.Equal(t, 1, la.Poll())
	require.Equal(t, TagRead, ra.frames[0].Tag)
}

func TestPipeCopiesPayload(t *testing.T) {
	t.Parallel()

	_, lb, ea, _, _, rb := newTestPipe()
	buf := []byte("hello")
	require.NoError(t, ea.Send(Frame{Actor: 1, Tag: TagOnData, Payload: buf}))
	buf[0] = 'j'
	lb.Poll()
	require.Equal(t, []byte("hello"), rb.frames[0].Payload)
}

func TestPipeAllocatesDisjointIDs(t *testing.T) {
	t.Parallel()

	_, _, ea, eb, _, _ := newTestPipe()
	seen := make(map[ActorID]struct{})
	for i := 0; i < 100; i++ {
		a, b := ea.AllocateID(), eb.AllocateID()
		require.Equal(t, ActorID(1), a%2)
		require.Equal(t, ActorID(0), b%2)
		require.NotZero(t, b)
		seen[a] = struct{}{}
		seen[b] = struct{}{}
	}
	require.Len(t, seen, 200)
}

func TestPipeClose(t *testing.T) {
	t.Parallel()

	la, lb, ea, eb, ra, rb := newTestPipe()
	require.NoError(t, ea.Send(Frame{Actor: 1, Tag: TagOnStop}))
	require.NoError(t, ea.Close())
	require.NoError(t, ea.Close())
	require.True(t, eb.IsClosed())

	err := eb.Send(Frame{Actor: 1, Tag: TagDelete})
	require.ErrorIs(t, err, cerrors.ErrChannelClosed)

	lb.Poll()
	require.Len(t, rb.frames, 1)
	require.Equal(t, []DestroyReason{NormalShutdown}, rb.reasons)

	la.Poll()
	require.Empty(t, ra.reasons)
}

func TestPipeCrash(t *testing.T) {
	t.Parallel()

	_, lb, ea, eb, _, rb := newTestPipe()
	require.NoError(t, ea.Send(Frame{Actor: 1, Tag: TagOnData}))
	ea.Crash()
	ea.Crash()

	err := ea.Send(Frame{Actor: 1, Tag: TagOnData})
	require.ErrorIs(t, err, cerrors.ErrChannelClosed)
	err = eb.Send(Frame{Actor: 1, Tag: TagCancel})
	require.ErrorIs(t, err, cerrors.ErrChannelClosed)

	lb.Poll()
	require.Empty(t, rb.frames)
	require.Equal(t, []DestroyReason{AbnormalShutdown}, rb.reasons)
}
