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
	"github.com/stretchr/testify/require"
)

type recordingOwner struct {
	unregistered []ActorID
}

func (o *recordingOwner) Unregister(id ActorID) {
	o.unregistered = append(o.unregistered, id)
}

type payload struct {
	Value string `msgpack:"value"`
}

func TestActorHandleHandshake(t *testing.T) {
	t.Parallel()

	la, lb, ea, eb, ra, rb := newTestPipe()
	ownerA, ownerB := &recordingOwner{}, &recordingOwner{}

	id := ea.AllocateID()
	a := NewActorHandle(id, KindHTTPTransaction, ea, ownerA)
	require.Equal(t, StateConstructing, a.State())
	require.NoError(t, a.SendConstruct(&payload{Value: "init"}))
	require.True(t, a.Open())
	require.False(t, a.Open())
	require.True(t, a.IsOpen())

	lb.Poll()
	require.Len(t, rb.frames, 1)
	require.Equal(t, TagConstruct, rb.frames[0].Tag)
	var p payload
	require.NoError(t, Unmarshal(rb.frames[0].Payload, &p))
	require.Equal(t, "init", p.Value)

	b := NewActorHandle(id, KindHTTPTransaction, eb, ownerB)
	require.True(t, b.Open())
	require.NoError(t, b.Send(TagOnStart, &payload{Value: "start"}))

	// a starts teardown, b acknowledges it.
	require.True(t, a.SendDelete())
	require.False(t, a.SendDelete())
	require.Equal(t, StateClosing, a.State())
	require.ErrorIs(t, a.Send(TagCancel, nil), cerrors.ErrActorUnavailable)

	lb.Poll()
	require.Equal(t, TagDelete, rb.frames[1].Tag)
	require.NoError(t, b.RecvDelete())
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, []ActorID{id}, ownerB.unregistered)

	la.Poll()
	require.Equal(t, TagOnStart, ra.frames[0].Tag)
	require.Equal(t, TagDeleteAck, ra.frames[1].Tag)
	require.NoError(t, a.RecvDeleteAck())
	require.Equal(t, StateClosed, a.State())
	require.Equal(t, []ActorID{id}, ownerA.unregistered)

	// Duplicate teardown messages are protocol violations.
	require.ErrorIs(t, a.RecvDeleteAck(), cerrors.ErrProtocolViolation)
	require.ErrorIs(t, b.RecvDelete(), cerrors.ErrProtocolViolation)
	require.False(t, a.ForceClose())
	require.Len(t, ownerA.unregistered, 1)
}

func TestActorHandleCrossingDeletes(t *testing.T) {
	t.Parallel()

	_, _, ea, eb, _, _ := newTestPipe()
	a := NewActorHandle(1, KindDNSRequest, ea, nil)
	b := NewActorHandle(1, KindDNSRequest, eb, nil)
	require.True(t, a.Open())
	require.True(t, b.Open())

	require.True(t, a.SendDelete())
	require.True(t, b.SendDelete())
	require.NoError(t, a.RecvDelete())
	require.NoError(t, b.RecvDelete())
	require.Equal(t, StateClosed, a.State())
	require.Equal(t, StateClosed, b.State())
}

func TestActorHandlePostCloseSilence(t *testing.T) {
	t.Parallel()

	_, lb, ea, _, _, rb := newTestPipe()
	owner := &recordingOwner{}
	a := NewActorHandle(3, KindHTTPTransaction, ea, owner)
	require.True(t, a.Open())
	require.True(t, a.ForceClose())
	require.False(t, a.ForceClose())
	require.Equal(t, []ActorID{3}, owner.unregistered)

	for _, tag := range []Tag{TagInit, TagRead, TagCancel, TagSuspend, TagResume} {
		err := a.Send(tag, &payload{})
		require.ErrorIs(t, err, cerrors.ErrActorUnavailable)
	}
	require.False(t, a.SendDelete())
	require.ErrorIs(t, a.SendConstruct(nil), cerrors.ErrProtocolViolation)

	lb.Poll()
	require.Empty(t, rb.frames)
}

func TestActorHandleSendOnSeveredChannel(t *testing.T) {
	t.Parallel()

	_, _, ea, _, _, _ := newTestPipe()
	a := NewActorHandle(5, KindHTTPTransaction, ea, nil)
	require.True(t, a.Open())
	ea.Crash()
	err := a.Send(TagRead, nil)
	require.ErrorIs(t, err, cerrors.ErrActorUnavailable)
	require.ErrorIs(t, err, cerrors.ErrChannelClosed)
}

func TestTagAndReasonNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "OnData", TagOnData.String())
	require.Equal(t, "Tag(200)", Tag(200).String())
	require.Equal(t, "AbnormalShutdown", AbnormalShutdown.String())
	require.Equal(t, "Closing", StateClosing.String())
}
