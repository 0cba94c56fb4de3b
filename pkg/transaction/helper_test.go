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
	"testing"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/stretchr/testify/require"
)

// frameRecorder collects the frames arriving at one end of a pipe.
type frameRecorder struct {
	frames  []ipc.Frame
	reasons []ipc.DestroyReason
}

func (r *frameRecorder) OnFrame(f ipc.Frame) {
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) OnChannelClosed(reason ipc.DestroyReason) {
	r.reasons = append(r.reasons, reason)
}

func (r *frameRecorder) tags() []ipc.Tag {
	tags := make([]ipc.Tag, 0, len(r.frames))
	for _, f := range r.frames {
		tags = append(tags, f.Tag)
	}
	return tags
}

// pipeConstructor opens actor handles on a pipe end without a remote
// process answering.
type pipeConstructor struct {
	ch   ipc.Channel
	fail error
}

func (c *pipeConstructor) Construct(kind ipc.Kind, _ ipc.Actor) (*ipc.ActorHandle, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	h := ipc.NewActorHandle(c.ch.AllocateID(), kind, c.ch, nil)
	if err := h.SendConstruct(nil); err != nil {
		return nil, err
	}
	h.Open()
	return h, nil
}

// recordingListener records callbacks as strings.
type recordingListener struct {
	events    []string
	stopMeta  *StopMeta
	startMeta *StartMeta
	onData    func(data []byte)
}

func statusName(err error) string {
	return cerrors.StatusOf(err).String()
}

func (l *recordingListener) OnStart(status error, meta *StartMeta) {
	l.startMeta = meta
	l.events = append(l.events, "start:"+statusName(status))
}

func (l *recordingListener) OnData(data []byte, offset uint64, count uint32) {
	l.events = append(l.events, fmt.Sprintf("data:%d@%d", count, offset))
	if l.onData != nil {
		l.onData(data)
	}
}

func (l *recordingListener) OnStop(status error, meta *StopMeta) {
	l.stopMeta = meta
	l.events = append(l.events, "stop:"+statusName(status))
}

func (l *recordingListener) stops() int {
	n := 0
	for _, e := range l.events {
		if len(e) >= 5 && e[:5] == "stop:" {
			n++
		}
	}
	return n
}

type transportListener struct {
	recordingListener
	transport []TransportStatus
}

func (l *transportListener) OnTransportStatus(status TransportStatus, _, _ int64) {
	l.transport = append(l.transport, status)
}

// shellHarness drives a Shell by hand, playing the handler's role.
type shellHarness struct {
	t      *testing.T
	parent *loop.Loop
	child  *loop.Loop
	remote *frameRecorder
	pipe   *ipc.PipeEnd
	shell  *Shell
}

func newShellHarness(t *testing.T) *shellHarness {
	parent, child := loop.New("parent"), loop.New("child")
	pe, ce := ipc.NewPipe(parent, child)
	remote := &frameRecorder{}
	ce.Bind(remote)
	// The test goroutine owns both loops.
	parent.Poll()
	child.Poll()
	return &shellHarness{
		t:      t,
		parent: parent,
		child:  child,
		remote: remote,
		pipe:   pe,
		shell:  NewShell(parent, &pipeConstructor{ch: pe}),
	}
}

func (h *shellHarness) start(l Listener) {
	require.NoError(h.t, h.shell.Init(&InitArgs{Method: "GET", URL: "http://example.com"}))
	require.NoError(h.t, h.shell.AsyncRead(l))
}

func (h *shellHarness) recv(tag ipc.Tag, v interface{}) {
	payload, err := ipc.Marshal(v)
	require.NoError(h.t, err)
	require.NoError(h.t, h.shell.RecvMessage(tag, payload))
}

func (h *shellHarness) recvStart(status error) {
	h.recv(ipc.TagOnStart, &StartArgs{
		Status: cerrors.StatusOf(status),
		Meta:   StartMeta{Head: &ResponseHead{StatusCode: 200}},
	})
}

func (h *shellHarness) recvData(offset uint64, n int) {
	h.recv(ipc.TagOnData, &DataArgs{Data: make([]byte, n), Offset: offset, Count: uint32(n)})
}

func (h *shellHarness) recvStop(status error, size int64) {
	h.recv(ipc.TagOnStop, &StopArgs{
		Status: cerrors.StatusOf(status),
		Meta:   StopMeta{ResponseComplete: status == nil, TransferSize: size},
	})
}

// remoteTags returns the tags the handler side received so far.
func (h *shellHarness) remoteTags() []ipc.Tag {
	h.child.Poll()
	return h.remote.tags()
}
