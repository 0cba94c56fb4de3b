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
	"sync"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"go.uber.org/atomic"
)

// pipeState is shared by both ends of a pipe.
type pipeState struct {
	closed  atomic.Bool
	crashed atomic.Bool
}

// PipeEnd is one end of an in-memory channel between two loops. Frames sent
// on one end are delivered, in send order, to the receiver bound to the
// other end on the other end's loop.
type PipeEnd struct {
	name  string
	lp    *loop.Loop
	peer  *PipeEnd
	state *pipeState

	nextID atomic.Uint64

	mu       sync.Mutex
	receiver Receiver
}

var _ Channel = (*PipeEnd)(nil)

// NewPipe connects loops a and b. The end returned first allocates odd actor
// ids and the second even ones.
func NewPipe(a, b *loop.Loop) (*PipeEnd, *PipeEnd) {
	state := &pipeState{}
	ea := &PipeEnd{name: a.Name(), lp: a, state: state}
	eb := &PipeEnd{name: b.Name(), lp: b, state: state}
	ea.peer, eb.peer = eb, ea
	ea.nextID.Store(1)
	eb.nextID.Store(2)
	return ea, eb
}

// Bind sets the receiver of frames arriving at this end.
func (p *PipeEnd) Bind(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

func (p *PipeEnd) getReceiver() Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receiver
}

// Send implements Channel.
func (p *PipeEnd) Send(f Frame) error {
	if p.state.closed.Load() {
		return cerrors.ErrChannelClosed.GenWithStackByArgs()
	}
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	peer := p.peer
	ok := peer.lp.Dispatch(func() {
		// Frames still in flight when a process dies are lost with it.
		if p.state.crashed.Load() {
			return
		}
		if r := peer.getReceiver(); r != nil {
			ObserveReceived(f)
			r.OnFrame(f)
		}
	})
	if !ok {
		return cerrors.ErrChannelClosed.GenWithStackByArgs()
	}
	return nil
}

// AllocateID implements Channel.
func (p *PipeEnd) AllocateID() ActorID {
	return ActorID(p.nextID.Add(2) - 2)
}

// Close implements Channel. The peer is told about a NormalShutdown after
// every frame sent before Close.
func (p *PipeEnd) Close() error {
	if !p.state.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.notifyPeer(NormalShutdown)
	return nil
}

// Crash severs the pipe as if the process owning this end died. The peer is
// told about an AbnormalShutdown and frames still in flight are dropped.
func (p *PipeEnd) Crash() {
	p.state.crashed.Store(true)
	if !p.state.closed.CompareAndSwap(false, true) {
		return
	}
	p.notifyPeer(AbnormalShutdown)
}

// IsClosed returns whether the pipe has been severed.
func (p *PipeEnd) IsClosed() bool {
	return p.state.closed.Load()
}

func (p *PipeEnd) notifyPeer(reason DestroyReason) {
	peer := p.peer
	peer.lp.Dispatch(func() {
		if r := peer.getReceiver(); r != nil {
			r.OnChannelClosed(reason)
		}
	})
}
