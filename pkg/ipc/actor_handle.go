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
	"fmt"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"go.uber.org/atomic"
)

// ActorState is the teardown state of an actor endpoint.
type ActorState int32

// States of an actor endpoint. StateClosed is terminal.
const (
	StateConstructing ActorState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ActorState) String() string {
	switch s {
	case StateConstructing:
		return "Constructing"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ActorState(%d)", int32(s))
	}
}

// Owner is the registry an ActorHandle removes itself from once closed.
type Owner interface {
	Unregister(id ActorID)
}

// ActorHandle tracks the lifecycle of one endpoint of an actor pair and owns
// its link to the channel. All methods except State and IsOpen must be
// called on the loop that owns the actor.
type ActorHandle struct {
	id    ActorID
	kind  Kind
	state atomic.Int32
	ch    Channel
	owner Owner
}

// NewActorHandle creates a handle in the Constructing state. owner may be
// nil.
func NewActorHandle(id ActorID, kind Kind, ch Channel, owner Owner) *ActorHandle {
	return &ActorHandle{
		id:    id,
		kind:  kind,
		ch:    ch,
		owner: owner,
	}
}

// ID returns the id of the actor pair.
func (h *ActorHandle) ID() ActorID {
	return h.id
}

// Kind returns the protocol of the actor pair.
func (h *ActorHandle) Kind() Kind {
	return h.kind
}

// State returns the current state.
func (h *ActorHandle) State() ActorState {
	return ActorState(h.state.Load())
}

// IsOpen returns whether messages may be sent through the handle.
func (h *ActorHandle) IsOpen() bool {
	return h.State() == StateOpen
}

func (h *ActorHandle) cas(from, to ActorState) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

func (h *ActorHandle) sendRaw(tag Tag, payload []byte) error {
	err := h.ch.Send(Frame{
		Actor:   h.id,
		Kind:    h.kind,
		Tag:     tag,
		Payload: payload,
	})
	if err != nil {
		return cerrors.WrapError(cerrors.ErrActorUnavailable, err)
	}
	frameSentCounter.WithLabelValues(string(h.kind), tag.String()).Inc()
	return nil
}

// SendConstruct asks the peer to create its endpoint of the pair. It is
// only valid while the handle is Constructing.
func (h *ActorHandle) SendConstruct(v interface{}) error {
	if h.State() != StateConstructing {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("construct sent for actor %d in state %s", h.id, h.State()))
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return h.sendRaw(TagConstruct, payload)
}

// Open moves the handle from Constructing to Open.
func (h *ActorHandle) Open() bool {
	return h.cas(StateConstructing, StateOpen)
}

// Send encodes v and sends it with tag. Nothing is sent unless the handle is
// open, and ErrActorUnavailable is returned instead.
func (h *ActorHandle) Send(tag Tag, v interface{}) error {
	if !h.IsOpen() {
		return cerrors.ErrActorUnavailable.GenWithStackByArgs()
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return h.sendRaw(tag, payload)
}

// SendDelete starts the teardown handshake, moving Open to Closing. It
// returns false if the handle was not open.
func (h *ActorHandle) SendDelete() bool {
	if !h.cas(StateOpen, StateClosing) {
		return false
	}
	// A failed send means the channel is gone, and the channel loss will
	// close the handle.
	_ = h.sendRaw(TagDelete, nil)
	return true
}

// RecvDelete handles a teardown request from the peer. An open handle closes
// and acknowledges it. A closing handle means both ends started teardown at
// once, and each end treats the other's request as the acknowledgement.
func (h *ActorHandle) RecvDelete() error {
	switch {
	case h.cas(StateOpen, StateClosed):
		_ = h.sendRaw(TagDeleteAck, nil)
	case h.cas(StateClosing, StateClosed):
	default:
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("delete received for actor %d in state %s", h.id, h.State()))
	}
	h.unregister()
	return nil
}

// RecvDeleteAck completes the teardown handshake.
func (h *ActorHandle) RecvDeleteAck() error {
	if !h.cas(StateClosing, StateClosed) {
		return cerrors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("delete ack received for actor %d in state %s", h.id, h.State()))
	}
	h.unregister()
	return nil
}

// ForceClose moves the handle to Closed without a handshake. It returns
// whether this call performed the transition.
func (h *ActorHandle) ForceClose() bool {
	for {
		s := h.State()
		if s == StateClosed {
			return false
		}
		if h.cas(s, StateClosed) {
			h.unregister()
			return true
		}
	}
}

func (h *ActorHandle) unregister() {
	if h.owner != nil {
		h.owner.Unregister(h.id)
	}
}
