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

import "fmt"

// ActorID identifies an actor pair on a channel. Both endpoints of the pair
// use the same id.
type ActorID uint64

// Kind names the protocol spoken by an actor pair.
type Kind string

// Kinds of actor pairs.
const (
	KindHTTPTransaction Kind = "http-transaction"
	KindDNSRequest      Kind = "dns-request"
	// KindControl is used by frames that are not addressed to an actor,
	// such as keepalives.
	KindControl Kind = "control"
)

// ControlActorID is the actor id used by control frames.
const ControlActorID ActorID = 0

// Tag is the closed set of messages an actor pair may exchange.
type Tag uint8

// Tags of all messages.
const (
	TagUnknown Tag = iota
	// teardown protocol
	TagConstruct
	TagConstructFailed
	TagDelete
	TagDeleteAck
	// shell to handler
	TagInit
	TagRead
	TagCancel
	TagSuspend
	TagResume
	// handler to shell
	TagOnStart
	TagOnData
	TagOnStop
	TagOnTransportStatus
	// dns
	TagResolve
	TagCancelLookup
	TagLookupCompleted
	// control
	TagKeepalive
	TagGoodbye
)

var tagNames = [...]string{
	TagUnknown:           "Unknown",
	TagConstruct:         "Construct",
	TagConstructFailed:   "ConstructFailed",
	TagDelete:            "Delete",
	TagDeleteAck:         "DeleteAck",
	TagInit:              "Init",
	TagRead:              "Read",
	TagCancel:            "Cancel",
	TagSuspend:           "Suspend",
	TagResume:            "Resume",
	TagOnStart:           "OnStart",
	TagOnData:            "OnData",
	TagOnStop:            "OnStop",
	TagOnTransportStatus: "OnTransportStatus",
	TagResolve:           "Resolve",
	TagCancelLookup:      "CancelLookup",
	TagLookupCompleted:   "LookupCompleted",
	TagKeepalive:         "Keepalive",
	TagGoodbye:           "Goodbye",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Frame is the unit carried by a Channel.
type Frame struct {
	Actor   ActorID `msgpack:"actor"`
	Kind    Kind    `msgpack:"kind"`
	Tag     Tag     `msgpack:"tag"`
	Payload []byte  `msgpack:"payload"`
}

// DestroyReason tells an actor why it is being destroyed.
type DestroyReason int

// Reasons of actor destruction.
const (
	// Deletion means the teardown handshake completed.
	Deletion DestroyReason = iota
	// NormalShutdown means the channel was closed cleanly.
	NormalShutdown
	// AbnormalShutdown means the peer process vanished.
	AbnormalShutdown
	// ConstructFailed means the peer could not create its endpoint.
	ConstructFailed
)

func (r DestroyReason) String() string {
	switch r {
	case Deletion:
		return "Deletion"
	case NormalShutdown:
		return "NormalShutdown"
	case AbnormalShutdown:
		return "AbnormalShutdown"
	case ConstructFailed:
		return "ConstructFailed"
	default:
		return fmt.Sprintf("DestroyReason(%d)", int(r))
	}
}

// Channel is an ordered, reliable, bidirectional transport between two
// processes. Once severed every Send fails.
type Channel interface {
	// Send queues f for delivery. It never waits for the peer.
	Send(f Frame) error
	// AllocateID returns an actor id that is unique on this channel. The two
	// ends of a channel allocate from disjoint id spaces.
	AllocateID() ActorID
	// Close shuts the channel down cleanly. The peer observes a
	// NormalShutdown.
	Close() error
}

// Receiver consumes what a Channel delivers. Both methods are called on the
// loop of the receiving process.
type Receiver interface {
	OnFrame(f Frame)
	OnChannelClosed(reason DestroyReason)
}

// Actor is one endpoint of an actor pair.
type Actor interface {
	// RecvMessage handles a frame addressed to the actor.
	RecvMessage(tag Tag, payload []byte) error
	// ActorDestroy is called exactly once when the actor reaches the Closed
	// state.
	ActorDestroy(reason DestroyReason)
}

// Constructor creates the local endpoint of a new actor pair and asks the
// peer process to create the remote one. The returned handle is open.
type Constructor interface {
	Construct(kind Kind, actor Actor) (*ActorHandle, error)
}

// Factory creates the local endpoint of an actor pair whose construction
// was requested by the peer process. h is already open.
type Factory func(h *ActorHandle) (Actor, error)
