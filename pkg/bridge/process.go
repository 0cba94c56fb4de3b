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

package bridge

import (
	"context"
	"fmt"
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/ipc"
	"github.com/pingcap/ipcbridge/pkg/logutil"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Channel is an ipc.Channel that delivers to a Receiver.
type Channel interface {
	ipc.Channel
	Bind(r ipc.Receiver)
}

type entry struct {
	handle *ipc.ActorHandle
	actor  ipc.Actor
}

// Process owns the actor pairs of one side of a channel. It stands in for
// the parent or the socket process.
//
// Actor state is confined to the main loop. Data bridges live on the
// background loop.
type Process struct {
	name   string
	main   *loop.Loop
	bg     *loop.Loop
	logger *zap.Logger

	ch        ipc.Channel
	actors    *Registry[ipc.ActorID, *entry]
	factories map[ipc.Kind]ipc.Factory
	bridges   *DataBridges
	watchdog  *Watchdog

	closed atomic.Bool
	// peerLost is set once the watchdog gives up on the peer.
	peerLost atomic.Bool
}

var (
	_ ipc.Receiver    = (*Process)(nil)
	_ ipc.Constructor = (*Process)(nil)
	_ ipc.Owner       = (*Process)(nil)
)

// NewProcess creates a process named name with its own main and background
// loops.
func NewProcess(name string) *Process {
	main := loop.New(name + "-main")
	bg := loop.New(name + "-background")
	return &Process{
		name:      name,
		main:      main,
		bg:        bg,
		logger:    logutil.NewLogger4Process(name),
		actors:    NewRegistry[ipc.ActorID, *entry](main, name+"-actors"),
		factories: make(map[ipc.Kind]ipc.Factory),
		bridges:   NewDataBridges(bg, name+"-data-bridges"),
	}
}

// Name returns the name of the process.
func (p *Process) Name() string { return p.name }

// MainLoop returns the loop that owns actor state.
func (p *Process) MainLoop() *loop.Loop { return p.main }

// BackgroundLoop returns the loop that owns the data bridges.
func (p *Process) BackgroundLoop() *loop.Loop { return p.bg }

// DataBridges returns the data bridges of the process.
func (p *Process) DataBridges() *DataBridges { return p.bridges }

// Channel returns the attached channel, nil before Attach.
func (p *Process) Channel() ipc.Channel { return p.ch }

// Attach connects the process to ch. It must be called before the loops
// start.
func (p *Process) Attach(ch Channel) {
	p.ch = ch
	ch.Bind(p)
}

// EnableWatchdog makes Run supervise the peer with w.
func (p *Process) EnableWatchdog(w *Watchdog) {
	p.watchdog = w
}

// RegisterFactory sets how endpoints of kind are created when the peer asks
// for one. It must be called before the loops start.
func (p *Process) RegisterFactory(kind ipc.Kind, f ipc.Factory) {
	p.factories[kind] = f
}

// Construct implements ipc.Constructor.
func (p *Process) Construct(kind ipc.Kind, actor ipc.Actor) (*ipc.ActorHandle, error) {
	p.main.AssertOnLoop()
	if p.ch == nil || p.closed.Load() || p.peerLost.Load() {
		return nil, cerrors.ErrActorCreationFailed.GenWithStackByArgs()
	}
	h := ipc.NewActorHandle(p.ch.AllocateID(), kind, p.ch, p)
	if err := h.SendConstruct(nil); err != nil {
		return nil, cerrors.WrapError(cerrors.ErrActorCreationFailed, err)
	}
	p.RegisterActor(h, actor)
	h.Open()
	return h, nil
}

// RegisterActor adds an actor pair endpoint. Registering an id twice
// panics.
func (p *Process) RegisterActor(h *ipc.ActorHandle, actor ipc.Actor) {
	p.actors.Register(h.ID(), &entry{handle: h, actor: actor})
}

// UnregisterActor removes an actor. Unknown ids are ignored, since the
// actor may already be torn down.
func (p *Process) UnregisterActor(id ipc.ActorID) {
	p.actors.Unregister(id)
}

// Unregister implements ipc.Owner.
func (p *Process) Unregister(id ipc.ActorID) {
	p.UnregisterActor(id)
}

// ActorCount returns the number of live actors.
func (p *Process) ActorCount() int {
	return p.actors.Len()
}

// OnFrame implements ipc.Receiver.
func (p *Process) OnFrame(f ipc.Frame) {
	p.main.AssertOnLoop()
	if p.watchdog != nil {
		p.watchdog.Touch()
	}

	failpoint.Inject("ProcessDropFrame", func(val failpoint.Value) {
		if ipc.Tag(val.(int)) == f.Tag {
			failpoint.Return()
		}
	})

	switch f.Tag {
	case ipc.TagKeepalive, ipc.TagGoodbye:
		return
	case ipc.TagConstruct:
		p.onConstruct(f)
		return
	}

	e, ok := p.actors.Get(f.Actor)
	if !ok {
		p.protocolViolation(f, errors.New("no such actor"))
		return
	}
	switch f.Tag {
	case ipc.TagConstructFailed:
		if e.handle.ForceClose() {
			e.actor.ActorDestroy(ipc.ConstructFailed)
		}
	case ipc.TagDelete:
		if err := e.handle.RecvDelete(); err != nil {
			p.protocolViolation(f, err)
			return
		}
		e.actor.ActorDestroy(ipc.Deletion)
	case ipc.TagDeleteAck:
		if err := e.handle.RecvDeleteAck(); err != nil {
			p.protocolViolation(f, err)
			return
		}
		e.actor.ActorDestroy(ipc.Deletion)
	default:
		if err := e.actor.RecvMessage(f.Tag, f.Payload); err != nil {
			p.protocolViolation(f, err)
		}
	}
}

func (p *Process) onConstruct(f ipc.Frame) {
	failpoint.Inject("ProcessConstructFailure", func() {
		p.sendConstructFailed(f, errors.New("injected construct failure"))
		failpoint.Return()
	})

	factory, ok := p.factories[f.Kind]
	if !ok {
		p.sendConstructFailed(f, cerrors.ErrUnknownActorKind.GenWithStackByArgs(string(f.Kind)))
		return
	}
	if _, ok := p.actors.Get(f.Actor); ok {
		p.protocolViolation(f, cerrors.ErrDuplicateRegistration.GenWithStackByArgs(f.Actor))
		return
	}
	h := ipc.NewActorHandle(f.Actor, f.Kind, p.ch, p)
	h.Open()
	actor, err := factory(h)
	if err != nil {
		p.sendConstructFailed(f, err)
		return
	}
	p.RegisterActor(h, actor)
}

func (p *Process) sendConstructFailed(f ipc.Frame, reason error) {
	p.logger.Warn("cannot construct actor",
		zap.Uint64("actor-id", uint64(f.Actor)),
		zap.String("actor-kind", string(f.Kind)),
		zap.Error(reason))
	err := p.ch.Send(ipc.Frame{Actor: f.Actor, Kind: f.Kind, Tag: ipc.TagConstructFailed})
	if err != nil {
		p.logger.Debug("send construct failed", zap.Error(err))
	}
}

// protocolViolation logs and drops a frame. A buggy or compromised peer
// must not bring this process down.
func (p *Process) protocolViolation(f ipc.Frame, err error) {
	protocolViolationCounter.WithLabelValues(p.name, f.Tag.String()).Inc()
	p.logger.Warn("protocol violation, frame dropped",
		zap.Uint64("actor-id", uint64(f.Actor)),
		zap.String("actor-kind", string(f.Kind)),
		zap.Stringer("tag", f.Tag),
		zap.Error(err))
}

// OnChannelClosed implements ipc.Receiver.
func (p *Process) OnChannelClosed(reason ipc.DestroyReason) {
	p.main.AssertOnLoop()
	p.logger.Info("channel closed", zap.Stringer("reason", reason))
	if reason == ipc.AbnormalShutdown {
		p.OnProcessAbnormalShutdown()
		return
	}
	p.destroyAll(reason)
}

// OnProcessAbnormalShutdown closes every actor without a handshake and
// destroys it with AbnormalShutdown. Outstanding requests complete with
// ErrPeerCrashed. The registry is empty afterwards.
func (p *Process) OnProcessAbnormalShutdown() {
	p.main.AssertOnLoop()
	n := p.destroyAll(ipc.AbnormalShutdown)
	abnormalShutdownCounter.WithLabelValues(p.name).Add(float64(n))
	if n > 0 {
		p.logger.Warn("peer process crashed", zap.Int("actors", n))
	}
}

// onPeerHung handles a peer the watchdog declared dead. Outstanding actors
// are destroyed as if the peer crashed, the channel is closed so a peer that
// wakes up tears its own actors down, and no new actor is constructed.
func (p *Process) onPeerHung() {
	p.main.AssertOnLoop()
	p.peerLost.Store(true)
	p.OnProcessAbnormalShutdown()
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Debug("close channel to hung peer", zap.Error(err))
		}
	}
}

// PeerLost returns whether the watchdog declared the peer dead.
func (p *Process) PeerLost() bool {
	return p.peerLost.Load()
}

func (p *Process) destroyAll(reason ipc.DestroyReason) int {
	entries := p.actors.Drain()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].handle.ID() < entries[j].handle.ID()
	})
	n := 0
	for _, e := range entries {
		if e.handle.ForceClose() {
			e.actor.ActorDestroy(reason)
			n++
		}
	}
	return n
}

// Run runs the loops of the process, and the watchdog if enabled, until ctx
// is done or the process is closed.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A closed main loop stops everything else.
		defer cancel()
		return p.main.Run(ctx)
	})
	g.Go(func() error {
		return p.bg.Run(ctx)
	})
	if p.watchdog != nil {
		g.Go(func() error {
			return p.watchdog.Run(ctx)
		})
	}
	err := g.Wait()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return errors.Trace(err)
}

// Close shuts the channel down, destroys the remaining actors with
// NormalShutdown, drops the data bridges and stops the loops.
func (p *Process) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if p.ch != nil {
		err = multierr.Append(err, p.ch.Close())
	}
	if !p.main.Dispatch(func() { p.destroyAll(ipc.NormalShutdown) }) {
		err = multierr.Append(err, cerrors.ErrLoopClosed.GenWithStackByArgs(p.main.Name()))
	}
	if !p.bg.Dispatch(func() { p.bridges.CloseAll() }) {
		err = multierr.Append(err, cerrors.ErrLoopClosed.GenWithStackByArgs(p.bg.Name()))
	}
	p.main.Close()
	p.bg.Close()
	if err != nil {
		p.logger.Warn("process closed with errors", zap.Error(err))
	}
	return err
}

func (p *Process) String() string {
	return fmt.Sprintf("process(%s)", p.name)
}
