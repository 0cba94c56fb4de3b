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

	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/ipcbridge/pkg/transaction"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DataBridge takes response bodies for one channel id without going
// through the transaction shell.
type DataBridge interface {
	OnData(data []byte, offset uint64)
	// Close is called when the bridge is dropped by its process.
	Close()
}

// DataBridges is the registry of data bridges, confined to a background
// loop.
type DataBridges struct {
	bg       *loop.Loop
	registry *Registry[uint64, DataBridge]
}

var _ transaction.DataSink = (*DataBridges)(nil)

// NewDataBridges creates an empty registry owned by bg.
func NewDataBridges(bg *loop.Loop, name string) *DataBridges {
	return &DataBridges{
		bg:       bg,
		registry: NewRegistry[uint64, DataBridge](bg, name),
	}
}

// Register adds b under channelID. It must be called on the background
// loop, and a channel id may only be registered once.
func (d *DataBridges) Register(channelID uint64, b DataBridge) {
	d.registry.Register(channelID, b)
}

// Unregister removes the bridge of channelID, if any. It must be called on
// the background loop.
func (d *DataBridges) Unregister(channelID uint64) {
	d.registry.Unregister(channelID)
}

// Deliver implements transaction.DataSink. It runs on the background loop
// and blocks the caller until the bridge has taken the chunk.
func (d *DataBridges) Deliver(ctx context.Context, channelID uint64, data []byte, offset uint64) bool {
	var taken bool
	err := d.bg.DispatchSync(ctx, func() {
		b, ok := d.registry.Get(channelID)
		if !ok {
			return
		}
		b.OnData(data, offset)
		taken = true
	})
	if err != nil {
		log.Debug("data bridge unreachable",
			zap.Uint64("channel-id", channelID), zap.Error(err))
		return false
	}
	return taken
}

// CloseAll drops every bridge. It must be called on the background loop.
func (d *DataBridges) CloseAll() {
	for _, b := range d.registry.Drain() {
		b.Close()
	}
}
