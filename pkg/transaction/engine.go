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

import "context"

// Engine performs transactions in the worker process.
type Engine interface {
	// NewTransaction prepares a transaction without starting it. obs
	// receives the progress of the transaction once started.
	NewTransaction(args *InitArgs, obs Observer) (Transaction, error)
}

// Transaction is the unit of work of an Engine.
type Transaction interface {
	// Start begins pumping the transaction and returns without waiting for
	// it. The transaction ends when ctx is done.
	Start(ctx context.Context) error
	// Suspend pauses the read pump. Suspensions are counted.
	Suspend()
	// Resume undoes one Suspend.
	Resume()
	// Cancel asks the transaction to stop with reason. It returns whether
	// the request was issued, not whether the work has stopped.
	Cancel(reason error) bool
}

// Observer receives the progress of a transaction. Its methods may be
// called on any goroutine, one at a time, in the order OnTransportStatus*,
// OnStart, OnTransportStatus*, OnData*, OnStop. OnStop is called exactly
// once per started transaction.
type Observer interface {
	OnTransportStatus(args *TransportStatusArgs)
	OnStart(status error, meta *StartMeta)
	OnData(data []byte, offset uint64)
	OnStop(status error, meta *StopMeta)
}

// DataSink takes response bodies straight to their consumer in the parent
// process, bypassing the shell.
type DataSink interface {
	// Deliver offers a chunk to the consumer registered under channelID and
	// reports whether it took the chunk. It may block.
	Deliver(ctx context.Context, channelID uint64, data []byte, offset uint64) bool
}
