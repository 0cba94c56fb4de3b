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
	"time"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
)

// InitArgs is the parameter set of a transaction.
type InitArgs struct {
	// ChannelID identifies the consumer of the response in the parent
	// process. A data bridge registered under it may take the body.
	ChannelID uint64              `msgpack:"channel_id"`
	Caps      uint32              `msgpack:"caps"`
	Method    string              `msgpack:"method"`
	URL       string              `msgpack:"url"`
	Header    map[string][]string `msgpack:"header"`
	Body      []byte              `msgpack:"body"`
	Priority  int32               `msgpack:"priority"`
}

// CancelArgs carries the reason of a cancellation.
type CancelArgs struct {
	Status cerrors.Status `msgpack:"status"`
}

// ResponseHead is the status line and headers of a response.
type ResponseHead struct {
	StatusCode int                 `msgpack:"status_code"`
	Proto      string              `msgpack:"proto"`
	Header     map[string][]string `msgpack:"header"`
}

// StartMeta is what is known about a response when it starts.
type StartMeta struct {
	Head               *ResponseHead `msgpack:"head"`
	ProxyConnectFailed bool          `msgpack:"proxy_connect_failed"`
	SecurityInfo       string        `msgpack:"security_info"`
}

// Timings records how long the phases of a transaction took.
type Timings struct {
	RequestStart time.Time     `msgpack:"request_start"`
	DNSLookup    time.Duration `msgpack:"dns_lookup"`
	Connect      time.Duration `msgpack:"connect"`
	Server       time.Duration `msgpack:"server"`
	Total        time.Duration `msgpack:"total"`
}

// StopMeta is the final state of a transaction.
type StopMeta struct {
	ResponseComplete bool                `msgpack:"response_complete"`
	TransferSize     int64               `msgpack:"transfer_size"`
	Timings          Timings             `msgpack:"timings"`
	Trailers         map[string][]string `msgpack:"trailers"`
}

// StartArgs is the payload of TagOnStart.
type StartArgs struct {
	Status cerrors.Status `msgpack:"status"`
	Meta   StartMeta      `msgpack:"meta"`
}

// DataArgs is the payload of TagOnData.
type DataArgs struct {
	Data   []byte `msgpack:"data"`
	Offset uint64 `msgpack:"offset"`
	Count  uint32 `msgpack:"count"`
	// DataSentToConsumer is set when a data bridge in the parent process
	// already took the chunk.
	DataSentToConsumer bool `msgpack:"data_sent_to_consumer"`
}

// StopArgs is the payload of TagOnStop.
type StopArgs struct {
	Status cerrors.Status `msgpack:"status"`
	Meta   StopMeta       `msgpack:"meta"`
}

// TransportStatus is the progress phase of a transaction's connection.
type TransportStatus string

// Transport statuses.
const (
	StatusResolving     TransportStatus = "resolving"
	StatusConnectedTo   TransportStatus = "connected-to"
	StatusSendingTo     TransportStatus = "sending-to"
	StatusWaitingFor    TransportStatus = "waiting-for"
	StatusReceivingFrom TransportStatus = "receiving-from"
)

// TransportStatusArgs is the payload of TagOnTransportStatus.
type TransportStatusArgs struct {
	Status      TransportStatus `msgpack:"status"`
	Progress    int64           `msgpack:"progress"`
	ProgressMax int64           `msgpack:"progress_max"`
	SelfAddr    string          `msgpack:"self_addr"`
	PeerAddr    string          `msgpack:"peer_addr"`
}
