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

package rpc

import "google.golang.org/grpc"

const (
	serviceName   = "ipcbridge.Bridge"
	connectMethod = "/" + serviceName + "/Connect"
)

// bridgeServer is the handler type of the Bridge service. Connect is a
// bidirectional stream of frames that carries one channel.
type bridgeServer interface {
	connect(stream grpc.ServerStream) error
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(bridgeServer).connect(stream)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*bridgeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

var connectStreamDesc = &bridgeServiceDesc.Streams[0]
