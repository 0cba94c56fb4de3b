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

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

const codecName = "msgpack"

// frameCodec carries ipc.Frame values over gRPC without protobuf.
type frameCodec struct{}

var _ encoding.Codec = frameCodec{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (frameCodec) Name() string {
	return codecName
}
