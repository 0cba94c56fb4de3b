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
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a message payload. A nil v encodes to a nil payload.
func Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrEncodeFrame, err, fmt.Sprintf("%T", v))
	}
	return b, nil
}

// Unmarshal decodes a message payload into v.
func Unmarshal(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return cerrors.WrapError(cerrors.ErrDecodeFrame, err, fmt.Sprintf("%T", v))
	}
	return nil
}
