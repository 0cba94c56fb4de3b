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

package logutil

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	constFieldProcessKey = "process"
	constFieldActorKind  = "actor-kind"
	constFieldActorID    = "actor-id"
	constFieldSideKey    = "side"
)

// NewLogger4Process returns a new logger for a bridged process.
func NewLogger4Process(name string) *zap.Logger {
	return log.L().With(
		zap.String(constFieldProcessKey, name),
	)
}

// NewLogger4Actor returns a new logger for one endpoint of an actor pair.
// side is "shell" for the consumer end and "handler" for the worker end.
func NewLogger4Actor(base *zap.Logger, kind string, id uint64, side string) *zap.Logger {
	if base == nil {
		base = log.L()
	}
	return base.With(
		zap.String(constFieldActorKind, kind),
		zap.Uint64(constFieldActorID, id),
		zap.String(constFieldSideKey, side),
	)
}
