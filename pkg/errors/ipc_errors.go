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

package errors

import (
	"github.com/pingcap/errors"
)

// all actor bridge errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("IPC:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("IPC:ErrInvalidArgument"),
	)
	ErrContractViolation = errors.Normalize(
		"contract violation: %s",
		errors.RFCCodeText("IPC:ErrContractViolation"),
	)
	ErrFatalAllocationFailure = errors.Normalize(
		"allocation failed in an unrecoverable region",
		errors.RFCCodeText("IPC:ErrFatalAllocationFailure"),
	)

	// actor related errors
	ErrActorUnavailable = errors.Normalize(
		"actor is not available",
		errors.RFCCodeText("IPC:ErrActorUnavailable"),
	)
	ErrActorCreationFailed = errors.Normalize(
		"failed to create actor",
		errors.RFCCodeText("IPC:ErrActorCreationFailed"),
	)
	ErrUnknownActorKind = errors.Normalize(
		"unknown actor kind: %s",
		errors.RFCCodeText("IPC:ErrUnknownActorKind"),
	)
	ErrDuplicateRegistration = errors.Normalize(
		"actor key %v is already registered",
		errors.RFCCodeText("IPC:ErrDuplicateRegistration"),
	)
	ErrProtocolViolation = errors.Normalize(
		"protocol violation: %s",
		errors.RFCCodeText("IPC:ErrProtocolViolation"),
	)

	// request completion statuses, carried across the channel
	ErrPeerCrashed = errors.Normalize(
		"peer process crashed",
		errors.RFCCodeText("IPC:ErrPeerCrashed"),
	)
	ErrHandlerStartFailure = errors.Normalize(
		"request handler failed to start",
		errors.RFCCodeText("IPC:ErrHandlerStartFailure"),
	)
	ErrAborted = errors.Normalize(
		"request aborted",
		errors.RFCCodeText("IPC:ErrAborted"),
	)
	ErrBindingAborted = errors.Normalize(
		"request binding aborted",
		errors.RFCCodeText("IPC:ErrBindingAborted"),
	)
	ErrRemoteFailure = errors.Normalize(
		"remote side failed with status %s",
		errors.RFCCodeText("IPC:ErrRemoteFailure"),
	)
	ErrConnectionRefused = errors.Normalize(
		"connection refused",
		errors.RFCCodeText("IPC:ErrConnectionRefused"),
	)
	ErrNetworkFailure = errors.Normalize(
		"network failure",
		errors.RFCCodeText("IPC:ErrNetworkFailure"),
	)
	ErrResolveFailed = errors.Normalize(
		"failed to resolve host",
		errors.RFCCodeText("IPC:ErrResolveFailed"),
	)

	// channel related errors
	ErrChannelClosed = errors.Normalize(
		"channel is closed",
		errors.RFCCodeText("IPC:ErrChannelClosed"),
	)
	ErrDecodeFrame = errors.Normalize(
		"failed to decode %s payload",
		errors.RFCCodeText("IPC:ErrDecodeFrame"),
	)
	ErrEncodeFrame = errors.Normalize(
		"failed to encode %s payload",
		errors.RFCCodeText("IPC:ErrEncodeFrame"),
	)
	ErrLoopClosed = errors.Normalize(
		"loop %s is closed",
		errors.RFCCodeText("IPC:ErrLoopClosed"),
	)
	ErrTransportStream = errors.Normalize(
		"transport stream failed",
		errors.RFCCodeText("IPC:ErrTransportStream"),
	)
	ErrTransportUnavailable = errors.Normalize(
		"transport peer %s is unavailable",
		errors.RFCCodeText("IPC:ErrTransportUnavailable"),
	)
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("IPC:ErrReachMaxTry"),
	)
	ErrVersionIncompatible = errors.Normalize(
		"protocol version %s is incompatible with %s",
		errors.RFCCodeText("IPC:ErrVersionIncompatible"),
	)

	// config related errors
	ErrConfigDecode = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("IPC:ErrConfigDecode"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"config contains unknown configuration options: %s",
		errors.RFCCodeText("IPC:ErrConfigUnknownItem"),
	)
	ErrConfigInvalid = errors.Normalize(
		"config is invalid: %s",
		errors.RFCCodeText("IPC:ErrConfigInvalid"),
	)
)
