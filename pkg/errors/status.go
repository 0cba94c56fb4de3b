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
	"context"

	"github.com/pingcap/errors"
)

// Status is the result code of a request as it travels across a process
// boundary. It is the RFC code of a normalized error, and StatusOK
// (the empty string) means success.
type Status string

// StatusOK is the status of a successful request.
const StatusOK Status = ""

// statusErrors lists the errors that can be rebuilt from a Status received
// from a peer.
var statusErrors = map[Status]*errors.Error{}

func init() {
	for _, e := range []*errors.Error{
		ErrUnknown,
		ErrActorUnavailable,
		ErrActorCreationFailed,
		ErrPeerCrashed,
		ErrHandlerStartFailure,
		ErrAborted,
		ErrBindingAborted,
		ErrConnectionRefused,
		ErrNetworkFailure,
		ErrResolveFailed,
		ErrChannelClosed,
		ErrFatalAllocationFailure,
	} {
		statusErrors[Status(e.RFCCode())] = e
	}
}

// StatusOf returns the Status describing err.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if Is(err, context.Canceled) || Is(err, context.DeadlineExceeded) {
		return Status(ErrAborted.RFCCode())
	}
	var rfcErr *errors.Error
	if As(err, &rfcErr) {
		return Status(rfcErr.RFCCode())
	}
	return Status(ErrUnknown.RFCCode())
}

// OK returns whether s is a success status.
func (s Status) OK() bool {
	return s == StatusOK
}

// Err rebuilds an error from s. It returns nil for StatusOK. Statuses that
// are not known locally are reported as ErrRemoteFailure.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	if e, ok := statusErrors[s]; ok {
		return e.FastGenByArgs()
	}
	return ErrRemoteFailure.FastGenByArgs(string(s))
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s.OK() {
		return "OK"
	}
	return string(s)
}
