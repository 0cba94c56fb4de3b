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
	stdErrors "errors"

	"github.com/pingcap/errors"
)

var (
	// New is an alias of errors.New from pingcap/errors.
	New = errors.New
	// Trace annotates err with a stack.
	Trace = errors.Trace
	// Cause returns the root cause of err.
	Cause = errors.Cause
	// Annotate adds a message to err.
	Annotate = errors.Annotate
	// Annotatef adds a formatted message to err.
	Annotatef = errors.Annotatef
	// Is is the standard library errors.Is. It works with normalized errors
	// because *errors.Error compares by error ID.
	Is = stdErrors.Is
	// As is the standard library errors.As.
	As = stdErrors.As
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different from the
// behavior of `errors.Wrap` in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}
