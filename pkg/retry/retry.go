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

package retry

import (
	"context"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
)

// Do calls op until it succeeds, returns an error the policy does not retry,
// runs out of tries or ctx is done. Running out of tries is reported as
// ErrReachMaxTry wrapping the last error.
func Do(ctx context.Context, op func() error, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	p := newPolicy(opts)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for tries := 1; ; tries++ {
		err := op()
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		if p.exhausted(tries) {
			return cerrors.ErrReachMaxTry.Wrap(err).GenWithStackByArgs(strconv.Itoa(tries), err.Error())
		}

		pause := p.backoff(tries)
		if timer == nil {
			timer = time.NewTimer(pause)
		} else {
			timer.Reset(pause)
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-timer.C:
		}
	}
}
