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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuspendQueueDrainInOrder(t *testing.T) {
	t.Parallel()

	q := NewSuspendQueue()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}
	require.Equal(t, 5, q.Len())
	require.Equal(t, 5, q.Drain(func() bool { return true }))
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.Equal(t, 0, q.Len())
}

func TestSuspendQueueStopsWhenNotRunnable(t *testing.T) {
	t.Parallel()

	q := NewSuspendQueue()
	runnable := true
	var got []int
	q.Push(func() { got = append(got, 0) })
	q.Push(func() {
		got = append(got, 1)
		runnable = false
	})
	q.Push(func() { got = append(got, 2) })

	require.Equal(t, 2, q.Drain(func() bool { return runnable }))
	require.Equal(t, []int{0, 1}, got)
	require.Equal(t, 1, q.Len())

	runnable = true
	require.Equal(t, 1, q.Drain(func() bool { return runnable }))
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestSuspendQueueReentrantDrain(t *testing.T) {
	t.Parallel()

	q := NewSuspendQueue()
	var inner int
	var got []int
	q.Push(func() {
		require.True(t, q.Draining())
		inner = q.Drain(func() bool { return true })
		got = append(got, 0)
	})
	q.Push(func() { got = append(got, 1) })

	require.Equal(t, 2, q.Drain(func() bool { return true }))
	require.Equal(t, 0, inner)
	require.Equal(t, []int{0, 1}, got)
	require.False(t, q.Draining())
}

func TestSuspendQueueClear(t *testing.T) {
	t.Parallel()

	q := NewSuspendQueue()
	q.Push(func() { t.Fatal("cleared callback ran") })
	q.Push(func() { t.Fatal("cleared callback ran") })
	q.Clear()
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, q.Drain(func() bool { return true }))
}
