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

package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDequeBasics(t *testing.T) {
	t.Parallel()

	var q Queue[int] = NewDeque[int]()
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)

	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	require.Equal(t, 10, q.Size())

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 0, v)

	for i := 0; i < 10; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, q.Size())
}

func TestDequePopAll(t *testing.T) {
	t.Parallel()

	q := NewDeque[string]()
	require.Nil(t, q.PopAll())

	q.Push("a")
	q.Push("b")
	q.Push("c")
	require.Equal(t, []string{"a", "b", "c"}, q.PopAll())
	require.Equal(t, 0, q.Size())
}

func TestDequeConcurrentPush(t *testing.T) {
	t.Parallel()

	const (
		producers = 8
		perWorker = 1000
	)
	q := NewDeque[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, producers*perWorker, q.Size())
}
