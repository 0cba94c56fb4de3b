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

package bridge

import (
	"fmt"

	cerrors "github.com/pingcap/ipcbridge/pkg/errors"
	"github.com/pingcap/ipcbridge/pkg/loop"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Registry maps keys to values for a single owning loop. It holds no lock:
// every method asserts that it is called on the owner.
type Registry[K comparable, V any] struct {
	lp    *loop.Loop
	name  string
	items map[K]V
}

// NewRegistry creates a registry owned by lp.
func NewRegistry[K comparable, V any](lp *loop.Loop, name string) *Registry[K, V] {
	return &Registry[K, V]{
		lp:    lp,
		name:  name,
		items: make(map[K]V),
	}
}

// Register adds v under k. Registering a key twice is a programming error
// and panics.
func (r *Registry[K, V]) Register(k K, v V) {
	if err := r.TryRegister(k, v); err != nil {
		log.Panic("duplicate registration",
			zap.String("registry", r.name), zap.Error(err))
	}
}

// TryRegister adds v under k, or returns ErrDuplicateRegistration if k is
// taken. It is meant for keys chosen by a peer, which must not be able to
// crash this process.
func (r *Registry[K, V]) TryRegister(k K, v V) error {
	r.lp.AssertOnLoop()
	if _, ok := r.items[k]; ok {
		return cerrors.ErrDuplicateRegistration.GenWithStackByArgs(fmt.Sprintf("%s/%v", r.name, k))
	}
	r.items[k] = v
	registryGauge.WithLabelValues(r.name).Inc()
	return nil
}

// Unregister removes k and reports whether it was present. Removing an
// absent key is a no-op.
func (r *Registry[K, V]) Unregister(k K) bool {
	r.lp.AssertOnLoop()
	if _, ok := r.items[k]; !ok {
		return false
	}
	delete(r.items, k)
	registryGauge.WithLabelValues(r.name).Dec()
	return true
}

// Get returns the value registered under k.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.lp.AssertOnLoop()
	v, ok := r.items[k]
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.lp.AssertOnLoop()
	return len(r.items)
}

// Range calls fn for every entry until fn returns false. fn must not
// modify the registry.
func (r *Registry[K, V]) Range(fn func(k K, v V) bool) {
	r.lp.AssertOnLoop()
	for k, v := range r.items {
		if !fn(k, v) {
			return
		}
	}
}

// Drain empties the registry and returns what it held.
func (r *Registry[K, V]) Drain() []V {
	r.lp.AssertOnLoop()
	ret := make([]V, 0, len(r.items))
	for _, v := range r.items {
		ret = append(ret, v)
	}
	registryGauge.WithLabelValues(r.name).Sub(float64(len(r.items)))
	r.items = make(map[K]V)
	return ret
}
