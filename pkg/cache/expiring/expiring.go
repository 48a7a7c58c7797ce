/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package expiring provides a concurrent map whose entries age out on a sweep interval.
// Unlike a plain TTL cache, entries can be pinned while in use, and an eviction veto can
// retain entries past their lifetime. Insert never overwrites.
package expiring

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// NoExpiration disables aging for every entry in the map.
const NoExpiration time.Duration = -1

type Options[K comparable, V any] struct {
	// Lifetime is the duration an entry lives without being touched. NoExpiration keeps
	// entries until they are erased.
	Lifetime time.Duration
	// TickInterval is how often the janitor sweeps. Defaults to one minute.
	TickInterval time.Duration
	// TouchOnAccess extends an entry's lifetime on every Find.
	TouchOnAccess bool
	// BlockWhileInUse keeps pinned entries alive past their lifetime until released.
	BlockWhileInUse bool
	// CanEvict is consulted before evicting an expired entry. Returning false retains the
	// entry; it is re-examined on the next sweep.
	CanEvict func(K, V) bool
	Clock    clock.WithTicker
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
	pins      int
}

// Map is a mutex-guarded map with a janitor goroutine. All operations are safe for
// concurrent use.
type Map[K comparable, V any] struct {
	opts     Options[K, V]
	clock    clock.WithTicker
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopOnce sync.Once
	stop     chan struct{}
}

func NewMap[K comparable, V any](opts Options[K, V]) *Map[K, V] {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	m := &Map[K, V]{
		opts:  opts,
		clock: opts.Clock,
		items: map[K]*entry[V]{},
		stop:  make(chan struct{}),
	}
	if opts.Lifetime != NoExpiration {
		go m.janitor()
	}
	return m
}

// Insert adds the value under the key. It fails when the key is already present, it
// never overwrites.
func (m *Map[K, V]) Insert(key K, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; ok {
		return fmt.Errorf("key %v already present", key)
	}
	now := m.clock.Now()
	e := &entry[V]{value: value, createdAt: now}
	if m.opts.Lifetime != NoExpiration {
		e.expiresAt = now.Add(m.opts.Lifetime)
	}
	m.items[key] = e
	return nil
}

// Find returns the value under the key. With TouchOnAccess the entry's lifetime restarts.
func (m *Map[K, V]) Find(key K) (V, bool) {
	if m.opts.TouchOnAccess && m.opts.Lifetime != NoExpiration {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.items[key]
		if !ok {
			return *new(V), false
		}
		e.expiresAt = m.clock.Now().Add(m.opts.Lifetime)
		return e.value, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok {
		return *new(V), false
	}
	return e.value, true
}

// FindAndPin returns the value under the key and pins the entry until the returned
// release is called. A pinned entry survives expiry sweeps when BlockWhileInUse is set.
func (m *Map[K, V]) FindAndPin(key K) (V, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return *new(V), nil, false
	}
	if m.opts.TouchOnAccess && m.opts.Lifetime != NoExpiration {
		e.expiresAt = m.clock.Now().Add(m.opts.Lifetime)
	}
	e.pins++
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.pins--
		})
	}
	return e.value, release, true
}

// Erase removes the key. It fails when the key is not present.
func (m *Map[K, V]) Erase(key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return fmt.Errorf("key %v not present", key)
	}
	delete(m.items, key)
	return nil
}

// Keys returns a snapshot of the keys currently in the map.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Stop halts the janitor. The map remains usable, entries just stop aging out.
func (m *Map[K, V]) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Map[K, V]) janitor() {
	ticker := m.clock.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
			m.sweep()
		}
	}
}

func (m *Map[K, V]) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.items {
		if e.expiresAt.After(now) {
			continue
		}
		if m.opts.BlockWhileInUse && e.pins > 0 {
			continue
		}
		if m.opts.CanEvict != nil && !m.opts.CanEvict(k, e.value) {
			continue
		}
		delete(m.items, k)
	}
}
