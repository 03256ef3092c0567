// Package syncmap provides a typed concurrent map with ordered snapshots.
package syncmap

import (
	"cmp"
	"slices"
	"sync"
)

type Map[K cmp.Ordered, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func New[K cmp.Ordered, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

func (m *Map[K, V]) Store(key K, value V) {
	m.mu.Lock()
	m.m[key] = value
	m.mu.Unlock()
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	value, ok := m.m[key]
	m.mu.RUnlock()

	return value, ok
}

func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.m, key)
	m.mu.Unlock()
}

func (m *Map[K, V]) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.m)
}

// Keys returns the keys in ascending order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	keys := make([]K, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)

	return keys
}

// Range calls f for each entry in key order until f returns false. f runs
// without the map locked.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	for _, key := range m.Keys() {
		value, ok := m.Load(key)
		if !ok {
			continue
		}

		if !f(key, value) {
			return
		}
	}
}
