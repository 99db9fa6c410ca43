// Package shard provides a keyed store split across independently locked
// shards, so updates to unrelated keys never serialize on one mutex.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 32

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

type Map[V any] struct {
	buckets []*bucket[V]
}

func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{buckets: make([]*bucket[V], shards)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return m.buckets[xxhash.Sum64String(key)%uint64(len(m.buckets))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

// SetIfAbsent stores v only when key is unused and reports whether it did.
func (m *Map[V]) SetIfAbsent(key string, v V) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; ok {
		return false
	}
	b.items[key] = v
	return true
}

func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
}

// Update runs fn under the key's shard lock. fn receives the current value
// (ok=false when absent) and returns the value to store. If fn returns an
// error nothing is written. This is the compare-and-swap primitive every
// read-branch-write flow goes through.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (V, error)) (V, error) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.items[key]
	next, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}
	b.items[key] = next
	return next, nil
}

// DeleteIf removes key only when fn approves its current value.
func (m *Map[V]) DeleteIf(key string, fn func(v V) bool) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok || !fn(v) {
		return false
	}
	delete(b.items, key)
	return true
}

// Range calls fn for every entry, one shard at a time, stopping early when fn
// returns false. fn must not call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// DeleteFunc removes every entry for which fn returns true.
func (m *Map[V]) DeleteFunc(fn func(key string, v V) bool) int {
	n := 0
	for _, b := range m.buckets {
		b.mu.Lock()
		for k, v := range b.items {
			if fn(k, v) {
				delete(b.items, k)
				n++
			}
		}
		b.mu.Unlock()
	}
	return n
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
