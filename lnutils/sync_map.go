package lnutils

import "sync"

// SyncMap is a sync.Map with typed keys and values, so callers never need a
// type assertion on the way out.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored under the key. The zero value and false are
// returned if the key is absent.
func (s *SyncMap[K, V]) Load(key K) (V, bool) {
	value, ok := s.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}

	return value.(V), true
}

// LoadOrStore returns the value already stored under the key together with
// true. Otherwise it stores the given value and returns it with false.
func (s *SyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := s.m.LoadOrStore(key, value)

	return actual.(V), loaded
}

// Range calls visitor for every entry until it returns false.
func (s *SyncMap[K, V]) Range(visitor func(K, V) bool) {
	s.m.Range(func(k, v any) bool {
		return visitor(k.(K), v.(V))
	})
}

// Len counts the entries of the map.
func (s *SyncMap[K, V]) Len() int {
	var count int
	s.Range(func(K, V) bool {
		count++
		return true
	})

	return count
}
