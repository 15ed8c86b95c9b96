// Package safemap provides a type-safe, concurrent map built on sync.Map.
// The server keeps its live connections in one and the client correlator
// keeps its pending calls in another.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// It wraps sync.Map and exposes a generic, type-safe API.
//
// SafeMap must not be copied after first use. Len and Range are O(n).
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Get is an alias of Load.
func (m *SafeMap[K, V]) Get(k K) (V, bool) {
	return m.Load(k)
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it. The loaded result is true if the value was
// already present.
//
// Parameters:
//   - k: The key
//   - v: The value to store when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if k was already present and v was not stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// LoadAndDelete removes k and returns the value it held. Of several
// goroutines racing on the same key exactly one observes loaded == true.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if this call removed the entry
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// CompareAndDelete deletes the entry for k only if it currently holds old.
// V must be comparable at runtime (pointers, channels, ...), otherwise it
// panics like sync.Map.CompareAndDelete.
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, Range stops the iteration.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Drain removes every entry and returns the removed values. Entries stored
// concurrently with Drain may or may not be included.
func (m *SafeMap[K, V]) Drain() []V {
	var out []V
	m.m.Range(func(k, _ any) bool {
		if v, ok := m.m.LoadAndDelete(k); ok {
			out = append(out, v.(V))
		}

		return true
	})

	return out
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.Range(func(K, V) bool {
		length++
		return true
	})

	return length
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}
