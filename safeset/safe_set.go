// Package safeset provides a mutex-guarded generic set. The RPC server uses
// it to track which user ids currently hold an authenticated session.
package safeset

import "sync"

// SafeSet is a thread-safe set of comparable elements.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet creates a set holding the given values.
func NewSafeSet[T comparable](values ...T) *SafeSet[T] {
	s := &SafeSet[T]{m: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.m[v] = struct{}{}
	}

	return s
}

// Add adds value to the set.
//
// Returns:
//   - true if value was not present before
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove removes value from the set.
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether the set contains value.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the elements in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}

	return out
}

// Reset removes all elements.
func (s *SafeSet[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[T]struct{})
}

// Range calls f for each element until f returns false. f must not modify
// the set.
func (s *SafeSet[T]) Range(f func(value T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k := range s.m {
		if !f(k) {
			return
		}
	}
}
