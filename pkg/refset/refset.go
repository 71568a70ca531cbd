// Package refset implements a reference-counted set: a key stays a member
// until it has been removed as many times as it was inserted.
//
// Set is not safe for concurrent use.
package refset

import (
	"maps"
	"slices"
)

// Set counts holds per key. The zero value is an empty set ready to use.
type Set[K comparable] struct {
	counts map[K]int
}

func New[K comparable]() *Set[K] {
	return &Set[K]{counts: make(map[K]int)}
}

// Insert adds a hold on k. It reports true only when k was absent before.
func (s *Set[K]) Insert(k K) bool {
	if s.counts == nil {
		s.counts = make(map[K]int)
	}
	n := s.counts[k]
	s.counts[k] = n + 1
	return n == 0
}

// Remove drops one hold on k. It reports true only when that was the last
// hold and k left the set. Removing an absent key is a no-op.
func (s *Set[K]) Remove(k K) bool {
	n, ok := s.counts[k]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.counts, k)
		return true
	}
	s.counts[k] = n - 1
	return false
}

func (s *Set[K]) Contains(k K) bool {
	_, ok := s.counts[k]
	return ok
}

// Count returns the number of holds on k (0 when absent).
func (s *Set[K]) Count(k K) int { return s.counts[k] }

func (s *Set[K]) Len() int { return len(s.counts) }

// Keys returns a snapshot of the members in unspecified order.
func (s *Set[K]) Keys() []K {
	return slices.Collect(maps.Keys(s.counts))
}

func (s *Set[K]) Clear() { clear(s.counts) }
