// Package memory is the process-local reflection store.
package memory

import (
	"context"
	"sync"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/storage"
)

// Store keeps reflections newest-first in a mutex-guarded slice.
type Store struct {
	mu       sync.RWMutex
	items    []reflection.Reflection
	capacity int
}

var _ storage.ReflectionStore = (*Store)(nil)

// New creates a store retaining at most capacity items.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = storage.DefaultRetention
	}
	return &Store{
		items:    make([]reflection.Reflection, 0, capacity+1),
		capacity: capacity,
	}
}

func (s *Store) Append(_ context.Context, item reflection.Reflection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, reflection.Reflection{})
	copy(s.items[1:], s.items)
	s.items[0] = cloneReflection(item)
	if len(s.items) > s.capacity {
		s.items[len(s.items)-1] = reflection.Reflection{}
		s.items = s.items[:s.capacity]
	}
	return nil
}

func (s *Store) List(_ context.Context, limit int) ([]reflection.Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := storage.ClampLimit(limit, s.capacity)
	if n > len(s.items) {
		n = len(s.items)
	}
	out := make([]reflection.Reflection, n)
	for i := 0; i < n; i++ {
		out[i] = cloneReflection(s.items[i])
	}
	return out, nil
}

// Len returns the number of retained items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func cloneReflection(r reflection.Reflection) reflection.Reflection {
	if r.Lesson != nil {
		lesson := *r.Lesson
		r.Lesson = &lesson
	}
	return r
}
