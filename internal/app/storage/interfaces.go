package storage

import (
	"context"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
)

// DefaultRetention is the number of reflections kept by every backend.
const DefaultRetention = 200

// ReflectionStore holds the bounded, most-recent-first reflection history.
//
// Append inserts at the head and evicts from the tail beyond the retention
// cap as one atomic step; concurrent appends are never lost. List returns at
// most limit items, newest first; a limit outside (0, cap] means the cap.
type ReflectionStore interface {
	Append(ctx context.Context, item reflection.Reflection) error
	List(ctx context.Context, limit int) ([]reflection.Reflection, error)
}

// ClampLimit normalizes a List limit against capacity.
func ClampLimit(limit, capacity int) int {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	if limit <= 0 || limit > capacity {
		return capacity
	}
	return limit
}
