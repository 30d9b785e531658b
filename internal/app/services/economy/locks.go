package economy

import (
	"strings"
	"sync"
)

// handleLocks serialises spending per handle. Entries are dropped once no
// caller holds or waits on them.
type handleLocks struct {
	mu    sync.Mutex
	locks map[string]*handleLock
}

type handleLock struct {
	mu   sync.Mutex
	refs int
}

func newHandleLocks() *handleLocks {
	return &handleLocks{locks: make(map[string]*handleLock)}
}

// lock blocks until handle is free and returns the matching unlock.
func (h *handleLocks) lock(handle string) func() {
	key := strings.ToLower(handle)

	h.mu.Lock()
	l, ok := h.locks[key]
	if !ok {
		l = &handleLock{}
		h.locks[key] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, key)
		}
		h.mu.Unlock()
	}
}

func (h *handleLocks) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}
