package companion

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	svcerrors "github.com/civic-os/reflections/internal/errors"
)

const (
	customPrefix  = "cmp-"
	maxNameLength = 40
	maxStyle      = 280
	defaultStyle  = "Be warm, concise and practical. Ask one reflective question."
)

// Registry keeps per-handle custom companions and the cached unlock set.
// The cache is advisory: Reconcile replaces it with ledger truth.
type Registry struct {
	mu       sync.RWMutex
	custom   map[string][]Companion
	unlocked map[string]ledger.UnlockSet
	newID    func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		custom:   make(map[string][]Companion),
		unlocked: make(map[string]ledger.UnlockSet),
		newID:    func() string { return customPrefix + uuid.NewString() },
	}
}

// Create adds a custom companion for handle.
func (r *Registry) Create(handle, name, style string) (Companion, error) {
	name = strings.TrimSpace(name)
	style = strings.TrimSpace(style)
	if err := ValidateCustom(name, style); err != nil {
		return Companion{}, err
	}

	c := Companion{
		ID:     r.newID(),
		Name:   name,
		Style:  style,
		Custom: true,
	}
	c.SystemPrompt = customPrompt(handle, c)

	r.mu.Lock()
	r.custom[handle] = append(r.custom[handle], c)
	r.mu.Unlock()
	return c, nil
}

// ValidateCustom checks a custom companion's name and style.
func ValidateCustom(name, style string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return svcerrors.Validation("name", "give your companion a name")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return svcerrors.Validation("name", fmt.Sprintf("name must be at most %d characters", maxNameLength))
	}
	if utf8.RuneCountInString(strings.TrimSpace(style)) > maxStyle {
		return svcerrors.Validation("style", fmt.Sprintf("style must be at most %d characters", maxStyle))
	}
	return nil
}

// Custom returns a copy of handle's custom companions in creation order.
func (r *Registry) Custom(handle string) []Companion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Companion, len(r.custom[handle]))
	copy(out, r.custom[handle])
	return out
}

// Find looks id up in the catalog, then among handle's custom companions.
func (r *Registry) Find(handle, id string) (Companion, bool) {
	if c, ok := Lookup(id); ok {
		return c, true
	}
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, customPrefix) {
		return Companion{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.custom[handle] {
		if c.ID == id {
			return c, true
		}
	}
	return Companion{}, false
}

// Resolve is Find with the default companion as fallback.
func (r *Registry) Resolve(handle, id string) Companion {
	if c, ok := r.Find(handle, id); ok {
		return c
	}
	return Resolve(DefaultID)
}

// Unlocked returns the cached set, or the bootstrap set when nothing is cached.
func (r *Registry) Unlocked(handle string) (ledger.UnlockSet, bool) {
	r.mu.RLock()
	set, ok := r.unlocked[handle]
	r.mu.RUnlock()
	if !ok {
		return Bootstrap(handle), false
	}
	return set, true
}

// Reconcile overwrites the cache with the ledger's set plus the default
// companion and returns the stored value.
func (r *Registry) Reconcile(handle string, server ledger.UnlockSet) ledger.UnlockSet {
	set := ApplyUnlock(ledger.NewUnlockSet(handle, server.Unlocked...), DefaultID)
	r.mu.Lock()
	r.unlocked[handle] = set
	r.mu.Unlock()
	return set
}

// Remember adds id to handle's cached set after a confirmed local unlock
// and returns the result. Unlocks cached concurrently are kept.
func (r *Registry) Remember(handle, id string) ledger.UnlockSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.unlocked[handle]
	if !ok {
		set = Bootstrap(handle)
	}
	set = ApplyUnlock(set, id)
	r.unlocked[handle] = set
	return set
}

func customPrompt(handle string, c Companion) string {
	style := c.Style
	if style == "" {
		style = defaultStyle
	}
	if handle == "" {
		return fmt.Sprintf("You are %s, a personal reflection companion. %s", c.Name, style)
	}
	return fmt.Sprintf("You are %s, %s's personal reflection companion. %s", c.Name, handle, style)
}
