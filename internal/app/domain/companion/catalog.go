// Package companion holds the companion catalog, the unlock policy and the
// per-handle registry of custom companions and cached unlock sets.
package companion

import "strings"

// DefaultID is the companion every handle starts with.
const DefaultID = "jade"

// Companion is a named system prompt profile.
type Companion struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Icon         string `json:"icon,omitempty"`
	SystemPrompt string `json:"-"`
	Style        string `json:"style,omitempty"`
	Custom       bool   `json:"custom"`
}

var catalogOrder = []string{"jade", "hermes", "eve", "zeus"}

var catalog = map[string]Companion{
	"jade": {
		ID:           "jade",
		Name:         "Jade",
		Icon:         "💎",
		SystemPrompt: "You are Jade, calm strategic coach. Ask one incisive question, keep answers tight and practical.",
	},
	"hermes": {
		ID:           "hermes",
		Name:         "Hermes",
		Icon:         "📜",
		SystemPrompt: "You are Hermes, scribe & analyst. Summarize, tag action items, note XP-worthy moments.",
	},
	"eve": {
		ID:           "eve",
		Name:         "Eve",
		Icon:         "🕊️",
		SystemPrompt: "You are Eve, wellness & empathy. De-escalate, reflect back feelings, offer one next step.",
	},
	"zeus": {
		ID:           "zeus",
		Name:         "Zeus",
		Icon:         "⚡",
		SystemPrompt: "You are Zeus, arbiter. Check claims, ask for evidence, and output a crisp decision + criteria.",
	},
}

// Catalog returns the fixed companions in display order.
func Catalog() []Companion {
	out := make([]Companion, 0, len(catalogOrder))
	for _, id := range catalogOrder {
		out = append(out, catalog[id])
	}
	return out
}

// Lookup finds a catalog companion by id, ignoring case and surrounding space.
func Lookup(id string) (Companion, bool) {
	c, ok := catalog[normalizeID(id)]
	return c, ok
}

// Resolve returns the catalog companion for id, or the default one.
func Resolve(id string) Companion {
	if c, ok := Lookup(id); ok {
		return c
	}
	return catalog[DefaultID]
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
