package ledger

import (
	"sort"
	"time"
)

// Kind is the direction of a ledger event.
type Kind string

const (
	KindAward Kind = "award"
	KindBurn  Kind = "burn"
)

// Units used in ledger events.
const (
	UnitXP  = "XP"
	UnitGIC = "GIC"
)

// MetaDedupKey is the meta field carrying a per-event idempotency key.
const MetaDedupKey = "dedup_key"

// Balance is a read-only snapshot of a handle's points held by the ledger.
type Balance struct {
	Handle      string  `json:"handle"`
	TotalPoints float64 `json:"totalPoints"`
}

// ForestState is the staking counter for a handle.
type ForestState struct {
	TreesPlanted float64 `json:"trees_planted"`
	GICStaked    float64 `json:"gic_staked"`
}

// Snapshot is one live state emission.
type Snapshot struct {
	Balance   Balance     `json:"balance"`
	Forest    ForestState `json:"forest"`
	Timestamp time.Time   `json:"ts"`
}

// Event is an award or burn submitted to the ledger.
type Event struct {
	Kind   Kind                   `json:"kind"`
	Amount float64                `json:"amount"`
	Unit   string                 `json:"unit"`
	Actor  string                 `json:"actor"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// DedupKey returns the event's idempotency key, if any.
func (e Event) DedupKey() string {
	if v, ok := e.Meta[MetaDedupKey].(string); ok {
		return v
	}
	return ""
}

// StakeResult is the ledger's answer to a stake request.
type StakeResult struct {
	Staked float64 `json:"staked"`
	Trees  float64 `json:"trees"`
}

// UnlockSet is the set of companions a handle may use. Unlocked is kept
// sorted and free of duplicates; values are never mutated in place.
type UnlockSet struct {
	Handle   string   `json:"handle"`
	Unlocked []string `json:"unlocked"`
}

// NewUnlockSet builds a normalized set.
func NewUnlockSet(handle string, ids ...string) UnlockSet {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return UnlockSet{Handle: handle, Unlocked: out}
}

// Has reports whether id is unlocked.
func (s UnlockSet) Has(id string) bool {
	i := sort.SearchStrings(s.Unlocked, id)
	return i < len(s.Unlocked) && s.Unlocked[i] == id
}

// With returns a copy of s including id.
func (s UnlockSet) With(id string) UnlockSet {
	ids := make([]string, 0, len(s.Unlocked)+1)
	ids = append(ids, s.Unlocked...)
	return NewUnlockSet(s.Handle, append(ids, id)...)
}

// Equal compares membership and handle.
func (s UnlockSet) Equal(o UnlockSet) bool {
	if s.Handle != o.Handle || len(s.Unlocked) != len(o.Unlocked) {
		return false
	}
	for i := range s.Unlocked {
		if s.Unlocked[i] != o.Unlocked[i] {
			return false
		}
	}
	return true
}
