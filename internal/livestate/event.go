package livestate

import (
	"time"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
)

const (
	EventState = "state"
	EventError = "error"
)

// Event is one message on a live state stream.
type Event struct {
	Type    string              `json:"type"`
	Balance *ledger.Balance     `json:"balance,omitempty"`
	Forest  *ledger.ForestState `json:"forest,omitempty"`
	// TS is the snapshot time in Unix milliseconds.
	TS      int64  `json:"ts,omitempty"`
	Message string `json:"message,omitempty"`
}

func stateEvent(s ledger.Snapshot) Event {
	balance, forest := s.Balance, s.Forest
	return Event{
		Type:    EventState,
		Balance: &balance,
		Forest:  &forest,
		TS:      s.Timestamp.UnixMilli(),
	}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// Snapshot returns the state carried by a state event.
func (e Event) Snapshot() (ledger.Snapshot, bool) {
	if e.Type != EventState || e.Balance == nil || e.Forest == nil {
		return ledger.Snapshot{}, false
	}
	return ledger.Snapshot{
		Balance:   *e.Balance,
		Forest:    *e.Forest,
		Timestamp: time.UnixMilli(e.TS).UTC(),
	}, true
}
