package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUnlockSet_Normalizes(t *testing.T) {
	s := NewUnlockSet("ada", "zeus", "jade", "", "zeus")
	assert.Equal(t, []string{"jade", "zeus"}, s.Unlocked)
	assert.True(t, s.Has("jade"))
	assert.False(t, s.Has("eve"))
}

func TestUnlockSet_WithDoesNotMutate(t *testing.T) {
	s := NewUnlockSet("ada", "jade")
	t2 := s.With("eve")

	assert.Equal(t, []string{"jade"}, s.Unlocked)
	assert.Equal(t, []string{"eve", "jade"}, t2.Unlocked)
	assert.True(t, t2.With("eve").Equal(t2))
}

func TestEvent_DedupKey(t *testing.T) {
	assert.Empty(t, Event{}.DedupKey())
	assert.Equal(t, "k1", Event{Meta: map[string]interface{}{MetaDedupKey: "k1"}}.DedupKey())
}
