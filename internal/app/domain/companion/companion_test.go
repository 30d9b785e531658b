package companion

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	svcerrors "github.com/civic-os/reflections/internal/errors"
)

func TestResolve_FallsBackToDefault(t *testing.T) {
	assert.Equal(t, "zeus", Resolve(" ZEUS ").ID)
	assert.Equal(t, DefaultID, Resolve("unknown").ID)
	assert.Equal(t, DefaultID, Resolve("").ID)
	assert.Len(t, Catalog(), 4)
	assert.Equal(t, DefaultID, Catalog()[0].ID)
}

func TestCanUnlock(t *testing.T) {
	tests := []struct {
		balance, cost float64
		want          bool
	}{
		{0, 10, false},
		{9.99, 10, false},
		{10, 10, true},
		{25, 10, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanUnlock(tt.balance, tt.cost), "balance=%v cost=%v", tt.balance, tt.cost)
	}
}

func TestApplyUnlock_Idempotent(t *testing.T) {
	base := Bootstrap("ada")
	once := ApplyUnlock(base, "eve")
	twice := ApplyUnlock(once, "eve")

	assert.True(t, once.Equal(twice))
	assert.Equal(t, []string{"eve", "jade"}, once.Unlocked)
	assert.Equal(t, []string{"jade"}, base.Unlocked, "input set must not change")
}

func TestRegistry_CreateAndResolve(t *testing.T) {
	r := NewRegistry()
	c, err := r.Create("ada", "  Athena ", "")
	require.NoError(t, err)
	assert.True(t, c.Custom)
	assert.Contains(t, c.ID, customPrefix)
	assert.Contains(t, c.SystemPrompt, "Athena")
	assert.Contains(t, c.SystemPrompt, "ada's")

	got, ok := r.Find("ada", c.ID)
	require.True(t, ok)
	assert.Equal(t, c, got)

	// custom companions are private to their handle
	assert.Equal(t, DefaultID, r.Resolve("bob", c.ID).ID)
	assert.Equal(t, "hermes", r.Resolve("bob", "hermes").ID)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("ada", " ", "")
	assert.True(t, svcerrors.IsValidation(err))

	long := fmt.Sprintf("%041d", 0)
	_, err = r.Create("ada", long, "")
	assert.True(t, svcerrors.IsValidation(err))
	assert.Empty(t, r.Custom("ada"))
}

func TestRegistry_ReconcileServerWins(t *testing.T) {
	r := NewRegistry()

	set, cached := r.Unlocked("ada")
	assert.False(t, cached)
	assert.Equal(t, []string{DefaultID}, set.Unlocked)

	r.Remember("ada", "zeus")
	got := r.Reconcile("ada", ledger.NewUnlockSet("ada", "eve"))
	assert.Equal(t, []string{"eve", "jade"}, got.Unlocked)

	set, cached = r.Unlocked("ada")
	assert.True(t, cached)
	assert.Equal(t, got, set)
}

func TestRegistry_RememberMergesConcurrentUnlocks(t *testing.T) {
	r := NewRegistry()
	ids := []string{"hermes", "eve", "zeus", "eve"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Remember("ada", id)
		}(id)
	}
	wg.Wait()

	set, cached := r.Unlocked("ada")
	assert.True(t, cached)
	assert.Equal(t, []string{"eve", "hermes", "jade", "zeus"}, set.Unlocked)
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Create("ada", fmt.Sprintf("c%d", i), "")
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Custom("ada"), 20)
}
