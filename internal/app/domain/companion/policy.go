package companion

import "github.com/civic-os/reflections/internal/app/domain/ledger"

// CanUnlock reports whether balance covers cost.
func CanUnlock(balance, cost float64) bool {
	return balance >= cost
}

// ApplyUnlock returns set with id added. It never charges anything; callers
// confirm payment with the ledger first. Unlocking twice is a no-op.
func ApplyUnlock(set ledger.UnlockSet, id string) ledger.UnlockSet {
	if set.Has(id) {
		return set
	}
	return set.With(id)
}

// Bootstrap is the unlock set of a handle the ledger knows nothing about.
func Bootstrap(handle string) ledger.UnlockSet {
	return ledger.NewUnlockSet(handle, DefaultID)
}
