// Package economy spends and stakes GIC through the ledger.
package economy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/civic-os/reflections/internal/app/domain/companion"
	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/metrics"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
)

// DefaultUnlockCost is charged when a caller does not name a cost.
const DefaultUnlockCost = 10

// Ledger is the subset of the ledger client the economy needs.
type Ledger interface {
	GetBalance(ctx context.Context, handle string) (ledger.Balance, error)
	GetUnlocked(ctx context.Context, handle string) (ledger.UnlockSet, error)
	RecordEvent(ctx context.Context, ev ledger.Event) error
	Stake(ctx context.Context, handle string, amount float64) (ledger.StakeResult, error)
}

type Config struct {
	UnlockCost float64
	Source     string
	Logger     *logging.Logger
}

// Service coordinates unlock purchases, staking and custom companions.
type Service struct {
	ledger     Ledger
	registry   *companion.Registry
	unlockCost float64
	source     string
	log        *logging.Logger
	newKey     func() string
	locks      *handleLocks
}

// UnlockInput names a catalog companion to buy. A nil Cost means the
// configured default.
type UnlockInput struct {
	Handle      string
	CompanionID string
	Cost        *float64
}

// UnlockedView is a handle's unlock set. Stale is set when the ledger
// could not be reached and the cached set was returned instead.
type UnlockedView struct {
	ledger.UnlockSet
	Stale bool `json:"stale,omitempty"`
}

// CreateResult is a new custom companion and what it cost.
type CreateResult struct {
	Companion companion.Companion `json:"companion"`
	Charged   float64             `json:"charged"`
}

func New(l Ledger, registry *companion.Registry, cfg Config) *Service {
	if cfg.UnlockCost <= 0 {
		cfg.UnlockCost = DefaultUnlockCost
	}
	if cfg.Source == "" {
		cfg.Source = "reflections"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("economy")
	}
	return &Service{
		ledger:     l,
		registry:   registry,
		unlockCost: cfg.UnlockCost,
		source:     cfg.Source,
		log:        cfg.Logger,
		newKey:     uuid.NewString,
		locks:      newHandleLocks(),
	}
}

// UnlockCost returns the configured default cost.
func (s *Service) UnlockCost() float64 { return s.unlockCost }

// Unlock buys a catalog companion. The set only changes after the ledger
// accepted the burn; unlocking an owned companion charges nothing. Unlocks
// and companion purchases for one handle run one at a time.
func (s *Service) Unlock(ctx context.Context, in UnlockInput) (ledger.UnlockSet, error) {
	handle := strings.TrimSpace(in.Handle)
	if handle == "" {
		return ledger.UnlockSet{}, svcerrors.Validation("user", "user is required")
	}
	c, ok := companion.Lookup(in.CompanionID)
	if !ok {
		return ledger.UnlockSet{}, svcerrors.Validation("companion", "unknown companion")
	}
	cost := s.unlockCost
	if in.Cost != nil {
		cost = *in.Cost
	}
	if cost <= 0 {
		return ledger.UnlockSet{}, svcerrors.InvalidAmount(cost)
	}

	defer s.locks.lock(handle)()

	logger := s.log.WithContext(ctx).WithField("companion", c.ID)
	current := s.current(ctx, handle)
	if current.Has(c.ID) {
		metrics.RecordUnlock("already_unlocked")
		return current.UnlockSet, nil
	}

	balance, err := s.ledger.GetBalance(ctx, handle)
	if err != nil {
		metrics.RecordUnlock("failed")
		logger.WithError(err).Warn("balance lookup failed")
		return ledger.UnlockSet{}, asUnavailable(err)
	}
	if !companion.CanUnlock(balance.TotalPoints, cost) {
		metrics.RecordUnlock("insufficient")
		return ledger.UnlockSet{}, svcerrors.InsufficientBalance(balance.TotalPoints, cost)
	}

	if err := s.burn(ctx, handle, cost, map[string]interface{}{
		"action":    "unlock_companion",
		"companion": c.ID,
	}); err != nil {
		metrics.RecordUnlock("failed")
		logger.WithError(err).Warn("unlock burn rejected")
		return ledger.UnlockSet{}, err
	}

	next := s.registry.Remember(handle, c.ID)
	metrics.RecordUnlock("unlocked")
	logger.WithField("cost", cost).Info("companion unlocked")
	return next, nil
}

// Unlocked returns the ledger's set for handle, falling back to the cache.
func (s *Service) Unlocked(ctx context.Context, handle string) (UnlockedView, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return UnlockedView{}, svcerrors.Validation("handle", "handle is required")
	}
	return s.current(ctx, handle), nil
}

func (s *Service) current(ctx context.Context, handle string) UnlockedView {
	server, err := s.ledger.GetUnlocked(ctx, handle)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Debug("using cached unlock set")
		cached, _ := s.registry.Unlocked(handle)
		return UnlockedView{UnlockSet: cached, Stale: true}
	}
	return UnlockedView{UnlockSet: s.registry.Reconcile(handle, server)}
}

// Stake converts GIC into trees.
func (s *Service) Stake(ctx context.Context, handle string, amount float64) (ledger.StakeResult, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ledger.StakeResult{}, svcerrors.Validation("user", "user is required")
	}
	if amount <= 0 {
		return ledger.StakeResult{}, svcerrors.InvalidAmount(amount)
	}
	res, err := s.ledger.Stake(ctx, handle, amount)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("amount", amount).Warn("stake failed")
		return ledger.StakeResult{}, err
	}
	return res, nil
}

// CreateCompanion adds a custom companion. The first one is free; later
// ones cost the default unlock price.
func (s *Service) CreateCompanion(ctx context.Context, handle, name, style string) (CreateResult, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return CreateResult{}, svcerrors.Unauthorized("sign in to create a companion")
	}
	if err := companion.ValidateCustom(name, style); err != nil {
		return CreateResult{}, err
	}

	defer s.locks.lock(handle)()

	var charged float64
	if len(s.registry.Custom(handle)) > 0 {
		balance, err := s.ledger.GetBalance(ctx, handle)
		if err != nil {
			return CreateResult{}, asUnavailable(err)
		}
		if !companion.CanUnlock(balance.TotalPoints, s.unlockCost) {
			return CreateResult{}, svcerrors.InsufficientBalance(balance.TotalPoints, s.unlockCost)
		}
		if err := s.burn(ctx, handle, s.unlockCost, map[string]interface{}{
			"action": "create_companion",
			"name":   strings.TrimSpace(name),
		}); err != nil {
			return CreateResult{}, err
		}
		charged = s.unlockCost
	}

	c, err := s.registry.Create(handle, name, style)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Companion: c, Charged: charged}, nil
}

func (s *Service) burn(ctx context.Context, handle string, amount float64, meta map[string]interface{}) error {
	meta["source"] = s.source
	meta[ledger.MetaDedupKey] = s.newKey()
	return s.ledger.RecordEvent(ctx, ledger.Event{
		Kind:   ledger.KindBurn,
		Amount: amount,
		Unit:   ledger.UnitGIC,
		Actor:  handle,
		Meta:   meta,
	})
}

// asUnavailable reports any balance lookup failure as unavailability.
func asUnavailable(err error) error {
	if se := svcerrors.GetServiceError(err); se != nil && se.Code == svcerrors.CodeUpstreamUnavailable {
		return err
	}
	return svcerrors.Unavailable("ledger", err)
}
