// Package chat runs a reflection exchange with a companion and grants XP.
package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/civic-os/reflections/internal/app/domain/companion"
	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/metrics"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
)

// XP bounds for one exchange.
const (
	MinXP = 5
	MaxXP = 50
)

// Completer produces the companion's reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Awarder queues a best-effort ledger award.
type Awarder interface {
	Enqueue(ev ledger.Event) (string, bool)
}

type Service struct {
	llm      Completer
	awards   Awarder
	registry *companion.Registry
	source   string
	log      *logging.Logger
}

type ReflectInput struct {
	User        string
	Text        string
	CompanionID string
}

type ReflectResult struct {
	Reply     string              `json:"reply"`
	XPGranted int                 `json:"xpGranted"`
	Companion companion.Companion `json:"companion"`
}

// New constructs a chat service. registry may be nil when custom
// companions are not served.
func New(llm Completer, awards Awarder, registry *companion.Registry, source string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("chat")
	}
	if source == "" {
		source = "reflections"
	}
	return &Service{llm: llm, awards: awards, registry: registry, source: source, log: log}
}

// Reflect asks the companion for a reply and grants XP for the exchange.
// If the model call fails nothing is granted.
func (s *Service) Reflect(ctx context.Context, in ReflectInput) (ReflectResult, error) {
	user := strings.TrimSpace(in.User)
	text := strings.TrimSpace(in.Text)
	if user == "" {
		return ReflectResult{}, svcerrors.Validation("user", "user is required")
	}
	if text == "" {
		return ReflectResult{}, svcerrors.Validation("text", "text is required")
	}
	if utf8.RuneCountInString(text) > reflection.MaxTextLength {
		return ReflectResult{}, svcerrors.Validation("text", "text must be at most 2000 characters")
	}

	c := s.resolve(user, in.CompanionID)
	reply, err := s.llm.Complete(ctx, c.SystemPrompt, text)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("companion", c.ID).Warn("companion reply failed")
		return ReflectResult{}, err
	}

	xp := XPFor(text)
	metrics.RecordXP(xp)
	s.awards.Enqueue(ledger.Event{
		Kind:   ledger.KindAward,
		Amount: float64(xp),
		Unit:   ledger.UnitXP,
		Actor:  user,
		Meta: map[string]interface{}{
			"source":    s.source,
			"action":    "companion_reflect",
			"companion": c.ID,
			"chars":     utf8.RuneCountInString(text),
		},
	})

	return ReflectResult{Reply: reply, XPGranted: xp, Companion: c}, nil
}

func (s *Service) resolve(user, id string) companion.Companion {
	if s.registry != nil {
		return s.registry.Resolve(user, id)
	}
	return companion.Resolve(id)
}

// XPFor is floor(chars/10) clamped to [MinXP, MaxXP].
func XPFor(text string) int {
	xp := utf8.RuneCountInString(text) / 10
	if xp < MinXP {
		return MinXP
	}
	if xp > MaxXP {
		return MaxXP
	}
	return xp
}
