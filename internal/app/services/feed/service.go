// Package feed posts and lists reflections in the community feed.
package feed

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/metrics"
	"github.com/civic-os/reflections/internal/app/storage"
	"github.com/civic-os/reflections/internal/classifier"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
	"github.com/civic-os/reflections/internal/oaa"
)

// PostAwardXP is the nominal award sent to the ledger for one post.
const PostAwardXP = 10

const (
	// DefaultListLimit is used when a caller does not ask for a size.
	DefaultListLimit = 50

	defaultClassifyTimeout = 3 * time.Second
	maxTags                = 8
	maxTagLength           = 32
	lessonTopicWords       = 6
	fallbackTopic          = "today's insight"
)

var topicStrip = regexp.MustCompile(`[^\w\s\-:,]`)

// Classifier tags a reflection with its dominant archetype.
type Classifier interface {
	Classify(ctx context.Context, user, text string) (map[string]float64, error)
}

// Awarder queues a best-effort ledger award.
type Awarder interface {
	Enqueue(ev ledger.Event) (string, bool)
}

// Snapshotter forwards a reflection snapshot to OAA without blocking.
type Snapshotter interface {
	Publish(snap oaa.Snapshot) bool
}

type Config struct {
	// Source is recorded in award meta.
	Source          string
	ClassifyTimeout time.Duration
	// Snapshots is optional.
	Snapshots Snapshotter
	Logger    *logging.Logger
}

// Service implements posting and listing.
type Service struct {
	store           storage.ReflectionStore
	classifier      Classifier
	awards          Awarder
	snapshots       Snapshotter
	source          string
	classifyTimeout time.Duration
	log             *logging.Logger

	now   func() time.Time
	newID func() string
}

// PostInput is one reflection submitted by author.
type PostInput struct {
	Author string
	Text   string
	Tags   []string
}

// PostResult is the stored reflection and the award attempted for it.
type PostResult struct {
	Reflection    reflection.Reflection `json:"reflection"`
	AwardedPoints float64               `json:"awardedPoints"`
}

// New constructs a feed service. classifier may be nil.
func New(store storage.ReflectionStore, c Classifier, awards Awarder, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("feed")
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultClassifyTimeout
	}
	if cfg.Source == "" {
		cfg.Source = "reflections"
	}
	return &Service{
		store:           store,
		classifier:      c,
		awards:          awards,
		snapshots:       cfg.Snapshots,
		source:          cfg.Source,
		classifyTimeout: cfg.ClassifyTimeout,
		log:             cfg.Logger,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// Post validates, stores and rewards a reflection. The award and the OAA
// snapshot are queued after the append and never affect the result.
func (s *Service) Post(ctx context.Context, in PostInput) (PostResult, error) {
	author := strings.TrimSpace(in.Author)
	text := strings.TrimSpace(in.Text)
	if author == "" {
		return PostResult{}, svcerrors.Validation("author", "author is required")
	}
	if text == "" {
		return PostResult{}, svcerrors.Validation("text", "text is required")
	}
	if utf8.RuneCountInString(text) > reflection.MaxTextLength {
		return PostResult{}, svcerrors.Validation("text", "text must be at most 2000 characters")
	}

	lesson := Lesson(text)
	traceID := logging.GetTraceID(ctx)
	if traceID == "" {
		traceID = logging.NewTraceID()
	}
	item := reflection.Reflection{
		ID:           s.newID(),
		Author:       author,
		Text:         text,
		CreatedAt:    s.now().UTC(),
		ArchetypeTag: s.archetype(ctx, author, text),
		Lesson:       &lesson,
		TraceID:      traceID,
	}

	if err := s.store.Append(ctx, item); err != nil {
		return PostResult{}, svcerrors.Internal("store reflection", err)
	}
	metrics.RecordPost()

	meta := map[string]interface{}{
		"source":        s.source,
		"action":        "post_reflection",
		"reflection_id": item.ID,
	}
	if tags := cleanTags(in.Tags); len(tags) > 0 {
		meta["tags"] = tags
	}
	if item.ArchetypeTag != "" {
		meta["archetype"] = item.ArchetypeTag
	}
	if _, ok := s.awards.Enqueue(ledger.Event{
		Kind:   ledger.KindAward,
		Amount: PostAwardXP,
		Unit:   ledger.UnitXP,
		Actor:  author,
		Meta:   meta,
	}); !ok {
		s.log.WithContext(ctx).WithField("reflection_id", item.ID).Warn("post award not queued")
	}

	s.snapshot(item)

	return PostResult{Reflection: item, AwardedPoints: PostAwardXP}, nil
}

func (s *Service) snapshot(item reflection.Reflection) {
	if s.snapshots == nil {
		return
	}
	content := oaa.Content{Text: item.Text, TraceID: item.TraceID}
	if item.Lesson != nil {
		content.Topic = item.Lesson.Topic
		content.Question = item.Lesson.Question
		content.Challenge = item.Lesson.Challenge
	}
	s.snapshots.Publish(oaa.Snapshot{
		Kind:    oaa.KindReflection,
		Actor:   item.Author,
		Content: content,
		Tags:    oaa.DefaultTags,
	})
}

// List returns up to limit reflections, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]reflection.Reflection, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	items, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, svcerrors.Internal("list reflections", err)
	}
	return items, nil
}

// Page returns the 1-based page of size pageSize over the retained feed.
// An empty page with more=false means page is past the end.
func (s *Service) Page(ctx context.Context, page, pageSize int) (items []reflection.Reflection, more bool, err error) {
	if page < 1 {
		return nil, false, svcerrors.Validation("page", "page must be at least 1")
	}
	p := storage.Pages(s.store, 0, pageSize)
	for i := 1; ; i++ {
		batch, ok, err := p.Next(ctx)
		if err != nil {
			return nil, false, svcerrors.Internal("list reflections", err)
		}
		if !ok {
			return nil, false, nil
		}
		if i == page {
			_, more, err = p.Next(ctx)
			if err != nil {
				return nil, false, svcerrors.Internal("list reflections", err)
			}
			return batch, more, nil
		}
	}
}

func (s *Service) archetype(ctx context.Context, author, text string) string {
	if s.classifier == nil {
		return ""
	}
	cctx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
	defer cancel()

	scores, err := s.classifier.Classify(cctx, author, text)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Debug("classification skipped")
		return ""
	}
	tag, _ := classifier.Top(scores)
	return tag
}

// Lesson builds the companion lesson attached to a reflection.
func Lesson(text string) reflection.Lesson {
	words := strings.Fields(text)
	if len(words) > lessonTopicWords {
		words = words[:lessonTopicWords]
	}
	topic := strings.Join(words, " ")
	if topic == "" {
		topic = fallbackTopic
	}
	topic = topicStrip.ReplaceAllString(topic, "")

	return reflection.Lesson{
		Topic:     topic,
		Question:  `What principle did you apply (or discover) in: "` + topic + `"?`,
		Challenge: "In one sentence, teach this to a 10-year-old.",
	}
}

func cleanTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || utf8.RuneCountInString(t) > maxTagLength {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
