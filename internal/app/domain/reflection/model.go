package reflection

import "time"

// MaxTextLength bounds reflection text, in characters.
const MaxTextLength = 2000

// GuestAuthor is the author recorded for anonymous posts.
const GuestAuthor = "guest"

// Lesson is the companion prompt attached to a reflection.
type Lesson struct {
	Topic     string `json:"topic"`
	Question  string `json:"question"`
	Challenge string `json:"challenge"`
}

// Reflection is an immutable journal entry in the community feed.
type Reflection struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
	ArchetypeTag string    `json:"archetypeTag,omitempty"`
	Lesson       *Lesson   `json:"companionLesson,omitempty"`
	TraceID      string    `json:"traceId,omitempty"`
}
