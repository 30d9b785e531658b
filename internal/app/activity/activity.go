// Package activity keeps a bounded journal of ledger-affecting actions per
// handle, optionally mirrored to a JSONL file.
package activity

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// DefaultSize is the number of entries kept in memory.
const DefaultSize = 500

// Statuses recorded on entries.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusFailed = "failed"
)

// Entry is one action as the service saw it.
type Entry struct {
	Time     time.Time `json:"time"`
	Handle   string    `json:"handle"`
	Action   string    `json:"action"`
	Amount   float64   `json:"amount,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	DedupKey string    `json:"dedup_key,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
}

// Sink persists entries outside the process.
type Sink interface {
	Write(entry Entry) error
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	sink    Sink
	now     func() time.Time
}

// New creates a log keeping max entries. sink may be nil.
func New(max int, sink Sink) *Log {
	if max <= 0 {
		max = DefaultSize
	}
	return &Log{max: max, sink: sink, now: time.Now}
}

// Add records entry, stamping the time if unset.
func (l *Log) Add(entry Entry) {
	if entry.Time.IsZero() {
		entry.Time = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		// best-effort; the request already succeeded or failed on its own
		_ = l.sink.Write(entry)
	}
}

// List returns up to limit of handle's entries, newest first.
func (l *Log) List(handle string, limit int) []Entry {
	if limit <= 0 || limit > l.max {
		limit = l.max
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].Handle == handle {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// Len returns the number of entries held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FileSink appends entries as JSONL.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending. An empty path returns nil.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Write(entry Entry) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

func (s *FileSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
