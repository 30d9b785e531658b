// Package postgres keeps the reflection feed in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS reflections (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	author     TEXT NOT NULL,
	text       TEXT NOT NULL,
	archetype  TEXT NOT NULL DEFAULT '',
	lesson     JSONB,
	trace_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`

const (
	insertReflection = `
		INSERT INTO reflections (id, author, text, archetype, lesson, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// Deletes everything at or below the seq of the (cap+1)-th newest row.
	pruneReflections = `
		DELETE FROM reflections
		WHERE seq <= (SELECT seq FROM reflections ORDER BY seq DESC OFFSET $1 LIMIT 1)`

	listReflections = `
		SELECT id, author, text, archetype, lesson, trace_id, created_at
		FROM reflections
		ORDER BY seq DESC
		LIMIT $1`
)

// Store implements storage.ReflectionStore backed by PostgreSQL.
type Store struct {
	db       *sqlx.DB
	capacity int
}

var _ storage.ReflectionStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB, capacity int) *Store {
	if capacity <= 0 {
		capacity = storage.DefaultRetention
	}
	return &Store{db: db, capacity: capacity}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, capacity int) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return Prepare(ctx, db, capacity)
}

// Prepare applies the schema on db and returns a Store over it. db is
// closed when the schema cannot be applied.
func Prepare(ctx context.Context, db *sqlx.DB, capacity int) (*Store, error) {
	s := New(db, capacity)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the reflections table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Append inserts item and prunes rows beyond capacity in one transaction.
func (s *Store) Append(ctx context.Context, item reflection.Reflection) (err error) {
	var lesson []byte
	if item.Lesson != nil {
		if lesson, err = json.Marshal(item.Lesson); err != nil {
			return fmt.Errorf("marshal lesson: %w", err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, insertReflection,
		item.ID, item.Author, item.Text, item.ArchetypeTag, lesson, item.TraceID, item.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	if _, err = tx.ExecContext(ctx, pruneReflections, s.capacity); err != nil {
		return fmt.Errorf("prune reflections: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type row struct {
	ID        string         `db:"id"`
	Author    string         `db:"author"`
	Text      string         `db:"text"`
	Archetype string         `db:"archetype"`
	Lesson    []byte         `db:"lesson"`
	TraceID   sql.NullString `db:"trace_id"`
	CreatedAt time.Time      `db:"created_at"`
}

func (s *Store) List(ctx context.Context, limit int) ([]reflection.Reflection, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, listReflections, storage.ClampLimit(limit, s.capacity)); err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}

	out := make([]reflection.Reflection, 0, len(rows))
	for _, r := range rows {
		item := reflection.Reflection{
			ID:           r.ID,
			Author:       r.Author,
			Text:         r.Text,
			ArchetypeTag: r.Archetype,
			TraceID:      r.TraceID.String,
			CreatedAt:    r.CreatedAt.UTC(),
		}
		if len(r.Lesson) > 0 {
			var lesson reflection.Lesson
			if err := json.Unmarshal(r.Lesson, &lesson); err == nil {
				item.Lesson = &lesson
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
