// Package redisstore keeps the reflection feed in a Redis list.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/civic-os/reflections/internal/app/domain/reflection"
	"github.com/civic-os/reflections/internal/app/storage"
)

const DefaultKey = "reflections"

// Store is a Redis list, newest at index 0.
type Store struct {
	client   *redis.Client
	key      string
	capacity int
}

var _ storage.ReflectionStore = (*Store)(nil)

// New wraps an existing client.
func New(client *redis.Client, key string, capacity int) *Store {
	if key == "" {
		key = DefaultKey
	}
	if capacity <= 0 {
		capacity = storage.DefaultRetention
	}
	return &Store{client: client, key: key, capacity: capacity}
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url, key string, capacity int) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, key, capacity), nil
}

// Append pushes to the head and trims to capacity in one MULTI/EXEC.
func (s *Store) Append(ctx context.Context, item reflection.Reflection) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal reflection: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, 0, int64(s.capacity-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append reflection: %w", err)
	}
	return nil
}

// List reads the newest limit entries. Entries that fail to decode are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]reflection.Reflection, error) {
	n := storage.ClampLimit(limit, s.capacity)
	raw, err := s.client.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	out := make([]reflection.Reflection, 0, len(raw))
	for _, entry := range raw {
		var r reflection.Reflection
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
