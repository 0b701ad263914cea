// Package redis persists snapshots as string values in Redis under a
// namespaced key per study.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"ravesim/pkg/domain"
)

var _ domain.SnapshotStore = (*Store)(nil)

// DefaultNamespace prefixes every key written by the store.
const DefaultNamespace = "ravesim"

// Store reads and writes one snapshot key.
type Store struct {
	rdb *goredis.Client
	key string
}

// NewStore connects with opts and scopes the store to the study OID. An
// empty namespace uses DefaultNamespace.
func NewStore(opts *goredis.Options, namespace, studyOID string) (*Store, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options required")
	}
	if studyOID == "" {
		return nil, fmt.Errorf("study OID cannot be empty")
	}
	return &Store{rdb: goredis.NewClient(opts), key: SnapshotKey(namespace, studyOID)}, nil
}

// SnapshotKey returns the Redis key holding a study's snapshot.
func SnapshotKey(namespace, studyOID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return fmt.Sprintf("%s:snapshot:%s", namespace, studyOID)
}

// Key returns the key this store writes.
func (s *Store) Key() string { return s.key }

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Load returns the stored payload.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from Redis: %w", err)
	}
	return b, nil
}

// Save replaces the stored payload. SET is atomic, so readers never see a
// partial snapshot.
func (s *Store) Save(ctx context.Context, payload []byte) error {
	if err := s.rdb.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot to Redis: %w", err)
	}
	return nil
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot from Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }
