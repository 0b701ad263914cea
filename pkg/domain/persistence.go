package domain

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound is returned by SnapshotStore.Load when nothing has been
// persisted at the store's location yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore is the minimal contract durable backends satisfy. A store
// holds exactly one encoded snapshot; Save replaces it atomically.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, payload []byte) error
	Delete(ctx context.Context) error
	Close() error
}
