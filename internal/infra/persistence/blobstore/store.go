// Package blobstore persists snapshots as JSON objects in a blob store, so
// snapshots can live on local disk or in an S3 bucket.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"ravesim/internal/blob"
	"ravesim/pkg/domain"
)

var _ domain.SnapshotStore = (*Store)(nil)

// Store maps one study snapshot to one blob key.
type Store struct {
	blobs    blob.Store
	key      string
	studyOID string
}

// NewStore scopes blobs to the study's snapshot key.
func NewStore(blobs blob.Store, studyOID string) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if studyOID == "" {
		return nil, fmt.Errorf("study OID cannot be empty")
	}
	return &Store{blobs: blobs, key: SnapshotKey(studyOID), studyOID: studyOID}, nil
}

// SnapshotKey returns the blob key for a study snapshot.
func SnapshotKey(studyOID string) string {
	return "snapshots/" + strings.ReplaceAll(studyOID, "/", "_") + ".json"
}

// Key returns the blob key this store writes.
func (s *Store) Key() string { return s.key }

// Load reads the snapshot blob.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	_, rc, err := s.blobs.Get(ctx, s.key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot blob: %w", err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read snapshot blob: %w", err)
	}
	return b, nil
}

// Save overwrites the snapshot blob.
func (s *Store) Save(ctx context.Context, payload []byte) error {
	_, err := s.blobs.Put(ctx, s.key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"study": s.studyOID},
		Overwrite:   true,
	})
	if err != nil {
		return fmt.Errorf("put snapshot blob: %w", err)
	}
	return nil
}

// Delete removes the snapshot blob if present.
func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.blobs.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("delete snapshot blob: %w", err)
	}
	return nil
}

// Close is a no-op; the blob store is shared.
func (s *Store) Close() error { return nil }
