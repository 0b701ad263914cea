package blobstore

import (
	"context"
	"errors"
	"testing"

	"ravesim/internal/blob"
	"ravesim/pkg/domain"
)

func TestStoreAgainstBackends(t *testing.T) {
	fsStore, err := blob.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	backends := map[string]blob.Store{
		"fs":     fsStore,
		"memory": blob.NewMemory(),
		"s3":     blob.NewMockS3ForTests(),
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := NewStore(backend, "Mediflex(Prod)")
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if _, err := s.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
				t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
			}
			if err := s.Save(ctx, []byte(`{"version":1}`)); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.Save(ctx, []byte(`{"version":1,"subjects":[]}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if string(got) != `{"version":1,"subjects":[]}` {
				t.Fatalf("unexpected payload %q", got)
			}
			if err := s.Delete(ctx); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
				t.Fatalf("expected ErrSnapshotNotFound after delete, got %v", err)
			}
		})
	}
}

func TestSnapshotKey(t *testing.T) {
	if got := SnapshotKey("Mediflex(Prod)"); got != "snapshots/Mediflex(Prod).json" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := SnapshotKey("a/b(Dev)"); got != "snapshots/a_b(Dev).json" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, err := NewStore(nil, "x"); err == nil {
		t.Fatalf("expected error for nil blob store")
	}
}
