package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ravesim/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, "Mediflex(Prod)")
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if err := store.Save(ctx, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, []byte(`{"version":1,"subjects":[]}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}

	reloaded, err := NewStore(path, "Mediflex(Prod)")
	if err != nil {
		t.Fatalf("reload sqlite store: %v", err)
	}
	defer func() { _ = reloaded.Close() }()
	got, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"version":1,"subjects":[]}` {
		t.Fatalf("unexpected payload %q", got)
	}
	if reloaded.Path() != path || reloaded.DB() == nil {
		t.Fatalf("unexpected accessors: %s %v", reloaded.Path(), reloaded.DB())
	}
}

func TestSQLiteStoreKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	a, err := NewStore(path, "A(Prod)")
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := NewStore(path, "B(Prod)")
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	defer func() { _ = b.Close() }()

	if err := a.Save(ctx, []byte("a")); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if _, err := b.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected b to be empty, got %v", err)
	}
	if err := a.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected a to be empty after delete, got %v", err)
	}
}

func TestSQLiteStorePersistError(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), "X(Dev)")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = store.DB().Close()
	if err := store.Save(context.Background(), []byte("{}")); err == nil {
		t.Fatalf("expected save error on closed db")
	}
}

func TestNewStoreRequiresKey(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "x.db"), ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
