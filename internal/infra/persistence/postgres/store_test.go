package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"ravesim/internal/infra/persistence/postgres/testutil"
	"ravesim/pkg/domain"
)

func TestNewStoreEnsuresTableAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("expected pgx driver, got %s", driverName)
		}
		return db, nil
	})
	defer restore()

	store, err := NewStore(ctx, "", "Mediflex(Prod)")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS RAVESIM_SNAPSHOTS") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected snapshot table DDL, got execs: %v", conn.Execs)
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
	if rows := conn.Snapshots("ravesim_snapshots"); len(rows) != 1 || string(rows["Mediflex(Prod)"]) != `{"version":1,"subjects":[]}` {
		t.Fatalf("expected upsert to keep one row, got %v", rows)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"version":1,"subjects":[]}` {
		t.Fatalf("unexpected payload %q", got)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound after delete, got %v", err)
	}
	if store.DB() != db {
		t.Fatalf("expected injected db")
	}
}

func TestStoresShareTableByStudy(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	a, err := NewStore(ctx, "ignored", "A(Prod)")
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := NewStore(ctx, "ignored", "B(Prod)")
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if err := a.Save(ctx, []byte("a")); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if _, err := b.Load(ctx); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected b empty, got %v", err)
	}
}

func TestNewStoreFailures(t *testing.T) {
	ctx := context.Background()
	if _, err := NewStore(ctx, "", ""); err == nil {
		t.Fatalf("expected key error")
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore(ctx, "", "X(Dev)"); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore(ctx, "", "X(Dev)"); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(ctx, "", "X(Dev)"); err == nil || !strings.Contains(err.Error(), "ensure snapshot table") {
		t.Fatalf("expected ddl error, got %v", err)
	}
}
