package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"ravesim/internal/blob"
	"ravesim/internal/infra/persistence/blobstore"
	"ravesim/internal/infra/persistence/file"
	"ravesim/internal/infra/persistence/memory"
	"ravesim/internal/infra/persistence/postgres"
	"ravesim/internal/infra/persistence/redis"
	"ravesim/internal/infra/persistence/sqlite"
	"ravesim/pkg/domain"
)

// StorageDriver identifies a concrete snapshot storage implementation.
type StorageDriver string

const (
	StorageFile     StorageDriver = "file"     // JSON document on local disk
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageRedis    StorageDriver = "redis"    // Redis string key
	StorageBlob     StorageDriver = "blob"     // blob store (fs or s3)
)

// PersistenceSettings selects and parameterizes the snapshot backend.
type PersistenceSettings struct {
	Enabled bool
	Driver  StorageDriver

	// Path is the snapshot file for the file driver. It may contain
	// "{study}", replaced by a filesystem-safe study OID.
	Path        string
	SQLitePath  string
	PostgresDSN string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	Blob blob.Config
}

// OpenSnapshotStore constructs the configured store for studyOID. It returns
// (nil, nil) when persistence is disabled.
func OpenSnapshotStore(ctx context.Context, ps PersistenceSettings, studyOID string) (domain.SnapshotStore, error) {
	if !ps.Enabled {
		return nil, nil
	}
	driver := ps.Driver
	if driver == "" {
		driver = StorageFile
	}
	switch driver {
	case StorageFile:
		return file.NewStore(SnapshotPath(ps.Path, studyOID))
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ps.SQLitePath, studyOID)
	case StoragePostgres:
		return postgres.NewStore(ctx, ps.PostgresDSN, studyOID)
	case StorageRedis:
		store, err := redis.NewStore(&goredis.Options{Addr: ps.RedisAddr, Password: ps.RedisPassword, DB: ps.RedisDB}, ps.RedisNamespace, studyOID)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return store, nil
	case StorageBlob:
		blobs, err := blob.Open(ctx, ps.Blob)
		if err != nil {
			return nil, err
		}
		return blobstore.NewStore(blobs, studyOID)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// SnapshotPath expands the {study} placeholder. An empty pattern defaults to
// data/<study>.json.
func SnapshotPath(pattern, studyOID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(studyOID)
	if pattern == "" {
		return filepath.Join("data", safe+".json")
	}
	return strings.ReplaceAll(pattern, "{study}", safe)
}
