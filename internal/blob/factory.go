package blob

import (
	"context"

	"ravesim/internal/blob/core"
	"ravesim/internal/infra/blob/fs"
)

// Config selects and parameterizes a blob backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured store. An empty driver selects the
// filesystem backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver, err := core.ParseDriver(string(cfg.Driver))
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return NewFilesystem(cfg.FSRoot)
	}
}

// NewFilesystem constructs a store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
