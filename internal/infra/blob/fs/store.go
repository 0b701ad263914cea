// Package fs stores blobs as plain files under a root directory. Every object
// has a JSON sidecar carrying its content type, metadata and digest.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ravesim/internal/blob/core"
)

const (
	sidecarSuffix = ".meta.json"
	tempPattern   = ".partial-*"
	defaultRoot   = "data/blobs"
)

// Store implements core.Store on the local filesystem.
type Store struct {
	root string
	now  func() time.Time
}

// New opens (and creates) a store rooted at root.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		root = defaultRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &Store{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the directory objects live under.
func (s *Store) Root() string { return s.root }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	Written     time.Time         `json:"written"`
}

type location struct {
	key  string
	data string
	meta string
}

// locate maps a slash-separated key onto disk. Keys may not escape the root
// or collide with sidecars.
func (s *Store) locate(key string) (location, error) {
	trimmed := strings.TrimSpace(key)
	switch {
	case trimmed == "":
		return location{}, errors.New("blob key is empty")
	case strings.HasPrefix(trimmed, "/"):
		return location{}, fmt.Errorf("blob key %q is absolute", key)
	case strings.HasSuffix(trimmed, sidecarSuffix):
		return location{}, fmt.Errorf("blob key %q uses the reserved %s suffix", key, sidecarSuffix)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." {
			return location{}, fmt.Errorf("blob key %q leaves the store root", key)
		}
	}
	clean := path.Clean(trimmed)
	data := filepath.Join(s.root, filepath.FromSlash(clean))
	return location{key: clean, data: data, meta: data + sidecarSuffix}, nil
}

// Put writes the object and then its sidecar, each through a temp file and
// rename so readers see either the old or the new content.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := loadSidecar(loc.meta); err == nil && !opts.Overwrite {
		return core.Info{}, fmt.Errorf("blob %s: %w", loc.key, core.ErrExists)
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(loc.data), 0o755); err != nil {
		return core.Info{}, err
	}

	digest := sha256.New()
	var size int64
	err = replaceFile(loc.data, func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, digest), r)
		size = n
		return err
	})
	if err != nil {
		return core.Info{}, fmt.Errorf("write blob %s: %w", loc.key, err)
	}

	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(digest.Sum(nil)),
		Size:        size,
		Written:     s.now(),
	}
	err = replaceFile(loc.meta, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	})
	if err != nil {
		return core.Info{}, fmt.Errorf("write sidecar %s: %w", loc.key, err)
	}
	return s.describe(loc.key, meta), nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	meta, err := loadSidecar(loc.meta)
	if err != nil {
		return core.Info{}, nil, notFound(loc.key, err)
	}
	f, err := os.Open(loc.data)
	if err != nil {
		return core.Info{}, nil, notFound(loc.key, err)
	}
	return s.describe(loc.key, meta), f, nil
}

// Head implements core.Store.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	meta, err := loadSidecar(loc.meta)
	if err != nil {
		return core.Info{}, notFound(loc.key, err)
	}
	return s.describe(loc.key, meta), nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	loc, err := s.locate(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(loc.data)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(loc.meta); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

// List walks the root for sidecars and reports the objects under prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	err := filepath.WalkDir(s.root, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(p, sidecarSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, sidecarSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := loadSidecar(p)
		if err != nil {
			return err
		}
		out = append(out, s.describe(key, meta))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL returns a local pseudo URL. The filesystem driver has no
// credentials, so expiry is ignored and only GET is accepted.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, http.MethodGet) {
		return "", core.ErrUnsupported
	}
	loc, err := s.locate(key)
	if err != nil {
		return "", err
	}
	return localURL(loc.key), nil
}

func (s *Store) describe(key string, meta sidecar) core.Info {
	return core.Info{
		Key:          key,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		Metadata:     core.CloneMetadata(meta.Metadata),
		LastModified: meta.Written,
		URL:          localURL(key),
	}
}

func localURL(key string) string {
	u := url.URL{Scheme: "http", Host: "local.blob", Path: "/" + key}
	return u.String()
}

func notFound(key string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return err
}

func loadSidecar(p string) (sidecar, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode sidecar %s: %w", p, err)
	}
	return meta, nil
}

// replaceFile fills a temp file in target's directory and renames it over
// target once fill succeeds.
func replaceFile(target string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, target)
}
