// Package filestore keeps cached result payloads as files under one root
// directory. Files are written to a temp name and renamed into place, so a
// reader never sees a partial payload.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
)

// Store is a cache.PayloadStore on the local filesystem.
type Store struct {
	root string
}

// New creates root if needed and returns a Store rooted there.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(_ context.Context, key cache.Key, data []byte) (string, error) {
	ref := refFor(key)
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create payload dir: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write payload %s: %w", ref, err)
	}
	return ref, nil
}

func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cache.ErrPayloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", ref, err)
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete payload %s: %w", ref, err)
	}
	return nil
}

// refFor shards payloads by the first two characters of the key.
func refFor(key cache.Key) string {
	k := string(key)
	if len(k) < 2 {
		return k + ".json"
	}
	return k[:2] + "/" + k + ".json"
}

func (s *Store) path(ref string) (string, error) {
	if ref == "" || strings.Contains(ref, "..") || filepath.IsAbs(ref) {
		return "", fmt.Errorf("invalid payload ref %q", ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(ref)), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
