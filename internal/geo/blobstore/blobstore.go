// Package blobstore keeps immutable file content under a root directory.
// Writes are atomic: readers never observe partially written blobs.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for paths escaping the store root.
var ErrInvalidPath = errors.New("blob path escapes the storage root")

// Store is a directory of blobs addressed by relative paths.
type Store struct {
	root string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// KeyPath is the relative path a replica of the given replicable is kept at.
func KeyPath(typ string, id int64) string {
	return filepath.Join(typ, fmt.Sprintf("%02d", id%100), fmt.Sprintf("%d", id))
}

// Path returns the absolute location of rel.
func (s *Store) Path(rel string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + rel)
	if clean == string(filepath.Separator) || strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, clean), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Write stores the content of r at rel and returns the number of bytes
// written. The blob becomes visible only once it is complete.
func (s *Store) Write(ctx context.Context, rel string, r io.Reader) (int64, error) {
	path, err := s.Path(rel)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary blob: %w", err)
	}
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, fmt.Errorf("sync blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("rename blob: %w", err)
	}

	return n, nil
}

// Open opens the blob at rel for reading.
func (s *Store) Open(rel string) (*os.File, error) {
	path, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Exists reports whether a blob is stored at rel.
func (s *Store) Exists(rel string) (bool, error) {
	path, err := s.Path(rel)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Remove deletes the blob at rel. Removing a missing blob is not an error.
func (s *Store) Remove(rel string) error {
	path, err := s.Path(rel)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// Checksum returns the hex encoded SHA-256 of the blob at rel.
func (s *Store) Checksum(ctx context.Context, rel string) (string, error) {
	f, err := s.Open(rel)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("checksum blob: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
