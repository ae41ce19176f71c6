// Package gitrepo manages bare Git repositories on local storage: it fetches
// them from a remote, computes their ref checksums, links object pools and
// serves them over the smart HTTP protocol.
package gitrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrInvalidPath is returned for repository paths escaping the storage root.
var ErrInvalidPath = errors.New("repository path escapes the storage root")

const remoteName = "primary"

// Store is a directory of bare repositories addressed by relative paths.
type Store struct {
	root string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// KeyPath is the relative path a replica of the given replicable is kept at.
func KeyPath(typ string, id int64) string {
	return filepath.Join(typ, fmt.Sprintf("%02d", id%100), fmt.Sprintf("%d.git", id))
}

// PoolPath is the relative path the replica of an object pool is kept at.
func PoolPath(sourcePoolPath string) string {
	sum := sha256.Sum256([]byte(sourcePoolPath))
	return filepath.Join("@pools", hex.EncodeToString(sum[:])[:2], hex.EncodeToString(sum[:])+".git")
}

// Path returns the absolute location of the repository at rel.
func (s *Store) Path(rel string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + rel)
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, clean), nil
}

// Exists reports whether a repository exists at rel.
func (s *Store) Exists(rel string) (bool, error) {
	path, err := s.Path(rel)
	if err != nil {
		return false, err
	}

	if _, err := git.PlainOpen(path); err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Open opens the repository at rel.
func (s *Store) Open(rel string) (*git.Repository, error) {
	path, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	return git.PlainOpen(path)
}

// Init opens the bare repository at rel, creating it when it doesn't exist.
func (s *Store) Init(rel string) (*git.Repository, error) {
	path, err := s.Path(rel)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	repo, err = git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	return repo, nil
}

// Remove deletes the repository at rel. Removing a missing repository is not
// an error.
func (s *Store) Remove(rel string) error {
	path, err := s.Path(rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Fetch mirrors all refs of the remote repository at url into the local
// repository at rel, creating it if needed. Refs deleted on the remote are
// pruned. An empty remote repository is not an error.
func (s *Store) Fetch(ctx context.Context, rel, url string, auth transport.AuthMethod) error {
	repo, err := s.Init(rel)
	if err != nil {
		return err
	}

	remote := git.NewRemote(repo.Storer, &gitconfig.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})

	err = remote.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{"+refs/*:refs/*"},
		Auth:       auth,
		Force:      true,
		Prune:      true,
		Tags:       git.NoTags,
	})
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	default:
		return err
	}
}

// Checksum returns the hex encoded SHA-256 of the sorted "name object-id"
// listing of all direct refs of the repository at rel. It only depends on
// the refs, so two repositories with the same refs have the same checksum.
func (s *Store) Checksum(ctx context.Context, rel string) (string, error) {
	repo, err := s.Open(rel)
	if err != nil {
		return "", err
	}

	refs, err := repo.References()
	if err != nil {
		return "", fmt.Errorf("list references: %w", err)
	}
	defer refs.Close()

	var lines []string
	if err := refs.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.Type() != plumbing.HashReference || ref.Name() == plumbing.HEAD {
			return nil
		}
		lines = append(lines, ref.Name().String()+" "+ref.Hash().String())
		return nil
	}); err != nil {
		return "", err
	}

	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func alternatesFile(repoPath string) string {
	return filepath.Join(repoPath, "objects", "info", "alternates")
}

// LinkPool makes the repository at rel borrow objects from the pool
// repository at poolRel.
func (s *Store) LinkPool(rel, poolRel string) error {
	path, err := s.Path(rel)
	if err != nil {
		return err
	}
	poolPath, err := s.Path(poolRel)
	if err != nil {
		return err
	}

	file := alternatesFile(path)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create alternates directory: %w", err)
	}

	objects := filepath.Join(poolPath, "objects")
	if err := os.WriteFile(file, []byte(objects+"\n"), 0o644); err != nil {
		return fmt.Errorf("write alternates: %w", err)
	}
	return nil
}

// LinkedPool returns the object directory the repository at rel borrows
// objects from, or an empty string.
func (s *Store) LinkedPool(rel string) (string, error) {
	path, err := s.Path(rel)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(alternatesFile(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// Size returns the disk usage of the repository at rel in bytes.
func (s *Store) Size(rel string) (int64, error) {
	path, err := s.Path(rel)
	if err != nil {
		return 0, err
	}

	var size int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
