package replicator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
)

// RepositorySource locates repositories on the primary.
type RepositorySource interface {
	// RepositoryRemote returns the fetch URL and credentials of the
	// repository at path on the primary.
	RepositoryRemote(ctx context.Context, path string) (string, transport.AuthMethod, error)
}

type repositoryHandle struct{}

func (repositoryHandle) Close() error { return nil }

// RepositoryStrategy replicates Git repositories. Fetches are incremental
// once the local repository exists.
type RepositoryStrategy struct {
	source RepositorySource
	store  *gitrepo.Store
	logger logrus.FieldLogger
}

// NewRepositoryStrategy returns a Strategy mirroring repositories from
// source into store.
func NewRepositoryStrategy(source RepositorySource, store *gitrepo.Store, logger logrus.FieldLogger) *RepositoryStrategy {
	return &RepositoryStrategy{source: source, store: store, logger: logger.WithField("component", "repository_strategy")}
}

func classifyFetch(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return commonerr.SourceMissing("fetch repository", err)
	default:
		return commonerr.Classify("fetch repository", err, commonerr.KindTransientIO)
	}
}

func (s *RepositoryStrategy) fetch(ctx context.Context, rel, sourcePath string) error {
	url, auth, err := s.source.RepositoryRemote(ctx, sourcePath)
	if err != nil {
		return err
	}
	return classifyFetch(s.store.Fetch(ctx, rel, url, auth))
}

// createdOnFirstWrite lists repository types the primary only initializes
// when they are first written to. A catalogued one may legitimately be
// absent from the primary's storage.
var createdOnFirstWrite = map[string]bool{
	TypeWikiRepository:   true,
	TypeDesignRepository: true,
}

// Fetch mirrors the primary repository into the local one. The local
// repository is created on the first fetch. Wikis and design repositories
// that were never initialized on the primary are replicated as empty
// repositories.
func (s *RepositoryStrategy) Fetch(ctx context.Context, r datastore.Replicable) (ContentHandle, error) {
	rel := gitrepo.KeyPath(r.Type, r.ID)

	err := s.fetch(ctx, rel, r.Path)
	if err != nil && createdOnFirstWrite[r.Type] && errors.Is(err, commonerr.ErrSourceMissing) {
		if _, err := s.store.Init(rel); err != nil {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"replicable_type": r.Type,
			"replicable_id":   r.ID,
		}).Debug("repository is not initialized on the primary, keeping an empty replica")
		return repositoryHandle{}, nil
	}
	if err != nil {
		return nil, err
	}
	return repositoryHandle{}, nil
}

// Store reports the size of the local repository. Fetch already wrote it.
func (s *RepositoryStrategy) Store(_ context.Context, r datastore.Replicable, _ ContentHandle) (int64, error) {
	return s.store.Size(gitrepo.KeyPath(r.Type, r.ID))
}

func (s *RepositoryStrategy) Destroy(_ context.Context, r datastore.Replicable) error {
	return s.store.Remove(gitrepo.KeyPath(r.Type, r.ID))
}

// Checksum returns the ref checksum of the local repository.
func (s *RepositoryStrategy) Checksum(ctx context.Context, r datastore.Replicable) (string, error) {
	return s.store.Checksum(ctx, gitrepo.KeyPath(r.Type, r.ID))
}

// NeedsHousekeeping reports whether the repository borrows from an object
// pool on the primary that is missing or not linked locally.
func (s *RepositoryStrategy) NeedsHousekeeping(_ context.Context, r datastore.Replicable) (bool, error) {
	if r.PoolPath == "" {
		return false, nil
	}

	poolRel := gitrepo.PoolPath(r.PoolPath)
	exists, err := s.store.Exists(poolRel)
	if err != nil || !exists {
		return true, err
	}

	linked, err := s.store.LinkedPool(gitrepo.KeyPath(r.Type, r.ID))
	if err != nil {
		return false, err
	}

	poolDir, err := s.store.Path(poolRel)
	if err != nil {
		return false, err
	}
	return linked != filepath.Join(poolDir, "objects"), nil
}

// BeforeHousekeeping fetches the object pool from the primary and links the
// repository to it.
func (s *RepositoryStrategy) BeforeHousekeeping(ctx context.Context, r datastore.Replicable) error {
	poolRel := gitrepo.PoolPath(r.PoolPath)
	if err := s.fetch(ctx, poolRel, r.PoolPath); err != nil {
		return fmt.Errorf("fetch object pool: %w", err)
	}

	if err := s.store.LinkPool(gitrepo.KeyPath(r.Type, r.ID), poolRel); err != nil {
		return fmt.Errorf("link object pool: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"replicable_type": r.Type,
		"replicable_id":   r.ID,
		"pool":            r.PoolPath,
	}).Info("linked object pool")
	return nil
}
