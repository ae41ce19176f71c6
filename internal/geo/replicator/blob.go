package replicator

import (
	"context"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

// BlobSource streams blob content from the primary.
type BlobSource interface {
	OpenBlob(ctx context.Context, typ string, id int64) (io.ReadCloser, error)
}

type blobHandle struct {
	io.ReadCloser
}

// BlobStrategy replicates immutable files like LFS objects and uploads.
type BlobStrategy struct {
	source BlobSource
	store  *blobstore.Store
}

// NewBlobStrategy returns a Strategy storing blobs from source in store.
func NewBlobStrategy(source BlobSource, store *blobstore.Store) *BlobStrategy {
	return &BlobStrategy{source: source, store: store}
}

func (s *BlobStrategy) Fetch(ctx context.Context, r datastore.Replicable) (ContentHandle, error) {
	rc, err := s.source.OpenBlob(ctx, r.Type, r.ID)
	if err != nil {
		return nil, err
	}
	return blobHandle{ReadCloser: rc}, nil
}

func (s *BlobStrategy) Store(ctx context.Context, r datastore.Replicable, h ContentHandle) (int64, error) {
	content, ok := h.(blobHandle)
	if !ok {
		return 0, fmt.Errorf("unexpected content handle %T", h)
	}

	n, err := s.store.Write(ctx, blobstore.KeyPath(r.Type, r.ID), content)
	if err != nil {
		return n, commonerr.Classify("write blob", err, commonerr.KindTransientIO)
	}

	if r.Size > 0 && n != r.Size {
		// The transfer was cut short or the blob changed in between.
		if rmErr := s.store.Remove(blobstore.KeyPath(r.Type, r.ID)); rmErr != nil {
			return n, commonerr.TransientIO("write blob", fmt.Errorf("size %d, expected %d, cleanup: %v", n, r.Size, rmErr))
		}
		return n, commonerr.TransientIO("write blob", fmt.Errorf("size %d, expected %d", n, r.Size))
	}

	return n, nil
}

func (s *BlobStrategy) Destroy(_ context.Context, r datastore.Replicable) error {
	return s.store.Remove(blobstore.KeyPath(r.Type, r.ID))
}

// Checksum returns the SHA-256 of the local blob.
func (s *BlobStrategy) Checksum(ctx context.Context, r datastore.Replicable) (string, error) {
	return s.store.Checksum(ctx, blobstore.KeyPath(r.Type, r.ID))
}
