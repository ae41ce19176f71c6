package replicator

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

type modelFunc func(ctx context.Context, typ string, id int64) (datastore.Replicable, error)

func (f modelFunc) ModelFor(ctx context.Context, typ string, id int64) (datastore.Replicable, error) {
	return f(ctx, typ, id)
}

type blobSourceFunc func(ctx context.Context, typ string, id int64) (io.ReadCloser, error)

func (f blobSourceFunc) OpenBlob(ctx context.Context, typ string, id int64) (io.ReadCloser, error) {
	return f(ctx, typ, id)
}

func staticModel(r datastore.Replicable) ModelAdapter {
	return modelFunc(func(context.Context, string, int64) (datastore.Replicable, error) { return r, nil })
}

func staticBlob(content string) BlobSource {
	return blobSourceFunc(func(context.Context, string, int64) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	})
}

func lfsObject(size int64) datastore.Replicable {
	return datastore.Replicable{Type: "lfs_object", ID: 1, Path: "aa/bb/obj", Size: size, Exists: true, Checksummable: true}
}

func TestReplicator_Sync(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		model  ModelAdapter
		source BlobSource
		kind   commonerr.Kind
		stored string
	}{
		{
			desc:   "synced",
			model:  staticModel(lfsObject(5)),
			source: staticBlob("hello"),
			stored: "hello",
		},
		{
			desc:   "unknown size",
			model:  staticModel(lfsObject(0)),
			source: staticBlob("hello"),
			stored: "hello",
		},
		{
			desc:   "missing on primary",
			model:  staticModel(datastore.Replicable{Type: "lfs_object", ID: 1}),
			source: staticBlob("hello"),
			kind:   commonerr.KindSourceMissing,
		},
		{
			desc: "model lookup failed",
			model: modelFunc(func(context.Context, string, int64) (datastore.Replicable, error) {
				return datastore.Replicable{}, errors.New("connection refused")
			}),
			source: staticBlob("hello"),
			kind:   commonerr.KindTransientIO,
		},
		{
			desc:  "content missing on primary",
			model: staticModel(lfsObject(5)),
			source: blobSourceFunc(func(context.Context, string, int64) (io.ReadCloser, error) {
				return nil, commonerr.SourceMissing("open blob", errors.New("404 Not Found"))
			}),
			kind: commonerr.KindSourceMissing,
		},
		{
			desc:  "fetch deadline exceeded",
			model: staticModel(lfsObject(5)),
			source: blobSourceFunc(func(context.Context, string, int64) (io.ReadCloser, error) {
				return nil, context.DeadlineExceeded
			}),
			kind: commonerr.KindTransientIO,
		},
		{
			desc:   "truncated transfer",
			model:  staticModel(lfsObject(10)),
			source: staticBlob("hello"),
			kind:   commonerr.KindTransientIO,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx := context.Background()
			logger, _ := test.NewNullLogger()
			store := blobstore.New(t.TempDir())
			r := New("lfs_object", tc.model, NewBlobStrategy(tc.source, store), true, logger)

			_, err := r.Sync(ctx, 1)
			if tc.kind != "" {
				require.Error(t, err)
				require.Equal(t, tc.kind, commonerr.KindOf(err))

				exists, err := store.Exists(blobstore.KeyPath("lfs_object", 1))
				require.NoError(t, err)
				require.False(t, exists)
				return
			}

			require.NoError(t, err)
			f, err := store.Open(blobstore.KeyPath("lfs_object", 1))
			require.NoError(t, err)
			defer f.Close()
			content, err := io.ReadAll(f)
			require.NoError(t, err)
			require.Equal(t, tc.stored, string(content))
		})
	}
}

func TestReplicator_ChecksumAndDestroy(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	store := blobstore.New(t.TempDir())
	r := New("lfs_object", staticModel(lfsObject(5)), NewBlobStrategy(staticBlob("hello"), store), true, logger)
	require.True(t, r.VerificationEnabled())

	model, err := r.Sync(ctx, 1)
	require.NoError(t, err)

	sum, err := r.Checksum(ctx, model)
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	external := model
	external.Checksummable = false
	_, err = r.Checksum(ctx, external)
	require.Equal(t, commonerr.KindChecksumUnsupported, commonerr.KindOf(err))

	require.NoError(t, r.Destroy(ctx, 1))
	require.NoError(t, r.Destroy(ctx, 1), "destroying a missing replica succeeds")

	_, err = r.Checksum(ctx, model)
	require.Error(t, err)

	disabled := New("lfs_object", staticModel(lfsObject(5)), NewBlobStrategy(staticBlob("hello"), store), false, logger)
	require.False(t, disabled.VerificationEnabled())
}

type housekeepingStrategy struct {
	*BlobStrategy
	needs     bool
	houseErr  error
	housekept int
}

func (s *housekeepingStrategy) NeedsHousekeeping(context.Context, datastore.Replicable) (bool, error) {
	return s.needs, nil
}

func (s *housekeepingStrategy) BeforeHousekeeping(context.Context, datastore.Replicable) error {
	s.housekept++
	return s.houseErr
}

func TestReplicator_Sync_housekeeping(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		needs     bool
		houseErr  error
		housekept int
		warning   bool
	}{
		{desc: "not needed"},
		{desc: "succeeds", needs: true, housekept: 1},
		{desc: "failure is logged only", needs: true, houseErr: errors.New("pool unreachable"), housekept: 1, warning: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			strategy := &housekeepingStrategy{
				BlobStrategy: NewBlobStrategy(staticBlob("hello"), blobstore.New(t.TempDir())),
				needs:        tc.needs,
				houseErr:     tc.houseErr,
			}
			r := New("lfs_object", staticModel(lfsObject(5)), strategy, true, logger)

			_, err := r.Sync(context.Background(), 1)
			require.NoError(t, err)
			require.Equal(t, tc.housekept, strategy.housekept)

			var warned bool
			for _, entry := range hook.AllEntries() {
				if entry.Level == logrus.WarnLevel {
					warned = true
				}
			}
			require.Equal(t, tc.warning, warned)
		})
	}
}

func TestRegistry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := NewRegistry()

	blobs := New("lfs_object", nil, nil, true, logger)
	require.NoError(t, reg.Register(blobs))
	require.NoError(t, reg.Register(New("project_repository", nil, nil, true, logger)))
	require.Error(t, reg.Register(New("lfs_object", nil, nil, true, logger)))

	r, err := reg.Lookup("lfs_object")
	require.NoError(t, err)
	require.Same(t, blobs, r)

	_, err = reg.Lookup("wiki")
	require.True(t, errors.Is(err, ErrUnknownType))

	require.Equal(t, []string{"lfs_object", "project_repository"}, reg.Types())
}
