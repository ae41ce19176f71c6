package redirect

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

func TestCachingResolver(t *testing.T) {
	ctx := context.Background()
	next := newFakeResolver()

	resolver, err := NewCachingResolver(next, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := resolver.ResolveRepository(ctx, repoPath)
		require.NoError(t, err)
		require.Equal(t, project, r)
	}
	require.Equal(t, 1, next.calls)

	_, err = resolver.ResolveRepository(ctx, "group/unknown.git")
	require.True(t, errors.Is(err, datastore.ErrReplicableNotFound))
	_, err = resolver.ResolveRepository(ctx, "group/unknown.git")
	require.True(t, errors.Is(err, datastore.ErrReplicableNotFound))
	require.Equal(t, 3, next.calls, "unknown resources are not cached")

	r, err := resolver.ResolveLFSObject(ctx, lfsA.OID)
	require.NoError(t, err)
	require.Equal(t, lfsA, r)
	require.Equal(t, 4, next.calls)

	// The cache holds a single entry, so the repository was evicted.
	_, err = resolver.ResolveRepository(ctx, repoPath)
	require.NoError(t, err)
	require.Equal(t, 5, next.calls)

	require.Equal(t, 2.0, testutil.ToFloat64(resolver.accessTotal.WithLabelValues("repository", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(resolver.accessTotal.WithLabelValues("repository", "evict")))
}
