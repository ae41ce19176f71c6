package commonerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	for _, tc := range []struct {
		desc string
		err  error
		kind Kind
	}{
		{desc: "nil", err: nil, kind: ""},
		{desc: "plain", err: errors.New("plain"), kind: ""},
		{desc: "source missing", err: SourceMissing("fetch", errors.New("404")), kind: KindSourceMissing},
		{
			desc: "wrapped transient",
			err:  fmt.Errorf("sync: %w", TransientIO("fetch", errors.New("reset"))),
			kind: KindTransientIO,
		},
		{desc: "deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), kind: KindTransientIO},
		{desc: "store", err: StoreUnavailable("due for sync", errors.New("conn refused")), kind: KindStoreUnavailable},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("blob: %w", SourceMissing("fetch", errors.New("not found")))
	require.True(t, errors.Is(err, ErrSourceMissing))
	require.False(t, errors.Is(err, ErrTransientIO))
	require.EqualError(t, err, "blob: fetch: source_missing: not found")
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify("op", nil, KindTransientIO))

	err := Classify("fetch", errors.New("boom"), KindTransientIO)
	require.Equal(t, KindTransientIO, KindOf(err))

	missing := SourceMissing("fetch", nil)
	require.Equal(t, missing, Classify("other", missing, KindTransientIO))

	deadline := Classify("fetch", context.DeadlineExceeded, KindSourceMissing)
	require.Equal(t, KindTransientIO, KindOf(deadline))
}

func TestIsRetriable(t *testing.T) {
	require.True(t, IsRetriable(TransientIO("fetch", nil)))
	require.True(t, IsRetriable(errors.New("unknown")))
	require.False(t, IsRetriable(SourceMissing("fetch", nil)))
	require.False(t, IsRetriable(ChecksumUnsupported("checksum", nil)))
}
