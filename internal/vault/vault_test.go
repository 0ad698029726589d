package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVault_PutGetDeleteRoundTrip(t *testing.T) {
	v, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	ref, sha, err := v.Put(ctx, "proj-1", KindDocumentOriginal, []byte("hello source material"))
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	data, err := v.Get(ctx, ref, nil)
	require.NoError(t, err)
	require.Equal(t, "hello source material", string(data))

	require.NoError(t, v.Delete(ctx, ref))
	_, err = v.Get(ctx, ref, nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Delete(ctx, ref)) // missing blob is not an error
}

func TestVault_PutIsContentAddressed(t *testing.T) {
	v, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	ref1, _, err := v.Put(ctx, "proj-1", KindAudio, []byte("same bytes"))
	require.NoError(t, err)
	ref2, _, err := v.Put(ctx, "proj-1", KindAudio, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
}

func TestVault_ListByProject(t *testing.T) {
	v, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	ref, _, err := v.Put(ctx, "proj-1", KindDocumentOriginal, []byte("a"))
	require.NoError(t, err)
	_, _, err = v.Put(ctx, "proj-2", KindDocumentOriginal, []byte("b"))
	require.NoError(t, err)

	refs, err := v.ListByProject("proj-1")
	require.NoError(t, err)
	require.Equal(t, []BlobRef{ref}, refs)
}
