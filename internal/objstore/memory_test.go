package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobContentAddressing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, err := s.CreateBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	second, err := s.CreateBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.BlobCount())

	other, err := s.CreateBlob(ctx, []byte("world"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, s.BlobCount())

	content, err := s.GetBlob(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = s.GetBlob(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTreeIDIndependentOfEntryOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	a := TreeEntry{Path: "a.txt", Mode: "100644", Type: TypeBlob, SHA: "aaa"}
	b := TreeEntry{Path: "b.txt", Mode: "100644", Type: TypeBlob, SHA: "bbb"}

	first, err := s.CreateTree(ctx, []TreeEntry{a, b})
	require.NoError(t, err)
	second, err := s.CreateTree(ctx, []TreeEntry{b, a})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTreeRecursiveWalk(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	leafBlob, err := s.CreateBlob(ctx, []byte("leaf"))
	require.NoError(t, err)
	sub, err := s.CreateTree(ctx, []TreeEntry{
		{Path: "inner.txt", Mode: "100644", Type: TypeBlob, SHA: leafBlob},
	})
	require.NoError(t, err)
	root, err := s.CreateTree(ctx, []TreeEntry{
		{Path: "top.txt", Mode: "100644", Type: TypeBlob, SHA: leafBlob},
		{Path: "dir", Mode: "040000", Type: TypeTree, SHA: sub},
	})
	require.NoError(t, err)

	flat, err := s.GetTree(ctx, root, false)
	require.NoError(t, err)
	require.Len(t, flat, 2)

	leaves, err := s.GetTree(ctx, root, true)
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	paths := []string{leaves[0].Path, leaves[1].Path}
	assert.Contains(t, paths, "dir/inner.txt")
	assert.Contains(t, paths, "top.txt")
	for _, e := range leaves {
		assert.Equal(t, TypeBlob, e.Type)
	}
}

func TestCommitLineage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	parent, err := s.CreateCommit(ctx, Commit{
		Tree:    "t0",
		Author:  Signature{Name: "alice", Date: time.Unix(100, 0).UTC()},
		Message: "first",
	})
	require.NoError(t, err)

	child, err := s.CreateCommit(ctx, Commit{
		Tree:    "t1",
		Parents: []string{parent},
		Author:  Signature{Name: "bob", Date: time.Unix(200, 0).UTC()},
		Message: "second",
	})
	require.NoError(t, err)

	got, err := s.GetCommit(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Tree)
	assert.Equal(t, []string{parent}, got.Parents)
	assert.Equal(t, "bob", got.Author.Name)

	_, err = s.GetCommit(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStoreReads(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	cached, err := NewCached(inner, 8)
	require.NoError(t, err)

	sha, err := cached.CreateBlob(ctx, []byte("payload"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		content, err := cached.GetBlob(ctx, sha)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), content)
	}
}
