package objstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached wraps a Store with an LRU read cache for blobs and commits. Objects
// are immutable, so cached entries never go stale.
type Cached struct {
	inner   Store
	blobs   *lru.Cache[string, []byte]
	commits *lru.Cache[string, Commit]
}

func NewCached(inner Store, size int) (*Cached, error) {
	blobs, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	commits, err := lru.New[string, Commit](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, blobs: blobs, commits: commits}, nil
}

func (c *Cached) CreateBlob(ctx context.Context, content []byte) (string, error) {
	sha, err := c.inner.CreateBlob(ctx, content)
	if err == nil {
		c.blobs.Add(sha, content)
	}
	return sha, err
}

func (c *Cached) GetBlob(ctx context.Context, sha string) ([]byte, error) {
	if content, ok := c.blobs.Get(sha); ok {
		return content, nil
	}
	content, err := c.inner.GetBlob(ctx, sha)
	if err != nil {
		return nil, err
	}
	c.blobs.Add(sha, content)
	return content, nil
}

func (c *Cached) CreateTree(ctx context.Context, entries []TreeEntry) (string, error) {
	return c.inner.CreateTree(ctx, entries)
}

func (c *Cached) GetTree(ctx context.Context, sha string, recursive bool) ([]TreeEntry, error) {
	return c.inner.GetTree(ctx, sha, recursive)
}

func (c *Cached) CreateCommit(ctx context.Context, commit Commit) (string, error) {
	sha, err := c.inner.CreateCommit(ctx, commit)
	if err == nil {
		c.commits.Add(sha, commit)
	}
	return sha, err
}

func (c *Cached) GetCommit(ctx context.Context, sha string) (Commit, error) {
	if commit, ok := c.commits.Get(sha); ok {
		return commit, nil
	}
	commit, err := c.inner.GetCommit(ctx, sha)
	if err != nil {
		return Commit{}, err
	}
	c.commits.Add(sha, commit)
	return commit, nil
}
