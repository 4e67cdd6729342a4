package objstore

import (
	"context"
	"sync"
)

// Memory implements Store with mutex-guarded maps. Used by tests and the
// single-node dev mode.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	trees   map[string][]TreeEntry
	commits map[string]Commit
}

func NewMemory() *Memory {
	return &Memory{
		blobs:   make(map[string][]byte),
		trees:   make(map[string][]TreeEntry),
		commits: make(map[string]Commit),
	}
}

func (m *Memory) CreateBlob(ctx context.Context, content []byte) (string, error) {
	sha := hashObject("blob", content)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[sha]; !ok {
		stored := make([]byte, len(content))
		copy(stored, content)
		m.blobs[sha] = stored
	}
	return sha, nil
}

func (m *Memory) GetBlob(ctx context.Context, sha string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.blobs[sha]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (m *Memory) CreateTree(ctx context.Context, entries []TreeEntry) (string, error) {
	sorted, raw, err := canonicalTree(entries)
	if err != nil {
		return "", err
	}
	sha := hashObject("tree", raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[sha]; !ok {
		m.trees[sha] = sorted
	}
	return sha, nil
}

func (m *Memory) GetTree(ctx context.Context, sha string, recursive bool) ([]TreeEntry, error) {
	if recursive {
		return expandTree(ctx, m, sha, "")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.trees[sha]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]TreeEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) CreateCommit(ctx context.Context, c Commit) (string, error) {
	raw, err := canonicalCommit(c)
	if err != nil {
		return "", err
	}
	sha := hashObject("commit", raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commits[sha]; !ok {
		m.commits[sha] = c
	}
	return sha, nil
}

func (m *Memory) GetCommit(ctx context.Context, sha string) (Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commits[sha]
	if !ok {
		return Commit{}, ErrNotFound
	}
	return c, nil
}

// BlobCount reports how many distinct blobs are stored, for inspection in
// tests of write idempotence.
func (m *Memory) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
