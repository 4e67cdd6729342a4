// Package objstore is a content-addressed repository of immutable blobs,
// trees and commits. An object's id is the hex sha256 of its canonical
// serialization, so identical content always maps to the same id and writes
// are idempotent by construction. The store knows nothing about documents or
// rooms.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested object id is absent.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectType discriminates what a tree entry points at.
type ObjectType string

const (
	TypeBlob ObjectType = "blob"
	TypeTree ObjectType = "tree"
)

// TreeEntry is one row of a tree: a path mapped to a blob or subtree.
type TreeEntry struct {
	Path string     `json:"path"`
	Mode string     `json:"mode"`
	Type ObjectType `json:"type"`
	SHA  string     `json:"sha"`
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Date  time.Time `json:"date"`
}

// Commit is a versioned history node. Parents form a DAG; this system only
// ever creates single-parent chains but the store does not care.
type Commit struct {
	Tree      string    `json:"tree"`
	Parents   []string  `json:"parents"`
	Author    Signature `json:"author"`
	Committer Signature `json:"committer"`
	Message   string    `json:"message"`
}

// Store is the object repository surface. Referenced ids are not validated at
// write time; the store trusts its callers.
type Store interface {
	CreateBlob(ctx context.Context, content []byte) (string, error)
	GetBlob(ctx context.Context, sha string) ([]byte, error)
	CreateTree(ctx context.Context, entries []TreeEntry) (string, error)
	GetTree(ctx context.Context, sha string, recursive bool) ([]TreeEntry, error)
	CreateCommit(ctx context.Context, c Commit) (string, error)
	GetCommit(ctx context.Context, sha string) (Commit, error)
}

// hashObject computes the id of an object from a git-style
// "<kind> <len>\x00<payload>" header plus canonical payload bytes.
func hashObject(kind string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(payload))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalTree sorts entries by path and serializes them. Sorting makes the
// id independent of the order the caller listed entries in.
func canonicalTree(entries []TreeEntry) ([]TreeEntry, []byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	raw, err := json.Marshal(sorted)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize tree: %w", err)
	}
	return sorted, raw, nil
}

func canonicalCommit(c Commit) ([]byte, error) {
	if c.Parents == nil {
		c.Parents = []string{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("serialize commit: %w", err)
	}
	return raw, nil
}

// expandTree resolves a tree recursively: subtree entries are replaced by
// their leaves with joined paths, so the result lists every reachable blob.
func expandTree(ctx context.Context, s Store, sha, prefix string) ([]TreeEntry, error) {
	entries, err := s.GetTree(ctx, sha, false)
	if err != nil {
		return nil, err
	}
	var out []TreeEntry
	for _, e := range entries {
		full := e.Path
		if prefix != "" {
			full = path.Join(prefix, e.Path)
		}
		if e.Type == TypeTree {
			leaves, err := expandTree(ctx, s, e.SHA, full)
			if err != nil {
				return nil, err
			}
			out = append(out, leaves...)
			continue
		}
		e.Path = full
		out = append(out, e)
	}
	return out, nil
}
