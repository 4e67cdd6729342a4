package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on three content-keyed tables. Inserts use
// ON CONFLICT DO NOTHING: writing an object that already exists is a no-op
// because identical content always hashes to the same sha.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the object tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS object_blobs (
			sha TEXT PRIMARY KEY,
			content BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS object_trees (
			sha TEXT PRIMARY KEY,
			entries JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS object_commits (
			sha TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure object schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) CreateBlob(ctx context.Context, content []byte) (string, error) {
	sha := hashObject("blob", content)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO object_blobs (sha, content) VALUES ($1, $2) ON CONFLICT (sha) DO NOTHING`,
		sha, content)
	if err != nil {
		return "", fmt.Errorf("insert blob %s: %w", sha, err)
	}
	return sha, nil
}

func (p *Postgres) GetBlob(ctx context.Context, sha string) ([]byte, error) {
	var content []byte
	err := p.pool.QueryRow(ctx,
		`SELECT content FROM object_blobs WHERE sha = $1`, sha).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select blob %s: %w", sha, err)
	}
	return content, nil
}

func (p *Postgres) CreateTree(ctx context.Context, entries []TreeEntry) (string, error) {
	_, raw, err := canonicalTree(entries)
	if err != nil {
		return "", err
	}
	sha := hashObject("tree", raw)
	_, err = p.pool.Exec(ctx,
		`INSERT INTO object_trees (sha, entries) VALUES ($1, $2) ON CONFLICT (sha) DO NOTHING`,
		sha, raw)
	if err != nil {
		return "", fmt.Errorf("insert tree %s: %w", sha, err)
	}
	return sha, nil
}

func (p *Postgres) GetTree(ctx context.Context, sha string, recursive bool) ([]TreeEntry, error) {
	if recursive {
		return expandTree(ctx, p, sha, "")
	}
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT entries FROM object_trees WHERE sha = $1`, sha).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tree %s: %w", sha, err)
	}
	var entries []TreeEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", sha, err)
	}
	return entries, nil
}

func (p *Postgres) CreateCommit(ctx context.Context, c Commit) (string, error) {
	raw, err := canonicalCommit(c)
	if err != nil {
		return "", err
	}
	sha := hashObject("commit", raw)
	_, err = p.pool.Exec(ctx,
		`INSERT INTO object_commits (sha, data) VALUES ($1, $2) ON CONFLICT (sha) DO NOTHING`,
		sha, raw)
	if err != nil {
		return "", fmt.Errorf("insert commit %s: %w", sha, err)
	}
	return sha, nil
}

func (p *Postgres) GetCommit(ctx context.Context, sha string) (Commit, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM object_commits WHERE sha = $1`, sha).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	if err != nil {
		return Commit{}, fmt.Errorf("select commit %s: %w", sha, err)
	}
	var c Commit
	if err := json.Unmarshal(raw, &c); err != nil {
		return Commit{}, fmt.Errorf("decode commit %s: %w", sha, err)
	}
	return c, nil
}
