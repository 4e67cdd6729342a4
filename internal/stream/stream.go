// Package stream abstracts the durable append-only log and small key-value
// surface that all cross-process coordination goes through. The production
// implementation is Redis streams; an in-memory implementation backs tests and
// single-process deployments.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinID sorts before every real entry id, MaxID after. They match the Redis
// stream range sentinels.
const (
	MinID = "-"
	MaxID = "+"
)

var (
	// ErrReadTimeout is returned by BlockingRead when the block duration
	// elapses with no new entries.
	ErrReadTimeout = errors.New("stream: blocking read timed out")

	// ErrNoKey is returned by Get for a key that was never set.
	ErrNoKey = errors.New("stream: key not found")
)

// Entry is one appended record. ID is the log-assigned total order token in
// "<ms>-<seq>" form.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Log is the durable log primitive. Append and SetIfAbsent are atomic; no
// multi-key transactions are assumed anywhere.
type Log interface {
	// Append adds an entry and returns the id the log assigned to it. Ids
	// are strictly increasing per stream.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Range returns entries with from <= id <= to. A bound prefixed with
	// "(" is exclusive, following the Redis convention.
	Range(ctx context.Context, stream, from, to string) ([]Entry, error)

	// Trim drops every entry with id < minID.
	Trim(ctx context.Context, stream, minID string) error

	// BlockingRead returns entries with id > fromID, waiting up to block
	// for one to appear. Returns ErrReadTimeout when none did.
	BlockingRead(ctx context.Context, stream, fromID string, block time.Duration) ([]Entry, error)

	// TailID returns an id at or after the stream's last entry and before
	// any future entry, or "0-0" when the stream has no entries.
	TailID(ctx context.Context, stream string) (string, error)

	// SetIfAbsent atomically sets key to value only when the key has no
	// value yet; reports whether this call set it.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)

	// CompareAndSwap atomically replaces key's value with next only when
	// the current value equals old; old "" means the key must not exist
	// yet. Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, old, next string) (bool, error)

	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)

	// IncrBy atomically adds n to the integer stored at key (missing keys
	// count as zero) and returns the new value.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
}

// CompareIDs orders two stream ids. MinID sorts before everything, MaxID
// after everything; real ids compare numerically by timestamp part then
// sequence part. An unparseable id compares as its raw string.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	if a == MinID || b == MaxID {
		return -1
	}
	if a == MaxID || b == MinID {
		return 1
	}
	ams, aseq, aok := splitID(a)
	bms, bseq, bok := splitID(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

// NextID returns the smallest id strictly greater than id, for use as an
// inclusive lower bound.
func NextID(id string) string {
	ms, seq, ok := splitID(id)
	if !ok {
		return id
	}
	if seq == ^uint64(0) {
		return fmt.Sprintf("%d-0", ms+1)
	}
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

func splitID(id string) (ms, seq uint64, ok bool) {
	head, tail, found := strings.Cut(id, "-")
	if !found {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(tail, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
