package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryLog is an in-process Log with the same ordering and blocking-read
// semantics as the Redis implementation. It backs tests and the single-node
// dev mode.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	kv      map[string]string
	notify  chan struct{}
}

type memStream struct {
	entries []Entry
	lastSeq uint64 // survives trims, so ids never repeat
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		kv:      make(map[string]string),
		notify:  make(chan struct{}),
	}
}

func (l *MemoryLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[stream]
	if s == nil {
		s = &memStream{}
		l.streams[stream] = s
	}
	s.lastSeq++
	id := fmt.Sprintf("%d-0", s.lastSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})
	close(l.notify)
	l.notify = make(chan struct{})
	return id, nil
}

func (l *MemoryLog) Range(ctx context.Context, stream, from, to string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rangeLocked(stream, from, to), nil
}

func (l *MemoryLog) rangeLocked(stream, from, to string) []Entry {
	s := l.streams[stream]
	if s == nil {
		return nil
	}
	fromEx := strings.HasPrefix(from, "(")
	toEx := strings.HasPrefix(to, "(")
	from = strings.TrimPrefix(from, "(")
	to = strings.TrimPrefix(to, "(")
	var out []Entry
	for _, e := range s.entries {
		cf := CompareIDs(e.ID, from)
		ct := CompareIDs(e.ID, to)
		if cf < 0 || (fromEx && cf == 0) {
			continue
		}
		if ct > 0 || (toEx && ct == 0) {
			break
		}
		out = append(out, e)
	}
	return out
}

func (l *MemoryLog) Trim(ctx context.Context, stream, minID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[stream]
	if s == nil {
		return nil
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if CompareIDs(e.ID, minID) >= 0 {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (l *MemoryLog) BlockingRead(ctx context.Context, stream, fromID string, block time.Duration) ([]Entry, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()
	for {
		l.mu.Lock()
		entries := l.rangeLocked(stream, "("+fromID, MaxID)
		wait := l.notify
		l.mu.Unlock()
		if len(entries) > 0 {
			return entries, nil
		}
		select {
		case <-wait:
		case <-deadline.C:
			return nil, ErrReadTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLog) TailID(ctx context.Context, stream string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[stream]
	if s == nil {
		return "0-0", nil
	}
	return fmt.Sprintf("%d-0", s.lastSeq), nil
}

func (l *MemoryLog) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.kv[key]; ok {
		return false, nil
	}
	l.kv[key] = value
	return true, nil
}

func (l *MemoryLog) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.kv[key]
	if !ok {
		if old != "" {
			return false, nil
		}
	} else if cur != old {
		return false, nil
	}
	l.kv[key] = next
	return true, nil
}

func (l *MemoryLog) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kv[key] = value
	return nil
}

func (l *MemoryLog) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.kv[key]; ok {
		return v, nil
	}
	return "", ErrNoKey
}

func (l *MemoryLog) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, err := strconv.ParseInt(l.kv[key], 10, 64)
	if err != nil && l.kv[key] != "" {
		return 0, fmt.Errorf("incrby %s: value is not an integer", key)
	}
	cur += n
	l.kv[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}
