// Package ordering assigns total order to mutation batches for one document
// and manages its compaction checkpoint. Sequence numbers come from the
// durable log itself, never from process-local state, so any number of server
// processes can append concurrently without coordination beyond the log's own
// atomic operations.
package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabsync/internal/objstore"
	"collabsync/internal/protocol"
	"collabsync/internal/stream"
)

var (
	// ErrNotInitialized is returned by reads before Init has created the
	// first summary for the document.
	ErrNotInitialized = errors.New("ordering: document has no summary")

	// ErrStaleSummary is returned by AppendSummary when the current
	// checkpoint already covers the offered sequence number. The caller's
	// snapshot is obsolete, not wrong; nothing was written.
	ErrStaleSummary = errors.New("ordering: summary behind current checkpoint")
)

// summaryPointer is the durable "current summary" record. It names the blob
// holding the snapshot payload and the commit recording its lineage.
type summaryPointer struct {
	ClientID       int64  `json:"clientId"`
	SequenceNumber string `json:"sequenceNumber"`
	Blob           string `json:"blob"`
	Commit         string `json:"commit"`
}

// Sequencer is the single ordering authority for one document.
type Sequencer struct {
	log     stream.Log
	objects objstore.Store
	doc     string
	logger  *slog.Logger
}

func New(log stream.Log, objects objstore.Store, doc string, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		log:     log,
		objects: objects,
		doc:     doc,
		logger:  logger.With("doc", doc),
	}
}

func (s *Sequencer) opsStream() string  { return "doc:" + s.doc + ":ops" }
func (s *Sequencer) summaryKey() string { return "doc:" + s.doc + ":summary" }
func (s *Sequencer) pendingKey() string { return "doc:" + s.doc + ":pending" }

// Init makes sure a current summary exists, creating the initial one around
// the supplied payload when the backing store has none. Safe to call from any
// number of processes concurrently; the set-if-absent on the pointer key
// decides the single winner, and the object writes are idempotent anyway.
func (s *Sequencer) Init(ctx context.Context, initial []byte) error {
	// Fixed signature date keeps the initial commit content-identical across
	// processes racing to create it.
	sig := objstore.Signature{Name: "collabsync", Date: time.Unix(0, 0).UTC()}
	ptr, err := s.writeSummaryObjects(ctx, 0, stream.MinID, initial, "", sig)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("encode summary pointer: %w", err)
	}
	created, err := s.log.SetIfAbsent(ctx, s.summaryKey(), string(raw))
	if err != nil {
		return fmt.Errorf("init summary: %w", err)
	}
	if created {
		s.logger.Info("created initial summary", "commit", ptr.Commit)
	}
	return nil
}

// AppendOps atomically appends the batch to the document log. The log-assigned
// entry id becomes the batch's sequence number. The second return value is the
// running count of mutations appended since the last compaction, so the caller
// can decide whether to trigger one.
func (s *Sequencer) AppendOps(ctx context.Context, clientID int64, batch protocol.MutationBatch) (protocol.SequencedBatch, int64, error) {
	batch.ClientID = clientID
	raw, err := json.Marshal(batch)
	if err != nil {
		return protocol.SequencedBatch{}, 0, fmt.Errorf("encode batch: %w", err)
	}
	id, err := s.log.Append(ctx, s.opsStream(), map[string]string{"data": string(raw)})
	if err != nil {
		return protocol.SequencedBatch{}, 0, fmt.Errorf("append ops: %w", err)
	}
	pending, err := s.log.IncrBy(ctx, s.pendingKey(), int64(len(batch.Mutations)))
	if err != nil {
		// The append itself succeeded; a broken counter only delays
		// compaction.
		s.logger.Warn("pending counter update failed", "err", err)
		pending = 0
	}
	return protocol.SequencedBatch{MutationBatch: batch, SequenceNumber: id}, pending, nil
}

// AppendSummary replaces the current summary with one taken at seq, then
// trims the log. The pointer only ever moves forward: the swap is a
// compare-and-set against the pointer value read at the start, so two
// processes compacting concurrently cannot regress the checkpoint past
// entries a newer summary already trimmed away. The losing summary gets
// ErrStaleSummary. The pointer is persisted strictly before the trim: a
// crash in between leaves stale already-summarized entries behind, which is
// safe, whereas the reverse order could lose data.
func (s *Sequencer) AppendSummary(ctx context.Context, clientID int64, seq string, payload []byte) error {
	for {
		prev, prevRaw, err := s.pointerRaw(ctx)
		if errors.Is(err, ErrNotInitialized) {
			prev = summaryPointer{SequenceNumber: stream.MinID}
			prevRaw = ""
		} else if err != nil {
			return err
		}
		if stream.CompareIDs(seq, prev.SequenceNumber) <= 0 {
			return fmt.Errorf("summary at %s vs checkpoint %s: %w", seq, prev.SequenceNumber, ErrStaleSummary)
		}
		sig := objstore.Signature{Name: "collabsync", Date: time.Now().UTC()}
		ptr, err := s.writeSummaryObjects(ctx, clientID, seq, payload, prev.Commit, sig)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ptr)
		if err != nil {
			return fmt.Errorf("encode summary pointer: %w", err)
		}
		swapped, err := s.log.CompareAndSwap(ctx, s.summaryKey(), prevRaw, string(raw))
		if err != nil {
			return fmt.Errorf("replace summary: %w", err)
		}
		if !swapped {
			// Another process moved the pointer first; re-read and
			// re-check against the new checkpoint.
			continue
		}
		if err := s.log.Set(ctx, s.pendingKey(), "0"); err != nil {
			s.logger.Warn("pending counter reset failed", "err", err)
		}
		if err := s.log.Trim(ctx, s.opsStream(), stream.NextID(seq)); err != nil {
			// Retried implicitly on the next compaction cycle.
			s.logger.Warn("log trim failed", "seq", seq, "err", err)
			return nil
		}
		s.logger.Info("summary appended", "seq", seq, "commit", ptr.Commit)
		return nil
	}
}

// MessagesSinceLastSummary is the catch-up primitive: the current summary and
// every op sequenced after it. A joining client's starting state is always
// apply(summary, ops), never a full history replay.
func (s *Sequencer) MessagesSinceLastSummary(ctx context.Context) (protocol.Summary, []protocol.SequencedBatch, error) {
	ptr, err := s.pointer(ctx)
	if err != nil {
		return protocol.Summary{}, nil, err
	}
	payload, err := s.objects.GetBlob(ctx, ptr.Blob)
	if err != nil {
		return protocol.Summary{}, nil, fmt.Errorf("load summary payload: %w", err)
	}
	from := stream.MinID
	if ptr.SequenceNumber != stream.MinID {
		from = "(" + ptr.SequenceNumber
	}
	entries, err := s.log.Range(ctx, s.opsStream(), from, stream.MaxID)
	if err != nil {
		return protocol.Summary{}, nil, fmt.Errorf("read ops: %w", err)
	}
	ops := make([]protocol.SequencedBatch, 0, len(entries))
	for _, e := range entries {
		var batch protocol.MutationBatch
		if err := json.Unmarshal([]byte(e.Fields["data"]), &batch); err != nil {
			s.logger.Warn("skipping undecodable log entry", "id", e.ID, "err", err)
			continue
		}
		ops = append(ops, protocol.SequencedBatch{MutationBatch: batch, SequenceNumber: e.ID})
	}
	summary := protocol.Summary{
		ClientID:       ptr.ClientID,
		SequenceNumber: ptr.SequenceNumber,
		Payload:        payload,
	}
	return summary, ops, nil
}

// CurrentCommit returns the commit sha of the current summary, exposing the
// document's snapshot lineage.
func (s *Sequencer) CurrentCommit(ctx context.Context) (string, error) {
	ptr, err := s.pointer(ctx)
	if err != nil {
		return "", err
	}
	return ptr.Commit, nil
}

func (s *Sequencer) pointer(ctx context.Context) (summaryPointer, error) {
	ptr, _, err := s.pointerRaw(ctx)
	return ptr, err
}

// pointerRaw also returns the stored encoding verbatim, the expected-value
// token for compare-and-set updates.
func (s *Sequencer) pointerRaw(ctx context.Context) (summaryPointer, string, error) {
	raw, err := s.log.Get(ctx, s.summaryKey())
	if errors.Is(err, stream.ErrNoKey) {
		return summaryPointer{}, "", ErrNotInitialized
	}
	if err != nil {
		return summaryPointer{}, "", fmt.Errorf("read summary pointer: %w", err)
	}
	var ptr summaryPointer
	if err := json.Unmarshal([]byte(raw), &ptr); err != nil {
		return summaryPointer{}, "", fmt.Errorf("decode summary pointer: %w", err)
	}
	return ptr, raw, nil
}

// writeSummaryObjects persists the snapshot payload as a blob wrapped in a
// one-entry tree and a commit whose parent is the previous summary's commit.
// Every document gets an auditable, deduplicated snapshot history this way.
func (s *Sequencer) writeSummaryObjects(ctx context.Context, clientID int64, seq string, payload []byte, parent string, sig objstore.Signature) (summaryPointer, error) {
	blob, err := s.objects.CreateBlob(ctx, payload)
	if err != nil {
		return summaryPointer{}, fmt.Errorf("store summary blob: %w", err)
	}
	tree, err := s.objects.CreateTree(ctx, []objstore.TreeEntry{
		{Path: "summary", Mode: "100644", Type: objstore.TypeBlob, SHA: blob},
	})
	if err != nil {
		return summaryPointer{}, fmt.Errorf("store summary tree: %w", err)
	}
	var parents []string
	if parent != "" {
		parents = []string{parent}
	}
	commit, err := s.objects.CreateCommit(ctx, objstore.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   fmt.Sprintf("summary of %s at %s", s.doc, seq),
	})
	if err != nil {
		return summaryPointer{}, fmt.Errorf("store summary commit: %w", err)
	}
	return summaryPointer{
		ClientID:       clientID,
		SequenceNumber: seq,
		Blob:           blob,
		Commit:         commit,
	}, nil
}
