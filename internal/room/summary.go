package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabsync/internal/cluster"
	"collabsync/internal/ordering"
	"collabsync/internal/protocol"
)

// runSummaryLoop asks one connected client at a time for a full-state
// snapshot and lands the first successful one as the new compaction
// checkpoint. Retries are iterative with capped exponential backoff and a
// maximum attempt count; a failed round-trip never corrupts the log, so
// giving up only means the ops log keeps growing until the next trigger.
func (r *Room) runSummaryLoop() {
	defer r.summaryInFlight.Store(false)
	ctx := context.Background()
	backoff := r.cfg.SummaryBackoff
	for attempt := 1; attempt <= r.cfg.SummaryMaxAttempts; attempt++ {
		err := r.attemptSummary(ctx)
		if err == nil {
			r.metrics.Compactions.Inc()
			return
		}
		if errors.Is(err, errRoomEmpty) {
			r.logger.Info("summary abandoned, no clients to ask")
			return
		}
		if errors.Is(err, ordering.ErrStaleSummary) {
			// Another process compacted first; its checkpoint already
			// covers ours.
			r.logger.Info("summary superseded by a newer checkpoint")
			return
		}
		r.metrics.CompactionFailures.Inc()
		r.logger.Warn("summary attempt failed", "attempt", attempt, "err", err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > r.cfg.SummaryBackoffCap {
			backoff = r.cfg.SummaryBackoffCap
		}
	}
	r.logger.Error("summary attempts exhausted", "attempts", r.cfg.SummaryMaxAttempts)
}

func (r *Room) attemptSummary(ctx context.Context) error {
	var res protocol.SummaryResult
	if sess := r.randomSession(); sess != nil {
		var err error
		res, err = r.collectLocal(ctx, sess)
		if err != nil {
			return err
		}
	} else {
		// No local clients: ask whichever process has some. The remote
		// side runs its own client round-trip inside this window.
		env, err := r.bus.Request(ctx, r.ns, kindSummaryNeeded, nil, 2*r.cfg.SummaryTimeout)
		if errors.Is(err, cluster.ErrRequestTimeout) && r.randomSession() == nil {
			return errRoomEmpty
		}
		if err != nil {
			return fmt.Errorf("remote summary request: %w", err)
		}
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return fmt.Errorf("decode remote summary: %w", err)
		}
	}
	if res.Error != "" {
		return fmt.Errorf("client rejected summary request: %s", res.Error)
	}
	return r.seq.AppendSummary(ctx, res.ClientID, res.SequenceNumber, res.Payload)
}

// collectLocal runs one request/acknowledge round-trip against a local client
// with a bounded timeout.
func (r *Room) collectLocal(ctx context.Context, sess *Session) (protocol.SummaryResult, error) {
	ch := make(chan protocol.SummaryResult, 1)
	if !sess.beginSummary(ch) {
		return protocol.SummaryResult{}, fmt.Errorf("client %d already serving a summary request", sess.info.ClientID)
	}
	defer sess.endSummary()
	r.sendTo(sess, &protocol.ServerEvent{Kind: protocol.EventSummaryRequested})
	timer := time.NewTimer(r.cfg.SummaryTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		res.ClientID = sess.info.ClientID
		return res, nil
	case <-timer.C:
		return protocol.SummaryResult{}, ErrSummaryTimeout
	case <-ctx.Done():
		return protocol.SummaryResult{}, ctx.Err()
	}
}

// serveSummaryRequest answers another process's summaryNeeded request using
// one of this process's clients. With no local clients the request is left
// unanswered and the requester times out.
func (r *Room) serveSummaryRequest(env cluster.Envelope) {
	sess := r.randomSession()
	if sess == nil {
		return
	}
	ctx := context.Background()
	res, err := r.collectLocal(ctx, sess)
	if err != nil {
		res = protocol.SummaryResult{Error: err.Error()}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		r.logger.Error("encode summary result", "err", err)
		return
	}
	if err := r.bus.Respond(ctx, env, kindSummaryResult, raw); err != nil {
		r.logger.Warn("summary response failed", "err", err)
	}
}
