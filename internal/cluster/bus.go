// Package cluster makes broadcast work across server processes that share no
// memory. Every process publishes onto one shared stream of the durable log
// and runs a single poller that dispatches entries to whichever local
// namespace handler matches the routing key. Delivery is at-least-once and
// ordered per stream, never per document; a process that was not polling at
// publish time simply never sees those messages. Catch-up is not this
// layer's job.
package cluster

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"collabsync/internal/stream"
)

const (
	streamName     = "cluster:events"
	pollBlock      = 5 * time.Second
	pollRetryDelay = time.Second
)

// ErrRequestTimeout is returned by Request when no process answered in time.
var ErrRequestTimeout = errors.New("cluster: request timed out")

// Envelope is one cluster message.
type Envelope struct {
	Namespace  string
	Kind       string
	From       string // publishing process id
	To         string // optional target process filter
	RequestID  string // correlation id for request/response pairs
	IsResponse bool
	// Except is an opaque routing hint naming one recipient the handler
	// should skip, in "<process>/<client>" form. Only the named process
	// can act on it.
	Except  string
	Payload []byte
}

// Handler receives envelopes routed to a namespace, including the ones this
// process published itself.
type Handler func(env Envelope)

// Bus is the per-process fan-out adapter.
type Bus struct {
	log       stream.Log
	processID string
	logger    *slog.Logger

	handlers *xsync.MapOf[string, Handler]
	pending  *xsync.MapOf[string, chan Envelope]

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(log stream.Log, processID string, logger *slog.Logger) *Bus {
	return &Bus{
		log:       log,
		processID: processID,
		logger:    logger.With("component", "cluster", "process", processID),
		handlers:  xsync.NewMapOf[string, Handler](),
		pending:   xsync.NewMapOf[string, chan Envelope](),
	}
}

func (b *Bus) ProcessID() string { return b.processID }

// Register installs the handler for a namespace. The poller starts with the
// first registration, reading from the live tail of the stream: history is
// intentionally not replayed.
func (b *Bus) Register(ns string, h Handler) {
	b.handlers.Store(ns, h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		// Take the cursor before returning, so anything published after
		// Register is guaranteed a polling reader.
		cursor, err := b.log.TailID(ctx, streamName)
		if err != nil {
			b.logger.Warn("tail lookup failed, starting from origin", "err", err)
			cursor = "0-0"
		}
		b.cancel = cancel
		b.stopped = make(chan struct{})
		go b.poll(ctx, cursor, b.stopped)
	}
}

// Unregister removes a namespace handler and lets the poller stop once no
// namespace remains registered.
func (b *Bus) Unregister(ns string) {
	b.handlers.Delete(ns)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers.Size() == 0 && b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// Close stops the poller regardless of registrations.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// Broadcast publishes an envelope to every polling process, including this
// one: local members receive it through the same path as remote ones.
func (b *Bus) Broadcast(ctx context.Context, ns, kind string, payload []byte) error {
	return b.publish(ctx, Envelope{Namespace: ns, Kind: kind, Payload: payload})
}

// BroadcastExcept is Broadcast with an exclusion hint for one recipient.
func (b *Bus) BroadcastExcept(ctx context.Context, ns, kind string, payload []byte, except string) error {
	return b.publish(ctx, Envelope{Namespace: ns, Kind: kind, Payload: payload, Except: except})
}

// Request publishes a request envelope and waits for the first response
// carrying the same correlation id, from any process.
func (b *Bus) Request(ctx context.Context, ns, kind string, payload []byte, timeout time.Duration) (Envelope, error) {
	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	b.pending.Store(id, ch)
	defer b.pending.Delete(id)
	err := b.publish(ctx, Envelope{Namespace: ns, Kind: kind, RequestID: id, Payload: payload})
	if err != nil {
		return Envelope{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Respond answers a request envelope. The response is addressed to the
// requesting process only.
func (b *Bus) Respond(ctx context.Context, req Envelope, kind string, payload []byte) error {
	return b.publish(ctx, Envelope{
		Namespace:  req.Namespace,
		Kind:       kind,
		To:         req.From,
		RequestID:  req.RequestID,
		IsResponse: true,
		Payload:    payload,
	})
}

func (b *Bus) publish(ctx context.Context, env Envelope) error {
	env.From = b.processID
	if _, err := b.log.Append(ctx, streamName, encodeEnvelope(env)); err != nil {
		return fmt.Errorf("publish %s/%s: %w", env.Namespace, env.Kind, err)
	}
	return nil
}

func (b *Bus) poll(ctx context.Context, cursor string, stopped chan struct{}) {
	defer close(stopped)
	for {
		entries, err := b.log.BlockingRead(ctx, streamName, cursor, pollBlock)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, stream.ErrReadTimeout) {
			continue
		}
		if err != nil {
			// Transient store failure: keep polling, log each miss.
			b.logger.Warn("poll failed", "err", err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, e := range entries {
			cursor = e.ID
			env, err := decodeEnvelope(e)
			if err != nil {
				b.logger.Warn("dropping undecodable entry", "id", e.ID, "err", err)
				continue
			}
			b.dispatch(env)
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	if env.To != "" && env.To != b.processID {
		return
	}
	if env.IsResponse {
		if ch, ok := b.pending.LoadAndDelete(env.RequestID); ok {
			ch <- env
		}
		return
	}
	if h, ok := b.handlers.Load(env.Namespace); ok {
		h(env)
	}
}

func encodeEnvelope(env Envelope) map[string]string {
	fields := map[string]string{
		"ns":   env.Namespace,
		"kind": env.Kind,
		"from": env.From,
	}
	if env.To != "" {
		fields["to"] = env.To
	}
	if env.Except != "" {
		fields["except"] = env.Except
	}
	if env.RequestID != "" {
		fields["req"] = env.RequestID
		if env.IsResponse {
			fields["rtype"] = "resp"
		} else {
			fields["rtype"] = "req"
		}
	}
	// Byte-safe encoding only when needed: JSON-safe payloads pass through
	// as text.
	if utf8.Valid(env.Payload) {
		fields["payload"] = string(env.Payload)
		fields["enc"] = "text"
	} else {
		fields["payload"] = base64.StdEncoding.EncodeToString(env.Payload)
		fields["enc"] = "base64"
	}
	return fields
}

func decodeEnvelope(e stream.Entry) (Envelope, error) {
	env := Envelope{
		Namespace:  e.Fields["ns"],
		Kind:       e.Fields["kind"],
		From:       e.Fields["from"],
		To:         e.Fields["to"],
		Except:     e.Fields["except"],
		RequestID:  e.Fields["req"],
		IsResponse: e.Fields["rtype"] == "resp",
	}
	if env.Namespace == "" {
		return Envelope{}, fmt.Errorf("entry %s has no namespace", e.ID)
	}
	switch e.Fields["enc"] {
	case "", "text":
		env.Payload = []byte(e.Fields["payload"])
	case "base64":
		raw, err := base64.StdEncoding.DecodeString(e.Fields["payload"])
		if err != nil {
			return Envelope{}, fmt.Errorf("entry %s payload: %w", e.ID, err)
		}
		env.Payload = raw
	default:
		return Envelope{}, fmt.Errorf("entry %s has unknown encoding %q", e.ID, e.Fields["enc"])
	}
	return env, nil
}
