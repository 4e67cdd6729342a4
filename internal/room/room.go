// Package room coordinates the live client sessions of one document: it owns
// presence and chat, forwards mutation batches to the ordering service,
// fans sequenced batches out across the cluster and drives compaction.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/internal/cluster"
	"collabsync/internal/ordering"
	"collabsync/internal/protocol"
	"collabsync/internal/stream"
)

const (
	kindEvent         = "event"
	kindSummaryNeeded = "summaryNeeded"
	kindSummaryResult = "summaryResult"
)

var (
	// ErrSummaryTimeout means the chosen client did not answer a summary
	// request in time.
	ErrSummaryTimeout = errors.New("room: summary request timed out")

	errRoomEmpty = errors.New("room: no connected clients")
)

// Config tunes a room's compaction policy.
type Config struct {
	// SummaryThreshold is the mutation count that triggers compaction.
	SummaryThreshold int64
	// SummaryTimeout bounds one summary request/acknowledge round-trip.
	SummaryTimeout time.Duration
	// SummaryMaxAttempts caps the compaction retry loop; exhausting it is
	// surfaced as an error-level log, never as data loss.
	SummaryMaxAttempts int
	// SummaryBackoff is the initial retry delay, doubled per attempt up to
	// SummaryBackoffCap.
	SummaryBackoff    time.Duration
	SummaryBackoffCap time.Duration
	// InitialPayload seeds the first summary of a document that has none.
	InitialPayload []byte
	// Assets, when set, supplies externally-managed asset metadata for the
	// join handshake. Opaque to this layer.
	Assets func(doc string) json.RawMessage
}

func DefaultConfig() Config {
	return Config{
		SummaryThreshold:   1000,
		SummaryTimeout:     5 * time.Second,
		SummaryMaxAttempts: 10,
		SummaryBackoff:     500 * time.Millisecond,
		SummaryBackoffCap:  10 * time.Second,
		InitialPayload:     []byte("{}"),
	}
}

// Room is the in-memory coordinator for one document's connected clients on
// this process. Rooms on other processes coordinate with it only through the
// durable log and the cluster bus.
type Room struct {
	doc     string
	ns      string
	seq     *ordering.Sequencer
	bus     *cluster.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	users map[int64]*Session

	summaryInFlight atomic.Bool
}

func newRoom(doc string, seq *ordering.Sequencer, bus *cluster.Bus, cfg Config, metrics *Metrics, logger *slog.Logger) *Room {
	r := &Room{
		doc:     doc,
		ns:      "room:" + doc,
		seq:     seq,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("room", doc),
		metrics: metrics,
		users:   make(map[int64]*Session),
	}
	return r
}

// handleCluster dispatches envelopes the bus routed to this room's namespace.
func (r *Room) handleCluster(env cluster.Envelope) {
	switch env.Kind {
	case kindEvent:
		r.fanOutLocal(env.Payload, r.localExclusion(env.Except))
	case kindSummaryNeeded:
		// Self-excluding: the requesting process asks its own clients
		// directly and only falls back to the bus when it has none.
		if env.From == r.bus.ProcessID() {
			return
		}
		go r.serveSummaryRequest(env)
	}
}

// Accept runs the join handshake and then serves the connection until it
// drops. The handshake (client id, catch-up data, connected users, assets)
// is sent before the session enters the live set, so the joining client never
// sees its own userJoined event.
func (r *Room) Accept(ctx context.Context, sess *Session, since string) error {
	summary, ops, err := r.catchUp(ctx)
	if err != nil {
		return fmt.Errorf("catch-up for client %d: %w", sess.info.ClientID, err)
	}
	join := protocol.JoinInfo{
		ClientID:       sess.info.ClientID,
		Summary:        summary,
		Ops:            ops,
		SequenceNumber: summary.SequenceNumber,
		Resync:         since != "" && stream.CompareIDs(since, summary.SequenceNumber) < 0,
	}
	if len(ops) > 0 {
		join.SequenceNumber = ops[len(ops)-1].SequenceNumber
	}
	if r.cfg.Assets != nil {
		join.Assets = r.cfg.Assets(r.doc)
	}

	r.mu.Lock()
	sess.info.Color = r.pickColorLocked(sess.info.ClientID)
	connected := make([]protocol.UserInfo, 0, len(r.users))
	for _, u := range r.users {
		info := u.info
		// Copy the presence map: the owner keeps mutating it after the
		// lock is released.
		if len(u.info.Presence) > 0 {
			info.Presence = make(map[string]json.RawMessage, len(u.info.Presence))
			for k, v := range u.info.Presence {
				info.Presence[k] = v
			}
		}
		connected = append(connected, info)
	}
	r.mu.Unlock()
	join.ConnectedUsers = connected

	raw, err := json.Marshal(&protocol.ServerEvent{Kind: protocol.EventJoined, Join: &join})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := sess.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	r.mu.Lock()
	first := len(r.users) == 0
	r.users[sess.info.ClientID] = sess
	r.mu.Unlock()
	if first {
		r.bus.Register(r.ns, r.handleCluster)
	}
	go sess.writePump()

	// The joiner already has its own info from the handshake; userJoined
	// goes to the rest of the room.
	info := sess.info
	r.broadcastEventExcept(ctx, &protocol.ServerEvent{Kind: protocol.EventUserJoined, User: &info}, sess.info.ClientID)
	r.logger.Info("client joined", "client", sess.info.ClientID, "user", sess.info.UserID)

	r.readPump(ctx, sess)
	return nil
}

// catchUp reads the current summary and the ops after it, lazily creating the
// initial summary for a document nobody has opened before.
func (r *Room) catchUp(ctx context.Context) (protocol.Summary, []protocol.SequencedBatch, error) {
	summary, ops, err := r.seq.MessagesSinceLastSummary(ctx)
	if errors.Is(err, ordering.ErrNotInitialized) {
		if err = r.seq.Init(ctx, r.cfg.InitialPayload); err != nil {
			return protocol.Summary{}, nil, err
		}
		summary, ops, err = r.seq.MessagesSinceLastSummary(ctx)
	}
	return summary, ops, err
}

func (r *Room) readPump(ctx context.Context, sess *Session) {
	defer r.handleDisconnect(ctx, sess)
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Warn("undecodable client message", "client", sess.info.ClientID, "err", err)
			continue
		}
		switch msg.Kind {
		case protocol.ClientSubmitMutations:
			if msg.Batch != nil {
				r.handleSubmitMutations(ctx, sess, *msg.Batch)
			}
		case protocol.ClientUpdatePresence:
			if msg.Presence != nil {
				r.handlePresence(ctx, sess, *msg.Presence)
			}
		case protocol.ClientSubmitSignal:
			if msg.Signal != nil {
				r.handleSignal(ctx, sess, *msg.Signal)
			}
		case protocol.ClientCreateChat:
			r.handleChat(ctx, sess, msg.Text)
		case protocol.ClientSummarySubmitted:
			if msg.Summary != nil {
				sess.deliverSummary(*msg.Summary)
			}
		default:
			r.logger.Warn("unknown client message kind", "kind", msg.Kind)
		}
	}
}

// handleSubmitMutations sequences a batch and broadcasts the result to the
// whole room, then checks the compaction threshold. An append failure is
// reported to the submitting client only: its mutation did not happen.
func (r *Room) handleSubmitMutations(ctx context.Context, sess *Session, batch protocol.MutationBatch) {
	sequenced, pending, err := r.seq.AppendOps(ctx, sess.info.ClientID, batch)
	if err != nil {
		r.logger.Error("append failed", "client", sess.info.ClientID, "err", err)
		r.sendTo(sess, &protocol.ServerEvent{
			Kind:  protocol.EventError,
			Error: &protocol.ErrorInfo{Message: "submission rejected: " + err.Error()},
		})
		return
	}
	r.metrics.Appends.Inc()
	r.broadcastEvent(ctx, &protocol.ServerEvent{Kind: protocol.EventMutationsSubmitted, Batch: &sequenced})
	if pending > r.cfg.SummaryThreshold && r.summaryInFlight.CompareAndSwap(false, true) {
		go r.runSummaryLoop()
	}
}

func (r *Room) handlePresence(ctx context.Context, sess *Session, update protocol.PresenceUpdate) {
	update.ClientID = sess.info.ClientID
	r.mu.Lock()
	if sess.info.Presence == nil {
		sess.info.Presence = make(map[string]json.RawMessage)
	}
	sess.info.Presence[update.Key] = update.Value
	r.mu.Unlock()
	r.broadcastEvent(ctx, &protocol.ServerEvent{Kind: protocol.EventPresenceUpdated, Presence: &update})
}

func (r *Room) handleSignal(ctx context.Context, sess *Session, sig protocol.Signal) {
	sig.ClientID = sess.info.ClientID
	r.broadcastEvent(ctx, &protocol.ServerEvent{Kind: protocol.EventSignal, Signal: &sig})
}

func (r *Room) handleChat(ctx context.Context, sess *Session, text string) {
	if text == "" {
		return
	}
	r.broadcastEvent(ctx, &protocol.ServerEvent{Kind: protocol.EventChatMessageCreated, Chat: &protocol.ChatMessage{
		ClientID:  sess.info.ClientID,
		Username:  sess.info.Username,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}})
}

func (r *Room) handleDisconnect(ctx context.Context, sess *Session) {
	r.mu.Lock()
	if _, ok := r.users[sess.info.ClientID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.users, sess.info.ClientID)
	close(sess.send)
	empty := len(r.users) == 0
	r.mu.Unlock()

	info := sess.info
	r.broadcastEvent(ctx, &protocol.ServerEvent{Kind: protocol.EventUserLeft, User: &info})
	r.logger.Info("client left", "client", sess.info.ClientID)
	if empty {
		r.bus.Unregister(r.ns)
	}
}

// broadcastEvent publishes to the cluster stream; local members receive it
// through the same poller path as members on other processes.
func (r *Room) broadcastEvent(ctx context.Context, ev *protocol.ServerEvent) {
	r.broadcastEventExcept(ctx, ev, 0)
}

func (r *Room) broadcastEventExcept(ctx context.Context, ev *protocol.ServerEvent, except int64) {
	raw, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode event", "kind", ev.Kind, "err", err)
		return
	}
	hint := ""
	if except != 0 {
		hint = fmt.Sprintf("%s/%d", r.bus.ProcessID(), except)
	}
	if err := r.bus.BroadcastExcept(ctx, r.ns, kindEvent, raw, hint); err != nil {
		r.logger.Error("broadcast failed", "kind", ev.Kind, "err", err)
		return
	}
	r.metrics.Broadcasts.Inc()
}

// localExclusion resolves an envelope's exclusion hint to a local client id,
// or zero when it names another process's client.
func (r *Room) localExclusion(hint string) int64 {
	if hint == "" {
		return 0
	}
	prefix := r.bus.ProcessID() + "/"
	if !strings.HasPrefix(hint, prefix) {
		return 0
	}
	id, err := strconv.ParseInt(hint[len(prefix):], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// fanOutLocal delivers one encoded event to every local member except skip.
// A member whose send buffer is full is dropped, the same way the write side
// drops a dead connection; the drop runs the full leave teardown so the rest
// of the room never keeps a ghost in its roster.
func (r *Room) fanOutLocal(payload []byte, skip int64) {
	r.mu.Lock()
	var dropped []*Session
	for id, sess := range r.users {
		if id == skip {
			continue
		}
		select {
		case sess.send <- payload:
		default:
			delete(r.users, id)
			close(sess.send)
			dropped = append(dropped, sess)
		}
	}
	empty := len(r.users) == 0
	r.mu.Unlock()

	for _, sess := range dropped {
		r.logger.Warn("dropping client, send buffer full", "client", sess.info.ClientID)
		info := sess.info
		r.broadcastEvent(context.Background(), &protocol.ServerEvent{Kind: protocol.EventUserLeft, User: &info})
	}
	if len(dropped) > 0 && empty {
		r.bus.Unregister(r.ns)
	}
}

func (r *Room) sendTo(sess *Session, ev *protocol.ServerEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode event", "kind", ev.Kind, "err", err)
		return
	}
	// Membership check under the lock: the session's channel is closed the
	// moment it leaves the live set.
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[sess.info.ClientID]; !ok {
		return
	}
	select {
	case sess.send <- raw:
	default:
	}
}

func (r *Room) randomSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) == 0 {
		return nil
	}
	n := rand.Intn(len(r.users))
	for _, sess := range r.users {
		if n == 0 {
			return sess
		}
		n--
	}
	return nil
}

var defaultPalette = []string{
	"#f44336", "#2196f3", "#4caf50", "#ff9800",
	"#9c27b0", "#00bcd4", "#ffeb3b", "#795548",
}

// pickColorLocked prefers a color no connected user holds; when the palette
// is exhausted it wraps around and reuses. A collision is cosmetic only.
func (r *Room) pickColorLocked(clientID int64) string {
	used := make(map[string]bool, len(r.users))
	for _, u := range r.users {
		used[u.info.Color] = true
	}
	for _, c := range defaultPalette {
		if !used[c] {
			return c
		}
	}
	return defaultPalette[int(clientID)%len(defaultPalette)]
}
