package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/cluster"
	"collabsync/internal/objstore"
	"collabsync/internal/ordering"
	"collabsync/internal/protocol"
	"collabsync/internal/stream"
)

type testBackend struct {
	log     stream.Log
	objects objstore.Store
}

func newBackend() *testBackend {
	return &testBackend{log: stream.NewMemoryLog(), objects: objstore.NewMemory()}
}

// newTestServer spins up one server process against the shared backend.
func newTestServer(t *testing.T, backend *testBackend, processID string, cfg Config) *httptest.Server {
	t.Helper()
	logger := slog.Default()
	bus := cluster.New(backend.log, processID, logger)
	t.Cleanup(bus.Close)
	metrics := NewMetrics(prometheus.NewRegistry())
	mgr := NewManager(backend.log, backend.objects, bus, cfg, metrics, logger)
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", mgr.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SummaryTimeout = 300 * time.Millisecond
	cfg.SummaryBackoff = 10 * time.Millisecond
	cfg.SummaryBackoffCap = 50 * time.Millisecond
	cfg.SummaryMaxAttempts = 12
	return cfg
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	join   protocol.JoinInfo
	events chan protocol.ServerEvent
}

func dial(t *testing.T, srv *httptest.Server, doc, name string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + doc + "?name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var first protocol.ServerEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, protocol.EventJoined, first.Kind)
	require.NotNil(t, first.Join)

	c := &testClient{t: t, conn: conn, join: *first.Join, events: make(chan protocol.ServerEvent, 64)}
	go func() {
		for {
			var ev protocol.ServerEvent
			if err := conn.ReadJSON(&ev); err != nil {
				close(c.events)
				return
			}
			c.events <- ev
		}
	}()
	return c
}

func (c *testClient) send(msg protocol.ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testClient) submit(muts ...string) {
	raw := make([]json.RawMessage, len(muts))
	for i, m := range muts {
		raw[i] = json.RawMessage(m)
	}
	c.send(protocol.ClientMessage{
		Kind:  protocol.ClientSubmitMutations,
		Batch: &protocol.MutationBatch{Mutations: raw},
	})
}

// waitFor discards events until one of the wanted kind arrives.
func (c *testClient) waitFor(kind protocol.EventKind) protocol.ServerEvent {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("no %s event in time", kind)
		}
	}
}

// summarize runs a client that answers summary requests with the given
// payload, tagged with the latest sequence number it has observed.
func (c *testClient) summarize(payload string) {
	go func() {
		lastSeq := c.join.SequenceNumber
		pending := false
		reply := func() {
			c.conn.WriteJSON(protocol.ClientMessage{
				Kind: protocol.ClientSummarySubmitted,
				Summary: &protocol.SummaryResult{
					SequenceNumber: lastSeq,
					Payload:        json.RawMessage(payload),
				},
			})
		}
		for ev := range c.events {
			switch ev.Kind {
			case protocol.EventMutationsSubmitted:
				lastSeq = ev.Batch.SequenceNumber
				if pending {
					reply()
					pending = false
				}
			case protocol.EventSummaryRequested:
				// A snapshot only makes sense at a real sequence
				// point; wait for the first sequenced batch.
				if lastSeq == stream.MinID {
					pending = true
					continue
				}
				reply()
			}
		}
	}()
}

func TestTwoClientsConverge(t *testing.T) {
	backend := newBackend()
	srv := newTestServer(t, backend, "proc-a", testConfig())

	a := dial(t, srv, "doc", "alice")
	b := dial(t, srv, "doc", "bob")
	require.NotEqual(t, a.join.ClientID, b.join.ClientID)
	assert.Equal(t, stream.MinID, a.join.Summary.SequenceNumber)
	assert.Empty(t, a.join.Ops)

	a.submit(`{"op":"m1"}`)
	b.submit(`{"op":"m2"}`)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := a.waitFor(protocol.EventMutationsSubmitted)
		seen[ev.Batch.SequenceNumber] = true
		ev = b.waitFor(protocol.EventMutationsSubmitted)
		seen[ev.Batch.SequenceNumber] = true
	}
	assert.Len(t, seen, 2, "both batches carry distinct sequence numbers")

	// A third client catches up from the initial summary plus both ops.
	c := dial(t, srv, "doc", "carol")
	require.Len(t, c.join.Ops, 2)
	assert.Equal(t, -1, stream.CompareIDs(c.join.Ops[0].SequenceNumber, c.join.Ops[1].SequenceNumber))
	assert.Equal(t, c.join.Ops[1].SequenceNumber, c.join.SequenceNumber)
}

func TestJoinHandshakePrecedesMembership(t *testing.T) {
	backend := newBackend()
	srv := newTestServer(t, backend, "proc-a", testConfig())

	a := dial(t, srv, "doc", "alice")
	assert.Empty(t, a.join.ConnectedUsers)

	b := dial(t, srv, "doc", "bob")
	require.Len(t, b.join.ConnectedUsers, 1)
	assert.Equal(t, a.join.ClientID, b.join.ConnectedUsers[0].ClientID)
	assert.NotEqual(t, "", b.join.ConnectedUsers[0].Color)

	// The earlier member sees the join as an event; the joiner does not
	// see its own.
	ev := a.waitFor(protocol.EventUserJoined)
	assert.Equal(t, b.join.ClientID, ev.User.ClientID)
}

func TestPresenceChatAndSignalFanOut(t *testing.T) {
	backend := newBackend()
	srv := newTestServer(t, backend, "proc-a", testConfig())

	a := dial(t, srv, "doc", "alice")
	b := dial(t, srv, "doc", "bob")

	a.send(protocol.ClientMessage{Kind: protocol.ClientUpdatePresence, Presence: &protocol.PresenceUpdate{
		Key: "cursor", Value: json.RawMessage(`{"x":4}`),
	}})
	ev := b.waitFor(protocol.EventPresenceUpdated)
	assert.Equal(t, a.join.ClientID, ev.Presence.ClientID)
	assert.Equal(t, "cursor", ev.Presence.Key)

	a.send(protocol.ClientMessage{Kind: protocol.ClientSubmitSignal, Signal: &protocol.Signal{
		Key: "clock", Data: json.RawMessage(`123`),
	}})
	ev = b.waitFor(protocol.EventSignal)
	assert.Equal(t, "clock", ev.Signal.Key)

	a.send(protocol.ClientMessage{Kind: protocol.ClientCreateChat, Text: "hello"})
	ev = b.waitFor(protocol.EventChatMessageCreated)
	assert.Equal(t, "hello", ev.Chat.Text)
	assert.Equal(t, "alice", ev.Chat.Username)

	// Presence lands in the join handshake of later members.
	a.waitFor(protocol.EventPresenceUpdated)
	c := dial(t, srv, "doc", "carol")
	var aInfo *protocol.UserInfo
	for i := range c.join.ConnectedUsers {
		if c.join.ConnectedUsers[i].ClientID == a.join.ClientID {
			aInfo = &c.join.ConnectedUsers[i]
		}
	}
	require.NotNil(t, aInfo)
	assert.JSONEq(t, `{"x":4}`, string(aInfo.Presence["cursor"]))
}

func TestCompactionUnderLoad(t *testing.T) {
	backend := newBackend()
	cfg := testConfig()
	cfg.SummaryThreshold = 0
	srv := newTestServer(t, backend, "proc-a", cfg)

	a := dial(t, srv, "doc", "alice")
	a.summarize(`{"state":"compacted"}`)
	a.submit(`{"op":"m1"}`)

	check := ordering.New(backend.log, backend.objects, "doc", slog.Default())
	require.Eventually(t, func() bool {
		summary, _, err := check.MessagesSinceLastSummary(context.Background())
		return err == nil && summary.SequenceNumber != stream.MinID
	}, 5*time.Second, 20*time.Millisecond, "compaction never landed")

	// Joins after compaction get the new summary and no pre-compaction ops.
	b := dial(t, srv, "doc", "bob")
	assert.JSONEq(t, `{"state":"compacted"}`, string(b.join.Summary.Payload))
	assert.Empty(t, b.join.Ops)
	assert.NotEqual(t, stream.MinID, b.join.Summary.SequenceNumber)
}

func TestSummaryFailureFallsBackToAnotherClient(t *testing.T) {
	backend := newBackend()
	cfg := testConfig()
	cfg.SummaryThreshold = 0
	srv := newTestServer(t, backend, "proc-a", cfg)

	// alice never answers summary requests; bob does.
	a := dial(t, srv, "doc", "alice")
	b := dial(t, srv, "doc", "bob")
	b.summarize(`{"state":"from-bob"}`)

	a.submit(`{"op":"m1"}`)

	check := ordering.New(backend.log, backend.objects, "doc", slog.Default())
	require.Eventually(t, func() bool {
		summary, _, err := check.MessagesSinceLastSummary(context.Background())
		return err == nil && summary.SequenceNumber != stream.MinID
	}, 10*time.Second, 20*time.Millisecond, "no summary despite a healthy client")

	summary, _, err := check.MessagesSinceLastSummary(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"from-bob"}`, string(summary.Payload))
	assert.Equal(t, b.join.ClientID, summary.ClientID)
}

func TestCrossProcessBroadcast(t *testing.T) {
	backend := newBackend()
	srv1 := newTestServer(t, backend, "proc-a", testConfig())
	srv2 := newTestServer(t, backend, "proc-b", testConfig())

	a := dial(t, srv1, "doc", "alice")
	b := dial(t, srv2, "doc", "bob")

	a.submit(`{"op":"cross"}`)

	got := b.waitFor(protocol.EventMutationsSubmitted)
	require.Len(t, got.Batch.Mutations, 1)
	assert.JSONEq(t, `{"op":"cross"}`, string(got.Batch.Mutations[0]))
	assert.Equal(t, a.join.ClientID, got.Batch.ClientID)

	// Chat crosses processes the same way.
	b.send(protocol.ClientMessage{Kind: protocol.ClientCreateChat, Text: "hi from b"})
	ev := a.waitFor(protocol.EventChatMessageCreated)
	assert.Equal(t, "hi from b", ev.Chat.Text)
}

// A member dropped for a full send buffer must leave the room the same way a
// disconnect does: userLeft for the others and a bus unregister when the room
// empties, even though its read loop only notices later.
func TestBufferFullDropRunsLeaveTeardown(t *testing.T) {
	backend := newBackend()
	logger := slog.Default()
	bus := cluster.New(backend.log, "proc-a", logger)
	t.Cleanup(bus.Close)

	seq := ordering.New(backend.log, backend.objects, "drop-doc", logger)
	r := newRoom("drop-doc", seq, bus, testConfig(), NewMetrics(prometheus.NewRegistry()), logger)

	sess := newSession(protocol.UserInfo{ClientID: 7, UserID: "u-slow", Username: "slow"}, nil)
	r.mu.Lock()
	r.users[sess.info.ClientID] = sess
	r.mu.Unlock()
	bus.Register(r.ns, r.handleCluster)

	watcher := cluster.New(backend.log, "proc-b", logger)
	t.Cleanup(watcher.Close)
	left := make(chan protocol.UserInfo, 1)
	watcher.Register(r.ns, func(env cluster.Envelope) {
		var ev protocol.ServerEvent
		if json.Unmarshal(env.Payload, &ev) == nil && ev.Kind == protocol.EventUserLeft {
			left <- *ev.User
		}
	})

	for i := 0; i < cap(sess.send); i++ {
		sess.send <- []byte("fill")
	}
	r.fanOutLocal([]byte("overflow"), 0)

	select {
	case info := <-left:
		assert.Equal(t, int64(7), info.ClientID)
	case <-time.After(3 * time.Second):
		t.Fatal("no userLeft broadcast after the buffer-full drop")
	}

	r.mu.Lock()
	assert.Empty(t, r.users)
	r.mu.Unlock()

	// The read loop's own exit finds the session already gone and must not
	// close the channel twice or broadcast a second leave.
	r.handleDisconnect(context.Background(), sess)
}

func TestStaleOffsetForcesResync(t *testing.T) {
	backend := newBackend()
	cfg := testConfig()
	cfg.SummaryThreshold = 0
	srv := newTestServer(t, backend, "proc-a", cfg)

	a := dial(t, srv, "doc", "alice")
	a.summarize(`{"state":"new"}`)
	a.submit(`{"op":"m1"}`)

	check := ordering.New(backend.log, backend.objects, "doc", slog.Default())
	require.Eventually(t, func() bool {
		summary, _, err := check.MessagesSinceLastSummary(context.Background())
		return err == nil && summary.SequenceNumber != stream.MinID
	}, 5*time.Second, 20*time.Millisecond)

	// A client whose local offset predates the trim point is told to
	// discard its state.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc?name=old&since=0-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	var first protocol.ServerEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, protocol.EventJoined, first.Kind)
	assert.True(t, first.Join.Resync)
}
