package room

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"collabsync/internal/cluster"
	"collabsync/internal/objstore"
	"collabsync/internal/ordering"
	"collabsync/internal/protocol"
	"collabsync/internal/stream"
)

// Manager holds this process's rooms and turns incoming websocket upgrades
// into room sessions. Client ids are process-local and monotonically
// assigned; they are never reused within a process lifetime.
type Manager struct {
	log     stream.Log
	objects objstore.Store
	bus     *cluster.Bus
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger

	rooms        *xsync.MapOf[string, *Room]
	nextClientID atomic.Int64
	upgrader     websocket.Upgrader
}

func NewManager(log stream.Log, objects objstore.Store, bus *cluster.Bus, cfg Config, metrics *Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		log:     log,
		objects: objects,
		bus:     bus,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		rooms:   xsync.NewMapOf[string, *Room](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Room returns the live room for a document, creating it on first use.
func (m *Manager) Room(doc string) *Room {
	r, _ := m.rooms.LoadOrCompute(doc, func() *Room {
		seq := ordering.New(m.log, m.objects, doc, m.logger)
		return newRoom(doc, seq, m.bus, m.cfg, m.metrics, m.logger)
	})
	return r
}

// ServeWS upgrades the connection and joins it to the document's room.
// Identity comes from query parameters; authentication is an external
// concern.
func (m *Manager) ServeWS(w http.ResponseWriter, req *http.Request) {
	doc := mux.Vars(req)["doc"]
	if doc == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	userID := req.URL.Query().Get("user")
	if userID == "" {
		userID = uuid.NewString()
	}
	username := req.URL.Query().Get("name")
	if username == "" {
		username = "anonymous"
	}
	since := req.URL.Query().Get("since")

	conn, err := m.upgrader.Upgrade(w, req, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "doc", doc, "err", err)
		return
	}

	sess := newSession(protocol.UserInfo{
		ClientID: m.nextClientID.Add(1),
		UserID:   userID,
		Username: username,
	}, conn)

	// The request context dies with the HTTP handler; room operations
	// outlive individual reads, so they run on their own context.
	r := m.Room(doc)
	if err := r.Accept(context.Background(), sess, since); err != nil {
		m.logger.Error("join failed", "doc", doc, "err", err)
		conn.Close()
	}
}
