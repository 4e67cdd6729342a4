// Package protocol defines the wire types exchanged between clients, rooms and
// the cluster bus. Mutation and summary payloads are opaque to this layer; the
// document's domain model interprets them.
package protocol

import (
	"encoding/json"
	"time"
)

// MutationBatch is an unsequenced batch of opaque mutations submitted by one
// client against a document.
type MutationBatch struct {
	ClientID  int64             `json:"clientId"`
	Version   int64             `json:"version"`
	Mutations []json.RawMessage `json:"mutations"`
}

// SequencedBatch is a MutationBatch after the durable log has assigned it a
// sequence number. Immutable once issued; broadcast to all session members
// exactly as issued.
type SequencedBatch struct {
	MutationBatch
	SequenceNumber string `json:"sequenceNumber"`
}

// Summary is a full-state snapshot of a document at a sequence number, used as
// a compaction checkpoint. The sentinel sequence number "-" precedes all real
// entries and marks the initial summary.
type Summary struct {
	ClientID       int64           `json:"clientId"`
	SequenceNumber string          `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
}

// UserInfo describes one connected client as seen by the rest of the room.
type UserInfo struct {
	ClientID int64                      `json:"clientId"`
	UserID   string                     `json:"userId"`
	Username string                     `json:"username"`
	Color    string                     `json:"color"`
	Presence map[string]json.RawMessage `json:"presence,omitempty"`
}

// JoinInfo is the handshake sent to a client immediately after it connects,
// before it is added to the live session set.
type JoinInfo struct {
	ClientID       int64            `json:"clientId"`
	Summary        Summary          `json:"summary"`
	Ops            []SequencedBatch `json:"ops"`
	SequenceNumber string           `json:"sequenceNumber"`
	ConnectedUsers []UserInfo       `json:"connectedUsers"`
	Assets         json.RawMessage  `json:"assets,omitempty"`

	// Resync is set when the client presented a sequence offset older than
	// the log's trim point; it must discard local state and start from the
	// summary in this handshake.
	Resync bool `json:"resync,omitempty"`
}

// EventKind enumerates the server-to-client event kinds. The set is closed;
// EventExtension carries payloads of kinds this version does not know about.
type EventKind string

const (
	EventJoined             EventKind = "joined"
	EventUserJoined         EventKind = "userJoined"
	EventUserLeft           EventKind = "userLeft"
	EventMutationsSubmitted EventKind = "mutationsSubmitted"
	EventPresenceUpdated    EventKind = "presenceUpdated"
	EventSignal             EventKind = "signal"
	EventChatMessageCreated EventKind = "chatMessageCreated"
	EventSummaryRequested   EventKind = "summaryRequested"
	EventError              EventKind = "error"
	EventExtension          EventKind = "extension"
)

// ServerEvent is a tagged union: Kind selects which payload field is set.
type ServerEvent struct {
	Kind      EventKind       `json:"kind"`
	Join      *JoinInfo       `json:"join,omitempty"`
	User      *UserInfo       `json:"user,omitempty"`
	Batch     *SequencedBatch `json:"batch,omitempty"`
	Presence  *PresenceUpdate `json:"presence,omitempty"`
	Signal    *Signal         `json:"signal,omitempty"`
	Chat      *ChatMessage    `json:"chat,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Extension json.RawMessage `json:"extension,omitempty"`
}

// PresenceUpdate is an ephemeral, unordered, unpersisted presence change
// (cursor position, playback clock and the like).
type PresenceUpdate struct {
	ClientID int64           `json:"clientId"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

// Signal is an ephemeral fan-out event that is never persisted.
type Signal struct {
	ClientID int64           `json:"clientId"`
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
}

// ChatMessage is a room chat line. Chat is fan-out only, not part of the
// ordered mutation log.
type ChatMessage struct {
	ClientID  int64     `json:"clientId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorInfo is sent to exactly one client when its own operation was rejected.
type ErrorInfo struct {
	Message string `json:"message"`
}

// ClientMessageKind enumerates the client-to-server message kinds.
type ClientMessageKind string

const (
	ClientSubmitMutations  ClientMessageKind = "submitMutations"
	ClientUpdatePresence   ClientMessageKind = "updatePresence"
	ClientSubmitSignal     ClientMessageKind = "submitSignal"
	ClientCreateChat       ClientMessageKind = "createChatMessage"
	ClientSummarySubmitted ClientMessageKind = "summarySubmitted"
)

// ClientMessage is the tagged union of everything a client may send.
type ClientMessage struct {
	Kind     ClientMessageKind `json:"kind"`
	Batch    *MutationBatch    `json:"batch,omitempty"`
	Presence *PresenceUpdate   `json:"presence,omitempty"`
	Signal   *Signal           `json:"signal,omitempty"`
	Text     string            `json:"text,omitempty"`
	Summary  *SummaryResult    `json:"summary,omitempty"`
}

// SummaryResult is a client's answer to a summaryRequested frame. Error is set
// when the client could not produce a snapshot.
type SummaryResult struct {
	ClientID       int64           `json:"clientId"`
	SequenceNumber string          `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}
