// Package wire defines the JSON messages exchanged between sync clients and
// the server over a persistent websocket connection.
package wire

import (
	"encoding/json"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
)

// Message types, client to server.
const (
	MsgOperation       = "operation"
	MsgHeartbeat       = "heartbeat"
	MsgCursorUpdate    = "cursor_update"
	MsgEditing         = "editing"
	MsgSnapshotRequest = "snapshot_request"
)

// Message types, server to client. MsgOperation is used in both directions.
const (
	MsgSessionEstablished = "session_established"
	MsgPresence           = "presence"
	MsgSnapshot           = "snapshot"
	MsgError              = "error"
)

// Error codes carried by MsgError.
const (
	CodeAuthFailed       = "auth_failed"
	CodeInvalidOperation = "invalid_operation"
	CodeConflict         = "conflict"
	CodeUnknownDocument  = "unknown_document"
)

// Presence event names carried by MsgPresence.
const (
	PresenceJoin         = "join"
	PresenceLeave        = "leave"
	PresenceCursor       = "cursor"
	PresenceStartEditing = "start_editing"
	PresenceStopEditing  = "stop_editing"
)

// Actor describes a connected user in a presence roster.
type Actor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	NodeID string `json:"node_id,omitempty"`
	Pos    int    `json:"position,omitempty"`
}

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type        string            `json:"type"`
	OperationID string            `json:"operation_id,omitempty"`
	OpType      doc.OpType        `json:"op_type,omitempty"`
	TargetID    string            `json:"target_id,omitempty"`
	Payload     doc.Payload       `json:"payload,omitempty"`
	ClientTS    time.Time         `json:"client_ts,omitempty"`
	TS          time.Time         `json:"ts,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`
	Position    int               `json:"position,omitempty"`
	Active      bool              `json:"active,omitempty"`
	Clock       map[string]uint64 `json:"clock,omitempty"`
	LastSeq     int64             `json:"last_sequence,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type        string            `json:"type"`
	SessionID   string            `json:"session_id,omitempty"`
	Sequence    int64             `json:"sequence,omitempty"`
	Operation   *doc.Operation    `json:"operation,omitempty"`
	Event       string            `json:"event,omitempty"`
	Actor       *Actor            `json:"actor,omitempty"`
	Roster      []Actor           `json:"roster,omitempty"`
	Clock       map[string]uint64 `json:"clock,omitempty"`
	Document    *doc.Document     `json:"document,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
}

// ToOperation converts a client operation message to a document operation.
func (m ClientMessage) ToOperation(actor string) *doc.Operation {
	return &doc.Operation{
		ID:          m.OperationID,
		Type:        m.OpType,
		TargetID:    m.TargetID,
		Payload:     m.Payload,
		OriginActor: actor,
		CreatedAt:   m.ClientTS,
	}
}

// OperationMessage wraps a local operation for transmission.
func OperationMessage(op *doc.Operation) ClientMessage {
	return ClientMessage{
		Type:        MsgOperation,
		OperationID: op.ID,
		OpType:      op.Type,
		TargetID:    op.TargetID,
		Payload:     op.Payload,
		ClientTS:    op.CreatedAt,
	}
}

// Encode serializes a ClientMessage to JSON bytes.
func (m ClientMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
