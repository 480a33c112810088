package server

import (
	"context"
	"log"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/store"
	"github.com/alimasry/go-mindmap-sync/wire"
)

type clientMessage struct {
	client *Client
	msg    wire.ClientMessage
}

// DocSession manages collaboration for a single document. It owns the
// authoritative snapshot and the sequence counter; all operations are
// serialized through a single goroutine, which is what makes the assigned
// sequence a total order.
type DocSession struct {
	docID   string
	doc     *doc.Document
	store   store.DocumentStore
	clients map[*Client]bool

	// seen maps operation ids to their sequenced form. Redelivered
	// operations are answered from here instead of being applied twice.
	seen map[string]*doc.Operation

	incoming chan clientMessage
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
}

func newDocSession(docID string, d *doc.Document, history []*doc.Operation, st store.DocumentStore) *DocSession {
	seen := make(map[string]*doc.Operation, len(history))
	for _, op := range history {
		seen[op.ID] = op
	}
	return &DocSession{
		docID:    docID,
		doc:      d,
		store:    st,
		clients:  make(map[*Client]bool),
		seen:     seen,
		incoming: make(chan clientMessage, 64),
		join:     make(chan *Client, 16),
		leave:    make(chan *Client, 16),
		stop:     make(chan struct{}),
	}
}

// Run is the session's main loop. It serializes all operations.
func (s *DocSession) Run() {
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case cm := <-s.incoming:
			s.handleMessage(cm)
		case <-s.stop:
			return
		}
	}
}

func (s *DocSession) handleJoin(c *Client) {
	s.clients[c] = true
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	// Establish the session, then hand over the authoritative state and the
	// current roster.
	c.sendMsg(wire.ServerMessage{
		Type:      wire.MsgSessionEstablished,
		SessionID: c.ID,
		Sequence:  s.doc.Seq,
	})
	c.sendMsg(wire.ServerMessage{
		Type:     wire.MsgSnapshot,
		Sequence: s.doc.Seq,
		Document: s.doc.Clone(),
	})
	c.sendMsg(wire.ServerMessage{
		Type:   wire.MsgPresence,
		Roster: s.roster(),
	})

	// Notify other clients about the new actor.
	actor := c.actor()
	for other := range s.clients {
		if other != c {
			other.sendMsg(wire.ServerMessage{
				Type:  wire.MsgPresence,
				Event: wire.PresenceJoin,
				Actor: &actor,
			})
		}
	}
}

func (s *DocSession) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)

	actor := c.actor()
	for other := range s.clients {
		other.sendMsg(wire.ServerMessage{
			Type:  wire.MsgPresence,
			Event: wire.PresenceLeave,
			Actor: &actor,
		})
	}
}

func (s *DocSession) handleMessage(cm clientMessage) {
	cm.client.lastSeen = time.Now()
	switch cm.msg.Type {
	case wire.MsgOperation:
		s.handleOperation(cm)
	case wire.MsgHeartbeat:
		// lastSeen is already refreshed; nothing to relay.
	case wire.MsgCursorUpdate:
		s.handleCursor(cm)
	case wire.MsgEditing:
		s.handleEditing(cm)
	case wire.MsgSnapshotRequest:
		cm.client.sendMsg(wire.ServerMessage{
			Type:     wire.MsgSnapshot,
			Sequence: s.doc.Seq,
			Document: s.doc.Clone(),
		})
	default:
		cm.client.sendError("", wire.CodeInvalidOperation, "unknown message type: "+cm.msg.Type)
	}
}

// handleOperation assigns the next sequence to an incoming operation, applies
// it to the authoritative snapshot and broadcasts it to every client. The
// originator's copy is its acknowledgment. Operation ids make redelivery
// idempotent: an id seen before is answered with its original sequence again.
func (s *DocSession) handleOperation(cm clientMessage) {
	op := cm.msg.ToOperation(cm.client.ActorID)
	if op.ID == "" {
		cm.client.sendError("", wire.CodeInvalidOperation, "missing operation id")
		return
	}

	if sequenced, ok := s.seen[op.ID]; ok {
		cm.client.sendMsg(wire.ServerMessage{
			Type:      wire.MsgOperation,
			Sequence:  sequenced.Sequence,
			Operation: sequenced,
		})
		return
	}

	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	op.Sequence = s.doc.Seq + 1
	if err := s.doc.Apply(op); err != nil {
		log.Printf("session %s: rejecting %s %s from %s: %v", s.docID, op.Type, op.TargetID, op.OriginActor, err)
		cm.client.sendError(op.ID, wire.CodeInvalidOperation, err.Error())
		return
	}
	s.seen[op.ID] = op

	ctx := context.Background()
	if err := s.store.AppendOperation(ctx, s.docID, op); err != nil {
		log.Printf("session %s: failed to persist op %s: %v", s.docID, op.ID, err)
	}
	if err := s.store.UpdateSnapshot(ctx, s.doc); err != nil {
		log.Printf("session %s: failed to persist snapshot: %v", s.docID, err)
	}

	out := wire.ServerMessage{
		Type:      wire.MsgOperation,
		Sequence:  op.Sequence,
		Operation: op,
	}
	for c := range s.clients {
		c.sendMsg(out)
	}
}

func (s *DocSession) handleCursor(cm clientMessage) {
	cm.client.cursorNode = cm.msg.NodeID
	cm.client.cursorPos = cm.msg.Position
	actor := cm.client.actor()
	for c := range s.clients {
		if c != cm.client {
			c.sendMsg(wire.ServerMessage{
				Type:  wire.MsgPresence,
				Event: wire.PresenceCursor,
				Actor: &actor,
				Clock: cm.msg.Clock,
			})
		}
	}
}

func (s *DocSession) handleEditing(cm clientMessage) {
	event := wire.PresenceStopEditing
	if cm.msg.Active {
		event = wire.PresenceStartEditing
	}
	actor := cm.client.actor()
	actor.NodeID = cm.msg.NodeID
	for c := range s.clients {
		if c != cm.client {
			c.sendMsg(wire.ServerMessage{
				Type:  wire.MsgPresence,
				Event: event,
				Actor: &actor,
				Clock: cm.msg.Clock,
			})
		}
	}
}

func (s *DocSession) roster() []wire.Actor {
	actors := make([]wire.Actor, 0, len(s.clients))
	for c := range s.clients {
		actors = append(actors, c.actor())
	}
	return actors
}
