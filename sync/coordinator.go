package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/presence"
	"github.com/alimasry/go-mindmap-sync/wire"
)

// DocumentLayer receives the coordinator's callbacks. It is the narrow
// interface to the tree-editing UI: the coordinator never renders, the UI
// never talks to the transport.
type DocumentLayer interface {
	// OnApplied is called after a remote operation mutated the local snapshot.
	OnApplied(op *doc.Operation)
	// OnRejected is called when the server explicitly rejected a local
	// operation; the UI decides whether to revert the optimistic mutation.
	OnRejected(opID, code, message string)
	// OnConflict reports the divergence count of an offline reconciliation.
	OnConflict(count int)
	// OnSnapshot is called when the authoritative snapshot replaced local state.
	OnSnapshot(d *doc.Document)
}

// CoordinatorConfig carries the coordinator's timing knobs.
type CoordinatorConfig struct {
	// OrphanTimeout bounds how long an out-of-order operation is buffered
	// before the fallback path applies it anyway.
	OrphanTimeout time.Duration
	// JanitorInterval is the cadence of the buffer-expiry sweep.
	JanitorInterval time.Duration
	// PresenceStaleAge bounds how long an idle actor stays in the roster.
	PresenceStaleAge time.Duration
}

// DefaultCoordinatorConfig returns the coordinator defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		OrphanTimeout:    5 * time.Second,
		JanitorInterval:  time.Second,
		PresenceStaleAge: time.Minute,
	}
}

type bufferedOp struct {
	op       *doc.Operation
	deadline time.Time
}

// Coordinator orchestrates one document's synchronization: local operations
// flow through the log into the pending queue and out over the session;
// remote operations arrive over the session and are applied, in server
// sequence order, to the local snapshot. All inbound handling runs on a
// single goroutine; the snapshot needs no lock beyond the one guarding
// reads from other goroutines.
type Coordinator struct {
	cfg      CoordinatorConfig
	docID    string
	layer    DocumentLayer
	oplog    *OpLog
	queue    *PendingQueue
	session  *Session
	registry *presence.Registry

	mu       sync.Mutex
	document *doc.Document
	lastSeq  int64
	clock    presence.Clock
	// reorder holds sequenced operations that arrived ahead of a gap.
	reorder map[int64]bufferedOp
	// orphans holds creates whose parent has not arrived yet.
	orphans []bufferedOp
	// shadows holds remote updates deferred while the local actor is
	// editing the target node.
	shadows map[string][]*doc.Operation

	stop chan struct{}
	done chan struct{}
}

// NewCoordinator wires a coordinator around its collaborators. Run starts it.
func NewCoordinator(cfg CoordinatorConfig, docID string, oplog *OpLog, queue *PendingQueue, session *Session, layer DocumentLayer) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		docID:    docID,
		layer:    layer,
		oplog:    oplog,
		queue:    queue,
		session:  session,
		registry: presence.NewRegistry(cfg.PresenceStaleAge),
		document: doc.New(docID),
		clock:    make(presence.Clock),
		reorder:  make(map[int64]bufferedOp),
		shadows:  make(map[string][]*doc.Operation),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Registry exposes the presence registry (advisory state only).
func (c *Coordinator) Registry() *presence.Registry { return c.registry }

// Document returns a copy of the current local snapshot.
func (c *Coordinator) Document() *doc.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document.Clone()
}

// LastSeq returns the highest server sequence applied locally.
func (c *Coordinator) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Run processes session messages and state changes until the context is
// canceled or Close is called.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	janitor := time.NewTicker(c.cfg.JanitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case msg := <-c.session.Messages():
			c.handleServerMessage(msg)
		case change := <-c.session.States():
			c.handleStateChange(change)
		case <-janitor.C:
			c.expireBuffers()
			c.registry.Sweep()
		}
	}
}

// Close stops the run loop.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

// Submit turns a local edit into a pending operation: applied optimistically
// to the local snapshot, appended to the log, queued for delivery, and sent
// immediately when the session is connected.
func (c *Coordinator) Submit(opType doc.OpType, targetID string, payload doc.Payload) (*doc.Operation, error) {
	op := c.oplog.Append(opType, targetID, payload)

	c.mu.Lock()
	err := c.document.Apply(op)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", opType, targetID, err)
	}

	if err := c.queue.Enqueue(op); err != nil {
		// The optimistic mutation stands; delivery will be restored by the
		// next reconciliation pass.
		log.Printf("coordinator %s: enqueue %s failed: %v", c.docID, op.ID, err)
	}
	c.drain()
	return op, nil
}

// SyncNow resends all unacknowledged operations and requests a fresh
// authoritative snapshot (explicit manual sync).
func (c *Coordinator) SyncNow() {
	c.queue.OnReconnect()
	c.drain()
	c.mu.Lock()
	lastSeq := c.lastSeq
	c.mu.Unlock()
	c.session.Send(wire.ClientMessage{Type: wire.MsgSnapshotRequest, LastSeq: lastSeq})
}

// UpdateCursor broadcasts the local cursor position.
func (c *Coordinator) UpdateCursor(nodeID string, position int) {
	c.session.Send(wire.ClientMessage{
		Type:     wire.MsgCursorUpdate,
		NodeID:   nodeID,
		Position: position,
		Clock:    c.tick(),
	})
}

// StartEditing takes the local advisory lock on a node and broadcasts it.
// While held, remote updates to the node are deferred, not applied.
func (c *Coordinator) StartEditing(nodeID string) {
	clock := c.tick()
	c.registry.StartEditing(nodeID, c.oplog.ActorID(), clock)
	c.session.Send(wire.ClientMessage{Type: wire.MsgEditing, NodeID: nodeID, Active: true, Clock: clock})
}

// StopEditing releases the local advisory lock and applies any remote
// updates that were deferred while it was held.
func (c *Coordinator) StopEditing(nodeID string) {
	clock := c.tick()
	c.registry.StopEditing(nodeID, c.oplog.ActorID(), clock)
	c.session.Send(wire.ClientMessage{Type: wire.MsgEditing, NodeID: nodeID, Active: false, Clock: clock})
	c.flushShadows(nodeID)
}

func (c *Coordinator) tick() presence.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock.Tick(c.oplog.ActorID())
	return c.clock.Clone()
}

// drain pushes queued operations over the session. A send that cannot be
// queued, whether disconnected or transport backpressure, fails the drain so
// the entry stays queued and is resent on the next attempt.
func (c *Coordinator) drain() {
	c.queue.Drain(func(op *doc.Operation) error {
		if !c.session.TrySend(wire.OperationMessage(op)) {
			return errors.New("transport unavailable")
		}
		return nil
	})
}

func (c *Coordinator) handleStateChange(change StateChange) {
	switch {
	case change.State == StateConnected:
		// At-least-once: everything unacknowledged goes again; the server
		// deduplicates by operation id.
		c.queue.OnReconnect()
		c.drain()
	case change.GaveUp:
		log.Printf("coordinator %s: session gave up reconnecting: %v", c.docID, change.Err)
	}
}

func (c *Coordinator) handleServerMessage(msg wire.ServerMessage) {
	switch msg.Type {
	case wire.MsgSessionEstablished:
		// The authoritative snapshot follows; nothing to do yet.
	case wire.MsgOperation:
		if msg.Operation != nil {
			c.handleRemoteOperation(msg.Operation)
		}
	case wire.MsgSnapshot:
		c.handleSnapshot(msg)
	case wire.MsgPresence:
		c.handlePresence(msg)
	case wire.MsgError:
		c.handleServerError(msg)
	default:
		log.Printf("coordinator %s: unknown server message %q", c.docID, msg.Type)
	}
}

// handleRemoteOperation is the inbound dedup and ordering point. Operations
// at or below the cursor are stale redeliveries and are discarded; operations
// past a sequence gap are buffered until the gap closes or times out.
func (c *Coordinator) handleRemoteOperation(op *doc.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// An operation we originated coming back sequenced is the server's
	// acknowledgment. Settle the log and queue immediately: the ack must not
	// get stuck behind a sequence gap or be lost to duplicate discard.
	if c.oplog.Get(op.ID) != nil {
		c.oplog.MarkSequenced(op.ID, op.Sequence)
		c.queue.Acknowledge(op.ID)
	}

	if op.Sequence <= c.lastSeq {
		return
	}
	if op.Sequence > c.lastSeq+1 {
		c.reorder[op.Sequence] = bufferedOp{op: op, deadline: time.Now().Add(c.cfg.OrphanTimeout)}
		return
	}

	c.applyInOrder(op)

	// The gap may have closed: apply any directly following buffered ops.
	for {
		next, ok := c.reorder[c.lastSeq+1]
		if !ok {
			return
		}
		delete(c.reorder, c.lastSeq+1)
		c.applyInOrder(next.op)
	}
}

// applyInOrder applies one sequenced operation. Callers hold c.mu and
// guarantee op.Sequence == lastSeq+1.
func (c *Coordinator) applyInOrder(op *doc.Operation) {
	c.lastSeq = op.Sequence
	if op.Sequence > c.document.Seq {
		c.document.Seq = op.Sequence
	}

	// Our own operation's effect is already present from the optimistic
	// apply; the sequence cursor advances but nothing is re-applied.
	if op.OriginActor == c.oplog.ActorID() || c.oplog.Get(op.ID) != nil {
		return
	}

	// A remote update to a node the local user is typing into is deferred
	// until the editing lock is released.
	if op.Type == doc.OpNodeUpdate && c.registry.IsEditing(op.TargetID, c.oplog.ActorID()) {
		c.shadows[op.TargetID] = append(c.shadows[op.TargetID], op)
		return
	}

	if err := c.document.Apply(op); err != nil {
		if op.Type == doc.OpNodeCreate && errors.Is(err, doc.ErrParentMissing) {
			c.orphans = append(c.orphans, bufferedOp{op: op, deadline: time.Now().Add(c.cfg.OrphanTimeout)})
			return
		}
		log.Printf("coordinator %s: dropping remote %s %s: %v", c.docID, op.Type, op.TargetID, err)
		return
	}
	c.layer.OnApplied(op)
	c.attachOrphans(op.TargetID)
}

// attachOrphans applies buffered creates that were waiting for this parent.
func (c *Coordinator) attachOrphans(parentID string) {
	kept := c.orphans[:0]
	for _, b := range c.orphans {
		if b.op.Payload.ParentID != parentID {
			kept = append(kept, b)
			continue
		}
		if err := c.document.Apply(b.op); err != nil {
			log.Printf("coordinator %s: dropping buffered %s %s: %v", c.docID, b.op.Type, b.op.TargetID, err)
			continue
		}
		c.layer.OnApplied(b.op)
	}
	c.orphans = kept
}

// expireBuffers handles buffered operations whose wait has timed out. An
// expired orphan create is re-homed under the synthetic root rather than
// silently lost; an expired sequence gap means a broadcast was lost and
// triggers a snapshot resync.
func (c *Coordinator) expireBuffers() {
	c.mu.Lock()
	now := time.Now()

	kept := c.orphans[:0]
	for _, b := range c.orphans {
		if now.Before(b.deadline) {
			kept = append(kept, b)
			continue
		}
		rehomed := *b.op
		rehomed.Payload.ParentID = doc.RootID
		if err := c.document.Apply(&rehomed); err != nil {
			log.Printf("coordinator %s: dropping orphaned %s %s: %v", c.docID, b.op.Type, b.op.TargetID, err)
			continue
		}
		log.Printf("coordinator %s: re-homed orphaned node %s under root", c.docID, b.op.TargetID)
		c.layer.OnApplied(&rehomed)
	}
	c.orphans = kept

	expired := false
	for _, b := range c.reorder {
		if !now.Before(b.deadline) {
			expired = true
			break
		}
	}
	var lastSeq int64
	if expired {
		// Applying past the hole would advance the cursor and discard the
		// missing operation for good once it arrives. Drop the buffer and
		// resynchronize from the authoritative snapshot instead; the replay
		// of pending entries preserves local optimistic edits.
		log.Printf("coordinator %s: sequence gap at %d never closed, requesting resync", c.docID, c.lastSeq+1)
		c.reorder = make(map[int64]bufferedOp)
		lastSeq = c.lastSeq
	}
	c.mu.Unlock()

	if expired {
		c.session.Send(wire.ClientMessage{Type: wire.MsgSnapshotRequest, LastSeq: lastSeq})
	}
}

// flushShadows applies remote updates that were deferred while the local
// actor held the editing lock on the node.
func (c *Coordinator) flushShadows(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range c.shadows[nodeID] {
		if err := c.document.Apply(op); err != nil {
			log.Printf("coordinator %s: dropping shadow %s %s: %v", c.docID, op.Type, op.TargetID, err)
			continue
		}
		c.layer.OnApplied(op)
	}
	delete(c.shadows, nodeID)
}

// handleSnapshot replaces local state with the authoritative snapshot, then
// replays unacknowledged local operations on top so optimistic edits are not
// lost while their delivery is still pending. Replay conflicts mean the
// server already holds the effect and are ignored.
func (c *Coordinator) handleSnapshot(msg wire.ServerMessage) {
	if msg.Document == nil {
		return
	}
	c.mu.Lock()
	c.document = msg.Document.Clone()
	c.lastSeq = msg.Sequence
	if c.document.Seq > c.lastSeq {
		c.lastSeq = c.document.Seq
	}
	c.reorder = make(map[int64]bufferedOp)
	c.orphans = nil
	c.shadows = make(map[string][]*doc.Operation)
	for _, entry := range c.queue.Entries() {
		if err := c.document.Apply(entry.Operation); err != nil && !isReplayConflict(err) {
			log.Printf("coordinator %s: replay of pending %s failed: %v", c.docID, entry.Operation.ID, err)
		}
	}
	snapshot := c.document.Clone()
	c.mu.Unlock()

	c.layer.OnSnapshot(snapshot)
}

func isReplayConflict(err error) bool {
	return errors.Is(err, doc.ErrNodeExists) || errors.Is(err, doc.ErrNodeMissing) ||
		errors.Is(err, doc.ErrParentMissing) || errors.Is(err, doc.ErrCycle)
}

func (c *Coordinator) handlePresence(msg wire.ServerMessage) {
	if msg.Roster != nil {
		entries := make([]presence.Entry, 0, len(msg.Roster))
		for _, a := range msg.Roster {
			entries = append(entries, presence.Entry{
				ActorID: a.ID,
				Name:    a.Name,
				Color:   a.Color,
				Cursor:  presence.Cursor{NodeID: a.NodeID, Position: a.Pos},
			})
		}
		c.registry.Reset(entries)
		return
	}
	if msg.Actor == nil {
		return
	}
	clock := presence.Clock(msg.Clock)
	switch msg.Event {
	case wire.PresenceJoin:
		c.registry.Join(msg.Actor.ID, msg.Actor.Name, msg.Actor.Color, clock)
	case wire.PresenceLeave:
		c.registry.Leave(msg.Actor.ID)
	case wire.PresenceCursor:
		c.registry.UpdateCursor(msg.Actor.ID, msg.Actor.NodeID, msg.Actor.Pos, clock)
	case wire.PresenceStartEditing:
		c.registry.StartEditing(msg.Actor.NodeID, msg.Actor.ID, clock)
	case wire.PresenceStopEditing:
		c.registry.StopEditing(msg.Actor.NodeID, msg.Actor.ID, clock)
	}
}

// handleServerError processes explicit rejections. An error tied to an
// operation id removes the entry so it is not retried and surfaces the
// rejection to the document layer.
func (c *Coordinator) handleServerError(msg wire.ServerMessage) {
	if msg.OperationID == "" {
		log.Printf("coordinator %s: server error %s: %s", c.docID, msg.Code, msg.Message)
		return
	}
	c.queue.Acknowledge(msg.OperationID)
	c.layer.OnRejected(msg.OperationID, msg.Code, msg.Message)
}
