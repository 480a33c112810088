package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alimasry/go-mindmap-sync/auth"
	"github.com/alimasry/go-mindmap-sync/doc"
	"github.com/alimasry/go-mindmap-sync/wire"
)

// recordingLayer captures coordinator callbacks for assertions.
type recordingLayer struct {
	mu        sync.Mutex
	applied   []*doc.Operation
	rejected  []string
	snapshots int
}

func (l *recordingLayer) OnApplied(op *doc.Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, op)
}

func (l *recordingLayer) OnRejected(opID, code, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected = append(l.rejected, opID)
}

func (l *recordingLayer) OnConflict(count int) {}

func (l *recordingLayer) OnSnapshot(d *doc.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots++
}

func (l *recordingLayer) appliedSeqs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.applied))
	for i, op := range l.applied {
		out[i] = op.Sequence
	}
	return out
}

func (l *recordingLayer) appliedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

// newTestCoordinator builds a coordinator with an in-memory queue and a
// session that is already "connected" so drains write into the send buffer.
func newTestCoordinator(t *testing.T) (*Coordinator, *recordingLayer, *Session) {
	t.Helper()
	oplog := NewOpLog("local")
	queue, err := NewPendingQueue("doc1", NewMemoryQueueStore())
	if err != nil {
		t.Fatal(err)
	}
	session := NewSession(DefaultSessionConfig("ws://unused/ws"), auth.NewStaticTokenSource("tok", "local"), "doc1")
	session.mu.Lock()
	session.state = StateConnected
	session.mu.Unlock()
	layer := &recordingLayer{}
	c := NewCoordinator(DefaultCoordinatorConfig(), "doc1", oplog, queue, session, layer)
	return c, layer, session
}

// remoteOp builds a server-sequenced operation from another actor.
func remoteOp(seq int64, opType doc.OpType, targetID string, payload doc.Payload) *doc.Operation {
	op := doc.NewOperation(opType, targetID, payload, "remote")
	op.Sequence = seq
	return op
}

func TestCoordinator_SubmitAppliesOptimistically(t *testing.T) {
	c, _, session := newTestCoordinator(t)

	op, err := c.Submit(doc.OpNodeCreate, "n1", doc.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Document().Node("n1") == nil {
		t.Fatal("node not applied optimistically")
	}
	if c.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1 (unacknowledged)", c.queue.Len())
	}

	select {
	case msg := <-session.send:
		if msg.Type != wire.MsgOperation || msg.OperationID != op.ID {
			t.Errorf("sent %s/%s, want operation/%s", msg.Type, msg.OperationID, op.ID)
		}
	default:
		t.Fatal("operation was not sent while connected")
	}
}

func TestCoordinator_AckSettlesLogAndQueue(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	op, err := c.Submit(doc.OpNodeCreate, "n1", doc.Payload{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// The server echoes our own operation back with its assigned sequence.
	echo := *op
	echo.Sequence = 1
	c.handleRemoteOperation(&echo)

	if c.queue.Len() != 0 {
		t.Errorf("queue len = %d after ack, want 0", c.queue.Len())
	}
	if got := c.oplog.Get(op.ID).Sequence; got != 1 {
		t.Errorf("log sequence = %d, want 1", got)
	}
	if c.LastSeq() != 1 {
		t.Errorf("lastSeq = %d, want 1", c.LastSeq())
	}
	// The optimistic apply already holds the effect; no re-apply callback.
	if layer.appliedCount() != 0 {
		t.Errorf("OnApplied called %d times for own operation", layer.appliedCount())
	}
	if got := c.Document().Len(); got != 1 {
		t.Errorf("document has %d nodes, want just n1", got)
	}
}

func TestCoordinator_OutOfOrderBufferedUntilGapCloses(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	second := remoteOp(2, doc.OpNodeCreate, "b", doc.Payload{Text: "b"})
	first := remoteOp(1, doc.OpNodeCreate, "a", doc.Payload{Text: "a"})

	c.handleRemoteOperation(second)
	if layer.appliedCount() != 0 {
		t.Fatal("sequence 2 applied before sequence 1")
	}

	c.handleRemoteOperation(first)
	seqs := layer.appliedSeqs()
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("applied sequences = %v, want [1 2]", seqs)
	}
	if c.LastSeq() != 2 {
		t.Errorf("lastSeq = %d, want 2", c.LastSeq())
	}
}

func TestCoordinator_DuplicateDeliveryDiscarded(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	op := remoteOp(1, doc.OpNodeCreate, "a", doc.Payload{Text: "a"})
	c.handleRemoteOperation(op)
	c.handleRemoteOperation(op)

	if layer.appliedCount() != 1 {
		t.Errorf("applied %d times, want 1", layer.appliedCount())
	}
}

func TestCoordinator_OrphanWaitsForParent(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	child := remoteOp(1, doc.OpNodeCreate, "child", doc.Payload{ParentID: "p", Text: "c"})
	c.handleRemoteOperation(child)
	if c.Document().Node("child") != nil {
		t.Fatal("child applied before its parent exists")
	}

	parent := remoteOp(2, doc.OpNodeCreate, "p", doc.Payload{Text: "p"})
	c.handleRemoteOperation(parent)

	got := c.Document().Node("child")
	if got == nil {
		t.Fatal("child not attached after parent arrived")
	}
	if got.ParentID != "p" {
		t.Errorf("child parent = %q, want p", got.ParentID)
	}
	if layer.appliedCount() != 2 {
		t.Errorf("applied %d, want 2", layer.appliedCount())
	}
}

func TestCoordinator_ExpiredOrphanRehomedUnderRoot(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.cfg.OrphanTimeout = 10 * time.Millisecond

	child := remoteOp(1, doc.OpNodeCreate, "child", doc.Payload{ParentID: "never", Text: "c"})
	c.handleRemoteOperation(child)

	time.Sleep(20 * time.Millisecond)
	c.expireBuffers()

	got := c.Document().Node("child")
	if got == nil {
		t.Fatal("orphan was lost instead of re-homed")
	}
	if got.ParentID != doc.RootID {
		t.Errorf("orphan parent = %q, want root", got.ParentID)
	}
}

func TestCoordinator_ExpiredGapRequestsResync(t *testing.T) {
	c, layer, session := newTestCoordinator(t)
	c.cfg.OrphanTimeout = 10 * time.Millisecond

	// Sequence 1 is lost on the wire; 2 and 3 wait behind the gap.
	c.handleRemoteOperation(remoteOp(3, doc.OpNodeCreate, "b", doc.Payload{Text: "b"}))
	c.handleRemoteOperation(remoteOp(2, doc.OpNodeCreate, "a", doc.Payload{Text: "a"}))

	time.Sleep(20 * time.Millisecond)
	c.expireBuffers()

	// Applying past the hole would discard the missing operation for good;
	// the coordinator must ask for the authoritative snapshot instead.
	if got := layer.appliedCount(); got != 0 {
		t.Fatalf("applied %d operations past the gap, want 0", got)
	}
	select {
	case msg := <-session.send:
		if msg.Type != wire.MsgSnapshotRequest {
			t.Fatalf("sent %s, want snapshot_request", msg.Type)
		}
		if msg.LastSeq != 0 {
			t.Errorf("snapshot_request last_sequence = %d, want 0", msg.LastSeq)
		}
	default:
		t.Fatal("no resync requested for an expired sequence gap")
	}

	// The snapshot carries the missing operation's effect and the view converges.
	server := doc.New("doc1")
	server.Apply(remoteOp(1, doc.OpNodeCreate, "missing", doc.Payload{Text: "m"}))
	server.Apply(remoteOp(2, doc.OpNodeCreate, "a", doc.Payload{Text: "a"}))
	server.Apply(remoteOp(3, doc.OpNodeCreate, "b", doc.Payload{Text: "b"}))
	c.handleSnapshot(wire.ServerMessage{Type: wire.MsgSnapshot, Sequence: 3, Document: server})

	snap := c.Document()
	for _, id := range []string{"missing", "a", "b"} {
		if snap.Node(id) == nil {
			t.Errorf("node %s absent after resync", id)
		}
	}
	if c.LastSeq() != 3 {
		t.Errorf("lastSeq = %d, want 3", c.LastSeq())
	}

	// A late redelivery of the operation that fell in the gap is a stale
	// duplicate now, not a fresh mutation.
	c.handleRemoteOperation(remoteOp(1, doc.OpNodeCreate, "missing", doc.Payload{Text: "m"}))
	if got := layer.appliedCount(); got != 0 {
		t.Errorf("stale redelivery applied, OnApplied called %d times", got)
	}
}

func TestCoordinator_BackpressureKeepsEntryQueued(t *testing.T) {
	oplog := NewOpLog("local")
	queue, err := NewPendingQueue("doc1", NewMemoryQueueStore())
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultSessionConfig("ws://unused/ws")
	cfg.BufferSize = 1
	session := NewSession(cfg, auth.NewStaticTokenSource("tok", "local"), "doc1")
	session.mu.Lock()
	session.state = StateConnected
	session.mu.Unlock()
	c := NewCoordinator(DefaultCoordinatorConfig(), "doc1", oplog, queue, session, &recordingLayer{})

	// Fill the transport buffer so the drain hits backpressure.
	session.send <- wire.ClientMessage{Type: wire.MsgHeartbeat}

	op, err := c.Submit(doc.OpNodeCreate, "n1", doc.Payload{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}

	entries := c.queue.Entries()
	if len(entries) != 1 {
		t.Fatalf("queue len = %d, want 1", len(entries))
	}
	if entries[0].inFlight {
		t.Fatal("entry left in flight after a dropped send; it would never be resent")
	}

	// Buffer clears; the next drain must deliver the entry.
	<-session.send
	c.drain()
	select {
	case msg := <-session.send:
		if msg.Type != wire.MsgOperation || msg.OperationID != op.ID {
			t.Errorf("sent %s/%s, want operation/%s", msg.Type, msg.OperationID, op.ID)
		}
	default:
		t.Fatal("operation not resent after backpressure cleared")
	}
}

func TestCoordinator_EditingLockDefersRemoteUpdate(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.handleRemoteOperation(remoteOp(1, doc.OpNodeCreate, "n1", doc.Payload{Text: "original"}))
	c.StartEditing("n1")

	c.handleRemoteOperation(remoteOp(2, doc.OpNodeUpdate, "n1", doc.Payload{Updates: map[string]any{"text": "remote change"}}))
	if got := c.Document().Node("n1").Text; got != "original" {
		t.Fatalf("remote update applied through editing lock, text = %q", got)
	}

	c.StopEditing("n1")
	if got := c.Document().Node("n1").Text; got != "remote change" {
		t.Errorf("deferred update not applied on lock release, text = %q", got)
	}
}

func TestCoordinator_SnapshotReplaysPendingOperations(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	if _, err := c.Submit(doc.OpNodeCreate, "mine", doc.Payload{Text: "local edit"}); err != nil {
		t.Fatal(err)
	}

	server := doc.New("doc1")
	server.Apply(remoteOp(0, doc.OpNodeCreate, "theirs", doc.Payload{Text: "server node"}))
	c.handleSnapshot(wire.ServerMessage{Type: wire.MsgSnapshot, Sequence: 5, Document: server})

	snap := c.Document()
	if snap.Node("theirs") == nil {
		t.Error("server node missing after snapshot")
	}
	if snap.Node("mine") == nil {
		t.Error("pending local operation lost by snapshot resync")
	}
	if c.LastSeq() != 5 {
		t.Errorf("lastSeq = %d, want 5", c.LastSeq())
	}
	if layer.snapshots != 1 {
		t.Errorf("OnSnapshot called %d times, want 1", layer.snapshots)
	}
}

func TestCoordinator_RejectionStopsRetryAndNotifies(t *testing.T) {
	c, layer, _ := newTestCoordinator(t)

	op, err := c.Submit(doc.OpNodeCreate, "n1", doc.Payload{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}

	c.handleServerError(wire.ServerMessage{
		Type:        wire.MsgError,
		Code:        wire.CodeInvalidOperation,
		Message:     "rejected",
		OperationID: op.ID,
	})

	if c.queue.Len() != 0 {
		t.Errorf("queue len = %d after rejection, want 0", c.queue.Len())
	}
	if len(layer.rejected) != 1 || layer.rejected[0] != op.ID {
		t.Errorf("rejected = %v, want [%s]", layer.rejected, op.ID)
	}
}

func TestCoordinator_PresenceEventsUpdateRegistry(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.handlePresence(wire.ServerMessage{
		Type:  wire.MsgPresence,
		Event: wire.PresenceJoin,
		Actor: &wire.Actor{ID: "remote", Name: "Remote", Color: "#f00"},
		Clock: map[string]uint64{"remote": 1},
	})
	if len(c.Registry().Roster()) != 1 {
		t.Fatal("join event did not populate the roster")
	}

	c.handlePresence(wire.ServerMessage{
		Type:  wire.MsgPresence,
		Event: wire.PresenceStartEditing,
		Actor: &wire.Actor{ID: "remote", NodeID: "n1"},
		Clock: map[string]uint64{"remote": 2},
	})
	if !c.Registry().IsEditing("n1", "remote") {
		t.Error("start_editing event did not take the advisory lock")
	}

	c.handlePresence(wire.ServerMessage{
		Type:   wire.MsgPresence,
		Roster: []wire.Actor{},
	})
	if len(c.Registry().Roster()) != 0 {
		t.Error("roster reset did not clear stale entries")
	}
}

func TestCoordinator_PresenceStaleEventIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.handlePresence(wire.ServerMessage{
		Type:  wire.MsgPresence,
		Event: wire.PresenceCursor,
		Actor: &wire.Actor{ID: "remote", NodeID: "late", Pos: 1},
		Clock: map[string]uint64{"remote": 5},
	})
	c.handlePresence(wire.ServerMessage{
		Type:  wire.MsgPresence,
		Event: wire.PresenceJoin,
		Actor: &wire.Actor{ID: "remote", Name: "Remote"},
		Clock: map[string]uint64{"remote": 5},
	})

	// A redelivered cursor event with an older clock must not move the cursor.
	c.handlePresence(wire.ServerMessage{
		Type:  wire.MsgPresence,
		Event: wire.PresenceCursor,
		Actor: &wire.Actor{ID: "remote", NodeID: "stale", Pos: 9},
		Clock: map[string]uint64{"remote": 3},
	})
	for _, e := range c.Registry().Roster() {
		if e.ActorID == "remote" && e.Cursor.NodeID == "stale" {
			t.Error("causally stale cursor event was applied")
		}
	}
}

func TestCoordinator_ReconnectResendsUnacknowledged(t *testing.T) {
	c, _, session := newTestCoordinator(t)

	op, err := c.Submit(doc.OpNodeCreate, "n1", doc.Payload{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	<-session.send // first transmission

	c.handleStateChange(StateChange{State: StateConnected})

	select {
	case msg := <-session.send:
		if msg.OperationID != op.ID {
			t.Errorf("resent %s, want %s", msg.OperationID, op.ID)
		}
	default:
		t.Fatal("unacknowledged operation not resent on reconnect")
	}
}

func TestCoordinator_RunLoopDeliversSessionMessages(t *testing.T) {
	c, layer, session := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	session.messages <- wire.ServerMessage{
		Type:      wire.MsgOperation,
		Operation: remoteOp(1, doc.OpNodeCreate, "a", doc.Payload{Text: "a"}),
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if layer.appliedCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run loop did not process the inbound operation")
}
