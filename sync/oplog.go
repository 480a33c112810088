// Package sync implements the client side of the collaboration engine: the
// operation log, the durable pending-operation queue, the connection session
// state machine, the sync coordinator and the offline conflict resolver.
package sync

import (
	"sync"

	"github.com/alimasry/go-mindmap-sync/doc"
)

// OpLog records every operation the local actor has produced, in creation
// order. Entries are immutable apart from the one-time sequence assignment
// when the server acknowledges them.
type OpLog struct {
	mu      sync.Mutex
	actorID string
	ops     map[string]*doc.Operation
	order   []string
}

// NewOpLog creates an empty log for the given local actor.
func NewOpLog(actorID string) *OpLog {
	return &OpLog{
		actorID: actorID,
		ops:     make(map[string]*doc.Operation),
	}
}

// ActorID returns the local actor id stamped on appended operations.
func (l *OpLog) ActorID() string { return l.actorID }

// Append constructs a new pending operation and records it. It never fails;
// transmission is the queue's concern, not the log's.
func (l *OpLog) Append(opType doc.OpType, targetID string, payload doc.Payload) *doc.Operation {
	op := doc.NewOperation(opType, targetID, payload, l.actorID)
	l.mu.Lock()
	l.ops[op.ID] = op
	l.order = append(l.order, op.ID)
	l.mu.Unlock()
	return op
}

// MarkSequenced records the server-assigned sequence for an operation. It is
// a no-op for unknown ids and for operations already sequenced.
func (l *OpLog) MarkSequenced(opID string, seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[opID]
	if !ok || op.Sequence != 0 {
		return false
	}
	op.Sequence = seq
	return true
}

// Get returns the logged operation with the given id, or nil.
func (l *OpLog) Get(opID string) *doc.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ops[opID]
}

// Pending returns the not-yet-sequenced operations in creation order.
func (l *OpLog) Pending() []*doc.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*doc.Operation
	for _, id := range l.order {
		if op := l.ops[id]; op.Pending() {
			out = append(out, op)
		}
	}
	return out
}

// Len returns the number of logged operations.
func (l *OpLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
