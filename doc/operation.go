package doc

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpType identifies a document mutation kind.
type OpType string

const (
	OpNodeCreate OpType = "node_create"
	OpNodeUpdate OpType = "node_update"
	OpNodeDelete OpType = "node_delete"
	OpNodeMove   OpType = "node_move"
)

// Application conflicts. These are recoverable: the coordinator drops the
// offending operation with a warning and keeps running.
var (
	ErrNodeMissing   = errors.New("node not found")
	ErrNodeExists    = errors.New("node already exists")
	ErrParentMissing = errors.New("parent not found")
	ErrCycle         = errors.New("move would create a cycle")
	ErrRootImmutable = errors.New("root node cannot be modified")
)

// Payload carries the type-specific fields of an operation. Only the fields
// relevant to the operation's type are set.
type Payload struct {
	// node_create
	ParentID string         `json:"parent_id,omitempty"`
	Position int            `json:"position,omitempty"`
	Text     string         `json:"text,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	// node_update
	Updates map[string]any `json:"updates,omitempty"`
	// node_delete
	PreserveChildren bool `json:"preserve_children,omitempty"`
	// node_move
	NewParentID string `json:"new_parent_id,omitempty"`
}

// Operation is an atomic document mutation. Operations are immutable once
// created; Sequence is the only field written later, exactly once, when the
// server accepts the operation. A zero Sequence means still pending.
type Operation struct {
	ID          string    `json:"id"`
	Type        OpType    `json:"type"`
	TargetID    string    `json:"target_id"`
	Payload     Payload   `json:"payload"`
	OriginActor string    `json:"origin_actor"`
	Sequence    int64     `json:"sequence,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewOperation constructs an operation with a fresh id. Construction never
// fails; CreatedAt is client wall-clock time used only for conflict
// tie-breaking, never for ordering.
func NewOperation(opType OpType, targetID string, payload Payload, actor string) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Type:        opType,
		TargetID:    targetID,
		Payload:     payload,
		OriginActor: actor,
		CreatedAt:   time.Now(),
	}
}

// Pending reports whether the operation has not yet been sequenced by the server.
func (op *Operation) Pending() bool {
	return op.Sequence == 0
}

// Apply mutates the document according to the operation. Position within the
// tree follows the operation payload; document timestamps follow the
// operation's wall clock so last-write-wins reconciliation sees client edit
// times. The document's Seq advances when the operation is sequenced.
func (d *Document) Apply(op *Operation) error {
	var err error
	switch op.Type {
	case OpNodeCreate:
		n := &Node{
			ID:        op.TargetID,
			Text:      op.Payload.Text,
			CreatedAt: op.CreatedAt,
			UpdatedAt: op.CreatedAt,
		}
		// The node must not alias the payload map: the operation is still
		// held in the oplog, the pending queue and the server history, and a
		// later update would mutate it there.
		if op.Payload.Attrs != nil {
			n.Attrs = make(map[string]any, len(op.Payload.Attrs))
			for k, v := range op.Payload.Attrs {
				n.Attrs[k] = v
			}
		}
		parentID := op.Payload.ParentID
		if parentID == "" {
			parentID = RootID
		}
		err = d.insert(n, parentID, op.Payload.Position)
	case OpNodeUpdate:
		err = d.update(op.TargetID, op.Payload.Updates, op.CreatedAt)
	case OpNodeDelete:
		err = d.remove(op.TargetID, op.Payload.PreserveChildren)
	case OpNodeMove:
		err = d.move(op.TargetID, op.Payload.NewParentID, op.Payload.Position)
	default:
		err = fmt.Errorf("unknown operation type %q", op.Type)
	}
	if err != nil {
		return err
	}
	if op.Sequence > d.Seq {
		d.Seq = op.Sequence
	}
	if op.CreatedAt.After(d.UpdatedAt) {
		d.UpdatedAt = op.CreatedAt
	}
	return nil
}

// update shallow-merges the updates map into a node. The "text" key updates
// the node text; every other key lands in Attrs.
func (d *Document) update(id string, updates map[string]any, at time.Time) error {
	n, ok := d.Nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeMissing)
	}
	for k, v := range updates {
		if k == "text" {
			if s, ok := v.(string); ok {
				n.Text = s
			}
			continue
		}
		if n.Attrs == nil {
			n.Attrs = make(map[string]any)
		}
		n.Attrs[k] = v
	}
	if at.After(n.UpdatedAt) {
		n.UpdatedAt = at
	}
	return nil
}
