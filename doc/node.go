package doc

import (
	"fmt"
	"time"
)

// RootID is the identifier of the synthetic root node every document has.
// The root cannot be deleted or moved; orphaned subtrees are attached to it.
const RootID = "root"

// Node is a single node in a mind map. Nodes do not hold pointers to each
// other: the document keeps a flat table keyed by id, and parent/child links
// are id references. Moves and deletes are re-links in the table.
type Node struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Children  []string       `json:"children,omitempty"`
	Text      string         `json:"text,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	if n.Attrs != nil {
		cp.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			cp.Attrs[k] = v
		}
	}
	return &cp
}

// Document is a tree-structured mind map held as a node table.
// Seq is the highest server-assigned operation sequence reflected in the
// snapshot; it is zero for documents that have never been synced.
type Document struct {
	ID        string           `json:"id"`
	Nodes     map[string]*Node `json:"nodes"`
	Seq       int64            `json:"seq"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// New creates an empty document containing only the synthetic root.
func New(id string) *Document {
	now := time.Now()
	return &Document{
		ID: id,
		Nodes: map[string]*Node{
			RootID: {ID: RootID, CreatedAt: now, UpdatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Nodes = make(map[string]*Node, len(d.Nodes))
	for id, n := range d.Nodes {
		cp.Nodes[id] = n.Clone()
	}
	return &cp
}

// Node returns the node with the given id, or nil.
func (d *Document) Node(id string) *Node {
	return d.Nodes[id]
}

// Len returns the number of nodes, excluding the synthetic root.
func (d *Document) Len() int {
	return len(d.Nodes) - 1
}

// insert links a node under parentID at position. Position values outside the
// child list append at the end.
func (d *Document) insert(n *Node, parentID string, position int) error {
	if _, exists := d.Nodes[n.ID]; exists {
		return fmt.Errorf("node %q: %w", n.ID, ErrNodeExists)
	}
	parent, ok := d.Nodes[parentID]
	if !ok {
		return fmt.Errorf("parent %q: %w", parentID, ErrParentMissing)
	}
	n.ParentID = parentID
	d.Nodes[n.ID] = n
	parent.Children = insertAt(parent.Children, n.ID, position)
	return nil
}

// remove unlinks a node. With preserveChildren the node's children are
// re-parented to the node's own parent; otherwise the whole subtree goes.
func (d *Document) remove(id string, preserveChildren bool) error {
	if id == RootID {
		return fmt.Errorf("node %q: %w", id, ErrRootImmutable)
	}
	n, ok := d.Nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeMissing)
	}
	parent := d.Nodes[n.ParentID]
	if parent != nil {
		parent.Children = removeID(parent.Children, id)
	}
	if preserveChildren {
		for _, childID := range n.Children {
			child := d.Nodes[childID]
			if child == nil {
				continue
			}
			child.ParentID = n.ParentID
			if parent != nil {
				parent.Children = append(parent.Children, childID)
			}
		}
	} else {
		for _, childID := range n.Children {
			d.removeSubtree(childID)
		}
	}
	delete(d.Nodes, id)
	return nil
}

func (d *Document) removeSubtree(id string) {
	n, ok := d.Nodes[id]
	if !ok {
		return
	}
	for _, childID := range n.Children {
		d.removeSubtree(childID)
	}
	delete(d.Nodes, id)
}

// move re-links a node under a new parent. Moving a node under itself or any
// of its descendants is a cycle and is rejected.
func (d *Document) move(id, newParentID string, position int) error {
	if id == RootID {
		return fmt.Errorf("node %q: %w", id, ErrRootImmutable)
	}
	n, ok := d.Nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, ErrNodeMissing)
	}
	newParent, ok := d.Nodes[newParentID]
	if !ok {
		return fmt.Errorf("parent %q: %w", newParentID, ErrParentMissing)
	}
	if id == newParentID || d.isAncestor(id, newParentID) {
		return fmt.Errorf("move %q under %q: %w", id, newParentID, ErrCycle)
	}
	if old := d.Nodes[n.ParentID]; old != nil {
		old.Children = removeID(old.Children, id)
	}
	n.ParentID = newParentID
	newParent.Children = insertAt(newParent.Children, id, position)
	return nil
}

// isAncestor reports whether a is an ancestor of b, by walking b's parent
// chain. The walk is bounded by the table size to survive corrupted links.
func (d *Document) isAncestor(a, b string) bool {
	cur := d.Nodes[b]
	for i := 0; cur != nil && i < len(d.Nodes); i++ {
		if cur.ParentID == a {
			return true
		}
		cur = d.Nodes[cur.ParentID]
	}
	return false
}

func insertAt(ids []string, id string, position int) []string {
	if position < 0 || position >= len(ids) {
		return append(ids, id)
	}
	ids = append(ids, "")
	copy(ids[position+1:], ids[position:])
	ids[position] = id
	return ids
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
