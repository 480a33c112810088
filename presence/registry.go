package presence

import (
	"sync"
	"time"
)

// Cursor is an actor's position within the document tree.
type Cursor struct {
	NodeID   string `json:"node_id"`
	Position int    `json:"position"`
}

// Entry is the transient collaboration state of one connected actor.
type Entry struct {
	ActorID  string
	Name     string
	Color    string
	LastSeen time.Time
	Cursor   Cursor
}

// Registry tracks connected actors, cursors and advisory per-node editing
// locks. All state lives in memory only and is rebuilt from the live event
// stream; on reconnect the registry is reset from the server roster. It never
// participates in document conflict resolution.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	editing  map[string]map[string]bool // node id -> set of actor ids
	clocks   map[string]Clock           // last clock observed per actor
	staleAge time.Duration
}

// NewRegistry creates a registry that drops actors not seen for staleAge.
func NewRegistry(staleAge time.Duration) *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		editing:  make(map[string]map[string]bool),
		clocks:   make(map[string]Clock),
		staleAge: staleAge,
	}
}

// observe merges an event clock for an actor and reports whether the event
// is new. Events the registry has already causally covered are stale
// deliveries and must be ignored.
func (r *Registry) observe(actor string, clock Clock) bool {
	if clock == nil {
		return true
	}
	seen := r.clocks[actor]
	if seen == nil {
		seen = make(Clock)
		r.clocks[actor] = seen
	}
	if seen.Dominates(clock) && len(seen) > 0 {
		return false
	}
	seen.Merge(clock)
	return true
}

// Join adds or refreshes an actor.
func (r *Registry) Join(actorID, name, color string, clock Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.observe(actorID, clock) {
		return
	}
	r.entries[actorID] = &Entry{
		ActorID:  actorID,
		Name:     name,
		Color:    color,
		LastSeen: time.Now(),
	}
}

// Leave removes an actor and releases its editing locks.
func (r *Registry) Leave(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, actorID)
	delete(r.clocks, actorID)
	r.releaseLocks(actorID)
}

// UpdateCursor moves an actor's cursor. Unknown actors are ignored.
func (r *Registry) UpdateCursor(actorID, nodeID string, position int, clock Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.observe(actorID, clock) {
		return
	}
	e, ok := r.entries[actorID]
	if !ok {
		return
	}
	e.Cursor = Cursor{NodeID: nodeID, Position: position}
	e.LastSeen = time.Now()
}

// Heartbeat refreshes an actor's liveness.
func (r *Registry) Heartbeat(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[actorID]; ok {
		e.LastSeen = time.Now()
	}
}

// StartEditing takes an advisory lock on a node for an actor.
func (r *Registry) StartEditing(nodeID, actorID string, clock Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.observe(actorID, clock) {
		return
	}
	set := r.editing[nodeID]
	if set == nil {
		set = make(map[string]bool)
		r.editing[nodeID] = set
	}
	set[actorID] = true
}

// StopEditing releases an actor's advisory lock on a node.
func (r *Registry) StopEditing(nodeID, actorID string, clock Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.observe(actorID, clock) {
		return
	}
	set := r.editing[nodeID]
	delete(set, actorID)
	if len(set) == 0 {
		delete(r.editing, nodeID)
	}
}

// IsEditing reports whether an actor holds the advisory lock on a node.
func (r *Registry) IsEditing(nodeID, actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.editing[nodeID][actorID]
}

// Editors returns the actors currently editing a node.
func (r *Registry) Editors(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.editing[nodeID]))
	for actor := range r.editing[nodeID] {
		out = append(out, actor)
	}
	return out
}

// Roster returns a snapshot of all connected actors.
func (r *Registry) Roster() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Reset clears all state and repopulates from an authoritative roster,
// as received on reconnection.
func (r *Registry) Reset(roster []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry, len(roster))
	r.editing = make(map[string]map[string]bool)
	r.clocks = make(map[string]Clock)
	now := time.Now()
	for _, e := range roster {
		cp := e
		cp.LastSeen = now
		r.entries[e.ActorID] = &cp
	}
}

// Sweep removes actors not seen within the staleness window and returns the
// ids removed.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.staleAge)
	var removed []string
	for id, e := range r.entries {
		if e.LastSeen.Before(cutoff) {
			delete(r.entries, id)
			delete(r.clocks, id)
			r.releaseLocks(id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) releaseLocks(actorID string) {
	for nodeID, set := range r.editing {
		delete(set, actorID)
		if len(set) == 0 {
			delete(r.editing, nodeID)
		}
	}
}
