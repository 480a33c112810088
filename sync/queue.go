package sync

import (
	"log"
	"sync"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
)

const (
	// DefaultMaxRetries is the send-attempt bound before an entry is dropped.
	DefaultMaxRetries = 3
	// DefaultMaxAge is the age bound before an entry is dropped.
	DefaultMaxAge = 5 * time.Minute
)

// QueueEntry wraps a pending operation with its delivery bookkeeping.
type QueueEntry struct {
	Operation     *doc.Operation `json:"operation"`
	RetryCount    int            `json:"retry_count"`
	QueuedAt      time.Time      `json:"queued_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitempty"`
	Index         uint64         `json:"index"`

	inFlight bool
}

// SendFunc transmits one operation. A non-nil error stops the current drain;
// the entry stays queued for the next attempt.
type SendFunc func(*doc.Operation) error

// PendingQueue is the ordered, durable buffer of locally created operations
// that the server has not yet acknowledged. It is mutated from both the local
// edit path (Enqueue) and the network drain path, so every method is safe for
// concurrent use.
type PendingQueue struct {
	mu         sync.Mutex
	docID      string
	store      QueueStore
	entries    []*QueueEntry
	nextIndex  uint64
	maxRetries int
	maxAge     time.Duration
}

// NewPendingQueue creates a queue backed by the given store, restoring any
// entries persisted for the document by an earlier process.
func NewPendingQueue(docID string, store QueueStore) (*PendingQueue, error) {
	entries, err := store.Load(docID)
	if err != nil {
		return nil, err
	}
	q := &PendingQueue{
		docID:      docID,
		store:      store,
		entries:    entries,
		maxRetries: DefaultMaxRetries,
		maxAge:     DefaultMaxAge,
	}
	for _, e := range entries {
		if e.Index >= q.nextIndex {
			q.nextIndex = e.Index + 1
		}
	}
	return q, nil
}

// Len returns the number of queued entries.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queued entries in FIFO order.
func (q *PendingQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Enqueue appends an operation to the queue and persists the entry.
func (q *PendingQueue) Enqueue(op *doc.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := &QueueEntry{
		Operation: op,
		QueuedAt:  time.Now(),
		Index:     q.nextIndex,
	}
	q.nextIndex++
	if err := q.store.Put(q.docID, entry); err != nil {
		return err
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Drain walks the queue in FIFO order and sends every entry that is not
// already in flight. Entries over the retry or age bound are dropped without
// error; reconciliation is the backstop for their local effect. Drain returns
// after the first send failure so a dead connection does not spin.
func (q *PendingQueue) Drain(send SendFunc) {
	for {
		entry, op := q.nextSendable()
		if entry == nil {
			return
		}
		if err := send(op); err != nil {
			q.mu.Lock()
			entry.inFlight = false
			q.mu.Unlock()
			return
		}
	}
}

// nextSendable picks the first entry that is neither in flight nor evicted,
// marks it in flight and counts the attempt. Eviction happens here so stale
// entries are dropped even while disconnected drains are attempted.
func (q *PendingQueue) nextSendable() (*QueueEntry, *doc.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	kept := q.entries[:0]
	var found *QueueEntry
	for _, e := range q.entries {
		if found == nil && !e.inFlight {
			if e.RetryCount >= q.maxRetries || now.Sub(e.QueuedAt) > q.maxAge {
				log.Printf("queue %s: dropping operation %s after %d attempts (age %s)",
					q.docID, e.Operation.ID, e.RetryCount, now.Sub(e.QueuedAt).Round(time.Second))
				if err := q.store.Delete(q.docID, e.Operation.ID); err != nil {
					log.Printf("queue %s: failed to delete dropped entry %s: %v", q.docID, e.Operation.ID, err)
				}
				continue
			}
			e.inFlight = true
			e.RetryCount++
			e.LastAttemptAt = now
			q.store.Put(q.docID, e)
			found = e
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if found == nil {
		return nil, nil
	}
	return found, found.Operation
}

// Acknowledge removes an entry after the server accepted (or explicitly
// rejected) its operation. It reports whether the entry was present.
func (q *PendingQueue) Acknowledge(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.Operation.ID == opID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if err := q.store.Delete(q.docID, opID); err != nil {
				log.Printf("queue %s: failed to delete acked entry %s: %v", q.docID, opID, err)
			}
			return true
		}
	}
	return false
}

// OnReconnect resets every entry to not-yet-sent so the next drain resends
// from the first unacknowledged entry. The server deduplicates by operation
// id, so at-least-once redelivery is safe.
func (q *PendingQueue) OnReconnect() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.inFlight = false
	}
}
