package sync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// QueueStore persists pending-queue entries so the queue survives a process
// restart, keyed by document id. Entries come back in enqueue order.
type QueueStore interface {
	Load(docID string) ([]*QueueEntry, error)
	Put(docID string, entry *QueueEntry) error
	Delete(docID, opID string) error
}

// MemoryQueueStore keeps entries in memory. It provides the QueueStore
// contract without durability, for tests and throwaway clients.
type MemoryQueueStore struct {
	mu      sync.Mutex
	entries map[string]map[string]*QueueEntry
}

// NewMemoryQueueStore creates an empty in-memory queue store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{entries: make(map[string]map[string]*QueueEntry)}
}

func (s *MemoryQueueStore) Load(docID string) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QueueEntry
	for _, e := range s.entries[docID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryQueueStore) Put(docID string, entry *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docEntries := s.entries[docID]
	if docEntries == nil {
		docEntries = make(map[string]*QueueEntry)
		s.entries[docID] = docEntries
	}
	cp := *entry
	docEntries[entry.Operation.ID] = &cp
	return nil
}

func (s *MemoryQueueStore) Delete(docID, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[docID], opID)
	return nil
}

// BoltQueueStore persists entries in a bbolt file, one bucket per document.
// Keys are the big-endian enqueue index so a cursor walk yields FIFO order;
// values are the JSON-serialized entry.
type BoltQueueStore struct {
	db *bolt.DB
}

// OpenBoltQueueStore opens (or creates) the queue database at path.
func OpenBoltQueueStore(path string) (*BoltQueueStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	return &BoltQueueStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltQueueStore) Close() error {
	return s.db.Close()
}

func (s *BoltQueueStore) Load(docID string) ([]*QueueEntry, error) {
	var out []*QueueEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode queue entry: %w", err)
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltQueueStore) Put(docID string, entry *QueueEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		v, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(indexKey(entry.Index), v)
	})
}

func (s *BoltQueueStore) Delete(docID, opID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		// Entries are keyed by index, so find the one holding this op id.
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Operation != nil && e.Operation.ID == opID {
				return b.Delete(k)
			}
		}
		return nil
	})
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}
