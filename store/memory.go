package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/alimasry/go-mindmap-sync/doc"
)

type docRecord struct {
	document *doc.Document
	history  []*doc.Operation
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, d *doc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[d.ID]; exists {
		return fmt.Errorf("document %q: %w", d.ID, ErrExists)
	}
	s.docs[d.ID] = &docRecord{document: d.Clone()}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*doc.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return rec.document.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		result = append(result, infoOf(rec.document))
	}
	return result, nil
}

func (s *MemoryStore) UpdateSnapshot(_ context.Context, d *doc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[d.ID]
	if !ok {
		return fmt.Errorf("document %q: %w", d.ID, ErrNotFound)
	}
	rec.document = d.Clone()
	return nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, id string, op *doc.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	// Redelivered operations are idempotent: a sequence already in the
	// history is not appended twice.
	for _, existing := range rec.history {
		if existing.Sequence == op.Sequence {
			return nil
		}
	}
	rec.history = append(rec.history, op)
	return nil
}

func (s *MemoryStore) GetOperations(_ context.Context, id string, fromSeq int64) ([]*doc.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	var ops []*doc.Operation
	for _, op := range rec.history {
		if op.Sequence > fromSeq {
			ops = append(ops, op)
		}
	}
	return ops, nil
}
