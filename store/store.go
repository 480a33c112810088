// Package store persists document snapshots and their sequenced operation
// history. Implementations share one contract: operations are keyed by their
// server-assigned sequence, and GetOperations returns everything after a
// client's cursor so a reconnecting session can catch up.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-mindmap-sync/doc"
)

// ErrNotFound is returned for unknown document ids.
var ErrNotFound = errors.New("document not found")

// ErrExists is returned when creating a document id that is already taken.
var ErrExists = errors.New("document already exists")

// DocumentInfo is the listing metadata of a stored document.
type DocumentInfo struct {
	ID        string
	Seq       int64
	Nodes     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, CachedStore (write-behind), FirestoreStore,
// PostgresStore.
type DocumentStore interface {
	Create(ctx context.Context, d *doc.Document) error
	Get(ctx context.Context, id string) (*doc.Document, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	// UpdateSnapshot replaces the stored snapshot with the given state.
	UpdateSnapshot(ctx context.Context, d *doc.Document) error
	// AppendOperation records a sequenced operation in the document's history.
	AppendOperation(ctx context.Context, docID string, op *doc.Operation) error
	// GetOperations returns the history with sequence greater than fromSeq,
	// in ascending sequence order.
	GetOperations(ctx context.Context, docID string, fromSeq int64) ([]*doc.Operation, error)
}

func infoOf(d *doc.Document) DocumentInfo {
	return DocumentInfo{
		ID:        d.ID,
		Seq:       d.Seq,
		Nodes:     d.Len(),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
