package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-mindmap-sync/doc"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Snapshots are stored as JSON blobs on the document; the sequenced history
// lives in an "operations" subcollection keyed by zero-padded sequence so
// range reads come back in order.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) opsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("operations")
}

func zeroPad(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *FirestoreStore) Create(ctx context.Context, d *doc.Document) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.ID, err)
	}
	_, err = s.docRef(d.ID).Create(ctx, map[string]interface{}{
		"snapshot":  string(blob),
		"seq":       d.Seq,
		"nodes":     d.Len(),
		"createdAt": d.CreatedAt,
		"updatedAt": d.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", d.ID, ErrExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*doc.Document, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocument(id, snap)
}

func snapshotToDocument(id string, snap *firestore.DocumentSnapshot) (*doc.Document, error) {
	data := snap.Data()
	blob, _ := data["snapshot"].(string)
	var d doc.Document
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", id, err)
	}
	return &d, nil
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) DocumentInfo {
	data := snap.Data()
	seq, _ := data["seq"].(int64)
	nodes, _ := data["nodes"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return DocumentInfo{
		ID:        id,
		Seq:       seq,
		Nodes:     int(nodes),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

func (s *FirestoreStore) UpdateSnapshot(ctx context.Context, d *doc.Document) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.ID, err)
	}
	_, err = s.docRef(d.ID).Update(ctx, []firestore.Update{
		{Path: "snapshot", Value: string(blob)},
		{Path: "seq", Value: d.Seq},
		{Path: "nodes", Value: d.Len()},
		{Path: "updatedAt", Value: d.UpdatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", d.ID, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) AppendOperation(ctx context.Context, id string, op *doc.Operation) error {
	blob, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	// Keyed by sequence: redelivery overwrites the same record, so the
	// append is idempotent.
	_, err = s.opsCollection(id).Doc(zeroPad(op.Sequence)).Set(ctx, map[string]interface{}{
		"op":  string(blob),
		"seq": op.Sequence,
	})
	return err
}

func (s *FirestoreStore) GetOperations(ctx context.Context, id string, fromSeq int64) ([]*doc.Operation, error) {
	// Verify document exists.
	_, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	iter := s.opsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromSeq + 1)).
		Documents(ctx)
	defer iter.Stop()

	var ops []*doc.Operation
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		op, err := snapshotToOperation(snap)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func snapshotToOperation(snap *firestore.DocumentSnapshot) (*doc.Operation, error) {
	data := snap.Data()
	blob, ok := data["op"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid op field in operation %s", snap.Ref.ID)
	}
	var op doc.Operation
	if err := json.Unmarshal([]byte(blob), &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", snap.Ref.ID, err)
	}
	return &op, nil
}
