package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-mindmap-sync/doc"
)

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL-backed implementation of DocumentStore.
// Snapshots live as jsonb on the documents table; the history is one row per
// sequenced operation with (doc_id, seq) as the key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgresStore connects to the given database URL and runs migrations.
func OpenPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id         text PRIMARY KEY,
			snapshot   jsonb NOT NULL,
			seq        bigint NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		);
		CREATE TABLE IF NOT EXISTS operations (
			doc_id  text NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			seq     bigint NOT NULL,
			payload jsonb NOT NULL,
			PRIMARY KEY (doc_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, d *doc.Document) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, snapshot, seq, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, blob, d.Seq, d.CreatedAt, d.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("document %q: %w", d.ID, ErrExists)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*doc.Document, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM documents WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var d doc.Document
	if err := json.Unmarshal(blob, &d); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", id, err)
	}
	return &d, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DocumentInfo
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var d doc.Document
		if err := json.Unmarshal(blob, &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		result = append(result, infoOf(&d))
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateSnapshot(ctx context.Context, d *doc.Document) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET snapshot = $2, seq = $3, updated_at = $4 WHERE id = $1`,
		d.ID, blob, d.Seq, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendOperation(ctx context.Context, id string, op *doc.Operation) error {
	blob, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	// ON CONFLICT DO NOTHING keeps redelivered appends idempotent.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO operations (doc_id, seq, payload) VALUES ($1, $2, $3) ON CONFLICT (doc_id, seq) DO NOTHING`,
		id, op.Sequence, blob)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetOperations(ctx context.Context, id string, fromSeq int64) ([]*doc.Operation, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM operations WHERE doc_id = $1 AND seq > $2 ORDER BY seq`,
		id, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*doc.Operation
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var op doc.Operation
		if err := json.Unmarshal(blob, &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
