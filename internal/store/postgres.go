package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists documents to the `documents` table (see
// migrations/001_documents.up.sql). It implements the Store interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, collection, id string, dst any) error {
	var raw []byte
	q := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if err := s.db.QueryRow(ctx, q, collection, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return wrapPgError(fmt.Sprintf("get %s/%s", collection, id), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// Set implements Store.
func (s *PostgresStore) Set(ctx context.Context, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	q := `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, q, collection, id, raw, time.Now().UTC()); err != nil {
		return wrapPgError(fmt.Sprintf("set %s/%s", collection, id), err)
	}
	return nil
}

// Merge implements Store. The jsonb `||` operator gives shallow-merge semantics.
func (s *PostgresStore) Merge(ctx context.Context, collection, id string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	q := `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, q, collection, id, raw, time.Now().UTC()); err != nil {
		return wrapPgError(fmt.Sprintf("merge %s/%s", collection, id), err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	q := `DELETE FROM documents WHERE collection = $1 AND id = $2`
	if _, err := s.db.Exec(ctx, q, collection, id); err != nil {
		return wrapPgError(fmt.Sprintf("delete %s/%s", collection, id), err)
	}
	return nil
}

// Query implements Store. Equality filters are combined into a single jsonb
// containment predicate.
func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	contains := make(map[string]any, len(q.Where))
	for _, f := range q.Where {
		contains[f.Field] = f.Value
	}
	filterJSON, err := json.Marshal(contains)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	var b strings.Builder
	args := []any{collection, filterJSON}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = $1 AND data @> $2::jsonb`)
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, " ORDER BY data -> $%d", len(args))
		if q.Desc {
			b.WriteString(" DESC")
		}
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, wrapPgError("query "+collection, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var raw []byte
		if err := rows.Scan(&snap.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		snap.Data = raw
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("query "+collection, err)
	}
	return out, nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return wrapPgError("ping", err)
	}
	return nil
}

// wrapPgError tags connection-level and retryable failures with ErrUnavailable
// so the call executor classifies them as transient.
func wrapPgError(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exceptions, 57P operator intervention, 40001 serialization failure.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") || pgErr.Code == "40001"
	}
	return false
}
