// Package store is the document-store layer used by every repository in the
// core. Documents are JSON objects addressed by (collection, id).
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for tests and single-node development.
//   - PostgresStore: durable, backed by a jsonb table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no document exists for the requested id.
var ErrNotFound = errors.New("document not found")

// ErrUnavailable marks a transient backend fault. Callers may retry.
var ErrUnavailable = errors.New("document store unavailable")

// Collection names used by the core.
const (
	CollectionUsers              = "users"
	CollectionUserRegions        = "userRegions"
	CollectionRegionCodes        = "regionCodes"
	CollectionAccounts           = "accounts"
	CollectionEmailVerifications = "emailVerifications"
)

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of a collection. All filters must match.
type Query struct {
	Where   []Filter
	OrderBy string // top-level field; empty keeps store order
	Desc    bool
	Limit   int // 0 means no limit
}

// Where is a convenience constructor for a single equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Snapshot is one document returned by a query.
type Snapshot struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the snapshot data into dst.
func (s Snapshot) Decode(dst any) error {
	if err := json.Unmarshal(s.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", s.ID, err)
	}
	return nil
}

// Store is the keyed document store consumed by the repositories.
type Store interface {
	// Get decodes the document into dst. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string, dst any) error

	// Set writes v as the full document, replacing any previous one.
	Set(ctx context.Context, collection, id string, v any) error

	// Merge shallow-merges patch into the document, creating it if absent.
	// Fields missing from patch keep their stored value.
	Merge(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns the documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
}
