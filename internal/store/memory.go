package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// Documents are kept in their decoded JSON form so that Merge and Query
// behave the same way as the Postgres jsonb implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]map[string]any)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, collection, id string, dst any) error {
	m.mu.RLock()
	doc, ok := m.docs[collection][id]
	var raw []byte
	var err error
	if ok {
		raw, err = json.Marshal(doc)
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(raw, dst)
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, collection, id string, v any) error {
	doc, err := toDocument(v)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = doc
	return nil
}

// Merge implements Store.
func (m *MemoryStore) Merge(_ context.Context, collection, id string, patch map[string]any) error {
	doc, err := toDocument(patch)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	existing, ok := c[id]
	if !ok {
		c[id] = doc
		return nil
	}
	for k, v := range doc {
		existing[k] = v
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, collection string, q Query) ([]Snapshot, error) {
	filters := make([]Filter, 0, len(q.Where))
	for _, f := range q.Where {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("query %s: filter %s: %w", collection, f.Field, err)
		}
		filters = append(filters, Filter{Field: f.Field, Value: v})
	}

	m.mu.RLock()
	type match struct {
		id  string
		doc map[string]any
	}
	var matches []match
	for id, doc := range m.docs[collection] {
		if matchesAll(doc, filters) {
			matches = append(matches, match{id: id, doc: doc})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if q.OrderBy == "" {
			return matches[i].id < matches[j].id
		}
		a, b := matches[i].doc[q.OrderBy], matches[j].doc[q.OrderBy]
		if q.Desc {
			return less(b, a)
		}
		return less(a, b)
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	out := make([]Snapshot, 0, len(matches))
	for _, mt := range matches {
		raw, err := json.Marshal(mt.doc)
		if err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("encode %s/%s: %w", collection, mt.id, err)
		}
		out = append(out, Snapshot{ID: mt.id, Data: raw})
	}
	m.mu.RUnlock()
	return out, nil
}

// Len returns the number of documents in a collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func (m *MemoryStore) collection(name string) map[string]map[string]any {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]map[string]any)
		m.docs[name] = c
	}
	return c
}

// toDocument round-trips v through JSON so the stored form matches what a
// jsonb column would hold.
func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

func matchesAll(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func less(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
