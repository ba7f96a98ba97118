// Package reconcile merges provider events into keyed row stores and hands
// minimal batched diffs to the UI layer.
package reconcile

import (
	"github.com/nndrao/gridfeed/internal/schema"
)

// RowStore is a keyed row map. Values are replaced wholesale on update; there
// is no field-level merge. Not safe for concurrent use; the owning consumer
// serialises access.
type RowStore struct {
	keyColumn string
	rows      map[string]schema.Row
}

// NewRowStore creates an empty store keyed by the given column.
func NewRowStore(keyColumn string) *RowStore {
	return &RowStore{
		keyColumn: keyColumn,
		rows:      make(map[string]schema.Row),
	}
}

// Len returns the number of stored rows.
func (s *RowStore) Len() int { return len(s.rows) }

// Get returns the row for the key.
func (s *RowStore) Get(key string) (schema.Row, bool) {
	row, ok := s.rows[key]
	return row, ok
}

// Upsert stores the row under its key column. Returns the key and whether a
// row already existed. ok is false when the row has no usable key; such rows
// cannot be reconciled and are skipped by callers.
func (s *RowStore) Upsert(row schema.Row) (key string, existed, ok bool) {
	key, ok = row.Key(s.keyColumn)
	if !ok {
		return "", false, false
	}
	_, existed = s.rows[key]
	s.rows[key] = row
	return key, existed, true
}

// Delete removes the row under the key, reporting whether it was present.
func (s *RowStore) Delete(key string) bool {
	if _, ok := s.rows[key]; !ok {
		return false
	}
	delete(s.rows, key)
	return true
}

// Keys returns the stored keys in unspecified order.
func (s *RowStore) Keys() []string {
	keys := make([]string, 0, len(s.rows))
	for key := range s.rows {
		keys = append(keys, key)
	}
	return keys
}

// Clear empties the store and returns the removed keys.
func (s *RowStore) Clear() []string {
	keys := s.Keys()
	s.rows = make(map[string]schema.Row)
	return keys
}
