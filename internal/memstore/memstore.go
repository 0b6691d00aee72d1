// Package memstore implements an in-memory backing store. It keeps every
// row in maps guarded by one mutex and is used for tests and for the
// "memory" backend.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

type table struct {
	schema types.TableSchema
	rows   map[int64]types.Row
	next   int64
}

// joinTable holds pairs in the orientation it was created with.
type joinTable struct {
	rel   types.Relation
	pairs []types.Pair
}

// Store is an in-memory types.Store.
type Store struct {
	mu        sync.RWMutex
	tables    map[string]*table
	relations map[string]*joinTable
	closed    bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables:    make(map[string]*table),
		relations: make(map[string]*joinTable),
	}
}

var _ types.Store = (*Store)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = fmt.Errorf("memstore: store is closed")

func (s *Store) table(name string) (*table, error) {
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("memstore: no table %q", name)
	}
	return t, nil
}

// EnsureSchema creates the table and join tables, or extends the column
// list of an existing table.
func (s *Store) EnsureSchema(_ context.Context, schema types.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	t, ok := s.tables[schema.Collection]
	if !ok {
		t = &table{rows: make(map[int64]types.Row)}
		s.tables[schema.Collection] = t
	}
	t.schema = schema
	for _, rel := range schema.Relations {
		if _, ok := s.relations[rel.Table]; !ok {
			s.relations[rel.Table] = &joinTable{rel: rel}
		}
	}
	return nil
}

// Fetch returns copies of the requested columns.
func (s *Store) Fetch(_ context.Context, collection string, columns []string, ids []int64) (map[int64]types.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]types.Row, len(ids))
	for _, id := range ids {
		row, ok := t.rows[id]
		if !ok {
			continue
		}
		r := make(types.Row, len(columns))
		for _, c := range columns {
			r[c] = row[c]
		}
		out[id] = r
	}
	return out, nil
}

// Insert assigns increasing ids starting at 1.
func (s *Store) Insert(_ context.Context, collection string, rows []types.Row) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	staged := make(map[int64]types.Row, len(rows))
	next := t.next
	for i, row := range rows {
		next++
		ids[i] = next
		staged[next] = maps.Clone(row)
	}
	if err := t.checkUnique(staged); err != nil {
		return nil, err
	}
	maps.Copy(t.rows, staged)
	t.next = next
	return ids, nil
}

// Flush merges partial rows into existing ones.
func (s *Store) Flush(_ context.Context, collection string, rows map[int64]types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	staged := make(map[int64]types.Row, len(rows))
	for id, partial := range rows {
		cur, ok := t.rows[id]
		if !ok {
			return &types.MissingEntityError{Collection: collection, IDs: []int64{id}}
		}
		merged := maps.Clone(cur)
		maps.Copy(merged, partial)
		staged[id] = merged
	}
	if err := t.checkUnique(staged); err != nil {
		return err
	}
	maps.Copy(t.rows, staged)
	return nil
}

// checkUnique verifies unique columns of staged rows against each other
// and against stored rows they do not replace.
func (t *table) checkUnique(staged map[int64]types.Row) error {
	for _, col := range t.schema.Columns {
		if !col.Unique {
			continue
		}
		seen := make(map[string]int64)
		add := func(id int64, row types.Row) error {
			v := row[col.Name]
			if v == nil {
				return nil
			}
			key := fmt.Sprintf("%T:%v", v, v)
			if other, dup := seen[key]; dup && other != id {
				return &types.IntegrityError{
					Collection: t.schema.Collection,
					Attribute:  col.Name,
					IDs:        []int64{other, id},
					Reason:     fmt.Sprintf("duplicate value %v", v),
				}
			}
			seen[key] = id
			return nil
		}
		for id, row := range t.rows {
			if _, replaced := staged[id]; !replaced {
				if err := add(id, row); err != nil {
					return err
				}
			}
		}
		for _, id := range sortedKeys(staged) {
			if err := add(id, staged[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes rows and the join rows referencing them.
func (s *Store) Delete(_ context.Context, collection string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	gone := make(map[int64]bool, len(ids))
	for _, id := range ids {
		delete(t.rows, id)
		gone[id] = true
	}
	for _, jt := range s.relations {
		left := jt.rel.Collection1 == collection
		right := jt.rel.Collection2 == collection
		if !left && !right {
			continue
		}
		kept := jt.pairs[:0]
		for _, p := range jt.pairs {
			if (left && gone[p.Left]) || (right && gone[p.Right]) {
				continue
			}
			kept = append(kept, p)
		}
		jt.pairs = kept
	}
	return nil
}

// Search evaluates the domain on every row.
func (s *Store) Search(_ context.Context, collection string, domain types.Domain) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, id := range sortedKeys(t.rows) {
		row := t.rows[id]
		ok, err := domain.Match(func(field string) (any, error) {
			if field == "id" {
				return id, nil
			}
			if rel, ok := t.schema.Relations[field]; ok {
				return s.linked(rel, id), nil
			}
			return row[field], nil
		})
		if err != nil {
			return nil, fmt.Errorf("memstore: search %s: %w", collection, err)
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// linked returns the Column2 ids joined to left, in insertion order.
func (s *Store) linked(rel types.Relation, left int64) []int64 {
	jt, ok := s.relations[rel.Table]
	if !ok {
		return nil
	}
	reversed := jt.rel.Column1 != rel.Column1
	out := []int64{}
	for _, p := range jt.pairs {
		if reversed {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		if p.Left == left {
			out = append(out, p.Right)
		}
	}
	return out
}

func (s *Store) joinTable(rel types.Relation) (*joinTable, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}
	jt, ok := s.relations[rel.Table]
	if !ok {
		return nil, false, fmt.Errorf("memstore: no join table %q", rel.Table)
	}
	return jt, jt.rel.Column1 != rel.Column1, nil
}

// FetchRelation returns the joined ids of each requested id.
func (s *Store) FetchRelation(_ context.Context, rel types.Relation, ids []int64) (map[int64][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, _, err := s.joinTable(rel); err != nil {
		return nil, err
	}
	out := make(map[int64][]int64, len(ids))
	for _, id := range ids {
		out[id] = s.linked(rel, id)
	}
	return out, nil
}

// AddRelation appends pairs not yet present.
func (s *Store) AddRelation(_ context.Context, rel types.Relation, pairs []types.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, reversed, err := s.joinTable(rel)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if reversed {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		found := false
		for _, q := range jt.pairs {
			if q == p {
				found = true
				break
			}
		}
		if !found {
			jt.pairs = append(jt.pairs, p)
		}
	}
	return nil
}

// RemoveRelation deletes pairs.
func (s *Store) RemoveRelation(_ context.Context, rel types.Relation, pairs []types.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, reversed, err := s.joinTable(rel)
	if err != nil {
		return err
	}
	drop := make(map[types.Pair]bool, len(pairs))
	for _, p := range pairs {
		if reversed {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		drop[p] = true
	}
	kept := jt.pairs[:0]
	for _, p := range jt.pairs {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	jt.pairs = kept
	return nil
}

// Close marks the store closed. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
