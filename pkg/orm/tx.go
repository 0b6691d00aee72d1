package orm

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// maxFlushRounds bounds the recompute-write-delete cycles of one Flush.
const maxFlushRounds = 32

// relationOps holds staged join-table changes in the orientation of rel.
type relationOps struct {
	rel    types.Relation
	add    map[types.Pair]struct{}
	remove map[types.Pair]struct{}
}

// session is the state shared by a transaction and its privileged views.
type session struct {
	ctx    context.Context
	id     string
	engine *Engine
	cache  *EntityCache
	log    *zap.SugaredLogger

	towrite   map[*Collection]map[int64]types.Row
	relations map[string]*relationOps
	tocompute map[*Attribute]map[int64]struct{}
	protected map[*Attribute]map[int64]int
	todelete  map[*Collection]map[int64]struct{}
	created   map[*Collection]map[int64]struct{}
	known     map[*Collection]map[int64]bool

	nextNew int64
	groups  map[string]bool
	company int64
	sudo    bool
	closed  bool
}

// Tx is a unit of work: a cache, a pending-write buffer and the set of
// stale computed values. A Tx must be used from one goroutine at a time.
type Tx struct {
	s  *session
	su bool
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.s.id }

// Context returns the context the transaction was begun with.
func (tx *Tx) Context() context.Context { return tx.s.ctx }

// Company returns the company selected for company-dependent attributes.
func (tx *Tx) Company() int64 { return tx.s.company }

// HasGroup reports whether the caller holds an access tag.
func (tx *Tx) HasGroup(g string) bool { return tx.s.groups[g] }

// IsSudo reports whether access checks are bypassed.
func (tx *Tx) IsSudo() bool { return tx.su }

// Cache exposes the transaction cache.
func (tx *Tx) Cache() *EntityCache { return tx.s.cache }

// Registry returns the schema registry.
func (tx *Tx) Registry() *Registry { return tx.s.engine.registry }

// Sudo returns a privileged view of the same transaction.
func (tx *Tx) Sudo() *Tx {
	return tx.sudo()
}

func (tx *Tx) sudo() *Tx {
	if tx.su {
		return tx
	}
	return &Tx{s: tx.s, su: true}
}

func (tx *Tx) checkOpen() error {
	if tx.s.closed {
		return types.ErrTxClosed
	}
	return nil
}

func (tx *Tx) collection(name string) (*Collection, error) {
	return tx.s.engine.registry.Collection(name)
}

func (tx *Tx) checkAccess(a *Attribute, op string) error {
	if tx.su || a.groups == nil {
		return nil
	}
	for g := range tx.s.groups {
		if a.groups[g] {
			return nil
		}
	}
	return &types.AccessDeniedError{Collection: a.collection.name, Attribute: a.name, Operation: op}
}

// Browse returns the entities of a collection with the given ids. No
// existence check is made.
func (tx *Tx) Browse(collection string, ids ...int64) (EntitySet, error) {
	c, err := tx.collection(collection)
	if err != nil {
		return EntitySet{}, err
	}
	return tx.browse(c, uniqueIDs(ids), nil), nil
}

func (tx *Tx) browse(c *Collection, ids []int64, prefetch []int64) EntitySet {
	if prefetch == nil {
		prefetch = ids
	}
	return EntitySet{tx: tx, coll: c, ids: ids, prefetch: prefetch}
}

// Search flushes pending changes and returns the entities matching domain
// in ascending id order.
func (tx *Tx) Search(collection string, domain types.Domain) (EntitySet, error) {
	c, err := tx.collection(collection)
	if err != nil {
		return EntitySet{}, err
	}
	if err := domain.Validate(); err != nil {
		return EntitySet{}, fmt.Errorf("search %s: %w", collection, err)
	}
	for _, f := range domain.Fields() {
		if _, err := c.mustAttr(f); err != nil {
			return EntitySet{}, err
		}
	}
	if err := tx.Flush(); err != nil {
		return EntitySet{}, err
	}
	ids, err := tx.s.engine.store.Search(tx.s.ctx, c.name, domain)
	if err != nil {
		return EntitySet{}, fmt.Errorf("search %s: %w", collection, err)
	}
	return tx.browse(c, ids, nil), nil
}

// Invalidate drops cache entries so the next read fetches or recomputes
// them. Pending writes are kept.
func (tx *Tx) Invalidate(entries ...Invalidation) {
	tx.s.cache.Invalidate(entries...)
}

// InvalidateAll drops the whole cache. Pending writes are flushed first so
// that no change is lost.
func (tx *Tx) InvalidateAll() error {
	if err := tx.Flush(); err != nil {
		return err
	}
	tx.s.cache.InvalidateAll()
	clear(tx.s.known)
	return nil
}

// Commit flushes every pending change and closes the transaction.
func (tx *Tx) Commit() error {
	if err := tx.Flush(); err != nil {
		return err
	}
	tx.s.log.Debugw("transaction committed")
	tx.s.closed = true
	return nil
}

// Rollback discards unflushed changes and the cache, and closes the
// transaction. Changes already flushed to the store are the store's to
// undo.
func (tx *Tx) Rollback() error {
	s := tx.s
	if s.closed {
		return nil
	}
	s.log.Debugw("transaction rolled back",
		"pending", len(s.towrite), "relations", len(s.relations), "deletions", len(s.todelete))
	clear(s.towrite)
	clear(s.relations)
	clear(s.todelete)
	clear(s.tocompute)
	clear(s.created)
	clear(s.known)
	s.cache.InvalidateAll()
	s.closed = true
	return nil
}

// New returns an in-memory entity with a negative id. It is never
// persisted; its values live in the cache only.
func (tx *Tx) New(collection string, values map[string]any) (EntitySet, error) {
	if err := tx.checkOpen(); err != nil {
		return EntitySet{}, err
	}
	c, err := tx.collection(collection)
	if err != nil {
		return EntitySet{}, err
	}
	tx.s.nextNew--
	id := tx.s.nextNew
	ids, err := tx.createRecords(c, []map[string]any{values}, []int64{id})
	if err != nil {
		return EntitySet{}, err
	}
	return tx.browse(c, ids, nil), nil
}

// Create inserts one entity per values map and populates the cache with
// the written values. Relational values are applied once the rows exist.
func (tx *Tx) Create(collection string, values ...map[string]any) (EntitySet, error) {
	if err := tx.checkOpen(); err != nil {
		return EntitySet{}, err
	}
	c, err := tx.collection(collection)
	if err != nil {
		return EntitySet{}, err
	}
	ids, err := tx.createRecords(c, values, nil)
	if err != nil {
		return EntitySet{}, err
	}
	return tx.browse(c, ids, nil), nil
}

// Unlink schedules entities for deletion. Delete policies of many2one
// attributes pointing at them are enforced by Flush. Pending writes of the
// entities are dropped, and stay dropped if a restrict policy later
// cancels the deletion.
func (tx *Tx) Unlink(collection string, ids ...int64) error {
	c, err := tx.collection(collection)
	if err != nil {
		return err
	}
	return tx.unlink(c, uniqueIDs(ids))
}

func (tx *Tx) unlink(c *Collection, ids []int64) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.forget(c, ids); err != nil {
		return err
	}
	s := tx.s
	for _, id := range ids {
		if id < 0 {
			delete(s.created[c], id)
			continue
		}
		if s.todelete[c] == nil {
			s.todelete[c] = make(map[int64]struct{})
		}
		s.todelete[c][id] = struct{}{}
	}
	s.log.Debugw("records scheduled for deletion", "collection", c.name, "ids", ids)
	return nil
}

// forget removes every trace of entities from the transaction: dependents
// are marked stale, the entities are removed from cached to-many values,
// and their cache entries, stale marks and pending writes are dropped.
func (tx *Tx) forget(c *Collection, ids []int64) error {
	s := tx.s
	var rel []*Attribute
	for _, a := range c.ordered {
		if a.kind.Relational() {
			rel = append(rel, a)
		}
	}
	if err := tx.modified(rel, ids, true); err != nil {
		return err
	}
	gone := make(map[int64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	for _, other := range s.engine.registry.Collections() {
		for _, a := range other.ordered {
			if !a.kind.ToMany() || a.comodel != c {
				continue
			}
			for _, owner := range s.cache.CachedIDs(a) {
				v, _ := s.cache.Get(a, owner)
				cur, _ := v.([]int64)
				kept := cur[:0:0]
				for _, id := range cur {
					if !gone[id] {
						kept = append(kept, id)
					}
				}
				if len(kept) != len(cur) {
					s.cache.SetOne(a, owner, kept)
				}
			}
		}
	}
	s.cache.dropRecords(c, ids)
	for _, a := range c.ordered {
		for _, id := range ids {
			delete(s.tocompute[a], id)
		}
	}
	for _, id := range ids {
		delete(s.towrite[c], id)
		if id > 0 {
			s.setKnown(c, id, false)
		}
	}
	return nil
}

func (s *session) setKnown(c *Collection, id int64, exists bool) {
	if s.known[c] == nil {
		s.known[c] = make(map[int64]bool)
	}
	s.known[c][id] = exists
}

// existing returns the subset of ids that exist, in order.
func (tx *Tx) existing(c *Collection, ids []int64) ([]int64, error) {
	s := tx.s
	var unknown []int64
	for _, id := range ids {
		if id < 0 {
			continue
		}
		if _, deleted := s.todelete[c][id]; deleted {
			continue
		}
		if _, ok := s.known[c][id]; !ok {
			unknown = append(unknown, id)
		}
	}
	for len(unknown) > 0 {
		n := min(len(unknown), s.engine.prefetchMax)
		batch := unknown[:n]
		unknown = unknown[n:]
		rows, err := s.engine.store.Fetch(s.ctx, c.name, nil, batch)
		if err != nil {
			return nil, fmt.Errorf("check existence in %s: %w", c.name, err)
		}
		for _, id := range batch {
			_, ok := rows[id]
			s.setKnown(c, id, ok)
		}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			if _, ok := s.created[c][id]; ok {
				out = append(out, id)
			}
			continue
		}
		if _, deleted := s.todelete[c][id]; deleted {
			continue
		}
		if s.known[c][id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// stage records a persisted-format value for the next flush.
func (s *session) stage(a *Attribute, id int64, v any) error {
	col, err := a.codec.column(v)
	if err != nil {
		return a.valueError(v, err)
	}
	rows := s.towrite[a.collection]
	if rows == nil {
		rows = make(map[int64]types.Row)
		s.towrite[a.collection] = rows
	}
	row := rows[id]
	if row == nil {
		row = types.Row{}
		rows[id] = row
	}
	row[a.name] = col
	return nil
}

func (s *session) unstage(a *Attribute, ids []int64) {
	rows := s.towrite[a.collection]
	for _, id := range ids {
		if row, ok := rows[id]; ok {
			delete(row, a.name)
			if len(row) == 0 {
				delete(rows, id)
			}
		}
	}
}

// stageRelation records a join-table change. Pairs are kept in the
// orientation of the first relation staged for the table.
func (s *session) stageRelation(rel types.Relation, left, right int64, add bool) {
	ops, ok := s.relations[rel.Table]
	if !ok {
		ops = &relationOps{
			rel:    rel,
			add:    make(map[types.Pair]struct{}),
			remove: make(map[types.Pair]struct{}),
		}
		s.relations[rel.Table] = ops
	}
	p := types.Pair{Left: left, Right: right}
	if ops.rel != rel {
		p = types.Pair{Left: right, Right: left}
	}
	if add {
		delete(ops.remove, p)
		ops.add[p] = struct{}{}
	} else {
		delete(ops.add, p)
		ops.remove[p] = struct{}{}
	}
}

// Flush recomputes stale stored values and writes every pending change to
// the store: column updates, join-table changes, then deletions.
func (tx *Tx) Flush() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	for round := 0; round < maxFlushRounds; round++ {
		if err := tx.recomputeStored(); err != nil {
			return err
		}
		if err := tx.flushWrites(); err != nil {
			return err
		}
		if err := tx.flushRelations(""); err != nil {
			return err
		}
		if err := tx.flushDeletions(); err != nil {
			return err
		}
		if !tx.s.dirty() {
			return nil
		}
	}
	return fmt.Errorf("attrstore: flush did not settle after %d rounds", maxFlushRounds)
}

func (s *session) dirty() bool {
	if len(s.towrite) > 0 || len(s.relations) > 0 || len(s.todelete) > 0 {
		return true
	}
	for a, ids := range s.tocompute {
		if !a.stored {
			continue
		}
		for id := range ids {
			if id > 0 {
				return true
			}
		}
	}
	return false
}

func (tx *Tx) flushWrites() error {
	colls := make([]*Collection, 0, len(tx.s.towrite))
	for c := range tx.s.towrite {
		colls = append(colls, c)
	}
	sort.Slice(colls, func(i, j int) bool { return colls[i].name < colls[j].name })
	for _, c := range colls {
		if err := tx.flushCollection(c); err != nil {
			return err
		}
	}
	return nil
}

// flushCollection writes the pending rows of one collection.
func (tx *Tx) flushCollection(c *Collection) error {
	s := tx.s
	rows := s.towrite[c]
	delete(s.towrite, c)
	if len(rows) == 0 {
		return nil
	}
	if err := s.engine.store.Flush(s.ctx, c.name, rows); err != nil {
		return fmt.Errorf("flush %s: %w", c.name, err)
	}
	s.log.Debugw("flushed rows", "collection", c.name, "count", len(rows))
	return nil
}

// flushRelations writes staged join-table changes, of one table or of all
// tables when table is empty.
func (tx *Tx) flushRelations(table string) error {
	s := tx.s
	names := make([]string, 0, len(s.relations))
	for name := range s.relations {
		if table == "" || name == table {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		ops := s.relations[name]
		delete(s.relations, name)
		if len(ops.remove) > 0 {
			if err := s.engine.store.RemoveRelation(s.ctx, ops.rel, sortedPairs(ops.remove)); err != nil {
				return fmt.Errorf("flush relation %s: %w", name, err)
			}
		}
		if len(ops.add) > 0 {
			if err := s.engine.store.AddRelation(s.ctx, ops.rel, sortedPairs(ops.add)); err != nil {
				return fmt.Errorf("flush relation %s: %w", name, err)
			}
		}
	}
	return nil
}

func sortedPairs(m map[types.Pair]struct{}) []types.Pair {
	out := make([]types.Pair, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Left != out[j].Left {
			return out[i].Left < out[j].Left
		}
		return out[i].Right < out[j].Right
	})
	return out
}

func sortedIDs(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cancelDeletions takes every scheduled deletion back out of the schedule.
// The records are read from the store again and reappear in cached to-many
// values of persisted records.
func (tx *Tx) cancelDeletions() {
	s := tx.s
	for c, ids := range s.todelete {
		for id := range ids {
			delete(s.known[c], id)
		}
		for _, other := range s.engine.registry.Collections() {
			for _, a := range other.ordered {
				if !a.kind.ToMany() || a.comodel != c {
					continue
				}
				var owners []int64
				for _, id := range s.cache.CachedIDs(a) {
					if id > 0 {
						owners = append(owners, id)
					}
				}
				if len(owners) > 0 {
					s.cache.Invalidate(Invalidation{Attribute: a, IDs: owners})
				}
			}
		}
	}
	s.log.Debugw("deletions cancelled", "collections", len(s.todelete))
	s.todelete = make(map[*Collection]map[int64]struct{})
}

type deletion struct {
	coll *Collection
	ids  []int64
}

// flushDeletions applies delete policies and removes scheduled entities.
// A restrict policy refuses the whole flush before anything is deleted.
func (tx *Tx) flushDeletions() error {
	s := tx.s
	if len(s.todelete) == 0 {
		return nil
	}
	closure := make(map[*Collection]map[int64]struct{}, len(s.todelete))
	var queue []deletion
	for c, ids := range s.todelete {
		closure[c] = make(map[int64]struct{}, len(ids))
		for id := range ids {
			closure[c][id] = struct{}{}
		}
		queue = append(queue, deletion{c, sortedIDs(ids)})
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].coll.name < queue[j].coll.name })

	type nulling struct {
		attr *Attribute
		ids  []int64
	}
	var nulls []nulling
	var cascaded []deletion
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		for _, r := range d.coll.referrers {
			found, err := s.engine.store.Search(s.ctx, r.collection.name,
				types.Domain{types.Cond(r.name, types.OpIn, d.ids)})
			if err != nil {
				return fmt.Errorf("find references to %s: %w", d.coll.name, err)
			}
			var refs []int64
			for _, id := range found {
				if _, ok := closure[r.collection][id]; !ok {
					refs = append(refs, id)
				}
			}
			if len(refs) == 0 {
				continue
			}
			switch r.onDelete {
			case types.OnDeleteRestrict:
				tx.cancelDeletions()
				return &types.IntegrityError{
					Collection: r.collection.name,
					Attribute:  r.name,
					IDs:        refs,
					Reason:     fmt.Sprintf("still reference %s records %v", d.coll.name, d.ids),
				}
			case types.OnDeleteCascade:
				if closure[r.collection] == nil {
					closure[r.collection] = make(map[int64]struct{})
				}
				for _, id := range refs {
					closure[r.collection][id] = struct{}{}
				}
				queue = append(queue, deletion{r.collection, refs})
				cascaded = append(cascaded, deletion{r.collection, refs})
			default:
				nulls = append(nulls, nulling{r, refs})
			}
		}
	}

	for _, d := range cascaded {
		if err := tx.forget(d.coll, d.ids); err != nil {
			return err
		}
	}
	for _, n := range nulls {
		var ids []int64
		rows := make(map[int64]types.Row)
		for _, id := range n.ids {
			if _, ok := closure[n.attr.collection][id]; ok {
				continue
			}
			ids = append(ids, id)
			rows[id] = types.Row{n.attr.name: nil}
		}
		if len(ids) == 0 {
			continue
		}
		if err := tx.modified([]*Attribute{n.attr}, ids, true); err != nil {
			return err
		}
		if err := s.engine.store.Flush(s.ctx, n.attr.collection.name, rows); err != nil {
			return fmt.Errorf("clear %s: %w", n.attr, err)
		}
		for _, id := range ids {
			if s.cache.Contains(n.attr, id) {
				s.cache.SetOne(n.attr, id, int64(0))
			}
		}
		if err := tx.modified([]*Attribute{n.attr}, ids, false); err != nil {
			return err
		}
	}

	colls := make([]*Collection, 0, len(closure))
	for c := range closure {
		colls = append(colls, c)
	}
	sort.Slice(colls, func(i, j int) bool { return colls[i].name < colls[j].name })
	for _, c := range colls {
		ids := sortedIDs(closure[c])
		if err := s.engine.store.Delete(s.ctx, c.name, ids); err != nil {
			return fmt.Errorf("delete from %s: %w", c.name, err)
		}
		for _, id := range ids {
			s.setKnown(c, id, false)
		}
		s.log.Debugw("deleted records", "collection", c.name, "ids", ids)
	}
	s.todelete = make(map[*Collection]map[int64]struct{})
	return nil
}
