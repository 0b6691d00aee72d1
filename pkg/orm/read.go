package orm

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cast"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// readCache returns the cache-format value of a on one record.
func (tx *Tx) readCache(a *Attribute, id int64) (any, error) {
	return tx.value(a, id, nil)
}

// value returns the cache-format value of a on record id, recomputing or
// fetching it together with the other records of prefetch when needed.
// Company-dependent values are resolved for the transaction's company.
func (tx *Tx) value(a *Attribute, id int64, prefetch []int64) (any, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if err := tx.checkAccess(a, "read"); err != nil {
		return nil, err
	}
	raw, err := tx.rawValue(a, id, prefetch)
	if err != nil {
		return nil, err
	}
	return tx.resolve(a, raw), nil
}

func (tx *Tx) resolve(a *Attribute, raw any) any {
	vals, ok := raw.(companyValues)
	if !ok {
		return raw
	}
	if v, ok := vals[tx.s.company]; ok {
		return v
	}
	if v, ok := vals[0]; ok {
		return v
	}
	return a.codec.null()
}

func (tx *Tx) rawValue(a *Attribute, id int64, prefetch []int64) (any, error) {
	s := tx.s
	if a.compute != nil && s.isStale(a, id) && !s.isProtected(a, id) {
		if err := tx.recompute(a, id, prefetch); err != nil {
			return nil, err
		}
	}
	if v, ok := s.cache.Get(a, id); ok {
		return v, nil
	}
	if s.isProtected(a, id) {
		return a.codec.null(), nil
	}
	if a.compute != nil && (!a.stored || id < 0) {
		if err := tx.recompute(a, id, prefetch); err != nil {
			return nil, err
		}
		if v, ok := s.cache.Get(a, id); ok {
			return v, nil
		}
		return a.codec.null(), nil
	}
	if id < 0 {
		if a.def.CompanyDependent {
			return companyValues{}, nil
		}
		return a.codec.null(), nil
	}
	if err := tx.fetch(a, id, prefetch); err != nil {
		return nil, err
	}
	if v, ok := s.cache.Get(a, id); ok {
		return v, nil
	}
	return nil, &types.MissingEntityError{Collection: a.collection.name, IDs: []int64{id}}
}

// fetchBatch returns id followed by the records of prefetch that are
// persisted, not scheduled for deletion and lack a value for a.
func (tx *Tx) fetchBatch(a *Attribute, id int64, prefetch []int64) []int64 {
	s := tx.s
	var candidates []int64
	for _, other := range prefetch {
		if other <= 0 || other == id {
			continue
		}
		if _, deleted := s.todelete[a.collection][other]; deleted {
			continue
		}
		candidates = append(candidates, other)
	}
	return extendBatch(s.cache, a, id, candidates, s.engine.prefetchMax)
}

// extendBatch returns id followed by the candidates lacking a value for a,
// at most limit ids in total.
func extendBatch(c *EntityCache, a *Attribute, id int64, candidates []int64, limit int) []int64 {
	batch := []int64{id}
	if limit <= 1 || len(candidates) == 0 {
		return batch
	}
	return append(batch, c.MissingIDs(a, candidates, limit-1)...)
}

func (tx *Tx) fetch(a *Attribute, id int64, prefetch []int64) error {
	batch := tx.fetchBatch(a, id, prefetch)
	switch a.kind {
	case types.KindOne2Many:
		return tx.fetchOne2Many(a, batch)
	case types.KindMany2Many:
		return tx.fetchMany2Many(a, batch)
	}
	return tx.fetchColumns(a.collection, batch)
}

// fetchColumns loads every column of the collection for a batch of
// records. Values already in cache are kept: they may hold unflushed
// writes.
func (tx *Tx) fetchColumns(c *Collection, ids []int64) error {
	s := tx.s
	var attrs []*Attribute
	var columns []string
	for _, a := range c.ordered {
		if a.hasColumn() {
			attrs = append(attrs, a)
			columns = append(columns, a.name)
		}
	}
	rows, err := s.engine.store.Fetch(s.ctx, c.name, columns, ids)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.name, err)
	}
	found := make([]int64, 0, len(rows))
	for _, id := range ids {
		_, ok := rows[id]
		s.setKnown(c, id, ok)
		if ok {
			found = append(found, id)
		}
	}
	for _, a := range attrs {
		missing := s.cache.MissingIDs(a, found, 0)
		values := make([]any, len(missing))
		for i, id := range missing {
			v, err := a.codec.decode(rows[id][a.name])
			if err != nil {
				return fmt.Errorf("decode %s of %d: %w", a, id, err)
			}
			values[i] = v
		}
		s.cache.Set(a, missing, values)
	}
	s.log.Debugw("fetched records", "collection", c.name, "requested", len(ids), "found", len(rows))
	return nil
}

// fetchOne2Many searches the comodel for records whose inverse points at
// one of ids and groups them per owner.
func (tx *Tx) fetchOne2Many(a *Attribute, ids []int64) error {
	s := tx.s
	inv := a.inverse
	co := a.comodel
	if err := tx.flushCollection(co); err != nil {
		return err
	}
	domain := append(types.Domain{types.Cond(inv.name, types.OpIn, ids)}, a.def.Domain...)
	found, err := s.engine.store.Search(s.ctx, co.name, domain)
	if err != nil {
		return fmt.Errorf("search %s: %w", co.name, err)
	}
	for _, cid := range s.cache.CachedIDs(inv) {
		if cid < 0 {
			found = append(found, cid)
		}
	}
	groups := make(map[int64][]int64, len(ids))
	for _, cid := range found {
		if _, deleted := s.todelete[co][cid]; deleted {
			continue
		}
		v, err := tx.sudo().rawValue(inv, cid, found)
		if err != nil {
			return err
		}
		owner, _ := v.(int64)
		if cid < 0 {
			if ok, err := tx.matchDomain(co, cid, a.def.Domain); err != nil || !ok {
				continue
			}
		}
		groups[owner] = append(groups[owner], cid)
	}
	missing := s.cache.MissingIDs(a, ids, 0)
	values := make([]any, len(missing))
	for i, id := range missing {
		values[i] = uniqueIDs(groups[id])
	}
	s.cache.Set(a, missing, values)
	return nil
}

func (tx *Tx) fetchMany2Many(a *Attribute, ids []int64) error {
	s := tx.s
	if err := tx.flushRelations(a.relation.Table); err != nil {
		return err
	}
	res, err := s.engine.store.FetchRelation(s.ctx, a.relation, ids)
	if err != nil {
		return fmt.Errorf("fetch relation %s: %w", a.relation.Table, err)
	}
	missing := s.cache.MissingIDs(a, ids, 0)
	values := make([]any, len(missing))
	for i, id := range missing {
		targets := make([]int64, 0, len(res[id]))
		for _, t := range res[id] {
			if _, deleted := s.todelete[a.comodel][t]; !deleted {
				targets = append(targets, t)
			}
		}
		values[i] = uniqueIDs(targets)
	}
	s.cache.Set(a, missing, values)
	return nil
}

// matchDomain evaluates domain on one record using cached or fetched
// values.
func (tx *Tx) matchDomain(c *Collection, id int64, domain types.Domain) (bool, error) {
	if len(domain) == 0 {
		return true, nil
	}
	return domain.Match(func(field string) (any, error) {
		a, err := c.mustAttr(field)
		if err != nil {
			return nil, err
		}
		v, err := tx.sudo().value(a, id, nil)
		if err != nil {
			return nil, err
		}
		if a.kind.ToMany() || a.kind == types.KindMany2One {
			return v, nil
		}
		enc := a.codec
		if cc, ok := enc.(companyCodec); ok {
			enc = cc.inner
		}
		return enc.column(v)
	})
}

// record converts a cache value into record format.
func (tx *Tx) record(a *Attribute, v any, prefetch []int64) any {
	switch a.kind {
	case types.KindMany2One:
		id, _ := v.(int64)
		var ids []int64
		if id != 0 {
			ids = []int64{id}
		}
		return tx.browse(a.comodel, ids, tx.relatedPrefetch(a, ids, prefetch))
	case types.KindOne2Many, types.KindMany2Many:
		ids, _ := v.([]int64)
		return tx.browse(a.comodel, slices.Clone(ids), tx.relatedPrefetch(a, ids, prefetch))
	case types.KindMultiSelection:
		s, _ := v.([]string)
		return slices.Clone(s)
	case types.KindBinary:
		b, _ := v.([]byte)
		return slices.Clone(b)
	}
	return v
}

// relatedPrefetch returns the targets cached for a across prefetch, so
// reading through the returned records fetches them all at once.
func (tx *Tx) relatedPrefetch(a *Attribute, ids []int64, prefetch []int64) []int64 {
	out := slices.Clone(ids)
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, p := range prefetch {
		if len(out) >= tx.s.engine.prefetchMax {
			break
		}
		raw, ok := tx.s.cache.Get(a, p)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case int64:
			if v != 0 && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		case []int64:
			for _, t := range v {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	return out
}

// displayName returns the display name of one record.
func (tx *Tx) displayName(c *Collection, id int64) (string, error) {
	if c.recName == nil {
		return c.name + "," + strconv.FormatInt(id, 10), nil
	}
	v, err := tx.sudo().value(c.recName, id, nil)
	if err != nil {
		return "", err
	}
	if c.recName.kind == types.KindMany2One {
		ref, err := c.recName.codec.wire(tx, v)
		if err != nil {
			return "", err
		}
		if r, ok := ref.(types.Ref); ok {
			return r.Name, nil
		}
		return "", nil
	}
	w, err := c.recName.codec.wire(tx, v)
	if err != nil || w == nil {
		return "", err
	}
	return cast.ToString(w), nil
}
