package orm

import (
	"errors"
	"sort"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

func (s *session) isStale(a *Attribute, id int64) bool {
	_, ok := s.tocompute[a][id]
	return ok
}

func (s *session) markToCompute(a *Attribute, id int64) bool {
	m := s.tocompute[a]
	if m == nil {
		m = make(map[int64]struct{})
		s.tocompute[a] = m
	}
	if _, ok := m[id]; ok {
		return false
	}
	m[id] = struct{}{}
	return true
}

func (s *session) isProtected(a *Attribute, id int64) bool {
	return s.protected[a][id] > 0
}

func (s *session) protect(a *Attribute, ids []int64) {
	m := s.protected[a]
	if m == nil {
		m = make(map[int64]int)
		s.protected[a] = m
	}
	for _, id := range ids {
		m[id]++
	}
}

func (s *session) unprotect(a *Attribute, ids []int64) {
	m := s.protected[a]
	for _, id := range ids {
		if m[id]--; m[id] <= 0 {
			delete(m, id)
		}
	}
}

// recompute computes a on id and on as many related records as fit in one
// batch. Recursive attributes are computed one record at a time.
func (tx *Tx) recompute(a *Attribute, id int64, prefetch []int64) error {
	s := tx.s
	batch := []int64{id}
	if !a.def.Recursive {
		limit := s.engine.prefetchMax
		if a.stored {
			// every stale record of the attribute, the requested one first
			for _, other := range sortedIDs(s.tocompute[a]) {
				if len(batch) >= limit {
					break
				}
				if other != id && !s.isProtected(a, other) {
					batch = append(batch, other)
				}
			}
		} else {
			var candidates []int64
			for _, other := range prefetch {
				if other != id && !s.isProtected(a, other) {
					candidates = append(candidates, other)
				}
			}
			batch = extendBatch(s.cache, a, id, candidates, limit)
		}
	}
	return tx.computeBatch(a, batch)
}

// computeBatch runs the compute function of a once for ids. On failure the
// records are stale again and nothing the function assigned is kept.
func (tx *Tx) computeBatch(a *Attribute, ids []int64) error {
	s := tx.s
	s.protect(a, ids)
	defer s.unprotect(a, ids)
	for _, id := range ids {
		delete(s.tocompute[a], id)
	}
	records := EntitySet{tx: tx.sudo(), coll: a.collection, ids: ids, prefetch: ids}
	err := a.compute(records)
	if err != nil {
		if a.stored {
			for _, id := range ids {
				s.markToCompute(a, id)
			}
			s.unstage(a, ids)
		}
		s.cache.Invalidate(Invalidation{Attribute: a, IDs: ids})
		s.log.Debugw("compute failed", "attribute", a.String(), "ids", ids, "error", err)
		var ce *types.ComputeError
		if errors.As(err, &ce) {
			return err
		}
		return &types.ComputeError{
			Collection: a.collection.name,
			Attribute:  a.name,
			IDs:        ids,
			Err:        err,
		}
	}
	missing := s.cache.MissingIDs(a, ids, 0)
	nulls := make([]any, len(missing))
	for i := range missing {
		nulls[i] = a.codec.null()
	}
	s.cache.Set(a, missing, nulls)
	if !a.stored {
		return nil
	}
	for i, id := range missing {
		if id > 0 {
			if err := s.stage(a, id, nulls[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// recomputeStored computes every stale stored value of persisted records.
func (tx *Tx) recomputeStored() error {
	s := tx.s
	for round := 0; round < maxFlushRounds; round++ {
		progress := false
		for _, c := range s.engine.registry.Collections() {
			for _, a := range c.ordered {
				if !a.stored || a.compute == nil {
					continue
				}
				var ids []int64
				for _, id := range sortedIDs(s.tocompute[a]) {
					if _, deleted := s.todelete[c][id]; id > 0 && !deleted {
						ids = append(ids, id)
					}
				}
				if len(ids) == 0 {
					continue
				}
				progress = true
				size := s.engine.prefetchMax
				if a.def.Recursive {
					size = 1
				}
				for len(ids) > 0 {
					n := min(size, len(ids))
					chunk := ids[:n]
					ids = ids[n:]
					var stale []int64
					for _, id := range chunk {
						if s.isStale(a, id) {
							stale = append(stale, id)
						}
					}
					if len(stale) == 0 {
						continue
					}
					if err := tx.computeBatch(a, stale); err != nil {
						return err
					}
				}
			}
		}
		if !progress {
			return nil
		}
	}
	return nil
}

// modified marks stale every computed value depending on attrs of the
// given records. With before set, it runs ahead of a relational write so
// that records reached through the old value are marked too.
func (tx *Tx) modified(attrs []*Attribute, ids []int64, before bool) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.propagate(attrs, ids, before, make(map[*Attribute]map[int64]bool))
}

func (tx *Tx) propagate(attrs []*Attribute, ids []int64, before bool, visited map[*Attribute]map[int64]bool) error {
	triggers := tx.s.engine.registry.triggers
	for _, f := range attrs {
		for _, t := range triggers[f] {
			if before && (len(t.path) == 0 || !f.kind.Relational()) {
				continue
			}
			targets, err := tx.reverse(t.path, ids)
			if err != nil {
				return err
			}
			if err := tx.markStale(t.target, targets, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// markStale invalidates target on ids: stored values are queued for
// recomputation, other values are dropped from cache. Dependents of target
// are marked in turn.
func (tx *Tx) markStale(target *Attribute, ids []int64, visited map[*Attribute]map[int64]bool) error {
	s := tx.s
	seen := visited[target]
	if seen == nil {
		seen = make(map[int64]bool)
		visited[target] = seen
	}
	var fresh []int64
	for _, id := range ids {
		if seen[id] || s.isProtected(target, id) {
			continue
		}
		if _, deleted := s.todelete[target.collection][id]; deleted {
			continue
		}
		seen[id] = true
		fresh = append(fresh, id)
		if target.stored {
			s.markToCompute(target, id)
		} else {
			s.cache.Invalidate(Invalidation{Attribute: target, IDs: []int64{id}})
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return tx.propagate([]*Attribute{target}, fresh, false, visited)
}

// reverse walks a dependency path backwards from records at its end and
// returns the records at its start.
func (tx *Tx) reverse(path []*Attribute, ids []int64) ([]int64, error) {
	for i := len(path) - 1; i >= 0 && len(ids) > 0; i-- {
		var err error
		ids, err = tx.inverseLookup(path[i], ids)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// inverseLookup returns the records of step's collection whose value of
// step contains one of ids.
func (tx *Tx) inverseLookup(step *Attribute, ids []int64) ([]int64, error) {
	s := tx.s
	sudo := tx.sudo()
	out := make(map[int64]struct{})

	switch {
	case step.kind == types.KindOne2Many && step.inverse != nil:
		for _, id := range ids {
			v, err := sudo.rawValue(step.inverse, id, ids)
			if errors.Is(err, types.ErrMissingEntity) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if owner, _ := v.(int64); owner != 0 {
				out[owner] = struct{}{}
			}
		}
	case step.kind == types.KindMany2Many && step.inverse != nil:
		for _, id := range ids {
			v, err := sudo.rawValue(step.inverse, id, ids)
			if errors.Is(err, types.ErrMissingEntity) {
				continue
			}
			if err != nil {
				return nil, err
			}
			owners, _ := v.([]int64)
			for _, o := range owners {
				out[o] = struct{}{}
			}
		}
	default:
		want := make(map[int64]bool, len(ids))
		var real []int64
		for _, id := range ids {
			want[id] = true
			if id > 0 {
				real = append(real, id)
			}
		}
		for _, owner := range s.cache.CachedIDs(step) {
			raw, _ := s.cache.Get(step, owner)
			switch v := raw.(type) {
			case int64:
				if want[v] {
					out[owner] = struct{}{}
				}
			case []int64:
				for _, t := range v {
					if want[t] {
						out[owner] = struct{}{}
						break
					}
				}
			}
		}
		if step.stored && len(real) > 0 {
			found, err := s.engine.store.Search(s.ctx, step.collection.name,
				types.Domain{types.Cond(step.name, types.OpIn, real)})
			if err != nil {
				return nil, err
			}
			for _, id := range found {
				out[id] = struct{}{}
			}
		}
	}
	result := make([]int64, 0, len(out))
	for id := range out {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}
