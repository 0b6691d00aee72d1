package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cast"

	"github.com/mesh-intelligence/attrstore/pkg/orm"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Stats counts the entities written or read per collection.
type Stats map[string]int

// dumped reports whether an attribute is part of an archive: stored and
// not derived from other attributes.
func dumped(a *orm.Attribute) bool {
	return a.Stored() && !a.Computed() && a.Kind() != types.KindOne2Many
}

// Dump writes every stored, non-computed attribute of every collection to
// dir. Many2one values are written as bare ids.
func Dump(tx *orm.Tx, dir string) (Stats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	stats := make(Stats)
	for _, c := range tx.Registry().Collections() {
		var names []string
		for _, a := range c.Attributes() {
			if dumped(a) {
				names = append(names, a.Name())
			}
		}
		set, err := tx.Search(c.Name(), nil)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		if !set.IsEmpty() {
			if rows, err = set.Read(append([]string{"id"}, names...)...); err != nil {
				return nil, fmt.Errorf("read %s: %w", c.Name(), err)
			}
		}
		records := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			for k, v := range row {
				if ref, ok := v.(types.Ref); ok {
					row[k] = ref.ID
				}
			}
			b, err := json.Marshal(row)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", c.Name(), err)
			}
			records = append(records, b)
		}
		if err := Write(filepath.Join(dir, FileName(c.Name())), records); err != nil {
			return nil, err
		}
		stats[c.Name()] = len(records)
	}
	return stats, nil
}

// Load creates the entities of every collection file found in dir. Ids in
// the files are remapped to the ids the store assigns; relational values
// are rewritten accordingly. Unknown keys are ignored and malformed lines
// skipped. Nothing is flushed: the caller commits or rolls back tx.
func Load(tx *orm.Tx, dir string) (Stats, error) {
	colls := loadOrder(tx.Registry().Collections())
	files := make(map[string][]map[string]any, len(colls))
	for _, c := range colls {
		raw, err := Read(filepath.Join(dir, FileName(c.Name())))
		if err != nil {
			return nil, err
		}
		for _, r := range raw {
			var rec map[string]any
			if err := json.Unmarshal(r, &rec); err != nil {
				continue
			}
			files[c.Name()] = append(files[c.Name()], rec)
		}
	}

	idmap := make(map[string]map[int64]int64, len(colls))
	loaded := make(map[string]bool, len(colls))
	stats := make(Stats)
	type deferred struct {
		coll   *orm.Collection
		id     int64
		values map[string]any
	}
	var later []deferred

	for _, c := range colls {
		recs := files[c.Name()]
		idmap[c.Name()] = make(map[int64]int64, len(recs))
		now := make([]map[string]any, 0, len(recs))
		post := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			first, second := make(map[string]any), make(map[string]any)
			for _, a := range c.Attributes() {
				v, ok := rec[a.Name()]
				if !ok || !dumped(a) {
					continue
				}
				if deferrable(a, c, loaded) {
					second[a.Name()] = v
				} else {
					first[a.Name()] = remap(a, v, idmap)
				}
			}
			now = append(now, first)
			post = append(post, second)
		}
		if len(now) == 0 {
			loaded[c.Name()] = true
			continue
		}
		created, err := tx.Create(c.Name(), now...)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", c.Name(), err)
		}
		for i, id := range created.IDs() {
			if old, err := cast.ToInt64E(recs[i]["id"]); err == nil {
				idmap[c.Name()][old] = id
			}
			if len(post[i]) > 0 {
				later = append(later, deferred{coll: c, id: id, values: post[i]})
			}
		}
		loaded[c.Name()] = true
		stats[c.Name()] = len(now)
	}

	for _, d := range later {
		values := make(map[string]any, len(d.values))
		for name, v := range d.values {
			a, _ := d.coll.Attribute(name)
			values[name] = remap(a, v, idmap)
		}
		set, err := tx.Browse(d.coll.Name(), d.id)
		if err != nil {
			return nil, err
		}
		if err := set.Write(values); err != nil {
			return nil, fmt.Errorf("load %s %d: %w", d.coll.Name(), d.id, err)
		}
	}
	return stats, nil
}

// deferrable reports whether an attribute must wait until every
// collection is loaded: references into collections not loaded yet.
func deferrable(a *orm.Attribute, c *orm.Collection, loaded map[string]bool) bool {
	switch a.Kind() {
	case types.KindMany2Many, types.KindReference:
		return true
	case types.KindMany2One:
		return a.Comodel() == c || !loaded[a.Comodel().Name()]
	}
	return false
}

// remap rewrites archived ids of relational values to the ids assigned by
// this load. Ids with no mapping are dropped.
func remap(a *orm.Attribute, v any, idmap map[string]map[int64]int64) any {
	if v == nil {
		return nil
	}
	switch a.Kind() {
	case types.KindMany2One:
		if m, ok := v.(map[string]any); ok {
			v = m["id"]
		}
		old, err := cast.ToInt64E(v)
		if err != nil {
			return v
		}
		return idmap[a.Comodel().Name()][old]
	case types.KindMany2Many:
		olds, err := cast.ToSliceE(v)
		if err != nil {
			return v
		}
		ids := make([]int64, 0, len(olds))
		for _, o := range olds {
			if id, ok := idmap[a.Comodel().Name()][cast.ToInt64(o)]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	case types.KindReference:
		ref, err := types.ParseReference(cast.ToString(v))
		if err != nil {
			return v
		}
		id, ok := idmap[ref.Collection][ref.ID]
		if !ok {
			return nil
		}
		return types.Reference{Collection: ref.Collection, ID: id}.String()
	}
	return v
}

// loadOrder sorts collections so that the comodels of many2one attributes
// come before the collections referencing them, cycles aside.
func loadOrder(colls []*orm.Collection) []*orm.Collection {
	var (
		out   []*orm.Collection
		state = make(map[*orm.Collection]int)
		visit func(c *orm.Collection)
	)
	visit = func(c *orm.Collection) {
		if state[c] != 0 {
			return
		}
		state[c] = 1
		for _, a := range c.Attributes() {
			if a.Kind() == types.KindMany2One && dumped(a) && a.Comodel() != c {
				visit(a.Comodel())
			}
		}
		state[c] = 2
		out = append(out, c)
	}
	for _, c := range colls {
		visit(c)
	}
	return out
}
