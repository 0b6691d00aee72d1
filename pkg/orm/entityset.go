package orm

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// EntitySet is an ordered, duplicate-free set of entities of one
// collection, bound to a transaction. Single-entity access goes through a
// set of length one.
//
// The prefetch ids of a set are the wider group of entities it was read
// from; fetches and computations triggered through the set cover them too.
type EntitySet struct {
	tx       *Tx
	coll     *Collection
	ids      []int64
	prefetch []int64
}

// Tx returns the transaction the set is bound to.
func (r EntitySet) Tx() *Tx { return r.tx }

// Collection returns the collection of the set.
func (r EntitySet) Collection() *Collection { return r.coll }

// IDs returns the entity ids in order.
func (r EntitySet) IDs() []int64 { return slices.Clone(r.ids) }

// Len returns the number of entities.
func (r EntitySet) Len() int { return len(r.ids) }

// IsEmpty reports whether the set holds no entity.
func (r EntitySet) IsEmpty() bool { return len(r.ids) == 0 }

// ID returns the id of a singleton.
func (r EntitySet) ID() (int64, error) {
	if len(r.ids) != 1 {
		return 0, fmt.Errorf("%w: %s", types.ErrNotSingleton, r)
	}
	return r.ids[0], nil
}

// Records splits the set into singletons sharing the prefetch group.
func (r EntitySet) Records() []EntitySet {
	out := make([]EntitySet, len(r.ids))
	for i, id := range r.ids {
		out[i] = EntitySet{tx: r.tx, coll: r.coll, ids: []int64{id}, prefetch: r.prefetch}
	}
	return out
}

// Sudo returns the same entities seen through a privileged transaction
// view.
func (r EntitySet) Sudo() EntitySet {
	r.tx = r.tx.sudo()
	return r
}

// Get returns the value of an attribute on a singleton in record format:
// scalars as Go values, relations as EntitySets. An empty set yields the
// attribute's null value.
func (r EntitySet) Get(name string) (any, error) {
	a, err := r.coll.mustAttr(name)
	if err != nil {
		return nil, err
	}
	switch len(r.ids) {
	case 0:
		return r.tx.record(a, a.codec.null(), nil), nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: reading %s on %s", types.ErrNotSingleton, a, r)
	}
	v, err := r.tx.value(a, r.ids[0], r.prefetch)
	if err != nil {
		return nil, err
	}
	return r.tx.record(a, v, r.prefetch), nil
}

// GetFloat reads a float or monetary attribute.
func (r EntitySet) GetFloat(name string) (float64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	return cast.ToFloat64E(v)
}

// GetInt reads an integer attribute.
func (r EntitySet) GetInt(name string) (int64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(v)
}

// GetBool reads a boolean attribute.
func (r EntitySet) GetBool(name string) (bool, error) {
	v, err := r.Get(name)
	if err != nil {
		return false, err
	}
	return cast.ToBoolE(v)
}

// GetString reads a textual attribute; null reads as "".
func (r EntitySet) GetString(name string) (string, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return "", err
	}
	return cast.ToStringE(v)
}

// GetTime reads a date or datetime attribute; null reads as the zero time.
func (r EntitySet) GetTime(name string) (time.Time, error) {
	v, err := r.Get(name)
	if err != nil || v == nil {
		return time.Time{}, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("%s.%s is not a date", r.coll.name, name)
	}
	return t, nil
}

// GetSet reads a relational attribute.
func (r EntitySet) GetSet(name string) (EntitySet, error) {
	v, err := r.Get(name)
	if err != nil {
		return EntitySet{}, err
	}
	set, ok := v.(EntitySet)
	if !ok {
		return EntitySet{}, fmt.Errorf("%s.%s is not relational", r.coll.name, name)
	}
	return set, nil
}

// Set assigns one attribute on every entity of the set.
func (r EntitySet) Set(name string, value any) error {
	return r.Write(map[string]any{name: value})
}

// Write assigns several attributes on every entity of the set. Values are
// accepted in wire or record format; to-many attributes also accept
// []types.Command.
func (r EntitySet) Write(values map[string]any) error {
	if len(r.ids) == 0 {
		return nil
	}
	_, err := r.tx.write(r.coll, r.ids, values, writeOpts{})
	return err
}

// Read returns wire-format values, one map per entity. Without names every
// attribute the caller may read is returned. The "id" key is always set.
func (r EntitySet) Read(names ...string) ([]map[string]any, error) {
	var attrs []*Attribute
	if len(names) == 0 {
		for _, a := range r.coll.ordered {
			if r.tx.checkAccess(a, "read") == nil {
				attrs = append(attrs, a)
			}
		}
	} else {
		for _, n := range names {
			if n == "id" {
				continue
			}
			a, err := r.coll.mustAttr(n)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, a)
		}
	}
	out := make([]map[string]any, 0, len(r.ids))
	for _, id := range r.ids {
		row := map[string]any{"id": id}
		for _, a := range attrs {
			v, err := r.tx.value(a, id, r.ids)
			if err != nil {
				return nil, err
			}
			w, err := a.codec.wire(r.tx, v)
			if err != nil {
				return nil, err
			}
			row[a.name] = w
		}
		out = append(out, row)
	}
	return out, nil
}

// Unlink schedules the entities for deletion.
func (r EntitySet) Unlink() error {
	return r.tx.unlink(r.coll, r.ids)
}

// Exists returns the entities still present in the store or created in
// memory by this transaction.
func (r EntitySet) Exists() (EntitySet, error) {
	ids, err := r.tx.existing(r.coll, r.ids)
	if err != nil {
		return EntitySet{}, err
	}
	return EntitySet{tx: r.tx, coll: r.coll, ids: ids, prefetch: r.prefetch}, nil
}

// Union returns the entities of r followed by those of o not already in r.
func (r EntitySet) Union(o EntitySet) EntitySet {
	ids := uniqueIDs(append(slices.Clone(r.ids), o.ids...))
	return EntitySet{tx: r.tx, coll: r.coll, ids: ids, prefetch: uniqueIDs(append(slices.Clone(r.prefetch), o.prefetch...))}
}

// Filter keeps the entities for which keep returns true.
func (r EntitySet) Filter(keep func(rec EntitySet) (bool, error)) (EntitySet, error) {
	var ids []int64
	for _, rec := range r.Records() {
		ok, err := keep(rec)
		if err != nil {
			return EntitySet{}, err
		}
		if ok {
			ids = append(ids, rec.ids[0])
		}
	}
	return EntitySet{tx: r.tx, coll: r.coll, ids: ids, prefetch: r.prefetch}, nil
}

// Along follows a dotted path of relational attributes and returns the
// union of the entities reached.
func (r EntitySet) Along(path string) (EntitySet, error) {
	cur := r
	for _, step := range strings.Split(path, ".") {
		a, err := cur.coll.mustAttr(step)
		if err != nil {
			return EntitySet{}, err
		}
		if cur, err = cur.follow(a); err != nil {
			return EntitySet{}, err
		}
	}
	return cur, nil
}

func (r EntitySet) follow(a *Attribute) (EntitySet, error) {
	if !a.kind.Relational() {
		return EntitySet{}, fmt.Errorf("%s is not relational", a)
	}
	out := EntitySet{tx: r.tx, coll: a.comodel}
	for _, rec := range r.Records() {
		v, err := rec.Get(a.name)
		if err != nil {
			return EntitySet{}, err
		}
		out = out.Union(v.(EntitySet))
	}
	return out, nil
}

// Mapped returns the record-format values of the last attribute of path
// on every entity reached through the preceding steps.
func (r EntitySet) Mapped(path string) ([]any, error) {
	cur := r
	steps := strings.Split(path, ".")
	if len(steps) > 1 {
		var err error
		if cur, err = r.Along(strings.Join(steps[:len(steps)-1], ".")); err != nil {
			return nil, err
		}
	}
	last := steps[len(steps)-1]
	out := make([]any, 0, cur.Len())
	for _, rec := range cur.Records() {
		v, err := rec.Get(last)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DisplayName returns the display name of a singleton.
func (r EntitySet) DisplayName() (string, error) {
	id, err := r.ID()
	if err != nil {
		return "", err
	}
	return r.tx.displayName(r.coll, id)
}

func (r EntitySet) String() string {
	if r.coll == nil {
		return "EntitySet()"
	}
	parts := make([]string, len(r.ids))
	for i, id := range r.ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return r.coll.name + "(" + strings.Join(parts, ", ") + ")"
}
