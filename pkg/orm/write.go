package orm

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

var (
	errReadonly = errors.New("attribute is readonly")
	errRequired = errors.New("a value is required")
)

type writeOpts struct {
	// creating lets initial values bypass the readonly flag.
	creating bool
	// checked skips checkCommands when the caller already ran it.
	checked bool
}

// writeOrder sorts attributes in declaration order, monetary attributes
// last so that a currency written alongside them is known when they are
// rounded.
func writeOrder(attrs []*Attribute) {
	sort.SliceStable(attrs, func(i, j int) bool {
		mi, mj := attrs[i].kind == types.KindMonetary, attrs[j].kind == types.KindMonetary
		if mi != mj {
			return mj
		}
		return attrs[i].index < attrs[j].index
	})
}

// write assigns values on records. Every value is converted and validated
// before the first cache mutation. It returns, per attribute, the records
// whose value changed.
func (tx *Tx) write(c *Collection, ids []int64, values map[string]any, opts writeOpts) (map[*Attribute][]int64, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	s := tx.s
	attrs := make([]*Attribute, 0, len(values))
	for name := range values {
		a, err := c.mustAttr(name)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	writeOrder(attrs)
	for _, a := range attrs {
		if err := tx.checkAccess(a, "write"); err != nil {
			return nil, err
		}
		if a.def.Readonly && !tx.su && !opts.creating {
			return nil, a.valueError(values[a.name], errReadonly)
		}
	}

	cmds := make(map[*Attribute][]types.Command)
	conv := make(map[int64]map[*Attribute]any, len(ids))
	for _, a := range attrs {
		if !a.kind.ToMany() {
			continue
		}
		list, err := tx.toCommands(a, values[a.name])
		if err != nil {
			return nil, a.valueError(values[a.name], err)
		}
		cmds[a] = list
	}
	for _, id := range ids {
		staged := make(map[*Attribute]any, len(attrs))
		for _, a := range attrs {
			if a.kind.ToMany() {
				continue
			}
			v := values[a.name]
			cv, err := a.codec.convert(convCtx{tx: tx, id: id, staged: staged}, v)
			if err != nil {
				return nil, a.valueError(v, err)
			}
			if a.def.Required && a.isNullValue(cv) {
				return nil, a.valueError(v, errRequired)
			}
			staged[a] = cv
		}
		conv[id] = staged
	}
	if err := tx.checkTargets(attrs, conv); err != nil {
		return nil, err
	}
	if !opts.checked {
		for _, a := range attrs {
			if err := tx.checkCommands(a, cmds[a]); err != nil {
				return nil, err
			}
		}
	}

	var rel []*Attribute
	for _, a := range attrs {
		if a.kind.Relational() {
			rel = append(rel, a)
		}
	}
	if err := tx.modified(rel, ids, true); err != nil {
		return nil, err
	}

	changed := make(map[*Attribute][]int64, len(attrs))
	for _, a := range attrs {
		if a.kind.ToMany() {
			if err := tx.applyCommands(a, ids, cmds[a]); err != nil {
				return nil, err
			}
			changed[a] = ids
			continue
		}
		for _, id := range ids {
			ok, err := tx.assign(a, id, conv[id][a])
			if err != nil {
				return nil, err
			}
			if ok {
				changed[a] = append(changed[a], id)
			}
		}
	}

	for _, a := range attrs {
		if a.inverseFn == nil {
			continue
		}
		var targets []int64
		for _, id := range ids {
			if !s.isProtected(a, id) {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			continue
		}
		if err := tx.runInverse(a, targets); err != nil {
			return nil, err
		}
	}

	for _, a := range attrs {
		if err := tx.modified([]*Attribute{a}, changed[a], false); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (tx *Tx) runInverse(a *Attribute, ids []int64) error {
	s := tx.s
	s.protect(a, ids)
	defer s.unprotect(a, ids)
	records := EntitySet{tx: tx.sudo(), coll: a.collection, ids: ids, prefetch: ids}
	if err := a.inverseFn(records); err != nil {
		var ce *types.ComputeError
		if errors.As(err, &ce) {
			return err
		}
		return &types.ComputeError{Collection: a.collection.name, Attribute: a.name, IDs: ids, Err: err}
	}
	return nil
}

// checkTargets verifies that many2one values reference existing records.
func (tx *Tx) checkTargets(attrs []*Attribute, conv map[int64]map[*Attribute]any) error {
	for _, a := range attrs {
		if a.kind != types.KindMany2One || a.def.SkipCheck {
			continue
		}
		var targets []int64
		for _, vals := range conv {
			if t, _ := vals[a].(int64); t != 0 {
				targets = append(targets, t)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		if err := tx.checkExist(a.comodel, targets); err != nil {
			return err
		}
	}
	return nil
}

// checkExist fails with a MissingEntityError naming the ids that do not
// exist. New records exist while they are alive in the transaction.
func (tx *Tx) checkExist(c *Collection, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	found, err := tx.existing(c, ids)
	if err != nil {
		return err
	}
	if len(found) == len(ids) {
		return nil
	}
	var missing []int64
	for _, id := range ids {
		if !slices.Contains(found, id) {
			missing = append(missing, id)
		}
	}
	return &types.MissingEntityError{Collection: c.name, IDs: missing}
}

// checkCommands validates the commands of a to-many write before any of
// them is applied: referenced records must exist and Create and Update
// payloads must convert, recursively.
func (tx *Tx) checkCommands(a *Attribute, cmds []types.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	co := a.comodel
	var targets []int64
	for _, cmd := range cmds {
		switch cmd.Op {
		case types.CmdUpdate, types.CmdDelete, types.CmdLink:
			targets = append(targets, cmd.ID)
		case types.CmdSet:
			targets = append(targets, cmd.IDs...)
		}
	}
	if err := tx.checkExist(co, targets); err != nil {
		return fmt.Errorf("%s: %w", a, err)
	}
	var owner *Attribute
	if a.kind == types.KindOne2Many {
		owner = a.inverse
	}
	for _, cmd := range cmds {
		var err error
		switch cmd.Op {
		case types.CmdCreate:
			err = tx.checkValues(co, 0, cmd.Values, true, owner)
		case types.CmdUpdate:
			err = tx.checkValues(co, cmd.ID, cmd.Values, false, nil)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", a, err)
		}
	}
	return nil
}

// checkValues converts values for record id of c without touching the
// transaction. skip names the inverse attribute a Create command fills in.
func (tx *Tx) checkValues(c *Collection, id int64, values map[string]any, creating bool, skip *Attribute) error {
	attrs := make([]*Attribute, 0, len(values))
	for name := range values {
		a, err := c.mustAttr(name)
		if err != nil {
			return err
		}
		if a != skip {
			attrs = append(attrs, a)
		}
	}
	writeOrder(attrs)
	staged := make(map[*Attribute]any, len(attrs))
	for _, a := range attrs {
		v := values[a.name]
		if err := tx.checkAccess(a, "write"); err != nil {
			return err
		}
		if a.def.Readonly && !tx.su && !creating {
			return a.valueError(v, errReadonly)
		}
		if a.kind.ToMany() {
			cmds, err := tx.toCommands(a, v)
			if err != nil {
				return a.valueError(v, err)
			}
			if err := tx.checkCommands(a, cmds); err != nil {
				return err
			}
			continue
		}
		cv, err := a.codec.convert(convCtx{tx: tx, id: id, staged: staged}, v)
		if err != nil {
			return a.valueError(v, err)
		}
		if a.def.Required && a.isNullValue(cv) {
			return a.valueError(v, errRequired)
		}
		staged[a] = cv
	}
	if creating {
		for _, a := range c.ordered {
			if !a.def.Required || !a.hasColumn() || a.compute != nil || a == skip {
				continue
			}
			if a.def.Default != nil || a.def.DefaultFunc != nil {
				continue
			}
			if _, given := values[a.name]; !given {
				return a.valueError(nil, errRequired)
			}
		}
	}
	return tx.checkTargets(attrs, map[int64]map[*Attribute]any{id: staged})
}

// assign sets a converted value in cache, stages it for persistence and
// keeps inverse caches in step. It reports whether the value changed.
func (tx *Tx) assign(a *Attribute, id int64, v any) (bool, error) {
	s := tx.s
	delete(s.tocompute[a], id)
	if a.def.CompanyDependent {
		raw, err := tx.rawValue(a, id, nil)
		if err != nil {
			return false, err
		}
		vals, _ := raw.(companyValues)
		if cur, ok := vals[s.company]; ok && cacheEqual(cur, v) {
			return false, nil
		}
		next := maps.Clone(vals)
		if next == nil {
			next = companyValues{}
		}
		next[s.company] = v
		v = next
	}
	old, had := s.cache.Get(a, id)
	if !had && id > 0 && a.kind == types.KindMany2One && len(a.x2many) > 0 && a.stored {
		if err := tx.fetchColumns(a.collection, []int64{id}); err != nil {
			return false, err
		}
		old, had = s.cache.Get(a, id)
	}
	if had && cacheEqual(old, v) {
		return false, nil
	}
	s.cache.SetOne(a, id, v)
	if a.stored && id > 0 {
		if err := s.stage(a, id, v); err != nil {
			return false, err
		}
	}
	if a.kind == types.KindMany2One {
		oldID, _ := old.(int64)
		if err := tx.updateInverses(a, id, oldID, v.(int64)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// updateInverses moves id between the cached one2many values of the old
// and new targets of a many2one.
func (tx *Tx) updateInverses(a *Attribute, id, oldID, newID int64) error {
	s := tx.s
	for _, x := range a.x2many {
		if oldID != 0 && oldID != newID {
			if raw, ok := s.cache.Get(x, oldID); ok {
				cur, _ := raw.([]int64)
				if i := slices.Index(cur, id); i >= 0 {
					s.cache.SetOne(x, oldID, slices.Delete(slices.Clone(cur), i, i+1))
				}
			}
		}
		if newID == 0 {
			continue
		}
		raw, ok := s.cache.Get(x, newID)
		if !ok {
			continue
		}
		cur, _ := raw.([]int64)
		if slices.Contains(cur, id) {
			continue
		}
		match, err := tx.matchDomain(a.collection, id, x.def.Domain)
		if err != nil {
			return err
		}
		if match {
			s.cache.SetOne(x, newID, append(slices.Clone(cur), id))
		}
	}
	return nil
}

// toCommands normalizes the value of a to-many write into commands. A
// plain list of ids or an EntitySet means "set exactly these".
func (tx *Tx) toCommands(a *Attribute, v any) ([]types.Command, error) {
	var list []types.Command
	switch c := v.(type) {
	case types.Command:
		list = []types.Command{c}
	case []types.Command:
		list = c
	default:
		ids, err := a.codec.convert(convCtx{tx: tx}, v)
		if err != nil {
			return nil, err
		}
		list = []types.Command{types.Set(ids.([]int64)...)}
	}
	for _, c := range list {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (tx *Tx) applyCommands(a *Attribute, ids []int64, cmds []types.Command) error {
	for _, id := range ids {
		delete(tx.s.tocompute[a], id)
		var err error
		if a.kind == types.KindOne2Many && a.inverse != nil {
			err = tx.applyOne2Many(a, id, cmds)
		} else {
			err = tx.applyList(a, id, cmds)
		}
		if err != nil {
			return fmt.Errorf("%s of %d: %w", a, id, err)
		}
	}
	return nil
}

// createTarget creates one comodel record for a Create command; targets of
// in-memory records are in-memory too.
func (tx *Tx) createTarget(co *Collection, owner int64, values map[string]any) (int64, error) {
	var newIDs []int64
	if owner < 0 {
		tx.s.nextNew--
		newIDs = []int64{tx.s.nextNew}
	}
	ids, err := tx.createRecords(co, []map[string]any{values}, newIDs)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// applyOne2Many turns commands into writes on the inverse many2one of the
// comodel, or into creation and deletion of comodel records.
func (tx *Tx) applyOne2Many(a *Attribute, parent int64, cmds []types.Command) error {
	inv := a.inverse
	co := a.comodel
	link := func(children []int64) error {
		if len(children) == 0 {
			return nil
		}
		_, err := tx.write(co, children, map[string]any{inv.name: parent}, writeOpts{creating: true})
		return err
	}
	for _, cmd := range cmds {
		switch cmd.Op {
		case types.CmdCreate:
			vals := maps.Clone(cmd.Values)
			if vals == nil {
				vals = map[string]any{}
			}
			vals[inv.name] = parent
			if _, err := tx.createTarget(co, parent, vals); err != nil {
				return err
			}
		case types.CmdUpdate:
			if _, err := tx.write(co, []int64{cmd.ID}, cmd.Values, writeOpts{checked: true}); err != nil {
				return err
			}
		case types.CmdDelete:
			if err := tx.unlink(co, []int64{cmd.ID}); err != nil {
				return err
			}
		case types.CmdUnlink:
			if err := tx.detach(a, parent, []int64{cmd.ID}); err != nil {
				return err
			}
		case types.CmdLink:
			if err := link([]int64{cmd.ID}); err != nil {
				return err
			}
		case types.CmdClear, types.CmdSet:
			raw, err := tx.sudo().rawValue(a, parent, nil)
			if err != nil {
				return err
			}
			cur, _ := raw.([]int64)
			var drop, add []int64
			for _, c := range cur {
				if !slices.Contains(cmd.IDs, c) {
					drop = append(drop, c)
				}
			}
			for _, c := range uniqueIDs(cmd.IDs) {
				if !slices.Contains(cur, c) {
					add = append(add, c)
				}
			}
			if err := tx.detach(a, parent, drop); err != nil {
				return err
			}
			if err := link(add); err != nil {
				return err
			}
		}
	}
	return nil
}

// detach removes children from an owned collection: the inverse is
// cleared, or the children are deleted when the inverse cannot be empty.
func (tx *Tx) detach(a *Attribute, parent int64, children []int64) error {
	inv := a.inverse
	var mine []int64
	for _, c := range children {
		raw, err := tx.sudo().rawValue(inv, c, children)
		if err != nil {
			return err
		}
		if owner, _ := raw.(int64); owner == parent {
			mine = append(mine, c)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	if inv.onDelete == types.OnDeleteCascade || inv.def.Required {
		return tx.unlink(a.comodel, mine)
	}
	_, err := tx.write(a.comodel, mine, map[string]any{inv.name: nil}, writeOpts{creating: true})
	return err
}

// applyList applies commands to an id list held directly in cache: shared
// collections and computed to-many attributes.
func (tx *Tx) applyList(a *Attribute, id int64, cmds []types.Command) error {
	raw, err := tx.sudo().rawValue(a, id, nil)
	if err != nil {
		return err
	}
	old, _ := raw.([]int64)
	list := slices.Clone(old)
	for _, cmd := range cmds {
		switch cmd.Op {
		case types.CmdCreate:
			t, err := tx.createTarget(a.comodel, id, cmd.Values)
			if err != nil {
				return err
			}
			list = append(list, t)
		case types.CmdUpdate:
			if _, err := tx.write(a.comodel, []int64{cmd.ID}, cmd.Values, writeOpts{checked: true}); err != nil {
				return err
			}
		case types.CmdDelete:
			if err := tx.unlink(a.comodel, []int64{cmd.ID}); err != nil {
				return err
			}
			list = slices.DeleteFunc(list, func(t int64) bool { return t == cmd.ID })
		case types.CmdUnlink:
			list = slices.DeleteFunc(list, func(t int64) bool { return t == cmd.ID })
		case types.CmdLink:
			list = append(list, cmd.ID)
		case types.CmdClear:
			list = nil
		case types.CmdSet:
			list = slices.Clone(cmd.IDs)
		}
	}
	if raw, ok := tx.s.cache.Get(a, id); ok {
		old, _ = raw.([]int64)
	}
	tx.setList(a, id, old, uniqueIDs(list))
	return nil
}

// setList replaces a cached id list, stages the join-table difference and
// mirrors it on the inverse attribute.
func (tx *Tx) setList(a *Attribute, id int64, old, next []int64) {
	s := tx.s
	s.cache.SetOne(a, id, next)
	var added, removed []int64
	for _, t := range next {
		if !slices.Contains(old, t) {
			added = append(added, t)
		}
	}
	for _, t := range old {
		if !slices.Contains(next, t) {
			removed = append(removed, t)
		}
	}
	if a.kind == types.KindMany2Many && a.stored && id > 0 {
		for _, t := range added {
			if t > 0 {
				s.stageRelation(a.relation, id, t, true)
			}
		}
		for _, t := range removed {
			if t > 0 {
				s.stageRelation(a.relation, id, t, false)
			}
		}
	}
	inv := a.inverse
	if a.kind != types.KindMany2Many || inv == nil {
		return
	}
	for _, t := range added {
		if raw, ok := s.cache.Get(inv, t); ok {
			cur, _ := raw.([]int64)
			if !slices.Contains(cur, id) {
				s.cache.SetOne(inv, t, append(slices.Clone(cur), id))
			}
		}
	}
	for _, t := range removed {
		if raw, ok := s.cache.Get(inv, t); ok {
			cur, _ := raw.([]int64)
			s.cache.SetOne(inv, t, slices.DeleteFunc(slices.Clone(cur), func(x int64) bool { return x == id }))
		}
	}
}

// derivedCurrency reports whether a is a monetary attribute whose currency
// is computed and therefore only known once the record exists.
func derivedCurrency(a *Attribute, staged map[*Attribute]any) bool {
	if a.kind != types.KindMonetary || a.currency == nil || a.currency.compute == nil {
		return false
	}
	_, ok := staged[a.currency]
	return !ok
}

// withDefaults returns values completed with the defaults of attributes
// left unset.
func (tx *Tx) withDefaults(c *Collection, values map[string]any) (map[string]any, error) {
	out := maps.Clone(values)
	if out == nil {
		out = make(map[string]any)
	}
	for _, a := range c.ordered {
		if _, set := out[a.name]; set || a.compute != nil {
			continue
		}
		switch {
		case a.def.DefaultFunc != nil:
			v, err := a.def.DefaultFunc(tx)
			if err != nil {
				return nil, fmt.Errorf("default of %s: %w", a, err)
			}
			out[a.name] = v
		case a.def.Default != nil:
			out[a.name] = a.def.Default
		}
	}
	return out, nil
}

// createRecords creates records from values. Without newIDs the rows are
// inserted in the store; otherwise the records are in-memory with the
// given negative ids.
func (tx *Tx) createRecords(c *Collection, valuesList []map[string]any, newIDs []int64) ([]int64, error) {
	s := tx.s
	type prepared struct {
		cols map[*Attribute]any
		post map[string]any
	}
	preps := make([]prepared, 0, len(valuesList))
	conv := make(map[int64]map[*Attribute]any, len(valuesList))
	var touched []*Attribute
	for i, raw := range valuesList {
		values, err := tx.withDefaults(c, raw)
		if err != nil {
			return nil, err
		}
		attrs := make([]*Attribute, 0, len(values))
		for name := range values {
			a, err := c.mustAttr(name)
			if err != nil {
				return nil, err
			}
			if err := tx.checkAccess(a, "write"); err != nil {
				return nil, err
			}
			attrs = append(attrs, a)
		}
		writeOrder(attrs)
		p := prepared{cols: make(map[*Attribute]any), post: make(map[string]any)}
		for _, a := range attrs {
			v := values[a.name]
			if a.kind.ToMany() {
				cmds, err := tx.toCommands(a, v)
				if err != nil {
					return nil, a.valueError(v, err)
				}
				if err := tx.checkCommands(a, cmds); err != nil {
					return nil, err
				}
			}
			if !a.hasColumn() || a.compute != nil || derivedCurrency(a, p.cols) {
				p.post[a.name] = v
				continue
			}
			cv, err := a.codec.convert(convCtx{tx: tx, staged: p.cols}, v)
			if err != nil {
				return nil, a.valueError(v, err)
			}
			p.cols[a] = cv
			if !slices.Contains(touched, a) {
				touched = append(touched, a)
			}
		}
		for _, a := range c.ordered {
			if _, deferred := p.post[a.name]; deferred {
				continue
			}
			if a.def.Required && a.hasColumn() && a.compute == nil && a.isNullValue(p.cols[a]) {
				return nil, a.valueError(values[a.name], errRequired)
			}
		}
		preps = append(preps, p)
		conv[int64(i)] = p.cols
	}
	if err := tx.checkTargets(touched, conv); err != nil {
		return nil, err
	}

	ids := newIDs
	if ids == nil {
		rows := make([]types.Row, len(preps))
		for i, p := range preps {
			row := types.Row{}
			for a, v := range p.cols {
				if a.def.CompanyDependent {
					v = companyValues{s.company: v}
				}
				col, err := a.codec.column(v)
				if err != nil {
					return nil, a.valueError(v, err)
				}
				row[a.name] = col
			}
			rows[i] = row
		}
		var err error
		ids, err = s.engine.store.Insert(s.ctx, c.name, rows)
		if err != nil {
			return nil, fmt.Errorf("insert into %s: %w", c.name, err)
		}
		s.log.Debugw("records created", "collection", c.name, "ids", ids)
	}

	for i, id := range ids {
		p := preps[i]
		if newIDs != nil {
			if s.created[c] == nil {
				s.created[c] = make(map[int64]struct{})
			}
			s.created[c][id] = struct{}{}
		} else {
			s.setKnown(c, id, true)
		}
		for _, a := range c.ordered {
			switch {
			case a.compute != nil:
				if a.stored {
					s.markToCompute(a, id)
				}
			case a.kind.ToMany():
				s.cache.SetOne(a, id, []int64{})
			case a.hasColumn():
				v, ok := p.cols[a]
				if !ok {
					v = a.codec.null()
				}
				if a.def.CompanyDependent {
					if ok {
						v = companyValues{s.company: v}
					} else {
						v = companyValues{}
					}
				}
				s.cache.SetOne(a, id, v)
				if a.kind == types.KindMany2One {
					if err := tx.updateInverses(a, id, 0, v.(int64)); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	for i, id := range ids {
		if post := preps[i].post; len(post) > 0 {
			if _, err := tx.write(c, []int64{id}, post, writeOpts{creating: true, checked: true}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.modified(touched, ids, false); err != nil {
		return nil, err
	}
	return ids, nil
}
