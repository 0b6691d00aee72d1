package orm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// CurrencyDecimalsAttr is the integer attribute of a currency collection
// holding its number of decimal places. Monetary attributes round to it.
const CurrencyDecimalsAttr = "decimal_places"

var (
	attrNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	collNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_.]*$`)
)

// layer is one Define or Extend call, kept until Setup.
type layer struct {
	define bool
	opts   CollectionOptions
	defs   []Definition
}

// trigger says: when the keyed attribute changes on some records, target is
// stale on every record reached by walking path backwards from them.
type trigger struct {
	target *Attribute
	path   []*Attribute
}

// Registry is the schema registry: the set of collections and their
// resolved attributes. Declare collections with Define and Extend, then call
// Setup once before handing the registry to an Engine.
type Registry struct {
	order       []string
	layers      map[string][]layer
	collections map[string]*Collection
	triggers    map[*Attribute][]trigger
	ready       bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		layers: make(map[string][]layer),
	}
}

// Define declares a collection and its base attributes.
func (r *Registry) Define(name string, opts CollectionOptions, defs ...Definition) {
	r.addLayer(name, layer{define: true, opts: opts, defs: defs})
}

// Extend adds or overrides attributes of a collection. Extensions are
// applied in call order on top of the base definition; an override naming
// an existing attribute must keep its kind.
func (r *Registry) Extend(name string, defs ...Definition) {
	r.addLayer(name, layer{defs: defs})
}

func (r *Registry) addLayer(name string, l layer) {
	if _, ok := r.layers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.layers[name] = append(r.layers[name], l)
	r.ready = false
}

// Ready reports whether Setup completed successfully.
func (r *Registry) Ready() bool {
	return r.ready
}

// Collection returns the named collection.
func (r *Registry) Collection(name string) (*Collection, error) {
	c, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownCollection, name)
	}
	return c, nil
}

// Collections returns all collections in declaration order.
func (r *Registry) Collections() []*Collection {
	out := make([]*Collection, 0, len(r.order))
	for _, name := range r.order {
		if c, ok := r.collections[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// setupState accumulates configuration errors during Setup.
type setupState struct {
	errs []error
}

func (s *setupState) fail(coll, attr, format string, args ...any) {
	s.errs = append(s.errs, &types.ConfigurationError{
		Collection: coll,
		Attribute:  attr,
		Reason:     fmt.Sprintf(format, args...),
	})
}

// Setup resolves every declaration: merges extensions, infers related
// attribute kinds, links relational inverses and join tables, validates
// kind-specific options, and builds the dependency graph. All problems are
// reported together as a joined error of *types.ConfigurationError.
func (r *Registry) Setup() error {
	st := &setupState{}
	r.ready = false
	r.collections = make(map[string]*Collection, len(r.order))
	r.triggers = make(map[*Attribute][]trigger)

	for _, name := range r.order {
		r.buildCollection(st, name)
	}
	r.resolveRelated(st)
	joins := make(map[string]*Attribute)
	for _, c := range r.Collections() {
		for _, a := range c.ordered {
			r.resolveAttribute(st, a, joins)
		}
	}
	for _, c := range r.Collections() {
		for _, a := range c.ordered {
			r.resolveDepends(st, a)
		}
		r.resolveRecName(st, c)
		for _, a := range c.ordered {
			if a.kind == types.KindMany2One && a.comodel != nil && a.stored {
				a.comodel.referrers = appendUnique(a.comodel.referrers, a)
			}
		}
	}
	if len(st.errs) > 0 {
		return errors.Join(st.errs...)
	}
	r.ready = true
	return nil
}

func (r *Registry) buildCollection(st *setupState, name string) {
	if !collNamePattern.MatchString(name) {
		st.fail(name, "", "invalid collection name")
		return
	}
	layers := r.layers[name]
	defined := 0
	var opts CollectionOptions
	for _, l := range layers {
		if l.define {
			defined++
			opts = l.opts
		}
	}
	switch {
	case defined == 0:
		st.fail(name, "", "extended but never defined")
		return
	case defined > 1:
		st.fail(name, "", "defined %d times", defined)
		return
	}
	if !layers[0].define {
		st.fail(name, "", "extended before being defined")
		return
	}

	merged := make(map[string]Definition)
	var order []string
	for _, l := range layers {
		for _, d := range l.defs {
			if d.Name == "id" {
				st.fail(name, d.Name, "name is reserved")
				continue
			}
			if !attrNamePattern.MatchString(d.Name) {
				st.fail(name, d.Name, "invalid attribute name")
				continue
			}
			base, exists := merged[d.Name]
			if !exists {
				merged[d.Name] = d
				order = append(order, d.Name)
				continue
			}
			if l.define {
				st.fail(name, d.Name, "declared twice")
				continue
			}
			if d.Kind != "" && base.Kind != "" && d.Kind != base.Kind {
				st.fail(name, d.Name, "inconsistent type override: %s overrides %s", d.Kind, base.Kind)
				continue
			}
			if base.Kind == "" {
				base.Kind = d.Kind
			}
			merged[d.Name] = base.merge(d)
		}
	}

	c := &Collection{
		name:     name,
		opts:     opts,
		attrs:    make(map[string]*Attribute, len(order)),
		registry: r,
	}
	for _, n := range order {
		d := merged[n]
		a := &Attribute{
			def:        d,
			name:       d.Name,
			index:      len(c.ordered),
			kind:       d.Kind,
			collection: c,
			label:      d.Label,
		}
		if a.label == "" {
			a.label = defaultLabel(d.Name)
		}
		c.attrs[n] = a
		c.ordered = append(c.ordered, a)
	}
	r.collections[name] = c
}

// walk resolves a dotted path starting at c. Every step but the last must
// be relational.
func (r *Registry) walk(c *Collection, path string) ([]*Attribute, error) {
	steps := strings.Split(path, ".")
	out := make([]*Attribute, 0, len(steps))
	cur := c
	for i, step := range steps {
		if cur == nil {
			return nil, fmt.Errorf("path %q: cannot traverse before %q", path, step)
		}
		a, ok := cur.attrs[step]
		if !ok {
			return nil, fmt.Errorf("path %q: %s has no attribute %q", path, cur.name, step)
		}
		out = append(out, a)
		if i < len(steps)-1 {
			if !a.kind.Relational() {
				return nil, fmt.Errorf("path %q: %q is not relational", path, step)
			}
			cur = r.collections[a.def.Comodel]
		}
	}
	return out, nil
}

// resolveRelated infers kinds and kind options of related attributes.
// Related attributes may point at other related attributes, so resolution
// repeats until nothing changes.
func (r *Registry) resolveRelated(st *setupState) {
	pending := make(map[*Attribute]bool)
	for _, c := range r.Collections() {
		for _, a := range c.ordered {
			if a.def.Related != "" {
				pending[a] = true
			}
		}
	}
	for len(pending) > 0 {
		progress := false
		for a := range pending {
			path, err := r.walk(a.collection, a.def.Related)
			if err != nil {
				st.fail(a.collection.name, a.name, "related: %v", err)
				delete(pending, a)
				progress = true
				continue
			}
			target := path[len(path)-1]
			if pending[target] {
				continue
			}
			if a.kind == "" {
				a.kind = target.kind
			} else if a.kind != target.kind {
				st.fail(a.collection.name, a.name, "related kind %s does not match target kind %s", a.kind, target.kind)
			}
			if a.def.Comodel == "" {
				a.def.Comodel = target.def.Comodel
			}
			if a.def.Selection == nil && a.def.SelectionFunc == nil {
				a.def.Selection = target.def.Selection
				a.def.SelectionFunc = target.def.SelectionFunc
			}
			if a.def.Digits == nil {
				a.def.Digits = target.def.Digits
			}
			if a.def.Size == 0 {
				a.def.Size = target.def.Size
			}
			a.related = path
			delete(pending, a)
			progress = true
		}
		if !progress {
			for a := range pending {
				st.fail(a.collection.name, a.name, "related path %q is circular", a.def.Related)
			}
			return
		}
	}
}

func (r *Registry) resolveAttribute(st *setupState, a *Attribute, joins map[string]*Attribute) {
	d := a.def
	cname := a.collection.name
	fail := func(format string, args ...any) { st.fail(cname, a.name, format, args...) }

	if !a.kind.Valid() {
		fail("unknown kind %q", a.kind)
		return
	}

	a.compute = d.Compute
	a.inverseFn = d.Inverse
	if d.Related != "" {
		if d.Compute != nil {
			fail("related attributes cannot declare a compute function")
		}
		if a.kind.ToMany() && d.Store {
			fail("related to-many attributes cannot be stored")
		}
		a.compute = relatedCompute(a)
		if !d.Readonly {
			a.inverseFn = relatedInverse(a)
		}
	}
	computed := a.compute != nil
	switch {
	case computed:
		a.stored = d.Store
	case d.CompanyDependent:
		a.stored = true
	default:
		a.stored = a.kind != types.KindOne2Many
	}
	if a.kind == types.KindOne2Many && d.Store && computed {
		fail("one2many attributes cannot be stored")
	}
	if len(d.Depends) > 0 && d.Compute == nil {
		fail("depends given without a compute function")
	}
	if d.Inverse != nil && d.Compute == nil {
		fail("inverse given without a compute function")
	}
	if d.Recursive && !computed {
		fail("recursive given without a compute function")
	}
	if d.Aggregator != "" && !validAggregators[d.Aggregator] {
		fail("unknown aggregator %q", d.Aggregator)
	}
	if len(d.Groups) > 0 {
		a.groups = make(map[string]bool, len(d.Groups))
		for _, g := range d.Groups {
			a.groups[g] = true
		}
	}
	if d.CompanyDependent {
		if a.kind.Relational() {
			fail("company-dependent attributes must be scalar")
		}
		if computed {
			fail("company-dependent attributes cannot be computed")
		}
		if d.Unique {
			fail("company-dependent attributes cannot be unique")
		}
	}
	if d.Unique && !a.stored {
		fail("unique requires a stored attribute")
	}

	if a.kind.Relational() {
		if d.Comodel == "" {
			fail("%s attribute requires a comodel", a.kind)
			return
		}
		co, ok := r.collections[d.Comodel]
		if !ok {
			fail("unknown comodel %q", d.Comodel)
			return
		}
		a.comodel = co
	}

	switch a.kind {
	case types.KindMany2One:
		a.onDelete = d.OnDelete
		if a.onDelete == "" {
			a.onDelete = types.OnDeleteSetNull
		}
		if !types.ValidOnDelete(a.onDelete) {
			fail("unknown delete policy %q", a.onDelete)
		}
		if d.Required && a.onDelete == types.OnDeleteSetNull && a.stored {
			fail("required many2one cannot use delete policy %q", types.OnDeleteSetNull)
		}
	case types.KindOne2Many:
		if computed {
			break
		}
		if d.InverseName == "" {
			fail("one2many attribute requires an inverse name")
			return
		}
		inv, ok := a.comodel.attrs[d.InverseName]
		if !ok {
			fail("inverse %s.%s does not exist", a.comodel.name, d.InverseName)
			return
		}
		if inv.kind != types.KindMany2One || inv.def.Comodel != a.collection.name {
			fail("inverse %s.%s must be a many2one to %s", a.comodel.name, d.InverseName, a.collection.name)
			return
		}
		a.inverse = inv
		inv.x2many = append(inv.x2many, a)
		for _, f := range d.Domain.Fields() {
			if fa, ok := a.comodel.attrs[f]; !ok {
				fail("domain refers to unknown attribute %s.%s", a.comodel.name, f)
			} else if ((fa.def.Compute != nil || fa.def.Related != "") && !fa.def.Store) || fa.kind == types.KindOne2Many {
				fail("domain refers to non-stored attribute %s.%s", a.comodel.name, f)
			}
		}
		if err := d.Domain.Validate(); err != nil {
			fail("domain: %v", err)
		}
	case types.KindMany2Many:
		if computed && !a.stored {
			break
		}
		r.resolveJoinTable(st, a, joins)
	case types.KindSelection, types.KindMultiSelection:
		if len(d.Selection) == 0 && d.SelectionFunc == nil {
			fail("selection attribute requires allowed values")
		}
		seen := make(map[string]bool, len(d.Selection))
		for _, opt := range d.Selection {
			if seen[opt.Value] {
				fail("duplicate selection value %q", opt.Value)
			}
			seen[opt.Value] = true
		}
	case types.KindReference:
		for _, opt := range d.Selection {
			if _, ok := r.collections[opt.Value]; !ok {
				fail("reference to unknown collection %q", opt.Value)
			}
		}
	case types.KindMonetary:
		name := d.CurrencyField
		if name == "" {
			name = "currency_id"
		}
		cur, ok := a.collection.attrs[name]
		if !ok {
			fail("currency attribute %q does not exist", name)
			break
		}
		if cur.kind != types.KindMany2One {
			fail("currency attribute %q must be a many2one", name)
			break
		}
		co := r.collections[cur.def.Comodel]
		if co == nil {
			break
		}
		dp, ok := co.attrs[CurrencyDecimalsAttr]
		if !ok || dp.kind != types.KindInteger {
			fail("currency collection %s needs an integer %q attribute", co.name, CurrencyDecimalsAttr)
			break
		}
		a.currency = cur
	case types.KindChar:
		if d.Size < 0 {
			fail("size must not be negative")
		}
	case types.KindFloat:
		if d.Digits != nil && d.Digits.Scale < 0 {
			fail("digits scale must not be negative")
		}
	}
	a.codec = newCodec(a)
}

func tableName(collection string) string {
	return strings.ReplaceAll(collection, ".", "_")
}

func (r *Registry) resolveJoinTable(st *setupState, a *Attribute, joins map[string]*Attribute) {
	d := a.def
	fail := func(format string, args ...any) { st.fail(a.collection.name, a.name, format, args...) }
	t1, t2 := tableName(a.collection.name), tableName(a.comodel.name)
	rel := types.Relation{
		Table:       d.Relation,
		Column1:     d.Column1,
		Column2:     d.Column2,
		Collection1: a.collection.name,
		Collection2: a.comodel.name,
	}
	if rel.Table == "" {
		names := []string{t1, t2}
		sort.Strings(names)
		rel.Table = names[0] + "_" + names[1] + "_rel"
	}
	if a.collection == a.comodel && (rel.Column1 == "" || rel.Column2 == "") {
		fail("self-referencing many2many requires explicit join columns")
		return
	}
	if rel.Column1 == "" {
		rel.Column1 = t1 + "_id"
	}
	if rel.Column2 == "" {
		rel.Column2 = t2 + "_id"
	}
	if rel.Column1 == rel.Column2 {
		fail("join columns must differ")
		return
	}
	a.relation = rel

	other, used := joins[rel.Table]
	if !used {
		joins[rel.Table] = a
		return
	}
	reverse := other.collection == a.comodel && other.comodel == a.collection &&
		other.relation.Column1 == rel.Column2 && other.relation.Column2 == rel.Column1
	if !reverse || other.inverse != nil {
		fail("join table %q already used by %s.%s", rel.Table, other.collection.name, other.name)
		return
	}
	a.inverse = other
	other.inverse = a
}

func (r *Registry) resolveDepends(st *setupState, a *Attribute) {
	if a.compute == nil {
		return
	}
	paths := a.def.Depends
	if a.def.Related != "" {
		paths = []string{a.def.Related}
	}
	for _, p := range paths {
		steps, err := r.walk(a.collection, p)
		if err != nil {
			st.fail(a.collection.name, a.name, "depends: %v", err)
			continue
		}
		for i, s := range steps {
			if s != a {
				continue
			}
			if i == 0 {
				st.fail(a.collection.name, a.name, "depends directly on itself")
			} else if !a.def.Recursive {
				st.fail(a.collection.name, a.name, "depends on itself through %q; declare it recursive", p)
			}
		}
		a.depends = append(a.depends, steps)
		r.addTriggers(a, steps)
	}
}

func (r *Registry) addTriggers(target *Attribute, steps []*Attribute) {
	for i, f := range steps {
		r.addTrigger(f, target, steps[:i])
		// A to-many step also changes when the other side of the relation
		// is written.
		if f.inverse != nil && f.kind.ToMany() {
			r.addTrigger(f.inverse, target, steps[:i+1])
		}
	}
}

func (r *Registry) addTrigger(key, target *Attribute, path []*Attribute) {
	for _, t := range r.triggers[key] {
		if t.target == target && samePath(t.path, path) {
			return
		}
	}
	r.triggers[key] = append(r.triggers[key], trigger{
		target: target,
		path:   append([]*Attribute(nil), path...),
	})
}

func samePath(a, b []*Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Registry) resolveRecName(st *setupState, c *Collection) {
	name := c.opts.RecName
	if name == "" {
		if _, ok := c.attrs["name"]; ok {
			name = "name"
		}
	}
	if name == "" {
		return
	}
	a, ok := c.attrs[name]
	if !ok {
		st.fail(c.name, "", "display name attribute %q does not exist", name)
		return
	}
	c.recName = a
}

func appendUnique(list []*Attribute, a *Attribute) []*Attribute {
	for _, x := range list {
		if x == a {
			return list
		}
	}
	return append(list, a)
}

// Collection is a named set of attributes, the unit of storage and of
// EntitySet membership.
type Collection struct {
	name     string
	opts     CollectionOptions
	attrs    map[string]*Attribute
	ordered  []*Attribute
	registry *Registry
	recName  *Attribute

	// referrers are the stored many2one attributes pointing at this
	// collection; their delete policies apply when entities are removed.
	referrers []*Attribute
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Attribute returns the named attribute.
func (c *Collection) Attribute(name string) (*Attribute, bool) {
	a, ok := c.attrs[name]
	return a, ok
}

// Attributes returns the attributes in declaration order.
func (c *Collection) Attributes() []*Attribute {
	return append([]*Attribute(nil), c.ordered...)
}

// RecName returns the display-name attribute, or nil.
func (c *Collection) RecName() *Attribute {
	return c.recName
}

// Schema returns the backing-store schema of the collection: one column per
// stored attribute with a column, plus the join tables it owns.
func (c *Collection) Schema() types.TableSchema {
	s := types.TableSchema{Collection: c.name, Relations: make(map[string]types.Relation)}
	for _, a := range c.ordered {
		if !a.stored {
			continue
		}
		if a.kind == types.KindMany2Many {
			s.Relations[a.name] = a.relation
			continue
		}
		if !a.hasColumn() {
			continue
		}
		col := types.Column{
			Name:     a.name,
			Kind:     a.kind,
			Required: a.def.Required,
			Unique:   a.def.Unique,
			Index:    a.def.Index,
			OnDelete: a.onDelete,
		}
		if a.def.CompanyDependent {
			col.Kind = types.KindText
		}
		if a.comodel != nil {
			col.Comodel = a.comodel.name
		}
		s.Columns = append(s.Columns, col)
	}
	return s
}

func (c *Collection) mustAttr(name string) (*Attribute, error) {
	a, ok := c.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrUnknownAttribute, c.name, name)
	}
	return a, nil
}
