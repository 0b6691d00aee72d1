package orm

import (
	"fmt"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Attribute is the resolved descriptor of one attribute of a collection.
// Attributes are created by Registry.Setup and are immutable afterwards.
type Attribute struct {
	def        Definition
	name       string
	index      int
	kind       types.Kind
	label      string
	collection *Collection
	stored     bool

	compute   ComputeFunc
	inverseFn ComputeFunc
	depends   [][]*Attribute
	related   []*Attribute
	groups    map[string]bool
	codec     codec

	// Relational links.
	comodel  *Collection
	inverse  *Attribute
	x2many   []*Attribute
	relation types.Relation
	onDelete string

	// currency is the many2one selecting the rounding of a monetary
	// attribute.
	currency *Attribute
}

// Name returns the attribute name.
func (a *Attribute) Name() string { return a.name }

// Kind returns the attribute kind.
func (a *Attribute) Kind() types.Kind { return a.kind }

// Label returns the human-readable label.
func (a *Attribute) Label() string { return a.label }

// Help returns the help text.
func (a *Attribute) Help() string { return a.def.Help }

// Collection returns the owning collection.
func (a *Attribute) Collection() *Collection { return a.collection }

// Stored reports whether values are persisted.
func (a *Attribute) Stored() bool { return a.stored }

// Computed reports whether values are derived by a compute function or a
// related path.
func (a *Attribute) Computed() bool { return a.compute != nil }

// Required reports whether a value is mandatory.
func (a *Attribute) Required() bool { return a.def.Required }

// Readonly reports whether non-privileged writes are refused.
func (a *Attribute) Readonly() bool { return a.def.Readonly }

// Aggregator returns the aggregation hint, if any.
func (a *Attribute) Aggregator() string { return a.def.Aggregator }

// Comodel returns the target collection of a relational attribute.
func (a *Attribute) Comodel() *Collection { return a.comodel }

// Inverse returns the attribute on the comodel mirroring this one: the
// many2one behind a one2many, or the other side of a shared join table.
func (a *Attribute) Inverse() *Attribute { return a.inverse }

// Relation returns the join table of a stored many2many attribute.
func (a *Attribute) Relation() types.Relation { return a.relation }

// OnDelete returns the delete policy of a many2one attribute.
func (a *Attribute) OnDelete() string { return a.onDelete }

// Depends returns the resolved dependency paths in dotted form.
func (a *Attribute) Depends() []string {
	out := make([]string, 0, len(a.depends))
	for _, p := range a.depends {
		out = append(out, pathString(p))
	}
	return out
}

// Selection returns the allowed values of a selection attribute as seen by
// tx.
func (a *Attribute) Selection(tx *Tx) []SelectionOption {
	if a.def.SelectionFunc != nil && tx != nil {
		return a.def.SelectionFunc(tx)
	}
	return append([]SelectionOption(nil), a.def.Selection...)
}

// Read returns the value of the attribute on a singleton in record format.
func (a *Attribute) Read(rec EntitySet) (any, error) {
	if rec.coll != a.collection {
		return nil, fmt.Errorf("%w: %s.%s read on %s records", types.ErrUnknownAttribute, a.collection.name, a.name, rec.coll.name)
	}
	return rec.Get(a.name)
}

// Write assigns value on every record of records and returns the records
// whose value changed.
func (a *Attribute) Write(records EntitySet, value any) (EntitySet, error) {
	if records.coll != a.collection {
		return EntitySet{}, fmt.Errorf("%w: %s.%s written on %s records", types.ErrUnknownAttribute, a.collection.name, a.name, records.coll.name)
	}
	changed, err := records.tx.write(a.collection, records.ids, map[string]any{a.name: value}, writeOpts{})
	if err != nil {
		return EntitySet{}, err
	}
	return records.tx.browse(a.collection, changed[a], records.prefetch), nil
}

func (a *Attribute) String() string {
	return a.collection.name + "." + a.name
}

// hasColumn reports whether the attribute owns a column in its table.
func (a *Attribute) hasColumn() bool {
	return a.stored && !a.kind.ToMany()
}

func (a *Attribute) valueError(v any, err error) error {
	return &types.ValueError{
		Collection: a.collection.name,
		Attribute:  a.name,
		Value:      v,
		Reason:     err.Error(),
	}
}

// isNullValue reports whether a cache value counts as empty for the
// required check.
func (a *Attribute) isNullValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case int64:
		return a.kind == types.KindMany2One && x == 0
	case string:
		return x == ""
	case []int64:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case companyValues:
		return len(x) == 0
	}
	return false
}

func pathString(p []*Attribute) string {
	s := ""
	for i, a := range p {
		if i > 0 {
			s += "."
		}
		s += a.name
	}
	return s
}
