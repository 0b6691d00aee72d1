package orm

import (
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// ComputeFunc computes or inverts attribute values for a batch of records.
// A compute function assigns the attribute on every record with Set.
type ComputeFunc func(records EntitySet) error

// DefaultFunc produces a default value, in wire format, for new records.
type DefaultFunc func(tx *Tx) (any, error)

// SelectionFunc produces the allowed values of a selection attribute at
// conversion time.
type SelectionFunc func(tx *Tx) []SelectionOption

// SelectionOption is one allowed value of a selection attribute.
type SelectionOption struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Digits is the (precision, scale) of a float attribute. Values are rounded
// to Scale decimal places.
type Digits struct {
	Precision int `yaml:"precision" json:"precision"`
	Scale     int `yaml:"scale" json:"scale"`
}

// Aggregation hints accepted in Definition.Aggregator.
var validAggregators = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true,
	"count": true, "bool_and": true, "bool_or": true,
}

// Definition declares one attribute of a collection. Zero values mean
// "unset"; which options are mandatory depends on Kind.
//
// Plain attributes are always stored, except one2many attributes which are
// virtual. Computed and related attributes are stored only when Store is
// set.
type Definition struct {
	Name  string
	Kind  types.Kind
	Label string
	Help  string

	Store    bool
	Required bool
	Readonly bool
	Unique   bool
	Index    bool

	// Groups lists access tags; a caller needs at least one of them.
	Groups []string

	Default     any
	DefaultFunc DefaultFunc

	Compute   ComputeFunc
	Inverse   ComputeFunc
	Depends   []string
	Recursive bool

	// Related is a dotted path whose final attribute supplies the value.
	Related string

	Aggregator       string
	CompanyDependent bool

	// Kind-specific options.
	Size          int
	Digits        *Digits
	CurrencyField string
	NoSanitize    bool
	Selection     []SelectionOption
	SelectionFunc SelectionFunc

	// Relational options.
	Comodel     string
	InverseName string
	Domain      types.Domain
	OnDelete    string
	SkipCheck   bool
	Relation    string
	Column1     string
	Column2     string
}

// CollectionOptions holds collection-level settings.
type CollectionOptions struct {
	// RecName names the attribute used as display name. It defaults to
	// "name" when such an attribute exists.
	RecName string
}

// defaultLabel derives a label from an attribute name: "partner_id"
// becomes "Partner", "order_line_ids" becomes "Order line".
func defaultLabel(name string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(name, "_ids"), "_id")
	if base == "" {
		base = name
	}
	return inflect.Humanize(base)
}

// merge applies an override on top of d. Options set in o replace those of
// d; boolean flags can only be switched on.
func (d Definition) merge(o Definition) Definition {
	if o.Label != "" {
		d.Label = o.Label
	}
	if o.Help != "" {
		d.Help = o.Help
	}
	d.Store = d.Store || o.Store
	d.Required = d.Required || o.Required
	d.Readonly = d.Readonly || o.Readonly
	d.Unique = d.Unique || o.Unique
	d.Index = d.Index || o.Index
	d.Recursive = d.Recursive || o.Recursive
	d.CompanyDependent = d.CompanyDependent || o.CompanyDependent
	d.NoSanitize = d.NoSanitize || o.NoSanitize
	d.SkipCheck = d.SkipCheck || o.SkipCheck
	if o.Groups != nil {
		d.Groups = o.Groups
	}
	if o.Default != nil {
		d.Default = o.Default
	}
	if o.DefaultFunc != nil {
		d.DefaultFunc = o.DefaultFunc
	}
	if o.Compute != nil {
		d.Compute = o.Compute
	}
	if o.Inverse != nil {
		d.Inverse = o.Inverse
	}
	if o.Depends != nil {
		d.Depends = o.Depends
	}
	if o.Related != "" {
		d.Related = o.Related
	}
	if o.Aggregator != "" {
		d.Aggregator = o.Aggregator
	}
	if o.Size != 0 {
		d.Size = o.Size
	}
	if o.Digits != nil {
		d.Digits = o.Digits
	}
	if o.CurrencyField != "" {
		d.CurrencyField = o.CurrencyField
	}
	if o.Selection != nil {
		d.Selection = append(d.Selection, o.Selection...)
	}
	if o.SelectionFunc != nil {
		d.SelectionFunc = o.SelectionFunc
	}
	if o.Comodel != "" {
		d.Comodel = o.Comodel
	}
	if o.InverseName != "" {
		d.InverseName = o.InverseName
	}
	if o.Domain != nil {
		d.Domain = o.Domain
	}
	if o.OnDelete != "" {
		d.OnDelete = o.OnDelete
	}
	if o.Relation != "" {
		d.Relation = o.Relation
	}
	if o.Column1 != "" {
		d.Column1 = o.Column1
	}
	if o.Column2 != "" {
		d.Column2 = o.Column2
	}
	return d
}
