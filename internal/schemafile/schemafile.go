// Package schemafile reads collection definitions from YAML.
//
// A schema file lists collections and, optionally, extensions that
// override or add attributes of collections defined earlier:
//
//	collections:
//	  - name: sale.order
//	    attributes:
//	      - {name: name, kind: char, required: true}
//	      - {name: line_ids, kind: one2many, comodel: sale.order.line, inverse_name: order_id}
//	      - {name: total, kind: float, store: true, compute: "sum:line_ids.subtotal"}
//	extensions:
//	  - name: sale.order
//	    attributes:
//	      - {name: note, kind: text}
//
// Compute and inverse names refer either to a builtin helper ("sum:<path>",
// "count:<path>", "product:<a>,<b>") or to a function registered by the
// caller in Funcs.
package schemafile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/attrstore/pkg/orm"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Schema file errors.
var (
	ErrUnknownFunc    = errors.New("schemafile: unknown compute function")
	ErrInvalidKind    = errors.New("schemafile: invalid kind")
	ErrMissingName    = errors.New("schemafile: missing name")
	ErrNoCollections  = errors.New("schemafile: no collections")
	ErrDuplicateEntry = errors.New("schemafile: collection defined twice")
)

// Funcs maps names used in compute and inverse keys to Go functions.
type Funcs map[string]orm.ComputeFunc

// File is the top-level document.
type File struct {
	Collections []Collection `yaml:"collections"`
	Extensions  []Collection `yaml:"extensions,omitempty"`
}

// Collection is one collection or extension entry.
type Collection struct {
	Name       string      `yaml:"name"`
	RecName    string      `yaml:"rec_name,omitempty"`
	Attributes []Attribute `yaml:"attributes"`
}

// Attribute mirrors orm.Definition with YAML names.
type Attribute struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind,omitempty"`
	Label string `yaml:"label,omitempty"`
	Help  string `yaml:"help,omitempty"`

	Store    bool     `yaml:"store,omitempty"`
	Required bool     `yaml:"required,omitempty"`
	Readonly bool     `yaml:"readonly,omitempty"`
	Unique   bool     `yaml:"unique,omitempty"`
	Index    bool     `yaml:"index,omitempty"`
	Groups   []string `yaml:"groups,omitempty"`
	Default  any      `yaml:"default,omitempty"`

	Compute   string   `yaml:"compute,omitempty"`
	Inverse   string   `yaml:"inverse,omitempty"`
	Depends   []string `yaml:"depends,omitempty"`
	Recursive bool     `yaml:"recursive,omitempty"`
	Related   string   `yaml:"related,omitempty"`

	Aggregator       string `yaml:"aggregator,omitempty"`
	CompanyDependent bool   `yaml:"company_dependent,omitempty"`

	Size          int                   `yaml:"size,omitempty"`
	Digits        *orm.Digits           `yaml:"digits,omitempty"`
	CurrencyField string                `yaml:"currency_field,omitempty"`
	NoSanitize    bool                  `yaml:"no_sanitize,omitempty"`
	Selection     []orm.SelectionOption `yaml:"selection,omitempty"`

	Comodel     string       `yaml:"comodel,omitempty"`
	InverseName string       `yaml:"inverse_name,omitempty"`
	Domain      types.Domain `yaml:"domain,omitempty"`
	OnDelete    string       `yaml:"on_delete,omitempty"`
	SkipCheck   bool         `yaml:"skip_check,omitempty"`
	Relation    string       `yaml:"relation,omitempty"`
	Column1     string       `yaml:"column1,omitempty"`
	Column2     string       `yaml:"column2,omitempty"`
}

// Parse decodes a schema document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("schemafile: %w", err)
	}
	if len(f.Collections) == 0 {
		return nil, ErrNoCollections
	}
	seen := make(map[string]bool, len(f.Collections))
	for _, c := range f.Collections {
		if c.Name == "" {
			return nil, ErrMissingName
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, c.Name)
		}
		seen[c.Name] = true
	}
	return &f, nil
}

// ReadFile reads and parses a schema file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Register defines every collection on reg, then applies extensions in
// file order. It does not call reg.Setup.
func (f *File) Register(reg *orm.Registry, funcs Funcs) error {
	for _, c := range f.Collections {
		defs, err := c.Definitions(funcs)
		if err != nil {
			return err
		}
		reg.Define(c.Name, orm.CollectionOptions{RecName: c.RecName}, defs...)
	}
	for _, c := range f.Extensions {
		defs, err := c.Definitions(funcs)
		if err != nil {
			return err
		}
		reg.Extend(c.Name, defs...)
	}
	return nil
}

// Load parses data, registers it on a new registry and sets it up.
func Load(data []byte, funcs Funcs) (*orm.Registry, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	reg := orm.NewRegistry()
	if err := f.Register(reg, funcs); err != nil {
		return nil, err
	}
	if err := reg.Setup(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Definitions converts the entry into attribute definitions.
func (c Collection) Definitions(funcs Funcs) ([]orm.Definition, error) {
	defs := make([]orm.Definition, 0, len(c.Attributes))
	for _, a := range c.Attributes {
		d, err := a.Definition(funcs)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.Name, a.Name, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// Definition converts one attribute entry.
func (a Attribute) Definition(funcs Funcs) (orm.Definition, error) {
	if a.Name == "" {
		return orm.Definition{}, ErrMissingName
	}
	kind := types.Kind(a.Kind)
	if a.Kind != "" && !kind.Valid() {
		return orm.Definition{}, fmt.Errorf("%w %q", ErrInvalidKind, a.Kind)
	}
	d := orm.Definition{
		Name:             a.Name,
		Kind:             kind,
		Label:            a.Label,
		Help:             a.Help,
		Store:            a.Store,
		Required:         a.Required,
		Readonly:         a.Readonly,
		Unique:           a.Unique,
		Index:            a.Index,
		Groups:           a.Groups,
		Default:          a.Default,
		Depends:          a.Depends,
		Recursive:        a.Recursive,
		Related:          a.Related,
		Aggregator:       a.Aggregator,
		CompanyDependent: a.CompanyDependent,
		Size:             a.Size,
		Digits:           a.Digits,
		CurrencyField:    a.CurrencyField,
		NoSanitize:       a.NoSanitize,
		Selection:        a.Selection,
		Comodel:          a.Comodel,
		InverseName:      a.InverseName,
		Domain:           a.Domain,
		OnDelete:         a.OnDelete,
		SkipCheck:        a.SkipCheck,
		Relation:         a.Relation,
		Column1:          a.Column1,
		Column2:          a.Column2,
	}
	if a.Compute != "" {
		fn, depends, err := resolveCompute(a.Name, a.Compute, funcs)
		if err != nil {
			return orm.Definition{}, err
		}
		d.Compute = fn
		if d.Depends == nil {
			d.Depends = depends
		}
	}
	if a.Inverse != "" {
		fn, ok := funcs[a.Inverse]
		if !ok {
			return orm.Definition{}, fmt.Errorf("%w %q", ErrUnknownFunc, a.Inverse)
		}
		d.Inverse = fn
	}
	return d, nil
}

// resolveCompute returns the function named by expr and the dependencies
// implied by a builtin helper.
func resolveCompute(target, expr string, funcs Funcs) (orm.ComputeFunc, []string, error) {
	helper, arg, ok := strings.Cut(expr, ":")
	if !ok {
		fn, found := funcs[expr]
		if !found {
			return nil, nil, fmt.Errorf("%w %q", ErrUnknownFunc, expr)
		}
		return fn, nil, nil
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil, fmt.Errorf("%w %q: missing argument", ErrUnknownFunc, expr)
	}
	switch helper {
	case "sum":
		return orm.SumOf(target, arg), []string{arg}, nil
	case "count":
		return orm.CountOf(target, arg), []string{arg}, nil
	case "product":
		names := strings.Split(arg, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		return orm.ProductOf(target, names...), names, nil
	}
	return nil, nil, fmt.Errorf("%w %q", ErrUnknownFunc, expr)
}
