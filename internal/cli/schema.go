package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attrstore/pkg/orm"
)

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the schema file without opening the store",
		Long: "Validate parses the schema file and sets up the registry, reporting\n" +
			"every configuration error found.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSettings(f)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(st.schema)
			if err != nil {
				return err
			}
			attrs := 0
			for _, c := range reg.Collections() {
				attrs += len(c.Attributes())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d collections, %d attributes\n",
				st.schema, len(reg.Collections()), attrs)
			return nil
		},
	}
}

// attributeInfo is the description of one attribute printed by schema.
type attributeInfo struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      string   `json:"kind" yaml:"kind"`
	Label     string   `json:"label" yaml:"label"`
	Stored    bool     `json:"stored" yaml:"stored"`
	Computed  bool     `json:"computed,omitempty" yaml:"computed,omitempty"`
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Readonly  bool     `json:"readonly,omitempty" yaml:"readonly,omitempty"`
	Comodel   string   `json:"comodel,omitempty" yaml:"comodel,omitempty"`
	Inverse   string   `json:"inverse,omitempty" yaml:"inverse,omitempty"`
	Relation  string   `json:"relation,omitempty" yaml:"relation,omitempty"`
	OnDelete  string   `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
	Depends   []string `json:"depends,omitempty" yaml:"depends,omitempty"`
	Selection []string `json:"selection,omitempty" yaml:"selection,omitempty"`
}

type collectionInfo struct {
	Name       string          `json:"name" yaml:"name"`
	RecName    string          `json:"rec_name,omitempty" yaml:"rec_name,omitempty"`
	Attributes []attributeInfo `json:"attributes" yaml:"attributes"`
}

func describe(c *orm.Collection) collectionInfo {
	info := collectionInfo{Name: c.Name()}
	if rn := c.RecName(); rn != nil {
		info.RecName = rn.Name()
	}
	for _, a := range c.Attributes() {
		ai := attributeInfo{
			Name:     a.Name(),
			Kind:     string(a.Kind()),
			Label:    a.Label(),
			Stored:   a.Stored(),
			Computed: a.Computed(),
			Required: a.Required(),
			Readonly: a.Readonly(),
			Depends:  a.Depends(),
		}
		if co := a.Comodel(); co != nil {
			ai.Comodel = co.Name()
			ai.OnDelete = a.OnDelete()
		}
		if inv := a.Inverse(); inv != nil {
			ai.Inverse = inv.Name()
		}
		ai.Relation = a.Relation().Table
		for _, opt := range a.Selection(nil) {
			ai.Selection = append(ai.Selection, opt.Value)
		}
		info.Attributes = append(info.Attributes, ai)
	}
	return info
}

func newSchemaCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [collection...]",
		Short: "Describe collections and their attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadSettings(f)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(st.schema)
			if err != nil {
				return err
			}
			var out []collectionInfo
			if len(args) == 0 {
				for _, c := range reg.Collections() {
					out = append(out, describe(c))
				}
			}
			for _, name := range args {
				c, err := reg.Collection(name)
				if err != nil {
					return fmt.Errorf("%w: %s", err, name)
				}
				out = append(out, describe(c))
			}
			return emit(cmd.OutOrStdout(), f, out)
		},
	}
}
