package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// sampleSchema is written by init when no schema file exists.
const sampleSchema = `collections:
  - name: res.partner
    attributes:
      - {name: name, kind: char, required: true}
      - {name: email, kind: char, size: 128}
      - {name: order_ids, kind: one2many, comodel: sale.order, inverse_name: partner_id}

  - name: sale.order
    attributes:
      - {name: name, kind: char, required: true}
      - {name: partner_id, kind: many2one, comodel: res.partner, on_delete: restrict}
      - name: state
        kind: selection
        default: draft
        selection:
          - {value: draft, label: Quotation}
          - {value: sale, label: Sales Order}
          - {value: done, label: Locked}
      - {name: line_ids, kind: one2many, comodel: sale.order.line, inverse_name: order_id}
      - {name: amount_total, kind: float, store: true, compute: "sum:line_ids.subtotal"}

  - name: sale.order.line
    attributes:
      - {name: order_id, kind: many2one, comodel: sale.order, required: true, on_delete: cascade}
      - {name: name, kind: char}
      - {name: qty, kind: float, default: 1}
      - {name: price_unit, kind: float}
      - {name: subtotal, kind: float, store: true, compute: "product:qty,price_unit"}
`

func newInitCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration, a sample schema and the data store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, f)
		},
	}
}

func runInit(cmd *cobra.Command, f *rootFlags) error {
	st, err := loadSettings(f)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	wrote, err := writeDefaultConfig(st.configDir)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(out, "wrote %s/config.yaml\n", st.configDir)
	}
	if _, err := os.Stat(st.schema); os.IsNotExist(err) {
		if err := os.WriteFile(st.schema, []byte(sampleSchema), 0o644); err != nil {
			return fmt.Errorf("write sample schema: %w", err)
		}
		fmt.Fprintf(out, "wrote %s\n", st.schema)
	}
	return withSession(cmd.Context(), f, func(s *session) error {
		fmt.Fprintf(out, "attrstore initialized: %d collections on %s\n",
			len(s.registry.Collections()), s.settings.cfg.Backend)
		return nil
	})
}
