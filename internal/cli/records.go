package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attrstore/pkg/orm"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

func newCreateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create <collection> <json>...",
		Short: "Create records from JSON objects of attribute values",
		Long: "Create inserts one record per JSON object and prints the created\n" +
			"records, computed attributes included.\n\n" +
			"Example:\n" +
			"  attrstore create res.partner '{\"name\": \"Azure Interior\"}'",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			list := make([]map[string]any, 0, len(args)-1)
			for _, a := range args[1:] {
				values, err := parseValues(a)
				if err != nil {
					return err
				}
				list = append(list, values)
			}
			return withSession(cmd.Context(), f, func(s *session) error {
				var rows []map[string]any
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					created, err := tx.Create(args[0], list...)
					if err != nil {
						return err
					}
					rows, err = created.Read()
					return err
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, rows)
			})
		},
	}
}

func newReadCmd(f *rootFlags) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "read <collection> <id>...",
		Short: "Print records by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), f, func(s *session) error {
				var rows []map[string]any
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					set, err := tx.Browse(args[0], ids...)
					if err != nil {
						return err
					}
					present, err := set.Exists()
					if err != nil {
						return err
					}
					if present.Len() != set.Len() {
						return &types.MissingEntityError{Collection: args[0], IDs: missing(ids, present.IDs())}
					}
					rows, err = set.Read(fields...)
					return err
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "attributes to print (default: all readable)")
	return cmd
}

func missing(want, have []int64) []int64 {
	found := make(map[int64]bool, len(have))
	for _, id := range have {
		found[id] = true
	}
	var out []int64
	for _, id := range want {
		if !found[id] {
			out = append(out, id)
		}
	}
	return out
}

func newSearchCmd(f *rootFlags) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "search <collection> [<field> <op> <value>]...",
		Short: "Print records matching every condition",
		Long: "Search evaluates a conjunction of conditions. Operators are\n" +
			"=, !=, <, <=, >, >=, in, not in and like. Values are JSON when they\n" +
			"parse as JSON, plain strings otherwise.\n\n" +
			"Example:\n" +
			"  attrstore search sale.order state = draft amount_total '>' 100",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || (len(args)-1)%3 != 0 {
				return usageError("search takes a collection and field/op/value triples")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var domain types.Domain
			for i := 1; i < len(args); i += 3 {
				domain = append(domain, types.Cond(parseCondition(args[i], args[i+1], args[i+2])))
			}
			return withSession(cmd.Context(), f, func(s *session) error {
				var rows []map[string]any
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					found, err := tx.Search(args[0], domain)
					if err != nil {
						return err
					}
					rows, err = found.Read(fields...)
					return err
				})
				if err != nil {
					return err
				}
				if rows == nil {
					rows = []map[string]any{}
				}
				return emit(cmd.OutOrStdout(), f, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "attributes to print (default: all readable)")
	return cmd
}

func newWriteCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "write <collection> <json> <id>...",
		Short: "Assign attribute values on records",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseValues(args[1])
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[2:])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), f, func(s *session) error {
				var rows []map[string]any
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					set, err := tx.Browse(args[0], ids...)
					if err != nil {
						return err
					}
					if err := set.Write(values); err != nil {
						return err
					}
					rows, err = set.Read()
					return err
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, rows)
			})
		},
	}
}

func newUnlinkCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <collection> <id>...",
		Short: "Delete records, applying the delete policy of references to them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), f, func(s *session) error {
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					return tx.Unlink(args[0], ids...)
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, map[string]any{"deleted": ids})
			})
		},
	}
}
