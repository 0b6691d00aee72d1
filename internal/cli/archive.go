package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attrstore/internal/jsonl"
	"github.com/mesh-intelligence/attrstore/pkg/orm"
)

func newDumpCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <dir>",
		Short: "Write every collection to JSONL files in dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), f, func(s *session) error {
				var stats jsonl.Stats
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					var err error
					stats, err = jsonl.Dump(tx.Sudo(), args[0])
					return err
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, stats)
			})
		},
	}
}

func newLoadCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load <dir>",
		Short: "Create records from the JSONL files in dir",
		Long: "Load creates one record per line of each collection file. Ids are\n" +
			"reassigned by the store and references are rewritten to match. The\n" +
			"whole load commits or fails as one transaction.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), f, func(s *session) error {
				var stats jsonl.Stats
				err := s.withTx(cmd.Context(), f, func(tx *orm.Tx) error {
					var err error
					stats, err = jsonl.Load(tx.Sudo(), args[0])
					return err
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), f, stats)
			})
		},
	}
}
