// Package cli implements the attrstore command-line interface: schema
// validation and inspection, record operations through the engine, and
// JSONL dump and load.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values shared by every subcommand.
type rootFlags struct {
	configDir string
	dataDir   string
	schema    string
	backend   string
	jsonMode  bool
	groups    []string
	company   int64
	sudo      bool
}

// NewRootCmd creates the top-level "attrstore" command with its global
// flags and subcommands.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "attrstore",
		Short: "Typed, computed and relational attributes over a backing store",
		Long: "attrstore loads a YAML schema of collections and attributes, keeps\n" +
			"computed values consistent with their dependencies and persists\n" +
			"records to SQLite, DynamoDB or memory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configDir, "config-dir", "", "configuration directory (default: $XDG_CONFIG_HOME/attrstore)")
	pf.StringVar(&f.dataDir, "data-dir", "", "data directory (default: $(CWD)/.attrstore)")
	pf.StringVar(&f.schema, "schema", "", "schema file (default: <config-dir>/schema.yaml)")
	pf.StringVar(&f.backend, "backend", "", "backend override: sqlite, dynamodb or memory")
	pf.BoolVar(&f.jsonMode, "json", false, "output in JSON format")
	pf.StringSliceVar(&f.groups, "group", nil, "access tag held by the caller (repeatable)")
	pf.Int64Var(&f.company, "company", 0, "company selecting company-dependent values")
	pf.BoolVar(&f.sudo, "sudo", false, "bypass access tags and readonly flags")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(f),
		newValidateCmd(f),
		newSchemaCmd(f),
		newCreateCmd(f),
		newReadCmd(f),
		newSearchCmd(f),
		newWriteCmd(f),
		newUnlinkCmd(f),
		newDumpCmd(f),
		newLoadCmd(f),
	)
	return root
}

// Execute runs the root command and exits with the code matching the
// error.
func Execute() {
	os.Exit(run(NewRootCmd(), os.Args[1:], os.Stderr))
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitCode(err)
	}
	return exitSuccess
}

// userErrors are caused by the input of the command rather than by the
// environment.
var userErrors = []error{
	types.ErrConfiguration,
	types.ErrValue,
	types.ErrAccessDenied,
	types.ErrMissingEntity,
	types.ErrIntegrity,
	types.ErrUnknownCollection,
	types.ErrUnknownAttribute,
	errUsage,
	errSchema,
}

var (
	errUsage  = errors.New("usage")
	errSchema = errors.New("schema")
)

func exitCode(err error) int {
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}
