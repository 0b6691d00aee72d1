package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// columnType maps an attribute kind to its SQLite storage class.
func columnType(k types.Kind) string {
	switch k {
	case types.KindBoolean, types.KindInteger, types.KindMany2One:
		return "INTEGER"
	case types.KindFloat, types.KindMonetary:
		return "REAL"
	case types.KindBinary:
		return "BLOB"
	}
	return "TEXT"
}

func columnDDL(c types.Column) string {
	def := quote(c.Name) + " " + columnType(c.Kind)
	if c.Kind == types.KindMany2One && c.Comodel != "" {
		def += " REFERENCES " + quote(c.Comodel) + "(id)"
	}
	return def
}

func createTableDDL(schema types.TableSchema) string {
	parts := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range schema.Columns {
		parts = append(parts, columnDDL(c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		quote(schema.Collection), strings.Join(parts, ",\n    "))
}

func indexDDL(collection string, c types.Column) string {
	if c.Unique {
		return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("uniq_"+collection+"_"+c.Name), quote(collection), quote(c.Name))
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote("idx_"+collection+"_"+c.Name), quote(collection), quote(c.Name))
}

func relationDDL(rel types.Relation) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s INTEGER NOT NULL,\n    %s INTEGER NOT NULL,\n    PRIMARY KEY (%s, %s)\n)",
			quote(rel.Table), quote(rel.Column1), quote(rel.Column2), quote(rel.Column1), quote(rel.Column2)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("idx_"+rel.Table+"_"+rel.Column2), quote(rel.Table), quote(rel.Column2)),
	}
}

// EnsureSchema creates the collection table and its join tables, and adds
// columns missing from an existing table. Columns are never dropped.
func (b *Backend) EnsureSchema(ctx context.Context, schema types.TableSchema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableDDL(schema)); err != nil {
		return fmt.Errorf("create table %s: %w", schema.Collection, err)
	}
	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(schema.Collection)))
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", schema.Collection, err)
	}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("inspect table %s: %w", schema.Collection, err)
		}
		existing[name] = true
	}
	rows.Close()

	for _, c := range schema.Columns {
		if !existing[c.Name] {
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(schema.Collection), columnDDL(c))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", schema.Collection, c.Name, err)
			}
			b.log.Debugw("added column", "collection", schema.Collection, "column", c.Name)
		}
		if c.Unique || c.Index || c.Kind == types.KindMany2One {
			if _, err := tx.ExecContext(ctx, indexDDL(schema.Collection, c)); err != nil {
				return b.translate(schema.Collection, err)
			}
		}
	}
	for _, rel := range sortedRelations(schema) {
		for _, ddl := range relationDDL(rel) {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create join table %s: %w", rel.Table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	b.schemas[schema.Collection] = schema
	return nil
}

// sortedRelations returns the join tables of a schema ordered by
// attribute name.
func sortedRelations(schema types.TableSchema) []types.Relation {
	names := make([]string, 0, len(schema.Relations))
	for n := range schema.Relations {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]types.Relation, 0, len(names))
	for _, n := range names {
		out = append(out, schema.Relations[n])
	}
	return out
}
