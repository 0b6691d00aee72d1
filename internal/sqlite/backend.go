// Package sqlite implements the SQLite backing store. Each collection is a
// table with an integer primary key "id"; each many2many relation is a
// two-column join table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// DBFile is the database file name inside the data directory.
const DBFile = "attrstore.db"

// Backend implements types.Store on a SQLite database.
type Backend struct {
	mu      sync.RWMutex
	db      *sql.DB
	schemas map[string]types.TableSchema
	log     *zap.SugaredLogger
	closed  bool
}

var _ types.Store = (*Backend)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = fmt.Errorf("sqlite: backend is closed")

// Open opens (creating if needed) the database in dataDir.
func Open(dataDir string, logger *zap.SugaredLogger) (*Backend, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFile))
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	return newBackend(db, logger), nil
}

// newBackend wraps an open database handle.
func newBackend(db *sql.DB, logger *zap.SugaredLogger) *Backend {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Backend{
		db:      db,
		schemas: make(map[string]types.TableSchema),
		log:     logger,
	}
}

func (b *Backend) check() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the database. Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Fetch selects the requested columns of the given ids.
func (b *Backend) Fetch(ctx context.Context, collection string, columns []string, ids []int64) (map[int64]types.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make(map[int64]types.Row, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cols := []string{"id"}
	for _, c := range columns {
		cols = append(cols, quote(c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)",
		strings.Join(cols, ", "), quote(collection), placeholders(len(ids)))
	rows, err := b.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		vals := make([]any, len(columns))
		dest := make([]any, len(columns)+1)
		dest[0] = &id
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		row := make(types.Row, len(columns))
		for i, c := range columns {
			row[c] = vals[i]
		}
		out[id] = row
	}
	return out, rows.Err()
}

// Insert adds rows in one transaction and returns their ids.
func (b *Backend) Insert(ctx context.Context, collection string, rows []types.Row) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		names := sortedColumns(row)
		var query string
		args := make([]any, 0, len(names))
		if len(names) == 0 {
			query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(collection))
		} else {
			quoted := make([]string, len(names))
			for i, n := range names {
				quoted[i] = quote(n)
				args = append(args, row[n])
			}
			query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				quote(collection), strings.Join(quoted, ", "), placeholders(len(names)))
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, b.translate(collection, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", collection, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return ids, nil
}

// Flush updates the changed columns of each row in one transaction.
func (b *Backend) Flush(ctx context.Context, collection string, rows map[int64]types.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		row := rows[id]
		names := sortedColumns(row)
		if len(names) == 0 {
			continue
		}
		sets := make([]string, len(names))
		args := make([]any, 0, len(names)+1)
		for i, n := range names {
			sets[i] = quote(n) + " = ?"
			args = append(args, row[n])
		}
		args = append(args, id)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(collection), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return b.translate(collection, err)
		}
	}
	return tx.Commit()
}

// Delete removes rows and every join row referencing them.
func (b *Backend) Delete(ctx context.Context, collection string, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	args := int64Args(ids)
	in := placeholders(len(ids))
	for _, rel := range b.relationsOf(collection) {
		col := rel.Column1
		if rel.Collection1 != collection {
			col = rel.Column2
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quote(rel.Table), quote(col), in)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", rel.Table, err)
		}
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", quote(collection), in)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return tx.Commit()
}

// relationsOf returns the join tables with a side in collection, once per
// table.
func (b *Backend) relationsOf(collection string) []types.Relation {
	seen := make(map[string]bool)
	var out []types.Relation
	names := make([]string, 0, len(b.schemas))
	for n := range b.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for _, rel := range sortedRelations(b.schemas[n]) {
			if seen[rel.Table] {
				continue
			}
			if rel.Collection1 == collection || rel.Collection2 == collection {
				seen[rel.Table] = true
				out = append(out, rel)
			}
		}
	}
	return out
}

// Search translates the domain into a WHERE clause.
func (b *Backend) Search(ctx context.Context, collection string, domain types.Domain) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(b.schemas[collection], domain)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY id", quote(collection), where)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchRelation reads join rows in insertion order.
func (b *Backend) FetchRelation(ctx context.Context, rel types.Relation, ids []int64) (map[int64][]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make(map[int64][]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s) ORDER BY rowid",
		quote(rel.Column1), quote(rel.Column2), quote(rel.Table), quote(rel.Column1), placeholders(len(ids)))
	rows, err := b.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetch relation %s: %w", rel.Table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var left, right int64
		if err := rows.Scan(&left, &right); err != nil {
			return nil, err
		}
		out[left] = append(out[left], right)
	}
	return out, rows.Err()
}

// AddRelation inserts join rows, ignoring existing ones.
func (b *Backend) AddRelation(ctx context.Context, rel types.Relation, pairs []types.Pair) error {
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)",
		quote(rel.Table), quote(rel.Column1), quote(rel.Column2))
	return b.execPairs(ctx, query, pairs)
}

// RemoveRelation deletes join rows.
func (b *Backend) RemoveRelation(ctx context.Context, rel types.Relation, pairs []types.Pair) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
		quote(rel.Table), quote(rel.Column1), quote(rel.Column2))
	return b.execPairs(ctx, query, pairs)
}

func (b *Backend) execPairs(ctx context.Context, query string, pairs []types.Pair) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, p.Left, p.Right); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// translate maps constraint failures to types.IntegrityError.
func (b *Backend) translate(collection string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "NOT NULL constraint failed") {
		attr := ""
		if i := strings.LastIndex(msg, "failed: "); i >= 0 {
			attr = strings.TrimPrefix(msg[i+len("failed: "):], collection+".")
			attr, _, _ = strings.Cut(attr, " ")
		}
		return &types.IntegrityError{Collection: collection, Attribute: attr, Reason: msg}
	}
	return fmt.Errorf("write %s: %w", collection, err)
}

func sortedColumns(row types.Row) []string {
	names := make([]string, 0, len(row))
	for n := range row {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
