package sqlite

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// buildWhere translates a domain into a WHERE clause over the collection
// table. Conditions on many2many attributes become subqueries on the join
// table.
func buildWhere(schema types.TableSchema, domain types.Domain) (string, []any, error) {
	if len(domain) == 0 {
		return "1 = 1", nil, nil
	}
	clauses := make([]string, 0, len(domain))
	var args []any
	for _, c := range domain {
		var (
			clause string
			cargs  []any
			err    error
		)
		if rel, ok := schema.Relations[c.Field]; ok {
			clause, cargs, err = relationClause(rel, c)
		} else {
			clause, cargs, err = columnClause(quote(c.Field), c)
		}
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, cargs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func columnClause(col string, c types.Condition) (string, []any, error) {
	switch c.Op {
	case types.OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{sqlValue(c.Value)}, nil
	case types.OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		return fmt.Sprintf("(%s != ? OR %s IS NULL)", col, col), []any{sqlValue(c.Value)}, nil
	case types.OpLt, types.OpLe, types.OpGt, types.OpGe:
		if c.Value == nil {
			return "0 = 1", nil, nil
		}
		return fmt.Sprintf("%s %s ?", col, c.Op), []any{sqlValue(c.Value)}, nil
	case types.OpLike:
		return col + " LIKE ?", []any{"%" + cast.ToString(c.Value) + "%"}, nil
	case types.OpIn, types.OpNotIn:
		items, err := listValues(c.Value)
		if err != nil {
			return "", nil, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		if len(items) == 0 {
			if c.Op == types.OpIn {
				return "0 = 1", nil, nil
			}
			return "1 = 1", nil, nil
		}
		if c.Op == types.OpIn {
			return fmt.Sprintf("%s IN (%s)", col, placeholders(len(items))), items, nil
		}
		return fmt.Sprintf("(%s NOT IN (%s) OR %s IS NULL)", col, placeholders(len(items)), col), items, nil
	}
	return "", nil, fmt.Errorf("unknown operator %q", c.Op)
}

func relationClause(rel types.Relation, c types.Condition) (string, []any, error) {
	sub := fmt.Sprintf("SELECT %s FROM %s", quote(rel.Column1), quote(rel.Table))
	var items []any
	switch c.Op {
	case types.OpEq, types.OpNe:
		if c.Value == nil {
			if c.Op == types.OpEq {
				return fmt.Sprintf("id NOT IN (%s)", sub), nil, nil
			}
			return fmt.Sprintf("id IN (%s)", sub), nil, nil
		}
		items = []any{sqlValue(c.Value)}
	case types.OpIn, types.OpNotIn:
		var err error
		if items, err = listValues(c.Value); err != nil {
			return "", nil, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
	default:
		return "", nil, fmt.Errorf("operator %q not supported on relations", c.Op)
	}
	positive := c.Op == types.OpEq || c.Op == types.OpIn
	if len(items) == 0 {
		if positive {
			return "0 = 1", nil, nil
		}
		return "1 = 1", nil, nil
	}
	sub += fmt.Sprintf(" WHERE %s IN (%s)", quote(rel.Column2), placeholders(len(items)))
	if positive {
		return fmt.Sprintf("id IN (%s)", sub), items, nil
	}
	return fmt.Sprintf("id NOT IN (%s)", sub), items, nil
}

func listValues(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = sqlValue(x)
		}
		return out, nil
	case []int64:
		return int64Args(s), nil
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = int64(x)
		}
		return out, nil
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

// sqlValue converts booleans to the integers they are stored as.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}
