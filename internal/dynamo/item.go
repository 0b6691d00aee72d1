package dynamo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

var encoderOptions = func(o *attributevalue.EncoderOptions) {
	o.NullEmptySets = true
}

// encodeRow builds the item of one entity.
func (s *Store) encodeRow(collection string, id int64, row types.Row) (map[string]ddb.AttributeValue, error) {
	item, err := attributevalue.MarshalMapWithOptions(row, encoderOptions)
	if err != nil {
		return nil, fmt.Errorf("encode %s %d: %w", collection, id, err)
	}
	for k, v := range key(entityPK(collection), entitySK(id)) {
		item[k] = v
	}
	item[attrID] = &ddb.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)}
	return item, nil
}

// decodeRow returns the id and the requested columns of an entity item;
// with no columns every column of the schema is decoded.
func (s *Store) decodeRow(collection string, item map[string]ddb.AttributeValue, columns []string) (int64, types.Row, error) {
	var id int64
	if err := attributevalue.Unmarshal(item[attrID], &id); err != nil {
		return 0, nil, fmt.Errorf("decode %s id: %w", collection, err)
	}
	kinds := make(map[string]types.Kind)
	for _, c := range s.schemas[collection].Columns {
		kinds[c.Name] = c.Kind
	}
	if columns == nil {
		for _, c := range s.schemas[collection].Columns {
			columns = append(columns, c.Name)
		}
	}
	row := make(types.Row, len(columns))
	for _, name := range columns {
		v, err := decodeValue(kinds[name], item[name])
		if err != nil {
			return 0, nil, fmt.Errorf("decode %s.%s of %d: %w", collection, name, id, err)
		}
		row[name] = v
	}
	return id, row, nil
}

// decodeValue converts an attribute value to the persisted format of kind.
// Numbers become int64 for integer-backed kinds and float64 otherwise.
func decodeValue(kind types.Kind, av ddb.AttributeValue) (any, error) {
	switch v := av.(type) {
	case nil, *ddb.AttributeValueMemberNULL:
		return nil, nil
	case *ddb.AttributeValueMemberN:
		switch kind {
		case types.KindInteger, types.KindBoolean, types.KindMany2One:
			if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				return n, nil
			}
		}
		return strconv.ParseFloat(v.Value, 64)
	case *ddb.AttributeValueMemberBOOL:
		return v.Value, nil
	case *ddb.AttributeValueMemberS:
		return v.Value, nil
	case *ddb.AttributeValueMemberB:
		return v.Value, nil
	}
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkUnique enforces unique columns against the stored items and the
// rows being written. DynamoDB has no secondary unique constraint; the
// check runs under the store lock.
func (s *Store) checkUnique(ctx context.Context, collection string, updates map[int64]types.Row, inserts []types.Row) error {
	var unique []string
	for _, c := range s.schemas[collection].Columns {
		if c.Unique {
			unique = append(unique, c.Name)
		}
	}
	if len(unique) == 0 {
		return nil
	}
	items, err := s.query(ctx, entityPK(collection))
	if err != nil {
		return err
	}
	current := make(map[int64]types.Row, len(items))
	for _, item := range items {
		id, row, err := s.decodeRow(collection, item, unique)
		if err != nil {
			return err
		}
		current[id] = row
	}
	for id, upd := range updates {
		row, ok := current[id]
		if !ok {
			continue
		}
		for k, v := range upd {
			row[k] = v
		}
	}
	next := int64(-1)
	for _, row := range inserts {
		current[next] = row
		next--
	}
	for _, name := range unique {
		seen := make(map[string]int64)
		for id, row := range current {
			v := row[name]
			if v == nil {
				continue
			}
			k := fmt.Sprint(v)
			if other, dup := seen[k]; dup {
				return &types.IntegrityError{
					Collection: collection,
					Attribute:  name,
					IDs:        positive(id, other),
					Reason:     fmt.Sprintf("duplicate value %v", v),
				}
			}
			seen[k] = id
		}
	}
	return nil
}

func positive(ids ...int64) []int64 {
	var out []int64
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}
