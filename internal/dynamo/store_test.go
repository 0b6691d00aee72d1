package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// fakeClient keeps items in memory, keyed by pk then sk. It understands
// the few expressions the store issues.
type fakeClient struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]ddb.AttributeValue
	calls map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		items: make(map[string]map[string]map[string]ddb.AttributeValue),
		calls: make(map[string]int),
	}
}

func keyOf(k map[string]ddb.AttributeValue) (string, string) {
	return k[attrPK].(*ddb.AttributeValueMemberS).Value, k[attrSK].(*ddb.AttributeValueMemberS).Value
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++
	pk, sk := keyOf(in.Key)
	item, ok := f.items[pk][sk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	cp := make(map[string]ddb.AttributeValue, len(item))
	for k, v := range item {
		cp[k] = v
	}
	return &dynamodb.GetItemOutput{Item: cp}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++
	pk, sk := keyOf(in.Item)
	_, exists := f.items[pk][sk]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_exists(pk)":
		if !exists {
			return nil, &ddb.ConditionalCheckFailedException{Message: aws.String("missing")}
		}
	case "attribute_not_exists(pk)":
		if exists {
			return nil, &ddb.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]ddb.AttributeValue)
	}
	f.items[pk][sk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++
	if aws.ToString(in.UpdateExpression) != "ADD #n :k" {
		return nil, errors.New("unsupported update expression")
	}
	pk, sk := keyOf(in.Key)
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]ddb.AttributeValue)
	}
	item := f.items[pk][sk]
	if item == nil {
		item = map[string]ddb.AttributeValue{attrPK: in.Key[attrPK], attrSK: in.Key[attrSK]}
		f.items[pk][sk] = item
	}
	var n int64
	if cur, ok := item["n"].(*ddb.AttributeValueMemberN); ok {
		n, _ = strconv.ParseInt(cur.Value, 10, 64)
	}
	k, _ := strconv.ParseInt(in.ExpressionAttributeValues[":k"].(*ddb.AttributeValueMemberN).Value, 10, 64)
	n += k
	item["n"] = &ddb.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]ddb.AttributeValue{"n": item["n"]},
	}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteItem"]++
	pk, sk := keyOf(in.Key)
	delete(f.items[pk], sk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++
	pk := in.ExpressionAttributeValues[":pk"].(*ddb.AttributeValueMemberS).Value
	sks := make([]string, 0, len(f.items[pk]))
	for sk := range f.items[pk] {
		sks = append(sks, sk)
	}
	sort.Strings(sks)
	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		out.Items = append(out.Items, f.items[pk][sk])
	}
	return out, nil
}

func (f *fakeClient) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if aws.ToString(in.TableName) != "attrstore" {
		return nil, &ddb.ResourceNotFoundException{Message: aws.String("no such table")}
	}
	return &dynamodb.DescribeTableOutput{Table: &ddb.TableDescription{TableName: in.TableName}}, nil
}

var (
	tagRel = types.Relation{
		Table:       "partner_tag_rel",
		Column1:     "partner_id",
		Column2:     "tag_id",
		Collection1: "partner",
		Collection2: "tag",
	}
	partnerSchema = types.TableSchema{
		Collection: "partner",
		Columns: []types.Column{
			{Name: "name", Kind: types.KindChar},
			{Name: "ref", Kind: types.KindChar, Unique: true},
			{Name: "active", Kind: types.KindBoolean},
			{Name: "credit", Kind: types.KindMonetary},
			{Name: "parent_id", Kind: types.KindMany2One, Comodel: "partner"},
		},
		Relations: map[string]types.Relation{"tag_ids": tagRel},
	}
	tagSchema = types.TableSchema{
		Collection: "tag",
		Columns:    []types.Column{{Name: "name", Kind: types.KindChar}},
	}
)

func newTestStore(t *testing.T) (*Store, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	s := New(client, "attrstore", nil)
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx, partnerSchema))
	require.NoError(t, s.EnsureSchema(ctx, tagSchema))
	return s, client
}

func TestEnsureSchemaRequiresTable(t *testing.T) {
	s := New(newFakeClient(), "missing", nil)
	err := s.EnsureSchema(context.Background(), tagSchema)
	var nf *ddb.ResourceNotFoundException
	assert.ErrorAs(t, err, &nf)
}

func TestInsertAllocatesSequentialIDs(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()

	ids, err := s.Insert(ctx, "partner", []types.Row{{"name": "a"}, {"name": "b"}, {"name": "c"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	more, err := s.Insert(ctx, "partner", []types.Row{{"name": "d"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, more)
	assert.Equal(t, 2, client.calls["UpdateItem"])
}

func TestFetchDecodesColumnKinds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids, err := s.Insert(ctx, "partner", []types.Row{
		{"name": "Azure", "active": true, "credit": 10.01, "parent_id": nil},
	})
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx, "partner", map[int64]types.Row{ids[0]: {"parent_id": ids[0]}}))

	rows, err := s.Fetch(ctx, "partner", []string{"name", "active", "credit", "parent_id", "ref"}, []int64{ids[0], 99})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[ids[0]]
	assert.Equal(t, "Azure", row["name"])
	assert.Equal(t, true, row["active"])
	assert.Equal(t, 10.01, row["credit"])
	assert.Equal(t, ids[0], row["parent_id"])
	assert.Nil(t, row["ref"])
}

func TestFlushMissingEntity(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Flush(context.Background(), "partner", map[int64]types.Row{7: {"name": "x"}})

	var me *types.MissingEntityError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []int64{7}, me.IDs)
}

func TestUniqueColumns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids, err := s.Insert(ctx, "partner", []types.Row{{"ref": "P1"}, {"ref": "P2"}})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "partner", []types.Row{{"ref": "P1"}})
	assert.ErrorIs(t, err, types.ErrIntegrity)

	err = s.Flush(ctx, "partner", map[int64]types.Row{ids[1]: {"ref": "P1"}})
	assert.ErrorIs(t, err, types.ErrIntegrity)

	// Swapping values within one flush is allowed.
	err = s.Flush(ctx, "partner", map[int64]types.Row{ids[0]: {"ref": "P2"}, ids[1]: {"ref": "P1"}})
	assert.NoError(t, err)
}

func TestSearchEvaluatesDomain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ids, err := s.Insert(ctx, "partner", []types.Row{
		{"name": "Azure Interior", "credit": 100.0},
		{"name": "Deco Addict", "credit": 50.0},
		{"name": "Gemini"},
	})
	require.NoError(t, err)
	tags, err := s.Insert(ctx, "tag", []types.Row{{"name": "vip"}})
	require.NoError(t, err)
	require.NoError(t, s.AddRelation(ctx, tagRel, []types.Pair{{Left: ids[2], Right: tags[0]}}))

	got, err := s.Search(ctx, "partner", types.Domain{types.Cond("credit", ">", 60)})
	require.NoError(t, err)
	assert.Equal(t, ids[:1], got)

	got, err = s.Search(ctx, "partner", types.Domain{types.Cond("name", "like", "deco")})
	require.NoError(t, err)
	assert.Equal(t, ids[1:2], got)

	got, err = s.Search(ctx, "partner", types.Domain{types.Cond("tag_ids", "in", []int64{tags[0]})})
	require.NoError(t, err)
	assert.Equal(t, ids[2:], got)

	got, err = s.Search(ctx, "partner", nil)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestRelationsInBothOrientations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRelation(ctx, tagRel, []types.Pair{{Left: 1, Right: 10}, {Left: 1, Right: 11}}))
	require.NoError(t, s.AddRelation(ctx, tagRel.Reversed(), []types.Pair{{Left: 10, Right: 2}}))

	links, err := s.FetchRelation(ctx, tagRel, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{1: {10, 11}, 2: {10}}, links)

	back, err := s.FetchRelation(ctx, tagRel.Reversed(), []int64{10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, back[10])

	require.NoError(t, s.RemoveRelation(ctx, tagRel.Reversed(), []types.Pair{{Left: 11, Right: 1}}))
	require.NoError(t, s.Delete(ctx, "partner", []int64{2}))

	links, err = s.FetchRelation(ctx, tagRel, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64][]int64{1: {10}}, links)
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Search(context.Background(), "partner", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
