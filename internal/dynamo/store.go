// Package dynamo implements the backing store on a single DynamoDB table.
//
// Item layout, keyed by the string attributes pk and sk:
//
//	entity     pk = "c#<collection>"  sk = zero-padded id
//	join row   pk = "r#<table>"       sk = "<left>#<right>", owning side first
//	id counter pk = "seq"             sk = "<collection>"
//
// Entity items carry one attribute per column plus "id".
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Client is the subset of *dynamodb.Client the store uses.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Key attribute names.
const (
	attrPK = "pk"
	attrSK = "sk"
	attrID = "id"
)

// parallelism bounds concurrent requests of one batch operation.
const parallelism = 8

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("dynamo: store is closed")

// Store implements types.Store on DynamoDB.
type Store struct {
	mu      sync.RWMutex
	client  Client
	table   string
	schemas map[string]types.TableSchema
	joins   map[string]types.Relation
	log     *zap.SugaredLogger
	closed  bool
}

var _ types.Store = (*Store)(nil)

// Open builds a client from the default AWS configuration chain.
func Open(ctx context.Context, cfg types.DynamoDBConfig, logger *zap.SugaredLogger) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table, logger), nil
}

// New wraps an existing client.
func New(client Client, table string, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		client:  client,
		table:   table,
		schemas: make(map[string]types.TableSchema),
		joins:   make(map[string]types.Relation),
		log:     logger,
	}
}

func entityPK(collection string) string { return "c#" + collection }
func relationPK(table string) string    { return "r#" + table }
func entitySK(id int64) string          { return fmt.Sprintf("%020d", id) }
func pairSK(p types.Pair) string        { return fmt.Sprintf("%020d#%020d", p.Left, p.Right) }

func key(pk, sk string) map[string]ddb.AttributeValue {
	return map[string]ddb.AttributeValue{
		attrPK: &ddb.AttributeValueMemberS{Value: pk},
		attrSK: &ddb.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EnsureSchema records the collection layout. The DynamoDB table itself is
// provisioned outside the store; EnsureSchema only checks it exists.
func (s *Store) EnsureSchema(ctx context.Context, schema types.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if len(s.schemas) == 0 {
		if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.table),
		}); err != nil {
			return fmt.Errorf("describe table %s: %w", s.table, err)
		}
	}
	s.schemas[schema.Collection] = schema
	for _, rel := range schema.Relations {
		if _, ok := s.joins[rel.Table]; !ok {
			s.joins[rel.Table] = rel
		}
	}
	return nil
}

// Fetch reads one item per id, in parallel.
func (s *Store) Fetch(ctx context.Context, collection string, columns []string, ids []int64) (map[int64]types.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var mu sync.Mutex
	out := make(map[int64]types.Row, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			item, err := s.getEntity(gctx, collection, id)
			if err != nil || item == nil {
				return err
			}
			_, row, err := s.decodeRow(collection, item, columns)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = row
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getEntity(ctx context.Context, collection string, id int64) (map[string]ddb.AttributeValue, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(entityPK(collection), entitySK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", collection, id, err)
	}
	return res.Item, nil
}

// Insert allocates a block of ids from the collection counter and puts
// one item per row.
func (s *Store) Insert(ctx context.Context, collection string, rows []types.Row) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := s.checkUnique(ctx, collection, nil, rows); err != nil {
		return nil, err
	}
	last, err := s.allocate(ctx, collection, len(rows))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, row := range rows {
		ids[i] = last - int64(len(rows)-1-i)
		id, row := ids[i], row
		g.Go(func() error {
			item, err := s.encodeRow(collection, id, row)
			if err != nil {
				return err
			}
			_, err = s.client.PutItem(gctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			})
			if err != nil {
				return fmt.Errorf("put %s %d: %w", collection, id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// allocate reserves n ids and returns the last one.
func (s *Store) allocate(ctx context.Context, collection string, n int) (int64, error) {
	res, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              key("seq", collection),
		UpdateExpression: aws.String("ADD #n :k"),
		ExpressionAttributeNames: map[string]string{
			"#n": "n",
		},
		ExpressionAttributeValues: map[string]ddb.AttributeValue{
			":k": &ddb.AttributeValueMemberN{Value: strconv.Itoa(n)},
		},
		ReturnValues: ddb.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate %s ids: %w", collection, err)
	}
	var counter struct {
		N int64 `dynamodbav:"n"`
	}
	if err := attributevalue.UnmarshalMap(res.Attributes, &counter); err != nil {
		return 0, fmt.Errorf("decode %s counter: %w", collection, err)
	}
	return counter.N, nil
}

// Flush merges the changed columns into each item. Items are rewritten
// whole, on the condition that they still exist.
func (s *Store) Flush(ctx context.Context, collection string, rows map[int64]types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, collection, rows, nil); err != nil {
		return err
	}
	var (
		mu      sync.Mutex
		missing []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for id, row := range rows {
		id, row := id, row
		g.Go(func() error {
			item, err := s.getEntity(gctx, collection, id)
			if err != nil {
				return err
			}
			if item == nil {
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			update, err := attributevalue.MarshalMapWithOptions(row, encoderOptions)
			if err != nil {
				return fmt.Errorf("encode %s %d: %w", collection, id, err)
			}
			for k, v := range update {
				item[k] = v
			}
			_, err = s.client.PutItem(gctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_exists(pk)"),
			})
			var ccf *ddb.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("put %s %d: %w", collection, id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &types.MissingEntityError{Collection: collection, IDs: missing}
	}
	return nil
}

// Delete removes entity items and the join rows referencing them.
func (s *Store) Delete(ctx context.Context, collection string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	gone := make(map[int64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	var keys []map[string]ddb.AttributeValue
	for _, id := range ids {
		keys = append(keys, key(entityPK(collection), entitySK(id)))
	}
	for _, rel := range s.sortedJoins() {
		if rel.Collection1 != collection && rel.Collection2 != collection {
			continue
		}
		pairs, err := s.pairs(ctx, rel.Table)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if (rel.Collection1 == collection && gone[p.Left]) || (rel.Collection2 == collection && gone[p.Right]) {
				keys = append(keys, key(relationPK(rel.Table), pairSK(p)))
			}
		}
	}
	return s.deleteKeys(ctx, keys)
}

func (s *Store) deleteKeys(ctx context.Context, keys []map[string]ddb.AttributeValue) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			_, err := s.client.DeleteItem(gctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key:       k,
			})
			return err
		})
	}
	return g.Wait()
}

func (s *Store) sortedJoins() []types.Relation {
	out := make([]types.Relation, 0, len(s.joins))
	for _, rel := range s.joins {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// query returns every item of a partition, following pagination.
func (s *Store) query(ctx context.Context, pk string) ([]map[string]ddb.AttributeValue, error) {
	var (
		items []map[string]ddb.AttributeValue
		start map[string]ddb.AttributeValue
	)
	for {
		res, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]ddb.AttributeValue{
				":pk": &ddb.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", pk, err)
		}
		items = append(items, res.Items...)
		if len(res.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = res.LastEvaluatedKey
	}
}

// Search scans the collection partition and evaluates the domain on the
// decoded rows.
func (s *Store) Search(ctx context.Context, collection string, domain types.Domain) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	items, err := s.query(ctx, entityPK(collection))
	if err != nil {
		return nil, err
	}
	schema := s.schemas[collection]
	links := make(map[string]map[int64][]int64)
	for _, field := range domain.Fields() {
		rel, ok := schema.Relations[field]
		if !ok {
			continue
		}
		pairs, err := s.pairs(ctx, rel.Table)
		if err != nil {
			return nil, err
		}
		links[field] = s.orient(rel, pairs)
	}

	var ids []int64
	for _, item := range items {
		id, row, err := s.decodeRow(collection, item, nil)
		if err != nil {
			return nil, err
		}
		ok, err := domain.Match(func(field string) (any, error) {
			if l, ok := links[field]; ok {
				return l[id], nil
			}
			if field == attrID {
				return id, nil
			}
			return row[field], nil
		})
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// pairs returns the join rows of a table in canonical orientation.
func (s *Store) pairs(ctx context.Context, table string) ([]types.Pair, error) {
	items, err := s.query(ctx, relationPK(table))
	if err != nil {
		return nil, err
	}
	out := make([]types.Pair, 0, len(items))
	for _, item := range items {
		var p struct {
			Left  int64 `dynamodbav:"l"`
			Right int64 `dynamodbav:"r"`
		}
		if err := attributevalue.UnmarshalMap(item, &p); err != nil {
			return nil, fmt.Errorf("decode join row of %s: %w", table, err)
		}
		out = append(out, types.Pair{Left: p.Left, Right: p.Right})
	}
	return out, nil
}

// canonical reports whether rel has the orientation join rows are stored
// in.
func (s *Store) canonical(rel types.Relation) bool {
	c, ok := s.joins[rel.Table]
	return !ok || c.Column1 == rel.Column1
}

// orient groups canonical pairs by the Column1 side of rel.
func (s *Store) orient(rel types.Relation, pairs []types.Pair) map[int64][]int64 {
	out := make(map[int64][]int64)
	flip := !s.canonical(rel)
	for _, p := range pairs {
		if flip {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		out[p.Left] = append(out[p.Left], p.Right)
	}
	return out
}

// FetchRelation returns linked ids in ascending order.
func (s *Store) FetchRelation(ctx context.Context, rel types.Relation, ids []int64) (map[int64][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	pairs, err := s.pairs(ctx, rel.Table)
	if err != nil {
		return nil, err
	}
	all := s.orient(rel, pairs)
	out := make(map[int64][]int64, len(ids))
	for _, id := range ids {
		if l := all[id]; len(l) > 0 {
			out[id] = l
		}
	}
	return out, nil
}

// AddRelation puts one item per pair; existing pairs are overwritten
// with identical content.
func (s *Store) AddRelation(ctx context.Context, rel types.Relation, pairs []types.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	flip := !s.canonical(rel)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, p := range pairs {
		if flip {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		p := p
		g.Go(func() error {
			item := key(relationPK(rel.Table), pairSK(p))
			item["l"] = &ddb.AttributeValueMemberN{Value: strconv.FormatInt(p.Left, 10)}
			item["r"] = &ddb.AttributeValueMemberN{Value: strconv.FormatInt(p.Right, 10)}
			_, err := s.client.PutItem(gctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.table),
				Item:      item,
			})
			return err
		})
	}
	return g.Wait()
}

// RemoveRelation deletes join rows.
func (s *Store) RemoveRelation(ctx context.Context, rel types.Relation, pairs []types.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	flip := !s.canonical(rel)
	keys := make([]map[string]ddb.AttributeValue, 0, len(pairs))
	for _, p := range pairs {
		if flip {
			p = types.Pair{Left: p.Right, Right: p.Left}
		}
		keys = append(keys, key(relationPK(rel.Table), pairSK(p)))
	}
	return s.deleteKeys(ctx, keys)
}
