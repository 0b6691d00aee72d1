package orm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attrstore/internal/memstore"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// countingStore counts the store round trips made by the engine.
type countingStore struct {
	types.Store
	fetches   atomic.Int64
	searches  atomic.Int64
	relations atomic.Int64
}

func (s *countingStore) Fetch(ctx context.Context, collection string, columns []string, ids []int64) (map[int64]types.Row, error) {
	s.fetches.Add(1)
	return s.Store.Fetch(ctx, collection, columns, ids)
}

func (s *countingStore) Search(ctx context.Context, collection string, domain types.Domain) ([]int64, error) {
	s.searches.Add(1)
	return s.Store.Search(ctx, collection, domain)
}

func (s *countingStore) FetchRelation(ctx context.Context, rel types.Relation, ids []int64) (map[int64][]int64, error) {
	s.relations.Add(1)
	return s.Store.FetchRelation(ctx, rel, ids)
}

func (s *countingStore) reset() {
	s.fetches.Store(0)
	s.searches.Store(0)
	s.relations.Store(0)
}

var orderStates = []SelectionOption{
	{Value: "draft", Label: "Draft"},
	{Value: "done", Label: "Done"},
}

// saleRegistry declares a small sales schema: currencies, partners with
// tags, orders and order lines. It is not set up so tests can extend it.
func saleRegistry() *Registry {
	reg := NewRegistry()
	reg.Define("res.currency", CollectionOptions{},
		Definition{Name: "name", Kind: types.KindChar, Required: true},
		Definition{Name: "decimal_places", Kind: types.KindInteger},
	)
	reg.Define("res.partner", CollectionOptions{},
		Definition{Name: "name", Kind: types.KindChar, Required: true},
		Definition{Name: "ref", Kind: types.KindChar, Unique: true},
		Definition{Name: "active", Kind: types.KindBoolean, Default: true},
		Definition{Name: "email", Kind: types.KindChar, Size: 64},
		Definition{Name: "code", Kind: types.KindChar, Readonly: true},
		Definition{Name: "internal_note", Kind: types.KindText, Groups: []string{"sales.manager"}},
		Definition{Name: "credit_limit", Kind: types.KindFloat, CompanyDependent: true},
		Definition{Name: "category_ids", Kind: types.KindMany2Many, Comodel: "res.partner.category"},
		Definition{Name: "order_ids", Kind: types.KindOne2Many, Comodel: "sale.order", InverseName: "partner_id"},
	)
	reg.Define("res.partner.category", CollectionOptions{},
		Definition{Name: "name", Kind: types.KindChar, Required: true},
		Definition{Name: "partner_ids", Kind: types.KindMany2Many, Comodel: "res.partner"},
	)
	reg.Define("sale.order", CollectionOptions{},
		Definition{Name: "name", Kind: types.KindChar, Required: true},
		Definition{Name: "partner_id", Kind: types.KindMany2One, Comodel: "res.partner", OnDelete: types.OnDeleteRestrict},
		Definition{Name: "user_id", Kind: types.KindMany2One, Comodel: "res.partner"},
		Definition{Name: "currency_id", Kind: types.KindMany2One, Comodel: "res.currency"},
		Definition{Name: "state", Kind: types.KindSelection, Selection: orderStates, Default: "draft"},
		Definition{Name: "date_order", Kind: types.KindDate},
		Definition{Name: "deposit", Kind: types.KindMonetary},
		Definition{Name: "line_ids", Kind: types.KindOne2Many, Comodel: "sale.order.line", InverseName: "order_id"},
		Definition{Name: "amount_total", Kind: types.KindMonetary, Store: true,
			Compute: SumOf("amount_total", "line_ids.subtotal"),
			Depends: []string{"line_ids.subtotal"}},
		Definition{Name: "line_count", Kind: types.KindInteger,
			Compute: CountOf("line_count", "line_ids"),
			Depends: []string{"line_ids"}},
		Definition{Name: "partner_name", Related: "partner_id.name", Readonly: true},
	)
	reg.Define("sale.order.line", CollectionOptions{},
		Definition{Name: "order_id", Kind: types.KindMany2One, Comodel: "sale.order", Required: true, OnDelete: types.OnDeleteCascade},
		Definition{Name: "name", Kind: types.KindChar},
		Definition{Name: "qty", Kind: types.KindFloat},
		Definition{Name: "price_unit", Kind: types.KindFloat},
		Definition{Name: "subtotal", Kind: types.KindFloat, Store: true,
			Compute: ProductOf("subtotal", "qty", "price_unit"),
			Depends: []string{"qty", "price_unit"}},
	)
	return reg
}

// newTestEngine sets reg up and binds it to a fresh in-memory store.
func newTestEngine(t *testing.T, reg *Registry, opts Options) (*Engine, *countingStore) {
	t.Helper()
	require.NoError(t, reg.Setup())
	store := &countingStore{Store: memstore.New()}
	eng, err := NewEngine(reg, store, opts)
	require.NoError(t, err)
	require.NoError(t, eng.SyncSchema(context.Background()))
	return eng, store
}

func begin(t *testing.T, eng *Engine, opts ...TxOption) *Tx {
	t.Helper()
	tx := eng.Begin(context.Background(), opts...)
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func mustCreate(t *testing.T, tx *Tx, collection string, values ...map[string]any) EntitySet {
	t.Helper()
	set, err := tx.Create(collection, values...)
	require.NoError(t, err)
	return set
}

func mustGet(t *testing.T, rec EntitySet, name string) any {
	t.Helper()
	v, err := rec.Get(name)
	require.NoError(t, err)
	return v
}
