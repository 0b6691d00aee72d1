package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

func getSet(t *testing.T, rec EntitySet, name string) EntitySet {
	t.Helper()
	set, err := rec.GetSet(name)
	require.NoError(t, err)
	return set
}

func TestOne2ManySymmetry(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	first := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001"})
	second := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO002"})
	require.True(t, getSet(t, first, "line_ids").IsEmpty())
	require.True(t, getSet(t, second, "line_ids").IsEmpty())

	line := mustCreate(t, tx, "sale.order.line", map[string]any{"order_id": first, "name": "desk"})
	assert.Equal(t, line.IDs(), getSet(t, first, "line_ids").IDs())

	// linking from the other side moves the line
	require.NoError(t, second.Set("line_ids", []types.Command{types.Link(line.IDs()[0])}))
	assert.Equal(t, second.IDs(), getSet(t, line, "order_id").IDs())
	assert.True(t, getSet(t, first, "line_ids").IsEmpty())
	assert.Equal(t, line.IDs(), getSet(t, second, "line_ids").IDs())

	// writing the many2one moves it back
	require.NoError(t, line.Set("order_id", first))
	assert.Equal(t, line.IDs(), getSet(t, first, "line_ids").IDs())
	assert.True(t, getSet(t, second, "line_ids").IsEmpty())
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	first, err := tx.Browse("sale.order", first.IDs()...)
	require.NoError(t, err)
	assert.Equal(t, line.IDs(), getSet(t, first, "line_ids").IDs())
}

func TestMany2ManySymmetry(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	vip := mustCreate(t, tx, "res.partner.category", map[string]any{"name": "vip"})
	require.True(t, getSet(t, partner, "category_ids").IsEmpty())
	require.True(t, getSet(t, vip, "partner_ids").IsEmpty())

	require.NoError(t, partner.Set("category_ids", []types.Command{types.Link(vip.IDs()[0])}))
	assert.Equal(t, partner.IDs(), getSet(t, vip, "partner_ids").IDs())

	require.NoError(t, vip.Set("partner_ids", []types.Command{types.Unlink(partner.IDs()[0])}))
	assert.True(t, getSet(t, partner, "category_ids").IsEmpty())

	require.NoError(t, vip.Set("partner_ids", partner))
	assert.Equal(t, vip.IDs(), getSet(t, partner, "category_ids").IDs())
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	vip, err := tx.Browse("res.partner.category", vip.IDs()...)
	require.NoError(t, err)
	assert.Equal(t, partner.IDs(), getSet(t, vip, "partner_ids").IDs())
	partner, err = tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)
	assert.Equal(t, vip.IDs(), getSet(t, partner, "category_ids").IDs())

	found, err := tx.Search("res.partner", types.Domain{types.Cond("category_ids", types.OpIn, vip.IDs())})
	require.NoError(t, err)
	assert.Equal(t, partner.IDs(), found.IDs())
}

func TestOne2ManyCommands(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	order := mustCreate(t, tx, "sale.order", map[string]any{
		"name": "SO001",
		"line_ids": []types.Command{
			types.Create(map[string]any{"name": "a", "qty": 1, "price_unit": 10}),
			types.Create(map[string]any{"name": "b", "qty": 2, "price_unit": 5}),
			types.Create(map[string]any{"name": "c", "qty": 3, "price_unit": 1}),
		},
	})
	lines := getSet(t, order, "line_ids")
	require.Equal(t, 3, lines.Len())
	ids := lines.IDs()

	require.NoError(t, order.Set("line_ids", []types.Command{
		types.Update(ids[0], map[string]any{"qty": 4}),
		types.Delete(ids[1]),
	}))
	qty, err := lines.Records()[0].GetFloat("qty")
	require.NoError(t, err)
	assert.Equal(t, 4.0, qty)
	assert.Equal(t, []int64{ids[0], ids[2]}, getSet(t, order, "line_ids").IDs())

	// the inverse is required, so unlinking a line deletes it
	require.NoError(t, order.Set("line_ids", []types.Command{types.Unlink(ids[2])}))
	assert.Equal(t, []int64{ids[0]}, getSet(t, order, "line_ids").IDs())
	require.NoError(t, tx.Flush())
	alive, err := lines.Exists()
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, alive.IDs())

	require.NoError(t, order.Set("line_ids", []types.Command{types.Clear()}))
	assert.True(t, getSet(t, order, "line_ids").IsEmpty())
	total, err := order.GetFloat("amount_total")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestOne2ManySetNullOnDetach(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	orders := mustCreate(t, tx, "sale.order",
		map[string]any{"name": "SO001", "partner_id": partner},
		map[string]any{"name": "SO002", "partner_id": partner},
	)
	assert.Equal(t, orders.IDs(), getSet(t, partner, "order_ids").IDs())

	require.NoError(t, partner.Set("order_ids", []types.Command{types.Set(orders.IDs()[1])}))
	assert.True(t, getSet(t, orders.Records()[0], "partner_id").IsEmpty())
	require.NoError(t, tx.Flush())
	alive, err := orders.Exists()
	require.NoError(t, err)
	assert.Equal(t, orders.IDs(), alive.IDs())
}

func TestMany2ManyCommands(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	partner := mustCreate(t, tx, "res.partner", map[string]any{
		"name":         "Azure",
		"category_ids": []types.Command{types.Create(map[string]any{"name": "vip"})},
	})
	cats := getSet(t, partner, "category_ids")
	require.Equal(t, 1, cats.Len())
	name, err := cats.DisplayName()
	require.NoError(t, err)
	assert.Equal(t, "vip", name)

	other := mustCreate(t, tx, "res.partner.category", map[string]any{"name": "new"})
	require.NoError(t, partner.Set("category_ids", []types.Command{types.Link(other.IDs()[0]), types.Link(other.IDs()[0])}))
	assert.Equal(t, append(cats.IDs(), other.IDs()...), getSet(t, partner, "category_ids").IDs())

	require.NoError(t, partner.Set("category_ids", []int64{other.IDs()[0]}))
	assert.Equal(t, other.IDs(), getSet(t, partner, "category_ids").IDs())

	require.NoError(t, partner.Set("category_ids", []types.Command{types.Clear()}))
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	partner, err = tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)
	assert.True(t, getSet(t, partner, "category_ids").IsEmpty())
	// the created category survives the relation being cleared
	found, err := tx.Search("res.partner.category", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, found.Len())
}

func TestMany2OneTargetMustExist(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	_, err := tx.Create("sale.order", map[string]any{"name": "SO001", "partner_id": 999})
	require.ErrorIs(t, err, types.ErrMissingEntity)
	var me *types.MissingEntityError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "res.partner", me.Collection)
	assert.Equal(t, []int64{999}, me.IDs)

	order := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001"})
	assert.ErrorIs(t, order.Set("currency_id", 42), types.ErrMissingEntity)

	other := mustCreate(t, tx, "res.partner.category", map[string]any{"name": "vip"})
	err = order.Set("partner_id", other)
	assert.ErrorIs(t, err, types.ErrValue, "a record of the wrong collection is refused")
}

func TestUnlinkRestrict(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	order := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001", "partner_id": partner})
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	require.NoError(t, tx.Unlink("res.partner", partner.IDs()...))
	err := tx.Flush()
	require.ErrorIs(t, err, types.ErrIntegrity)
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "sale.order", ie.Collection)
	assert.Equal(t, "partner_id", ie.Attribute)
	assert.Equal(t, order.IDs(), ie.IDs)

	// the refused deletion is cancelled: the partner is back and the
	// transaction can flush again
	require.NoError(t, tx.Flush())
	kept, err := tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)
	alive, err := kept.Exists()
	require.NoError(t, err)
	assert.Equal(t, partner.IDs(), alive.IDs())
	assert.Equal(t, "Azure", mustGet(t, kept, "name"))
	assert.Equal(t, order.IDs(), getSet(t, kept, "order_ids").IDs())
	require.NoError(t, tx.Rollback())

	// deleting the referencing order first lets the partner go
	tx = begin(t, eng)
	require.NoError(t, tx.Unlink("sale.order", order.IDs()...))
	require.NoError(t, tx.Unlink("res.partner", partner.IDs()...))
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	gone, err := tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)
	alive, err = gone.Exists()
	require.NoError(t, err)
	assert.True(t, alive.IsEmpty())
}

func TestUnlinkCascade(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	order := mustCreate(t, tx, "sale.order", map[string]any{
		"name": "SO001",
		"line_ids": []types.Command{
			types.Create(map[string]any{"name": "a"}),
			types.Create(map[string]any{"name": "b"}),
		},
	})
	lines := getSet(t, order, "line_ids")
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	require.NoError(t, tx.Unlink("sale.order", order.IDs()...))
	require.NoError(t, tx.Flush())
	left, err := tx.Search("sale.order.line", nil)
	require.NoError(t, err)
	assert.True(t, left.IsEmpty())

	lines, err = tx.Browse("sale.order.line", lines.IDs()...)
	require.NoError(t, err)
	_, err = lines.Records()[0].Get("name")
	assert.ErrorIs(t, err, types.ErrMissingEntity)
}

func TestUnlinkSetNull(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	seller := mustCreate(t, tx, "res.partner", map[string]any{"name": "Seller"})
	vip := mustCreate(t, tx, "res.partner.category", map[string]any{"name": "vip", "partner_ids": seller})
	order := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001", "user_id": seller})
	require.Equal(t, seller.IDs(), getSet(t, order, "user_id").IDs())

	require.NoError(t, seller.Unlink())
	assert.True(t, getSet(t, vip, "partner_ids").IsEmpty())
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	order, err := tx.Browse("sale.order", order.IDs()...)
	require.NoError(t, err)
	assert.True(t, getSet(t, order, "user_id").IsEmpty())
	vip, err = tx.Browse("res.partner.category", vip.IDs()...)
	require.NoError(t, err)
	assert.True(t, getSet(t, vip, "partner_ids").IsEmpty())
}

func TestOrderTotalsFollowLines(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	eur := mustCreate(t, tx, "res.currency", map[string]any{"name": "EUR", "decimal_places": 2})
	first := mustCreate(t, tx, "sale.order", map[string]any{
		"name":        "SO001",
		"currency_id": eur,
		"line_ids": []types.Command{
			types.Create(map[string]any{"name": "desk", "qty": 2, "price_unit": 99.999}),
			types.Create(map[string]any{"name": "lamp", "qty": 1, "price_unit": 15}),
		},
	})
	second := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO002", "currency_id": eur})

	total, err := first.GetFloat("amount_total")
	require.NoError(t, err)
	assert.Equal(t, 215.0, total)
	count, err := first.GetInt("line_count")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	lines := getSet(t, first, "line_ids").Records()
	require.NoError(t, lines[1].Set("price_unit", 20))
	total, err = first.GetFloat("amount_total")
	require.NoError(t, err)
	assert.Equal(t, 220.0, total)

	// moving a line updates the old and the new order
	require.NoError(t, lines[0].Set("order_id", second))
	total, err = first.GetFloat("amount_total")
	require.NoError(t, err)
	assert.Equal(t, 20.0, total)
	total, err = second.GetFloat("amount_total")
	require.NoError(t, err)
	assert.Equal(t, 200.0, total)
	count, err = first.GetInt("line_count")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	found, err := tx.Search("sale.order", types.Domain{types.Cond("amount_total", types.OpGt, 100)})
	require.NoError(t, err)
	assert.Equal(t, second.IDs(), found.IDs())
}

func TestRelatedFollowsTarget(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	order := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001", "partner_id": partner})
	assert.Equal(t, "Azure", mustGet(t, order, "partner_name"))

	require.NoError(t, partner.Set("name", "Azure Interior"))
	assert.Equal(t, "Azure Interior", mustGet(t, order, "partner_name"))

	require.NoError(t, order.Set("partner_id", nil))
	assert.Nil(t, mustGet(t, order, "partner_name"))

	err := order.Set("partner_name", "x")
	assert.ErrorIs(t, err, types.ErrValue, "readonly related attributes refuse writes")

	rows, err := order.Read("partner_id", "state")
	require.NoError(t, err)
	assert.Nil(t, rows[0]["partner_id"])
	require.NoError(t, order.Set("partner_id", partner))
	rows, err = order.Read("partner_id")
	require.NoError(t, err)
	assert.Equal(t, types.Ref{ID: partner.IDs()[0], Name: "Azure Interior"}, rows[0]["partner_id"])
}

func TestRejectedWriteChangesNothing(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	order := mustCreate(t, tx, "sale.order", map[string]any{
		"name":     "SO001",
		"line_ids": []types.Command{types.Create(map[string]any{"name": "a", "qty": 1, "price_unit": 10})},
	})
	lineID := getSet(t, order, "line_ids").IDs()[0]
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	order, err := tx.Browse("sale.order", order.IDs()...)
	require.NoError(t, err)
	partner, err = tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)

	tests := []struct {
		name   string
		rec    EntitySet
		values map[string]any
		want   error
	}{
		{"bad update payload", order, map[string]any{
			"name":     "CHANGED",
			"line_ids": []types.Command{types.Update(lineID, map[string]any{"qty": "not-a-number"})},
		}, types.ErrValue},
		{"bad create payload", order, map[string]any{
			"name":     "CHANGED",
			"line_ids": []types.Command{types.Create(map[string]any{"name": "b", "price_unit": "cheap"})},
		}, types.ErrValue},
		{"unknown attribute in payload", order, map[string]any{
			"name": "CHANGED",
			"line_ids": []types.Command{
				types.Update(lineID, map[string]any{"qty": 2}),
				types.Create(map[string]any{"colour": "red"}),
			},
		}, types.ErrUnknownAttribute},
		{"update of a missing line", order, map[string]any{
			"name":     "CHANGED",
			"line_ids": []types.Command{types.Update(9999, map[string]any{"qty": 2})},
		}, types.ErrMissingEntity},
		{"create without a required value", partner, map[string]any{
			"name":         "CHANGED",
			"category_ids": []types.Command{types.Create(map[string]any{})},
		}, types.ErrValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.rec.Write(tt.values), tt.want)
			name, err := tt.rec.GetString("name")
			require.NoError(t, err)
			assert.NotEqual(t, "CHANGED", name)
		})
	}

	lines := getSet(t, order, "line_ids")
	assert.Equal(t, []int64{lineID}, lines.IDs())
	qty, err := lines.GetFloat("qty")
	require.NoError(t, err)
	assert.Equal(t, 1.0, qty)
	assert.True(t, getSet(t, partner, "category_ids").IsEmpty())

	_, err = tx.Create("sale.order", map[string]any{
		"name":     "SO002",
		"line_ids": []types.Command{types.Create(map[string]any{"qty": "many"})},
	})
	require.ErrorIs(t, err, types.ErrValue)
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	found, err := tx.Search("sale.order", nil)
	require.NoError(t, err)
	assert.Equal(t, order.IDs(), found.IDs())
	assert.Equal(t, "SO001", mustGet(t, found, "name"))
	found, err = tx.Search("res.partner.category", nil)
	require.NoError(t, err)
	assert.True(t, found.IsEmpty())
}

func TestLinkRequiresExistingTargets(t *testing.T) {
	eng, _ := newTestEngine(t, saleRegistry(), Options{})
	tx := begin(t, eng)
	order := mustCreate(t, tx, "sale.order", map[string]any{"name": "SO001"})
	partner := mustCreate(t, tx, "res.partner", map[string]any{"name": "Azure"})
	vip := mustCreate(t, tx, "res.partner.category", map[string]any{"name": "vip"})
	vipID := vip.IDs()[0]

	tests := []struct {
		name    string
		rec     EntitySet
		attr    string
		cmds    []types.Command
		missing []int64
	}{
		{"one2many link", order, "line_ids", []types.Command{types.Link(9999)}, []int64{9999}},
		{"one2many set", order, "line_ids", []types.Command{types.Set(9998, 9999)}, []int64{9998, 9999}},
		{"many2many link", partner, "category_ids", []types.Command{types.Link(8888)}, []int64{8888}},
		{"many2many set", partner, "category_ids", []types.Command{types.Set(vipID, 8888)}, []int64{8888}},
		{"many2many delete", partner, "category_ids", []types.Command{types.Link(vipID), types.Delete(8888)}, []int64{8888}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Set(tt.attr, tt.cmds)
			require.ErrorIs(t, err, types.ErrMissingEntity)
			var me *types.MissingEntityError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.missing, me.IDs)
			assert.True(t, getSet(t, tt.rec, tt.attr).IsEmpty())
		})
	}

	// records created in the transaction, in memory or not, can be linked
	draft, err := tx.New("res.partner.category", map[string]any{"name": "draft"})
	require.NoError(t, err)
	require.NoError(t, partner.Set("category_ids", []types.Command{types.Link(vipID)}))
	require.NoError(t, partner.Set("category_ids", []types.Command{types.Link(draft.IDs()[0])}))
	assert.Equal(t, []int64{vipID, draft.IDs()[0]}, getSet(t, partner, "category_ids").IDs())
	require.NoError(t, tx.Commit())

	tx = begin(t, eng)
	partner, err = tx.Browse("res.partner", partner.IDs()...)
	require.NoError(t, err)
	assert.Equal(t, []int64{vipID}, getSet(t, partner, "category_ids").IDs())
	order, err = tx.Browse("sale.order", order.IDs()...)
	require.NoError(t, err)
	assert.True(t, getSet(t, order, "line_ids").IsEmpty())
}
