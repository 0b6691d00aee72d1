package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

var (
	partnerSchema = types.TableSchema{
		Collection: "partner",
		Columns: []types.Column{
			{Name: "name", Kind: types.KindChar, Required: true},
			{Name: "ref", Kind: types.KindChar, Unique: true},
			{Name: "active", Kind: types.KindBoolean},
			{Name: "credit", Kind: types.KindMonetary},
		},
		Relations: map[string]types.Relation{
			"tag_ids": tagRel,
		},
	}
	tagSchema = types.TableSchema{
		Collection: "tag",
		Columns:    []types.Column{{Name: "name", Kind: types.KindChar}},
	}
	tagRel = types.Relation{
		Table:       "partner_tag_rel",
		Column1:     "partner_id",
		Column2:     "tag_id",
		Collection1: "partner",
		Collection2: "tag",
	}
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()
	require.NoError(t, b.EnsureSchema(ctx, tagSchema))
	require.NoError(t, b.EnsureSchema(ctx, partnerSchema))
	return b
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	b, err := Open(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = os.Stat(filepath.Join(dir, DBFile))
	assert.NoError(t, err)
}

func TestEnsureSchemaAddsColumns(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	ids, err := b.Insert(ctx, "tag", []types.Row{{"name": "vip"}})
	require.NoError(t, err)

	extended := tagSchema
	extended.Columns = append([]types.Column{}, tagSchema.Columns...)
	extended.Columns = append(extended.Columns, types.Column{Name: "color", Kind: types.KindInteger})
	require.NoError(t, b.EnsureSchema(ctx, extended))
	require.NoError(t, b.EnsureSchema(ctx, extended))

	rows, err := b.Fetch(ctx, "tag", []string{"name", "color"}, ids)
	require.NoError(t, err)
	assert.Equal(t, "vip", rows[ids[0]]["name"])
	assert.Nil(t, rows[ids[0]]["color"])
}

func TestInsertFetchFlush(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	ids, err := b.Insert(ctx, "partner", []types.Row{
		{"name": "Azure", "active": true, "credit": 10.01},
		{"name": "Deco"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])

	require.NoError(t, b.Flush(ctx, "partner", map[int64]types.Row{
		ids[1]: {"credit": 5.5, "active": false},
	}))

	rows, err := b.Fetch(ctx, "partner", []string{"name", "active", "credit"}, append(ids, 999))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Azure", rows[ids[0]]["name"])
	assert.EqualValues(t, 1, rows[ids[0]]["active"])
	assert.InDelta(t, 10.01, rows[ids[0]]["credit"], 1e-9)
	assert.InDelta(t, 5.5, rows[ids[1]]["credit"], 1e-9)
	assert.EqualValues(t, 0, rows[ids[1]]["active"])
}

func TestFetchWithoutColumnsReportsExistence(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	ids, err := b.Insert(ctx, "tag", []types.Row{{"name": "a"}})
	require.NoError(t, err)

	rows, err := b.Fetch(ctx, "tag", nil, []int64{ids[0], ids[0] + 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Contains(t, rows, ids[0])
}

func TestUniqueViolationIsIntegrityError(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, "partner", []types.Row{{"name": "a", "ref": "P1"}})
	require.NoError(t, err)
	_, err = b.Insert(ctx, "partner", []types.Row{{"name": "b", "ref": "P1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIntegrity))

	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "ref", ie.Attribute)
}

func TestSearch(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	ids, err := b.Insert(ctx, "partner", []types.Row{
		{"name": "Azure Interior", "credit": 100.0, "active": true},
		{"name": "Deco Addict", "credit": 50.0, "active": false},
		{"name": "Gemini Furniture"},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		domain types.Domain
		want   []int64
	}{
		{"empty", nil, ids},
		{"eq", types.Domain{types.Cond("name", "=", "Deco Addict")}, ids[1:2]},
		{"null", types.Domain{types.Cond("credit", "=", nil)}, ids[2:]},
		{"ne includes null", types.Domain{types.Cond("credit", "!=", 50.0)}, []int64{ids[0], ids[2]}},
		{"gt", types.Domain{types.Cond("credit", ">", 60)}, ids[:1]},
		{"like", types.Domain{types.Cond("name", "like", "deco")}, ids[1:2]},
		{"bool", types.Domain{types.Cond("active", "=", true)}, ids[:1]},
		{"in", types.Domain{types.Cond("id", "in", []int64{ids[0], ids[2]})}, []int64{ids[0], ids[2]}},
		{"in empty", types.Domain{types.Cond("id", "in", []int64{})}, nil},
		{"not in empty", types.Domain{types.Cond("id", "not in", []int64{})}, ids},
		{"conjunction", types.Domain{
			types.Cond("credit", ">=", 50),
			types.Cond("active", "=", false),
		}, ids[1:2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Search(ctx, "partner", tt.domain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelations(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	partners, err := b.Insert(ctx, "partner", []types.Row{{"name": "a"}, {"name": "b"}})
	require.NoError(t, err)
	tags, err := b.Insert(ctx, "tag", []types.Row{{"name": "x"}, {"name": "y"}})
	require.NoError(t, err)

	require.NoError(t, b.AddRelation(ctx, tagRel, []types.Pair{
		{Left: partners[0], Right: tags[1]},
		{Left: partners[0], Right: tags[0]},
		{Left: partners[1], Right: tags[0]},
	}))
	// Existing pairs are ignored.
	require.NoError(t, b.AddRelation(ctx, tagRel, []types.Pair{{Left: partners[0], Right: tags[0]}}))

	links, err := b.FetchRelation(ctx, tagRel, partners)
	require.NoError(t, err)
	assert.Equal(t, []int64{tags[1], tags[0]}, links[partners[0]])
	assert.Equal(t, []int64{tags[0]}, links[partners[1]])

	back, err := b.FetchRelation(ctx, tagRel.Reversed(), tags)
	require.NoError(t, err)
	assert.ElementsMatch(t, partners, back[tags[0]])

	found, err := b.Search(ctx, "partner", types.Domain{types.Cond("tag_ids", "=", tags[1])})
	require.NoError(t, err)
	assert.Equal(t, partners[:1], found)

	require.NoError(t, b.RemoveRelation(ctx, tagRel, []types.Pair{{Left: partners[0], Right: tags[1]}}))
	require.NoError(t, b.Delete(ctx, "tag", tags[:1]))

	links, err = b.FetchRelation(ctx, tagRel, partners)
	require.NoError(t, err)
	assert.Empty(t, links[partners[0]])
	assert.Empty(t, links[partners[1]])

	found, err = b.Search(ctx, "partner", types.Domain{types.Cond("tag_ids", "=", nil)})
	require.NoError(t, err)
	assert.Equal(t, partners, found)
}

func TestClosedBackend(t *testing.T) {
	b, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Fetch(context.Background(), "tag", nil, []int64{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlushTranslatesConstraintFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	b := newBackend(db, nil)
	defer b.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "partner" SET "ref" = ? WHERE id = ?`)).
		WithArgs("P1", int64(7)).
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: partner.ref (2067)"))
	mock.ExpectRollback()

	err = b.Flush(context.Background(), "partner", map[int64]types.Row{7: {"ref": "P1"}})
	require.ErrorIs(t, err, types.ErrIntegrity)
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "ref", ie.Attribute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUsesDefaultValues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	b := newBackend(db, nil)
	defer b.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "tag" DEFAULT VALUES`)).
		WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectCommit()

	ids, err := b.Insert(context.Background(), "tag", []types.Row{{}})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildWhere(t *testing.T) {
	where, args, err := buildWhere(partnerSchema, types.Domain{
		types.Cond("name", "like", "az"),
		types.Cond("tag_ids", "not in", []int64{3, 4}),
		types.Cond("active", "=", true),
	})
	require.NoError(t, err)
	assert.Equal(t,
		`"name" LIKE ? AND id NOT IN (SELECT "partner_id" FROM "partner_tag_rel" WHERE "tag_id" IN (?,?)) AND "active" = ?`,
		where)
	assert.Equal(t, []any{"%az%", int64(3), int64(4), int64(1)}, args)

	_, _, err = buildWhere(partnerSchema, types.Domain{types.Cond("tag_ids", "<", 1)})
	assert.Error(t, err)
}
