package jsonl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attrstore/internal/memstore"
	"github.com/mesh-intelligence/attrstore/pkg/orm"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

func TestReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName("note"))
	assert.Equal(t, "note.jsonl", FileName("note"))

	records, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, Write(path, []json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
	}))
	records, err = Read(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"id":2}`, string(records[1]))

	require.NoError(t, os.WriteFile(path, []byte("{\"id\":1}\n\nnot json\n{\"id\":3}\n"), 0o644))
	records, err = Read(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"id":3}`, string(records[1]))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func noteRegistry(t *testing.T) *orm.Registry {
	t.Helper()
	reg := orm.NewRegistry()
	reg.Define("tag", orm.CollectionOptions{},
		orm.Definition{Name: "name", Kind: types.KindChar, Required: true},
	)
	reg.Define("note", orm.CollectionOptions{RecName: "title"},
		orm.Definition{Name: "title", Kind: types.KindChar, Required: true},
		orm.Definition{Name: "score", Kind: types.KindFloat},
		orm.Definition{Name: "parent_id", Kind: types.KindMany2One, Comodel: "note"},
		orm.Definition{Name: "child_ids", Kind: types.KindOne2Many, Comodel: "note", InverseName: "parent_id"},
		orm.Definition{Name: "tag_ids", Kind: types.KindMany2Many, Comodel: "tag"},
		orm.Definition{Name: "double", Kind: types.KindFloat, Store: true, Depends: []string{"score"},
			Compute: func(records orm.EntitySet) error {
				for _, rec := range records.Records() {
					s, err := rec.GetFloat("score")
					if err != nil {
						return err
					}
					if err := rec.Set("double", 2*s); err != nil {
						return err
					}
				}
				return nil
			}},
	)
	require.NoError(t, reg.Setup())
	return reg
}

func newTx(t *testing.T) *orm.Tx {
	t.Helper()
	eng, err := orm.NewEngine(noteRegistry(t), memstore.New(), orm.Options{})
	require.NoError(t, err)
	require.NoError(t, eng.SyncSchema(context.Background()))
	tx := eng.Begin(context.Background())
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func TestDumpLoadRoundTrip(t *testing.T) {
	src := newTx(t)
	tags, err := src.Create("tag", map[string]any{"name": "red"}, map[string]any{"name": "blue"})
	require.NoError(t, err)
	root, err := src.Create("note", map[string]any{"title": "root", "score": 1.5, "tag_ids": tags.IDs()})
	require.NoError(t, err)
	rootID, _ := root.ID()
	_, err = src.Create("note", map[string]any{"title": "leaf", "parent_id": rootID, "tag_ids": tags.IDs()[1:]})
	require.NoError(t, err)

	dir := t.TempDir()
	stats, err := Dump(src, dir)
	require.NoError(t, err)
	assert.Equal(t, Stats{"tag": 2, "note": 2}, stats)

	raw, err := Read(filepath.Join(dir, "note.jsonl"))
	require.NoError(t, err)
	require.Len(t, raw, 2)
	var leaf map[string]any
	require.NoError(t, json.Unmarshal(raw[1], &leaf))
	assert.Equal(t, float64(rootID), leaf["parent_id"])
	assert.NotContains(t, leaf, "double")
	assert.NotContains(t, leaf, "child_ids")

	dst := newTx(t)
	_, err = dst.Create("tag", map[string]any{"name": "existing"})
	require.NoError(t, err)
	_, err = dst.Create("note", map[string]any{"title": "existing"})
	require.NoError(t, err)

	stats, err = Load(dst, dir)
	require.NoError(t, err)
	assert.Equal(t, Stats{"tag": 2, "note": 2}, stats)

	found, err := dst.Search("note", types.Domain{types.Cond("title", types.OpEq, "leaf")})
	require.NoError(t, err)
	require.Equal(t, 1, found.Len())
	parent, err := found.GetSet("parent_id")
	require.NoError(t, err)
	title, err := parent.GetString("title")
	require.NoError(t, err)
	assert.Equal(t, "root", title)
	assert.NotEqual(t, rootID, parent.IDs()[0], "ids are remapped")

	names, err := parent.Mapped("tag_ids.name")
	require.NoError(t, err)
	assert.Equal(t, []any{"red", "blue"}, names)
	double, err := parent.GetFloat("double")
	require.NoError(t, err)
	assert.Equal(t, 3.0, double)

	children, err := parent.GetSet("child_ids")
	require.NoError(t, err)
	assert.Equal(t, found.IDs(), children.IDs())
}

func TestLoadSkipsMissingFilesAndUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "tag.jsonl"), []json.RawMessage{
		json.RawMessage(`{"id":7,"name":"green","colour":"#0f0"}`),
	}))
	tx := newTx(t)
	stats, err := Load(tx, dir)
	require.NoError(t, err)
	assert.Equal(t, Stats{"tag": 1}, stats)

	_, err = Load(tx, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, Write(filepath.Join(dir, "note.jsonl"), []json.RawMessage{json.RawMessage(`{"id":1}`)}))
	_, err = Load(tx, dir)
	assert.ErrorIs(t, err, types.ErrValue)
}
