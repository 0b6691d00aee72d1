// Package orm implements a typed, lazily computed, dependency-tracked
// attribute store with relational integrity on top of a pluggable
// types.Store.
//
// Collections and their attributes are declared up front in a Registry.
// Setup resolves overrides, relational inverses, join tables and the
// dependency graph, and reports every malformed definition as a
// types.ConfigurationError before any entity is touched.
//
// All runtime state lives in a Tx: the EntityCache, the pending-write
// buffer, the to-compute sets and the protection stack. A Tx is not safe for
// concurrent use; run one Tx per logical transaction.
//
//	reg := orm.NewRegistry()
//	reg.Define("sale.order", orm.CollectionOptions{RecName: "name"},
//	    orm.Definition{Name: "name", Kind: types.KindChar, Required: true},
//	    orm.Definition{Name: "lines", Kind: types.KindOne2Many,
//	        Comodel: "sale.line", InverseName: "order_id"},
//	    orm.Definition{Name: "total", Kind: types.KindFloat, Store: true,
//	        Compute: orm.SumOf("total", "lines.subtotal"),
//	        Depends: []string{"lines.subtotal"}},
//	)
//	if err := reg.Setup(); err != nil { ... }
//	eng, _ := orm.NewEngine(reg, store, orm.Options{})
//	tx := eng.Begin(ctx)
//	defer tx.Rollback()
package orm
