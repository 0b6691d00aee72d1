package types

import "context"

// Row holds persisted-format values keyed by column name.
type Row map[string]any

// Column describes one persisted attribute of a collection.
type Column struct {
	Name     string
	Kind     Kind
	Required bool
	Unique   bool
	Index    bool

	// Comodel is the referenced collection of a many2one column.
	Comodel string

	// OnDelete is the many2one delete policy, enforced by the engine.
	OnDelete string
}

// Relation describes the join table backing a many2many attribute. Column1
// holds ids of Collection1, the owning collection; Column2 holds ids of
// Collection2, the comodel.
type Relation struct {
	Table       string
	Column1     string
	Column2     string
	Collection1 string
	Collection2 string
}

// Reversed returns the same join table seen from the comodel side.
func (r Relation) Reversed() Relation {
	return Relation{
		Table:       r.Table,
		Column1:     r.Column2,
		Column2:     r.Column1,
		Collection1: r.Collection2,
		Collection2: r.Collection1,
	}
}

// Pair is one row of a join table: (Column1 value, Column2 value).
type Pair struct {
	Left  int64
	Right int64
}

// TableSchema is the input of Store.EnsureSchema for one collection.
type TableSchema struct {
	Collection string
	Columns    []Column

	// Relations maps many2many attribute names to their join table, so a
	// store can answer Search conditions on them.
	Relations map[string]Relation
}

// Store is the backing store consumed by the engine. Every method is a
// batch operation; implementations must not assume the engine calls them
// from more than one goroutine per transaction.
type Store interface {
	// EnsureSchema creates or extends the table of a collection and its
	// join tables.
	EnsureSchema(ctx context.Context, schema TableSchema) error

	// Fetch returns persisted-format values of the given columns for the
	// given ids. Ids absent from the store are absent from the result.
	// With no columns, Fetch only reports which ids exist.
	Fetch(ctx context.Context, collection string, columns []string, ids []int64) (map[int64]Row, error)

	// Insert creates one row per element and returns the assigned ids in
	// the same order.
	Insert(ctx context.Context, collection string, rows []Row) ([]int64, error)

	// Flush applies partial updates, one Row of changed columns per id.
	Flush(ctx context.Context, collection string, rows map[int64]Row) error

	// Delete removes rows. Join table rows referencing them are removed too.
	Delete(ctx context.Context, collection string, ids []int64) error

	// Search returns ids matching the domain, in ascending id order.
	Search(ctx context.Context, collection string, domain Domain) ([]int64, error)

	// FetchRelation returns, for each given Column1 id, the ordered Column2
	// ids of the join table.
	FetchRelation(ctx context.Context, rel Relation, ids []int64) (map[int64][]int64, error)

	// AddRelation inserts join rows; existing pairs are ignored.
	AddRelation(ctx context.Context, rel Relation, pairs []Pair) error

	// RemoveRelation deletes join rows; missing pairs are ignored.
	RemoveRelation(ctx context.Context, rel Relation, pairs []Pair) error

	// Close releases backend resources. Close is idempotent.
	Close() error
}
