package orm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Options tunes an Engine.
type Options struct {
	// PrefetchMax bounds fetch and compute batches. Zero selects
	// types.DefaultPrefetchMax.
	PrefetchMax int

	// Rounding is the rounding mode of float and monetary conversion, one
	// of the types.Round* constants. Empty selects HALF-UP.
	Rounding string

	Logger *zap.SugaredLogger
}

// Engine binds a set-up registry to a backing store. It is safe to share an
// Engine between goroutines; every transaction it begins is not.
type Engine struct {
	registry    *Registry
	store       types.Store
	prefetchMax int
	rounding    string
	log         *zap.SugaredLogger
}

// NewEngine returns an engine over reg and store. The registry must be set
// up.
func NewEngine(reg *Registry, store types.Store, opts Options) (*Engine, error) {
	if reg == nil || !reg.Ready() {
		return nil, types.ErrNotSetUp
	}
	if store == nil {
		return nil, fmt.Errorf("attrstore: nil store")
	}
	e := &Engine{
		registry:    reg,
		store:       store,
		prefetchMax: opts.PrefetchMax,
		rounding:    opts.Rounding,
		log:         opts.Logger,
	}
	if e.prefetchMax <= 0 {
		e.prefetchMax = types.DefaultPrefetchMax
	}
	if e.rounding == "" {
		e.rounding = types.RoundHalfUp
	}
	if !types.ValidRounding(e.rounding) {
		return nil, fmt.Errorf("%w: %q", types.ErrRoundingUnknown, e.rounding)
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e, nil
}

// Registry returns the schema registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the backing store.
func (e *Engine) Store() types.Store {
	return e.store
}

// SyncSchema asks the store to create or extend the table of every
// collection.
func (e *Engine) SyncSchema(ctx context.Context) error {
	for _, c := range e.registry.Collections() {
		if err := e.store.EnsureSchema(ctx, c.Schema()); err != nil {
			return fmt.Errorf("ensure schema of %s: %w", c.name, err)
		}
	}
	e.log.Debugw("schema synchronized", "collections", len(e.registry.order))
	return nil
}

// TxOption configures a transaction.
type TxOption func(*session)

// WithGroups sets the access tags held by the caller.
func WithGroups(groups ...string) TxOption {
	return func(s *session) {
		for _, g := range groups {
			s.groups[g] = true
		}
	}
}

// WithCompany selects the company whose values company-dependent
// attributes show.
func WithCompany(id int64) TxOption {
	return func(s *session) {
		s.company = id
	}
}

// WithSudo begins the transaction in privileged mode: access tags and
// readonly flags are not checked.
func WithSudo() TxOption {
	return func(s *session) {
		s.sudo = true
	}
}

// Begin starts a transaction with its own cache and pending-write buffer.
func (e *Engine) Begin(ctx context.Context, opts ...TxOption) *Tx {
	s := &session{
		ctx:       ctx,
		id:        newTxID(),
		engine:    e,
		cache:     newEntityCache(),
		towrite:   make(map[*Collection]map[int64]types.Row),
		relations: make(map[string]*relationOps),
		tocompute: make(map[*Attribute]map[int64]struct{}),
		protected: make(map[*Attribute]map[int64]int),
		todelete:  make(map[*Collection]map[int64]struct{}),
		created:   make(map[*Collection]map[int64]struct{}),
		known:     make(map[*Collection]map[int64]bool),
		groups:    make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = e.log.With("tx", s.id)
	return &Tx{s: s, su: s.sudo}
}

// newTxID returns a time-ordered transaction id, falling back to a random
// one.
func newTxID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
