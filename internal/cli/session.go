package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/attrstore/internal/schemafile"
	"github.com/mesh-intelligence/attrstore/pkg/orm"
	"github.com/mesh-intelligence/attrstore/pkg/store"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// session is an open engine with its store and logger.
type session struct {
	settings *settings
	registry *orm.Registry
	engine   *orm.Engine
	store    types.Store
	log      *zap.SugaredLogger
}

// loadRegistry reads the schema file and sets the registry up.
func loadRegistry(path string) (*orm.Registry, error) {
	f, err := schemafile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSchema, err)
	}
	reg := orm.NewRegistry()
	if err := f.Register(reg, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", errSchema, err)
	}
	if err := reg.Setup(); err != nil {
		return nil, err
	}
	return reg, nil
}

// openSession loads settings and schema, opens the backing store and
// synchronizes its tables with the schema.
func openSession(ctx context.Context, f *rootFlags) (*session, error) {
	st, err := loadSettings(f)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(st.cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	reg, err := loadRegistry(st.schema)
	if err != nil {
		return nil, err
	}
	backing, err := store.Open(ctx, st.cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", st.cfg.Backend, err)
	}
	eng, err := orm.NewEngine(reg, backing, orm.Options{
		PrefetchMax: st.cfg.PrefetchMax,
		Rounding:    st.cfg.MonetaryRounding,
		Logger:      log,
	})
	if err == nil {
		err = eng.SyncSchema(ctx)
	}
	if err != nil {
		backing.Close()
		return nil, err
	}
	log.Debugw("session opened", "schema", st.schema, "backend", st.cfg.Backend)
	return &session{settings: st, registry: reg, engine: eng, store: backing, log: log}, nil
}

// begin starts a transaction carrying the caller flags.
func (s *session) begin(ctx context.Context, f *rootFlags) *orm.Tx {
	opts := []orm.TxOption{orm.WithGroups(f.groups...), orm.WithCompany(f.company)}
	if f.sudo {
		opts = append(opts, orm.WithSudo())
	}
	return s.engine.Begin(ctx, opts...)
}

// withTx runs fn in a transaction, committing on success.
func (s *session) withTx(ctx context.Context, f *rootFlags, fn func(tx *orm.Tx) error) error {
	tx := s.begin(ctx, f)
	err := fn(tx)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return nil
}

func (s *session) close() error {
	err := s.store.Close()
	_ = s.log.Sync()
	return err
}

// withSession opens a session, runs fn and closes the session.
func withSession(ctx context.Context, f *rootFlags, fn func(s *session) error) (err error) {
	s, err := openSession(ctx, f)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
