// Package store opens the backing store named by a configuration.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/attrstore/internal/dynamo"
	"github.com/mesh-intelligence/attrstore/internal/memstore"
	"github.com/mesh-intelligence/attrstore/internal/sqlite"
	"github.com/mesh-intelligence/attrstore/pkg/types"
)

// Open validates cfg and returns the backing store it selects.
func Open(ctx context.Context, cfg types.Config, logger *zap.SugaredLogger) (types.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	log := logger.With("backend", cfg.Backend)
	switch cfg.Backend {
	case types.BackendMemory:
		return memstore.New(), nil
	case types.BackendSQLite:
		return sqlite.Open(cfg.DataDir, log)
	case types.BackendDynamoDB:
		return dynamo.Open(ctx, cfg.DynamoDB, log)
	}
	return nil, types.ErrBackendUnknown
}
