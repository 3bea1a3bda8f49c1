package commands

import (
	"context"
	"fmt"

	"github.com/conduit-lang/attrdb/internal/cli/config"
	"github.com/conduit-lang/attrdb/internal/logging"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/conduit-lang/attrdb/internal/pool"
	"github.com/conduit-lang/attrdb/pkg/attrdb"
)

// loadRegistry loads and remembers the registry used by the running command
func (f *globalFlags) loadRegistry(path string) (*schema.Registry, error) {
	reg, err := schema.LoadFile(path, nil)
	if err != nil {
		return nil, err
	}
	f.registry = reg
	return reg, nil
}

// openEnv loads the configuration, the registry and every configured database.
// The returned function closes the pools.
func (f *globalFlags) openEnv(ctx context.Context) (*attrdb.Env, func(), error) {
	if f.configPath == "" && !config.InProject() {
		return nil, nil, fmt.Errorf("no attrdb.yml in the current directory (use --config to point at one)")
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Databases) == 0 {
		return nil, nil, fmt.Errorf("no databases configured")
	}
	f.config = cfg

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, nil, err
	}

	reg, err := f.loadRegistry(cfg.Registry)
	if err != nil {
		return nil, nil, err
	}

	pools, err := pool.Open(ctx, cfg.Databases, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		pools.Close()
		_ = logger.Sync()
	}
	return &attrdb.Env{Pools: pools, Registry: reg, Logger: logger}, closeFn, nil
}
