package bootstrap

import (
	"errors"
	"fmt"

	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/ledger"
	ledgerpg "github.com/tokligence/credit-gateway/internal/ledger/postgres"
	ledgersqlite "github.com/tokligence/credit-gateway/internal/ledger/sqlite"
	"github.com/tokligence/credit-gateway/internal/userstore"
	userpg "github.com/tokligence/credit-gateway/internal/userstore/postgres"
	usersqlite "github.com/tokligence/credit-gateway/internal/userstore/sqlite"
)

// Stores bundles the persistence handles for one backend.
type Stores struct {
	Users  userstore.Store
	Ledger ledger.Store
	// Databases are pinged by the readiness check.
	Databases map[string]health.Pinger
}

// Close releases the ledger before the user store that may own its handle.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	if s.Users != nil {
		errs = append(errs, s.Users.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the user store and the ledger for cfg.LedgerBackend.
// SQLite and memory share one handle between both; Postgres uses a
// lib/pq handle for users and a pgx pool for the ledger.
func OpenStores(cfg config.GatewayConfig) (*Stores, error) {
	switch cfg.LedgerBackend {
	case config.BackendSQLite, config.BackendMemory:
		path := cfg.LedgerPath
		if cfg.LedgerBackend == config.BackendMemory {
			path = usersqlite.MemoryPath
		}
		users, err := usersqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open user store: %w", err)
		}
		led, err := ledgersqlite.New(users.DB())
		if err != nil {
			_ = users.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return &Stores{
			Users:     users,
			Ledger:    led,
			Databases: map[string]health.Pinger{"sqlite": users.DB()},
		}, nil

	case config.BackendPostgres:
		users, err := userpg.New(cfg.LedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("open user store: %w", err)
		}
		led, err := ledgerpg.New(cfg.LedgerDSN, ledgerpg.PoolConfig{
			MaxOpen:         cfg.PoolMaxOpen,
			MaxIdle:         cfg.PoolMaxIdle,
			LifetimeMinutes: cfg.PoolLifetimeMinutes,
			IdleTimeMinutes: cfg.PoolIdleMinutes,
		})
		if err != nil {
			_ = users.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		return &Stores{
			Users:     users,
			Ledger:    led,
			Databases: map[string]health.Pinger{"postgres": health.PingFunc(led.Ping)},
		}, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}
