package app

import (
	"context"
	"fmt"

	"github.com/warp/coverage-engine/billing"
	"github.com/warp/coverage-engine/billing/store"
	"github.com/warp/coverage-engine/lock"
	"github.com/warp/coverage-engine/store/postgres"
	"github.com/warp/coverage-engine/store/sqlite"
)

// OpenStore opens the configured billing store. The returned func releases it.
func OpenStore(ctx context.Context, cfg *Config) (billing.TxStore, func(), error) {
	switch cfg.StoreDriver {
	case DriverMemory:
		return store.NewMemory(), func() {}, nil
	case DriverPostgres:
		s, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenLocker connects the Redis enrolment lock. It returns a nil Locker when
// REDIS_ADDR is empty.
func OpenLocker(ctx context.Context, cfg *Config) (billing.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client, err := lock.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL), func() { _ = client.Close() }, nil
}
