package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
	"github.com/mailiemtruc/officesync-sub000/internal/bus/azbus"
	"github.com/mailiemtruc/officesync-sub000/internal/bus/redisbus"
	"github.com/mailiemtruc/officesync-sub000/internal/config"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
	"github.com/mailiemtruc/officesync-sub000/internal/replica/memstore"
	"github.com/mailiemtruc/officesync-sub000/internal/replica/sqlstore"
	"github.com/mailiemtruc/officesync-sub000/internal/replica/tablestore"
)

// busHandle bundles the exchange with whatever must be closed afterwards.
type busHandle struct {
	exchange bus.Exchange
	binder   bus.Binder
	redis    *redis.Client
	redisX   *redisbus.Exchange
	azureX   *azbus.Exchange
}

func (h *busHandle) Close() {
	if h.redis != nil {
		h.redis.Close()
	}
}

func newRedisClient(conn string) (*redis.Client, error) {
	opts, err := config.RedisOptions(conn)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func openBus(cfg config.Bus) (*busHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case "redis":
		rc, err := newRedisClient(cfg.RedisConnectionString)
		if err != nil {
			return nil, err
		}
		x := redisbus.NewExchange(rc, cfg.Exchange)
		return &busHandle{exchange: x, binder: x, redis: rc, redisX: x}, nil
	case "azure":
		bindings, err := config.ParseAzureBindings(cfg.Bindings)
		if err != nil {
			return nil, err
		}
		x, err := azbus.New(cfg.StorageConnectionString, bindings)
		if err != nil {
			return nil, err
		}
		return &busHandle{exchange: x, binder: x, azureX: x}, nil
	default:
		x := bus.NewMemoryExchange()
		return &busHandle{exchange: x, binder: x}, nil
	}
}

// openStore opens the replica store; close is never nil.
func openStore(cfg config.Consume) (replica.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Replica.Driver {
	case "sqlite":
		st, err := sqlstore.Open(cfg.Replica.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return st, st.Close, nil
	case "tables":
		st, err := tablestore.New(cfg.Bus.StorageConnectionString, cfg.Replica.Table, cfg.ReplicaName())
		if err != nil {
			return nil, noop, err
		}
		return st, noop, nil
	case "memory":
		return memstore.New(), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown replica driver %q", cfg.Replica.Driver)
}
