package keys

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type StoreConfig struct {
	Driver    string
	DSN       string
	RedisAddr string
	RedisHash string
	// SealKey, when set, wraps the store in a SealedStore.
	SealKey []byte
}

// OpenStore builds the configured backend. The returned close function is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, func() error, error) {
	var (
		store   Store
		closeFn = func() error { return nil }
	)

	switch cfg.Driver {
	case "", DriverMemory:
		store = NewMemoryStore()
	case DriverSQLite, DriverPostgres:
		s, err := OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s key store: %w", cfg.Driver, err)
		}
		store, closeFn = s, s.Close
	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store, closeFn = NewRedisStore(client, cfg.RedisHash), client.Close
	default:
		return nil, nil, fmt.Errorf("unsupported key store driver %q", cfg.Driver)
	}

	if len(cfg.SealKey) > 0 {
		sealed, err := NewSealedStore(store, cfg.SealKey)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		store = sealed
	}
	return store, closeFn, nil
}
