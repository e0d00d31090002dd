package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/clock"
	"github.com/layer-3/warden/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 5

// RedisStore is a Redis implementation of the Store interface. Apps live in
// a single hash; every mutation publishes on a change channel.
type RedisStore struct {
	client  *redis.Client
	clock   clock.Clock
	logger  *zap.Logger
	key     string
	channel string
}

var _ ports.Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, clk clock.Clock, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		clock:   clk,
		logger:  logger.Named("redis-store"),
		key:     "warden:locked",
		channel: "warden:locked:changed",
	}
}

// Subscribe streams the lock map, starting with the current one
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan core.LockMap, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)

	// Wait for the subscription to be confirmed before reading the first map,
	// so no change can slip in between the read and the subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to lock changes: %w", err)
	}

	out := make(chan core.LockMap, 1)
	initial, err := s.List(ctx)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	out <- initial

	go func() {
		defer close(out)
		defer pubsub.Close()

		changes := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				apps, err := s.List(ctx)
				if err != nil {
					s.logger.Warn("failed to reload locked apps", zap.Error(err))
					continue
				}
				offerLatest(out, apps)
			}
		}
	}()

	return out, nil
}

// List returns the lock map. A corrupted hash is reset and reported as empty.
func (s *RedisStore) List(ctx context.Context) (core.LockMap, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list locked apps: %w", err)
	}

	apps, err := decodeLockMap(raw)
	if err != nil {
		s.logger.Error("locked apps corrupted, resetting", zap.Error(err))
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			s.logger.Warn("failed to reset locked apps", zap.Error(err))
		}
		return make(core.LockMap), nil
	}
	return apps, nil
}

// Get returns a single locked app
func (s *RedisStore) Get(ctx context.Context, pkg string) (core.LockedApp, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, pkg).Result()
	if errors.Is(err, redis.Nil) {
		return core.LockedApp{}, false, nil
	}
	if err != nil {
		return core.LockedApp{}, false, fmt.Errorf("failed to get %s: %w", pkg, err)
	}

	app, err := decodeApp(pkg, raw)
	if err != nil {
		s.logger.Warn("ignoring corrupted app record", zap.String("package", pkg), zap.Error(err))
		return core.LockedApp{}, false, nil
	}
	return app, true, nil
}

// Upsert locks an app, keeping an existing authentication time
func (s *RedisStore) Upsert(ctx context.Context, pkg, displayName string) error {
	err := s.update(ctx, pkg, func(existing core.LockedApp, found bool) (core.LockedApp, bool) {
		app := core.LockedApp{
			Package:     pkg,
			DisplayName: displayName,
			LockedAt:    s.clock.Now(),
		}
		if found {
			app.LastAuthAt = existing.LastAuthAt
		}
		return app, true
	})
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", pkg, err)
	}
	return nil
}

// Remove unlocks an app
func (s *RedisStore) Remove(ctx context.Context, pkg string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.key, pkg)
		pipe.Publish(ctx, s.channel, pkg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", pkg, err)
	}
	return nil
}

// RecordAuth stores the authentication time for a locked app
func (s *RedisStore) RecordAuth(ctx context.Context, pkg string, at time.Time) error {
	err := s.update(ctx, pkg, func(existing core.LockedApp, found bool) (core.LockedApp, bool) {
		if !found {
			return existing, false
		}
		existing.LastAuthAt = at
		return existing, true
	})
	if err != nil {
		return fmt.Errorf("failed to record authentication for %s: %w", pkg, err)
	}
	return nil
}

// WasRecentlyAuthenticated reports whether pkg was unlocked less than window ago
func (s *RedisStore) WasRecentlyAuthenticated(ctx context.Context, pkg string, window time.Duration) (bool, error) {
	app, ok, err := s.Get(ctx, pkg)
	if err != nil || !ok {
		return false, err
	}
	return app.RecentlyAuthenticated(s.clock.Now(), window), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update runs an optimistic read-modify-write on one hash field
func (s *RedisStore) update(ctx context.Context, pkg string, fn func(core.LockedApp, bool) (core.LockedApp, bool)) error {
	txf := func(tx *redis.Tx) error {
		var existing core.LockedApp
		found := false

		raw, err := tx.HGet(ctx, s.key, pkg).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if existing, err = decodeApp(pkg, raw); err == nil {
				found = true
			}
		}

		app, write := fn(existing, found)
		if !write {
			return nil
		}
		value, err := encodeApp(app)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, pkg, value)
			pipe.Publish(ctx, s.channel, pkg)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return core.ErrStoreOperationFailed
}
