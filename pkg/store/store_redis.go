package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli       *redisv9.Client
	keyPrefix string
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}

	return &redisStore{
		cli:       redisv9.NewClient(redisOptions),
		keyPrefix: "offloadd:config:",
	}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}
	return redisOptions, nil
}

func (rs *redisStore) configKey(key string) string {
	return rs.keyPrefix + key
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// Underlying Redis: GET offloadd:config:{key} -> sealed value.
func (rs *redisStore) get(ctx context.Context, key string) ([]byte, error) {
	k := rs.configKey(key)
	b, err := rs.cli.Get(ctx, k).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: redis GET %s failed: %w", k, err)
	}
	return b, nil
}

func (rs *redisStore) set(ctx context.Context, key string, value []byte) error {
	k := rs.configKey(key)
	if err := rs.cli.Set(ctx, k, value, 0).Err(); err != nil {
		return fmt.Errorf("set: redis SET %s failed: %w", k, err)
	}
	return nil
}

func (rs *redisStore) del(ctx context.Context, key string) error {
	k := rs.configKey(key)
	if err := rs.cli.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("del: redis DEL %s failed: %w", k, err)
	}
	return nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
