package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores consumed nonces as keys set with SETNX. A zero retention
// keeps them forever.
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisFromClient(client, opts.Prefix, opts.Retention), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, retention time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, retention: retention}
}

func (r *Redis) key(nonce string) string {
	return r.prefix + ":" + nonce
}

func (r *Redis) TryConsume(ctx context.Context, rec Record) (Outcome, error) {
	val, err := json.Marshal(rec)
	if err != nil {
		return AlreadyConsumed, err
	}
	ok, err := r.client.SetNX(ctx, r.key(rec.Nonce), val, r.retention).Result()
	if err != nil {
		return AlreadyConsumed, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return AlreadyConsumed, nil
	}
	return Consumed, nil
}

func (r *Redis) Lookup(ctx context.Context, nonce string) (Record, error) {
	val, err := r.client.Get(ctx, r.key(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("decode ledger record: %w", err)
	}
	return rec, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
