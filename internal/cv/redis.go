package cv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore reads CVs from the fields of a Redis hash, one field per CV
// number. The hash is maintained by whatever tool programs the decoder.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisStore connects to addr and checks the connection with a ping.
func NewRedisStore(addr, password string, db int, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	return &RedisStore{client: client, key: key, timeout: time.Second}, nil
}

// Read implements Store.
func (r *RedisStore) Read(cv CV) (byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, err := r.client.HGet(ctx, r.key, strconv.Itoa(int(cv))).Int()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("cv%d: %w", cv, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget %s cv%d: %w", r.key, cv, err)
	}
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("redis cv%d: value %d out of range", cv, v)
	}
	return byte(v), nil
}

// Snapshot copies every CV in the hash into a Table, so the decoder does not
// depend on Redis after start-up.
func (r *RedisStore) Snapshot() (Table, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	t := make(Table, len(fields))
	for k, s := range fields {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > 255 {
			return nil, fmt.Errorf("redis cv%d: invalid value %q", n, s)
		}
		t[CV(n)] = byte(v)
	}
	return t, nil
}

// Close releases the connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
