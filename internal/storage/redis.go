package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/proxy-harvester/internal/types"
	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each category in its own hash so other consumers can
// read the count or list without decoding JSON:
//
//	harvester:snapshot:<slug>  refreshed=<unix>  count=<n>  proxies=<host:port\n...>
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStorage accepts either host:port or a redis:// URL. Keys expire
// after ttl (0 keeps them forever).
func NewRedisStorage(addr string, ttl time.Duration) (*RedisStorage, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		opts = parsed
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{
		client: client,
		prefix: "harvester:snapshot:",
		ttl:    ttl,
	}, nil
}

func (r *RedisStorage) key(category types.Category) string {
	return r.prefix + category.Slug()
}

func (r *RedisStorage) Save(snapshot *types.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := r.key(snapshot.Category)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"refreshed", snapshot.Refreshed.Unix(),
			"count", len(snapshot.Proxies),
			"proxies", strings.Join(snapshot.Strings(0), "\n"),
		)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", snapshot.Category, err)
	}

	return nil
}

func (r *RedisStorage) Load(category types.Category) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key(category)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	unix, err := strconv.ParseInt(fields["refreshed"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis %s: bad refreshed field: %w", category, err)
	}

	snap := &types.Snapshot{
		Category:  category,
		Proxies:   []types.Endpoint{},
		Refreshed: time.Unix(unix, 0),
	}
	for _, line := range strings.Split(fields["proxies"], "\n") {
		if line == "" {
			continue
		}
		ep, err := types.ParseEndpoint(line)
		if err != nil {
			return nil, fmt.Errorf("redis %s: %w", category, err)
		}
		snap.Proxies = append(snap.Proxies, ep)
	}

	return snap, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
