package keyreplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces the keys written by RedisTable.
const DefaultRedisPrefix = "blobmgr:keyreplace:"

// RedisTable is a Table shared between processes through Redis. Entries
// expire with the native key TTL.
type RedisTable struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisTable returns a table using client. A zero ttl selects DefaultTTL.
func NewRedisTable(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTable {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTable{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to a single Redis server and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (t *RedisTable) key(providerID, oldKey string) string {
	return t.prefix + providerID + ":" + oldKey
}

// Put implements Table.
func (t *RedisTable) Put(ctx context.Context, providerID, oldKey, newKey string) error {
	return t.client.Set(ctx, t.key(providerID, oldKey), newKey, t.ttl).Err()
}

// Get implements Table.
func (t *RedisTable) Get(ctx context.Context, providerID, oldKey string) (string, bool, error) {
	v, err := t.client.Get(ctx, t.key(providerID, oldKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Clear implements Table by deleting every key under the prefix.
func (t *RedisTable) Clear(ctx context.Context) error {
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := t.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return t.client.Del(ctx, batch...).Err()
	}
	return nil
}
