// Package store provides the typed gateway to the Redis database backing the
// bridge. Every other component goes through the gateway; nothing else opens
// raw connections. The gateway namespaces all keys and pub/sub channels under
// a single configured prefix and exposes only the operations the bridge
// needs: string and JSON values, sets, lists, TTLs, atomic multi-writes, and
// pub/sub.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Gateway wraps a Redis client with key namespacing and typed helpers.
	// Safe for concurrent use; the underlying connection pool is shared.
	Gateway struct {
		rdb    *redis.Client
		prefix string
	}

	// Options configures the gateway.
	Options struct {
		// Redis is the Redis client. Required. The caller owns its lifecycle.
		Redis *redis.Client
		// Prefix namespaces every key and channel. Defaults to "taskbridge".
		Prefix string
	}
)

// New constructs a gateway. Returns an error if opts.Redis is nil.
func New(opts Options) (*Gateway, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskbridge"
	}
	return &Gateway{rdb: opts.Redis, prefix: prefix}, nil
}

// Ping verifies the store is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Name identifies the gateway in health check reports.
func (g *Gateway) Name() string {
	return "redis"
}

// Redis exposes the underlying client for components that layer Pulse
// primitives (streams, replicated maps, pool nodes) on the same connection.
func (g *Gateway) Redis() *redis.Client {
	return g.rdb
}

// Key joins parts under the gateway prefix.
func (g *Gateway) Key(parts ...string) string {
	return g.prefix + ":" + strings.Join(parts, ":")
}

// Channel names a pub/sub channel under the gateway prefix.
func (g *Gateway) Channel(name string) string {
	return g.prefix + ":" + name
}

// Get returns the string value at key. The second return is false when the
// key does not exist.
func (g *Gateway) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a string value. A zero ttl means no expiration.
func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := g.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Del removes the given keys.
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := g.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// GetJSON unmarshals the JSON document at key into dst. The return is false
// when the key does not exist.
func (g *Gateway) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := g.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it at key. A zero ttl means no expiration.
func (g *Gateway) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return g.Set(ctx, key, string(data), ttl)
}

// MultiSet applies the given writes and deletes in one MULTI/EXEC
// transaction. Used for key groups that must move together, such as the
// crosswalk pair plus its ETag.
func (g *Gateway) MultiSet(ctx context.Context, sets map[string]string, dels []string) error {
	_, err := g.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range sets {
			p.Set(ctx, k, v, 0)
		}
		if len(dels) > 0 {
			p.Del(ctx, dels...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("multi-set: %w", err)
	}
	return nil
}

// SAdd adds members to a set and applies ttl to the key when positive.
func (g *Gateway) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := g.rdb.SAdd(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	if ttl > 0 {
		if err := g.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// SIsMember reports set membership.
func (g *Gateway) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := g.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

// SMembers returns all members of a set.
func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := g.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// SRem removes members from a set.
func (g *Gateway) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	if err := g.rdb.SRem(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// LPush prepends values to a list.
func (g *Gateway) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	if err := g.rdb.LPush(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

// BRPop blocks up to timeout waiting for the tail element of the list. The
// second return is false when the wait timed out.
func (g *Gateway) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := g.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("brpop %s: %w", key, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("brpop %s: unexpected reply length %d", key, len(res))
	}
	return res[1], true, nil
}

// LTrim bounds a list to the given inclusive range.
func (g *Gateway) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := g.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// LLen returns the length of a list.
func (g *Gateway) LLen(ctx context.Context, key string) (int64, error) {
	n, err := g.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// LRange returns list elements in the given inclusive range.
func (g *Gateway) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := g.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

// Expire applies a TTL to an existing key.
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := g.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// ScanKeys iterates keys matching pattern, invoking fn for each. Used by
// housekeeping; pattern is relative to the gateway prefix.
func (g *Gateway) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := g.rdb.Scan(ctx, 0, g.prefix+":"+pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	return nil
}

// Publish sends a payload on a pub/sub channel.
func (g *Gateway) Publish(ctx context.Context, channel, payload string) error {
	if err := g.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels. The caller
// owns the returned subscription and must close it.
func (g *Gateway) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return g.rdb.Subscribe(ctx, channels...)
}
