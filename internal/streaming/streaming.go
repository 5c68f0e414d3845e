// Package streaming wraps the Redis Streams operations the gateway's stream
// fabric is built on: append, idempotent group creation, group-consume with
// block+count, and acknowledge. It also exposes the plain key/value and list
// operations the idempotency and memory stores are thin wrappers over.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.UniversalClient with the narrow surface the gateway
// needs. Constructed once at bootstrap and shared across workers/dispatchers.
type Client struct {
	rdb redis.UniversalClient
}

// New constructs a Client from a Redis connection URL (redis://host:port/db).
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("streaming: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an already-constructed redis client, for tests.
func NewFromClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity, used by the bootstrap dry-run check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Entry is one stream record: its store-assigned ID and flat field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Append publishes a flat field map to a stream (XADD) and returns the
// store-assigned entry ID.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streaming: append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the start of the stream if it
// does not already exist (BUSYGROUP is not an error).
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streaming: ensure group %s/%s: %w", stream, group, err)
	}
	return nil
}

// Consume reads up to count new (never-delivered) entries for consumer in
// group, blocking up to block if none are immediately available. Entries
// already delivered but not acknowledged are not read again.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streaming: consume %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

// Ack acknowledges an entry, removing it from the group's pending list.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("streaming: ack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// Pending returns the count of un-acknowledged entries for a group, used by
// the doctor pending CLI command.
func (c *Client) Pending(ctx context.Context, stream, group string) (int64, error) {
	summary, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("streaming: pending %s/%s: %w", stream, group, err)
	}
	return summary.Count, nil
}

// Get reads a single key's value, returning ("", false, nil) if absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("streaming: get %s: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL writes a key with an expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("streaming: set %s: %w", key, err)
	}
	return nil
}

// SetNX writes a key only if absent, returning whether it was newly set.
// Used for the idempotency store's at-most-once mark.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("streaming: setnx %s: %w", key, err)
	}
	return ok, nil
}

// LPushBounded prepends value to a list, trims it to maxLen, and refreshes
// its TTL — the bounded recent-events list pattern for C3.
func (c *Client) LPushBounded(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("streaming: lpush bounded %s: %w", key, err)
	}
	return nil
}

// LRange returns the full bounded list at key.
func (c *Client) LRange(ctx context.Context, key string) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("streaming: lrange %s: %w", key, err)
	}
	return vals, nil
}
