// Package rediscache is a chatsync.SnapshotCache shared through Redis, so
// every process of a deployment renders the same last-known history.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/classroomx/chatsync"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chatsync:snapshot:"

// Cache stores msgpack-encoded conversation snapshots in Redis.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New wraps an existing client. ttl defaults to chatsync.SnapshotTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = chatsync.SnapshotTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Dial connects to a single Redis server.
func Dial(addr, password string, db int) *Cache {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), 0)
}

func key(conversationID string) string {
	return keyPrefix + conversationID
}

// Load returns the cached history. Misses, expired keys, and undecodable
// values all report false.
func (c *Cache) Load(ctx context.Context, conversationID string) ([]chatsync.Message, bool) {
	data, err := c.client.Get(ctx, key(conversationID)).Bytes()
	if err != nil {
		return nil, false
	}
	msgs, err := chatsync.DecodeSnapshot(data)
	if err != nil {
		return nil, false
	}
	return msgs, true
}

func (c *Cache) Save(ctx context.Context, conversationID string, msgs []chatsync.Message) error {
	data, err := chatsync.EncodeSnapshot(msgs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(conversationID), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, conversationID string) error {
	err := c.client.Del(ctx, key(conversationID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Ping checks that Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ chatsync.SnapshotCache = (*Cache)(nil)
