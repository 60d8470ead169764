package chatsync

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotTTL is how long a cached conversation history stays usable.
const SnapshotTTL = 5 * time.Minute

// SnapshotCache keeps the last authoritative history of a conversation so
// a room can render before its first fetch completes.
type SnapshotCache interface {
	Load(ctx context.Context, conversationID string) ([]Message, bool)
	Save(ctx context.Context, conversationID string, msgs []Message) error
	Invalidate(ctx context.Context, conversationID string) error
}

// EncodeSnapshot serialises a history with msgpack. Only confirmed entries
// are kept; optimistic ones belong to the session that created them.
func EncodeSnapshot(msgs []Message) ([]byte, error) {
	confirmed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == StatusConfirmed {
			confirmed = append(confirmed, m)
		}
	}
	data, err := msgpack.Marshal(confirmed)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) ([]Message, error) {
	var msgs []Message
	if err := msgpack.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return msgs, nil
}

type snapshotEntry struct {
	data    []byte
	expires time.Time
}

// SnapshotCapacity bounds how many conversations a MemorySnapshotCache
// holds; the least recently used one is evicted first.
const SnapshotCapacity = 256

// MemorySnapshotCache is a process-local SnapshotCache.
type MemorySnapshotCache struct {
	ttl     time.Duration
	entries *lru.Cache
}

// NewMemorySnapshotCache creates a cache whose entries expire after ttl
// (SnapshotTTL when zero).
func NewMemorySnapshotCache(ttl time.Duration) *MemorySnapshotCache {
	if ttl == 0 {
		ttl = SnapshotTTL
	}
	entries, _ := lru.New(SnapshotCapacity) // only fails for a non-positive size
	return &MemorySnapshotCache{ttl: ttl, entries: entries}
}

func (c *MemorySnapshotCache) Load(_ context.Context, conversationID string) ([]Message, bool) {
	v, ok := c.entries.Get(conversationID)
	if !ok {
		return nil, false
	}
	e := v.(snapshotEntry)
	if time.Now().After(e.expires) {
		c.entries.Remove(conversationID)
		return nil, false
	}
	msgs, err := DecodeSnapshot(e.data)
	if err != nil {
		return nil, false
	}
	return msgs, true
}

func (c *MemorySnapshotCache) Save(_ context.Context, conversationID string, msgs []Message) error {
	data, err := EncodeSnapshot(msgs)
	if err != nil {
		return err
	}
	c.entries.Add(conversationID, snapshotEntry{data: data, expires: time.Now().Add(c.ttl)})
	return nil
}

func (c *MemorySnapshotCache) Invalidate(_ context.Context, conversationID string) error {
	c.entries.Remove(conversationID)
	return nil
}
