package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/fingerprint"
)

// Entry is the logical cache record shared by both tiers. Payload is opaque;
// SourceTag names the workflow node that produced it.
type Entry struct {
	Key         string    `json:"key"`
	Payload     []byte    `json:"payload"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	SizeBytes   int64     `json:"size_bytes"`
	SourceTag   string    `json:"source_tag"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// L1 is the in-process tier: an LRU bounded by entry count and total bytes.
// The map+list is split into shards keyed by the top bits of the fingerprint
// so concurrent requests rarely contend on one lock.
type L1 struct {
	shards   []*l1Shard
	maxItems int
	maxBytes int64
}

type l1Shard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	bytes    int64
	maxItems int
	maxBytes int64
	onEvict  func()
}

const l1ShardCount = 16

// NewL1 creates the in-process cache. Caps apply globally and are divided
// across shards; a zero or negative cap falls back to a sane default.
func NewL1(maxItems int, maxBytes int64) *L1 {
	if maxItems <= 0 {
		maxItems = 2048
	}
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}

	c := &L1{maxItems: maxItems, maxBytes: maxBytes}
	perShardItems := maxItems / l1ShardCount
	if perShardItems < 1 {
		perShardItems = 1
	}
	perShardBytes := maxBytes / l1ShardCount
	if perShardBytes < 1 {
		perShardBytes = 1
	}
	for i := 0; i < l1ShardCount; i++ {
		c.shards = append(c.shards, &l1Shard{
			entries:  make(map[string]*list.Element),
			order:    list.New(),
			maxItems: perShardItems,
			maxBytes: perShardBytes,
		})
	}
	return c
}

func (c *L1) shard(key string) *l1Shard {
	return c.shards[fingerprint.Shard(key, l1ShardCount)]
}

// OnEvict registers a callback invoked once per entry dropped to honor the
// capacity bounds. Expiry removals and explicit deletes do not count.
func (c *L1) OnEvict(fn func()) {
	for _, s := range c.shards {
		s.mu.Lock()
		s.onEvict = fn
		s.mu.Unlock()
	}
}

// Get returns the entry for key, refreshing its recency. Expired entries are
// removed on access and reported as a miss.
func (c *L1) Get(key string) (*Entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*Entry)
	if entry.expired(time.Now()) {
		s.removeLocked(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry, true
}

// Put inserts an entry, replacing any existing value for the key. Writes
// never update in place; a replaced entry is dropped and re-inserted fresh.
func (c *L1) Put(entry *Entry) {
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Payload))
	}

	s := c.shard(entry.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[entry.Key]; ok {
		s.removeLocked(el)
	}

	el := s.order.PushFront(entry)
	s.entries[entry.Key] = el
	s.bytes += entry.SizeBytes

	s.evictLocked()
}

// Delete removes an entry if present.
func (c *L1) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
}

// evictLocked trims LRU entries until the shard satisfies both caps.
// Expired entries at the back go first; among equal recency the list order
// already reflects earliest created_at last.
func (s *l1Shard) evictLocked() {
	for len(s.entries) > s.maxItems || s.bytes > s.maxBytes {
		back := s.order.Back()
		if back == nil {
			return
		}
		s.removeLocked(back)
		if s.onEvict != nil {
			s.onEvict()
		}
	}
}

func (s *l1Shard) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	s.order.Remove(el)
	delete(s.entries, entry.Key)
	s.bytes -= entry.SizeBytes
}

// Len returns the total entry count across shards.
func (c *L1) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Bytes returns the total payload bytes across shards.
func (c *L1) Bytes() int64 {
	var b int64
	for _, s := range c.shards {
		s.mu.Lock()
		b += s.bytes
		s.mu.Unlock()
	}
	return b
}

// Stats reports cache occupancy for the admin surface.
func (c *L1) Stats() map[string]interface{} {
	return map[string]interface{}{
		"items":     c.Len(),
		"bytes":     c.Bytes(),
		"max_items": c.maxItems,
		"max_bytes": c.maxBytes,
		"shards":    l1ShardCount,
	}
}
