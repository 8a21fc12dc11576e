// Package cache holds previously completed answers so identical questions
// don't burn an upstream call. Entries are scoped per bot, expire after a TTL,
// and the least-recently-used entry is evicted once the cache is full.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Key builds the cache key for a bot/message pair. Leading and trailing
// whitespace and letter case are folded so "Hello" and "hello " share an entry,
// and the bot ID keeps identical questions to different bots apart.
func Key(botID, text string) string {
	return botID + "\x00" + strings.ToLower(strings.TrimSpace(text))
}

// Get returns the cached answer for key. An expired entry counts as a miss and
// is removed. A hit bumps the entry's recency.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	ent := el.Value.(*entry)
	if c.now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses.Add(1)
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Put inserts or overwrites the answer for key, evicting the least-recently
// used entry if the cache is at capacity. Empty values are not cached.
func (c *Cache) Put(key, value string) {
	if value == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}

	el := c.order.PushFront(&entry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

// Sweep drops every expired entry and returns how many were removed. The
// dispatcher never needs this (Get self-heals), but a periodic sweep keeps
// cold expired entries from squatting on capacity.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.After(ent.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, ent.key)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// HitRate reports hits/(hits+misses) since process start, 0 before any lookup.
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }
