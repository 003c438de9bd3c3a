package service

import (
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key  uint64
	eval policy.Evaluation
	prev *lruEntry
	next *lruEntry
}

// evalCache is a bounded LRU of evaluation results. Evaluation is a pure
// function of (policy snapshot, tool, args, role, taint), so caching by
// that key is safe; the cache is cleared whenever the snapshot changes.
// Thread-safe with a Mutex (both Get and Put mutate LRU order).
type evalCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

func newEvalCache(maxSize int) *evalCache {
	return &evalCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// evalCacheKey hashes the evaluation context. The policy hash is part of
// the key so a stale snapshot can never serve a fresh request.
func evalCacheKey(policyHash, tool, argsHash, role string, taint []string) uint64 {
	h := xxhash.New()
	for _, part := range []string{policyHash, tool, argsHash, role, strings.Join(taint, ",")} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (c *evalCache) Get(key uint64) (policy.Evaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.eval, true
	}
	return policy.Evaluation{}, false
}

func (c *evalCache) Put(key uint64, eval policy.Evaluation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.eval = eval
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, eval: eval}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on policy reload.
func (c *evalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *evalCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *evalCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *evalCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *evalCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *evalCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
