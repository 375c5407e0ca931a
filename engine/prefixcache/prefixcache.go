// Package prefixcache implements cross-request prompt-prefix sharing
// (spec component C3), grounded on
// runner/llamarunner.InputCache.findLongestCacheSlot/findBestCacheSlot
// (runner/llamarunner/cache.go), generalized from "search every in-process
// slot for the longest common prefix" to "look up a block-aligned prefix
// fingerprint in a shared LRU map" as spec.md §4.3 requires.
package prefixcache

import (
	"hash/fnv"
	"sync"
	"time"
)

// Entry is one cached prefix: the blocks that materialize it, plus
// refcount/LRU bookkeeping (spec.md §3, "PrefixCache entry").
type Entry struct {
	Key      uint64
	Blocks   []int
	Refcount int
	LastUsed time.Time
}

// Cache maps a rolling fingerprint of (modelID, tokens[0..k]) at block
// boundaries to the blocks that materialize that prefix. Mutated by the
// engine task during lookup/insert and, for eviction, by a background
// sweep task; both take the same short exclusive lock (spec.md §5).
type Cache struct {
	mu        sync.Mutex
	blockSize int
	entries   map[uint64]*Entry

	disabled bool
}

func New(blockSize int) *Cache {
	return &Cache{
		blockSize: blockSize,
		entries:   make(map[uint64]*Entry),
	}
}

// Disable turns the cache into a permanent no-op, for the per-request case
// of spec.md §4.3 ("MAY be disabled ... when strict per-request RNG
// determinism across cache hits is required").
func (c *Cache) Disable() { c.disabled = true }

// fingerprint hashes (modelID, tokens[0:n]) with FNV-1a, as spec.md §3
// suggests ("e.g., FNV/xxhash").
func fingerprint(modelID string, tokens []int32, n int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	buf := make([]byte, 4)
	for i := 0; i < n; i++ {
		t := tokens[i]
		buf[0] = byte(t)
		buf[1] = byte(t >> 8)
		buf[2] = byte(t >> 16)
		buf[3] = byte(t >> 24)
		h.Write(buf)
	}
	return h.Sum64()
}

// Lookup returns the longest block-aligned prefix of tokens present in the
// cache and the block ids materializing it. A partial block at the tail is
// never shared (spec.md §4.3: "Matching is block-granular").
func (c *Cache) Lookup(modelID string, tokens []int32) (matchedLen int, blocks []int) {
	if c.disabled || c.blockSize <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	maxBlocks := len(tokens) / c.blockSize
	var result []int
	matched := 0
	for b := 1; b <= maxBlocks; b++ {
		key := fingerprint(modelID, tokens, b*c.blockSize)
		e, ok := c.entries[key]
		if !ok {
			break
		}
		result = e.Blocks
		matched = b * c.blockSize
		e.LastUsed = time.Now()
	}
	if result == nil {
		return 0, nil
	}
	out := make([]int, len(result))
	copy(out, result)
	return matched, out
}

// Insert records that a prefill produced blocks materializing the full
// block-aligned prefix of tokens. Insertion is best-effort: callers decide
// eviction externally via Evict, so Insert never itself displaces a
// pinned entry (spec.md §4.3: "skipped" if it would force eviction of a
// pinned entry — here, simply not inserted if the caller hasn't freed
// room). Reports whether a new entry was actually stored, so the caller
// knows whether to pin the donated blocks against the KV manager (an
// entry that already existed owns no new reference).
func (c *Cache) Insert(modelID string, tokens []int32, blocks []int) bool {
	if c.disabled || c.blockSize <= 0 || len(blocks) == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(blocks) * c.blockSize
	if n > len(tokens) {
		n = (len(tokens) / c.blockSize) * c.blockSize
	}
	nBlocks := n / c.blockSize
	if nBlocks == 0 {
		return false
	}
	key := fingerprint(modelID, tokens, nBlocks*c.blockSize)
	if _, exists := c.entries[key]; exists {
		return false
	}
	c.entries[key] = &Entry{
		Key:      key,
		Blocks:   append([]int(nil), blocks[:nBlocks]...),
		Refcount: 1,
		LastUsed: time.Now(),
	}
	return true
}

// Touch updates an entry's LRU order; called whenever a sequence attaches
// to (Refcount++) or detaches from (Refcount--) a hit prefix.
func (c *Cache) Touch(key uint64, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Refcount += delta
		e.LastUsed = time.Now()
	}
}

// Evictable returns entries with Refcount == 0, ordered by LastUsed
// ascending (oldest first), for an LRU eviction sweep to reclaim when the
// free block pool is exhausted (spec.md §4.3: "Eviction order: lowest
// last_used among entries with refcount == 0").
func (c *Cache) Evictable() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Entry
	for _, e := range c.entries {
		if e.Refcount == 0 {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastUsed.Before(out[j-1].LastUsed); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Remove deletes an evicted entry from the index. The caller is
// responsible for returning its blocks to the KV manager's free pool.
func (c *Cache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
