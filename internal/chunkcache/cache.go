package chunkcache

import (
	"container/list"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// ComputeFunc decodes the Chunk for a Key. It runs outside the cache lock.
type ComputeFunc func() (Chunk, error)

// entry is either a pending decode (promise != nil) or a completed chunk
// holding its position in the LRU list. Pending entries are pinned: they
// are never visited by eviction.
type entry struct {
	key      Key
	chunk    Chunk
	pending  *promise
	element  *list.Element // nil while pending
}

// promise is fulfilled exactly once by the goroutine that owns the decode.
type promise struct {
	done  chan struct{}
	chunk Chunk
	err   error
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

func (p *promise) fulfill(chunk Chunk, err error) {
	p.chunk = chunk
	p.err = err
	close(p.done)
}

func (p *promise) wait() (Chunk, error) {
	<-p.done
	return p.chunk, p.err
}

// Cache is a thread-safe, count-bounded LRU cache with single-flight
// decoding, grounded on the same map-plus-container/list structure as the
// rest of this dependency pack's LRU implementations.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[Key]*entry
	lru      *list.List // holds *entry for completed chunks, MRU at Front
	metrics  *metrics.Collector
}

// New constructs a Cache with the given count-bounded capacity (at least 1).
func New(capacity int, collector *metrics.Collector) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
		metrics:  collector,
	}
}

// GetOrCompute returns the cached chunk for key, or runs compute exactly
// once across all concurrent callers and caches its result.
func (c *Cache) GetOrCompute(key Key, compute ComputeFunc) (Chunk, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.pending == nil {
			c.lru.MoveToFront(e.element)
			chunk := e.chunk
			c.mu.Unlock()
			c.recordHit(key.FileID, chunk)
			return chunk, nil
		}
		p := e.pending
		c.mu.Unlock()
		chunk, err := p.wait()
		if err != nil {
			return Chunk{}, err
		}
		c.recordHit(key.FileID, chunk)
		return chunk, nil
	}

	p := newPromise()
	c.entries[key] = &entry{key: key, pending: p}
	c.mu.Unlock()
	c.recordMiss(key.FileID)

	chunk, err := compute()

	c.mu.Lock()
	// The entry may have been invalidated (removed, promise already
	// fulfilled with `invalidated`) while compute ran. Only replace it if
	// it is still the same pending entry we installed.
	current, stillPresent := c.entries[key]
	if !stillPresent || current.pending != p {
		c.mu.Unlock()
		// Someone else already resolved this promise via invalidation.
		if err != nil {
			return Chunk{}, err
		}
		return chunk, nil
	}

	if err != nil {
		delete(c.entries, key)
		c.mu.Unlock()
		p.fulfill(Chunk{}, err)
		return Chunk{}, err
	}

	current.pending = nil
	current.chunk = chunk
	current.element = c.lru.PushFront(current)
	c.evictLocked()
	c.mu.Unlock()

	p.fulfill(chunk, nil)
	return chunk, nil
}

// Invalidate drops every entry for fileID whose version differs from
// keepVersion. Pending entries among those dropped are fulfilled with an
// `invalidated` error so waiters unblock instead of hanging.
func (c *Cache) Invalidate(fileID string, keepVersion int64) {
	c.mu.Lock()
	var toFulfill []*promise
	for key, e := range c.entries {
		if key.FileID != fileID || key.Version == keepVersion {
			continue
		}
		c.removeLocked(key, e)
		if e.pending != nil {
			toFulfill = append(toFulfill, e.pending)
		}
	}
	c.mu.Unlock()

	for _, p := range toFulfill {
		p.fulfill(Chunk{}, invalidatedError())
	}
}

// InvalidateFile drops every entry for fileID regardless of version, used on
// close_file.
func (c *Cache) InvalidateFile(fileID string) {
	c.mu.Lock()
	var toFulfill []*promise
	for key, e := range c.entries {
		if key.FileID != fileID {
			continue
		}
		c.removeLocked(key, e)
		if e.pending != nil {
			toFulfill = append(toFulfill, e.pending)
		}
	}
	c.mu.Unlock()

	for _, p := range toFulfill {
		p.fulfill(Chunk{}, invalidatedError())
	}
}

// Has reports whether key currently has a completed or pending entry,
// without affecting LRU order. Used by the prefetch scheduler to skip
// indices already satisfied.
func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of completed entries currently held, for tests
// asserting the capacity invariant.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) removeLocked(key Key, e *entry) {
	delete(c.entries, key)
	if e.element != nil {
		c.lru.Remove(e.element)
	}
}

func (c *Cache) evictLocked() {
	for c.lru.Len() > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, victim.key)
		c.recordEviction()
	}
}

func (c *Cache) recordHit(fileID string, chunk Chunk) {
	if c.metrics != nil {
		rows, cols := chunk.Shape()
		c.metrics.RecordCacheHit(fileID, int64(rows*cols*8))
	}
}

func (c *Cache) recordMiss(fileID string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(fileID, 0)
	}
}

func (c *Cache) recordEviction() {
	if c.metrics != nil {
		c.metrics.RecordEviction()
	}
}

func invalidatedError() error {
	return errors.New(errors.CodeInvalidated, "cache entry invalidated by view mutation or file close").
		WithComponent("chunkcache").WithOperation("GetOrCompute")
}
