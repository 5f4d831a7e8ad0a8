// Package prefetch implements the bounded worker pool that speculatively
// decodes the next N chunks after each client access. It holds a capability
// reference to the chunk cache only, never to the File Manager, so that
// cancellation flows one way: the manager invalidates cache entries to cancel
// worker effects rather than reaching back into scheduler internals.
package prefetch

import (
	"container/list"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunkcache"
	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// Request is one speculative decode: a cache key plus the factory needed to
// produce its Chunk, submitted by the File Manager after a foreground access.
type Request struct {
	FileID  string
	Key     chunkcache.Key
	Compute chunkcache.ComputeFunc
}

type queued struct {
	req Request
}

// Scheduler is a bounded pool of worker goroutines draining a single FIFO
// queue of prefetch Requests. The queue is capacity-bounded; once full, a
// new submission for file f evicts the oldest still-queued request for that
// same file (the newer index is "closer to what the client wants next"),
// falling back to dropping the queue's oldest entry if none match.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List // of *queued, FIFO: PushBack, pop from Front
	capacity int
	cache    *chunkcache.Cache
	metrics  *metrics.Collector
	closed   bool
	wg       sync.WaitGroup
}

// New starts a Scheduler with workers worker goroutines and a queue bounded
// to capacity entries, conventionally a small multiple of workers. cache is
// the only capability the workers hold.
func New(workers, capacity int, cache *chunkcache.Cache, collector *metrics.Collector) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if capacity < workers {
		capacity = workers * 2
	}
	s := &Scheduler{
		queue:    list.New(),
		capacity: capacity,
		cache:    cache,
		metrics:  collector,
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Submit enqueues req, non-blocking. If the queue is already at capacity,
// the oldest queued request for req.FileID is dropped in its favor; if none
// is found, the queue's oldest entry overall is dropped instead so the
// bound always holds.
func (s *Scheduler) Submit(req Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.queue.Len() >= s.capacity {
		if victim := s.findOldestForFile(req.FileID); victim != nil {
			s.queue.Remove(victim)
			s.recordDropped()
		} else if front := s.queue.Front(); front != nil {
			s.queue.Remove(front)
			s.recordDropped()
		}
	}

	s.queue.PushBack(&queued{req: req})
	s.cond.Signal()
	s.mu.Unlock()
}

// DrainFile removes every not-yet-dispatched queued request for fileID,
// called on close_file or a view mutation so stale prefetch work for the old
// version never starts. In-flight workers are not interrupted; their results
// are discarded via the cache's version-based invalidation instead.
func (s *Scheduler) DrainFile(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *list.Element
	for e := s.queue.Front(); e != nil; e = next {
		next = e.Next()
		if e.Value.(*queued).req.FileID == fileID {
			s.queue.Remove(e)
			s.recordDropped()
		}
	}
}

// Close stops accepting new work and waits for the workers to exit. Workers
// are not interrupted mid-read, and they still run every request that was
// already queued before they exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) findOldestForFile(fileID string) *list.Element {
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queued).req.FileID == fileID {
			return e
		}
	}
	return nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		front := s.queue.Front()
		s.queue.Remove(front)
		s.mu.Unlock()

		req := front.Value.(*queued).req
		_, err := s.cache.GetOrCompute(req.Key, req.Compute)
		s.recordOutcome(err)
	}
}

func (s *Scheduler) recordOutcome(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.RecordPrefetch("completed")
	case errors.Is(err, errors.CodeInvalidated):
		s.metrics.RecordPrefetch("canceled")
	default:
		s.metrics.RecordPrefetch("failed")
	}
}

func (s *Scheduler) recordDropped() {
	if s.metrics != nil {
		s.metrics.RecordPrefetch("dropped")
	}
}
