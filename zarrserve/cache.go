package zarrserve

import (
	"container/heap"
	"math"
	"sync"
	"time"
)

// DefaultHalfLife is the number of cache accesses after which an untouched
// entry has lost one unit of score relative to a fresh one.
const DefaultHalfLife = 1024

// ChunkKey identifies one encoded chunk across all served datasets.
type ChunkKey struct {
	Dataset  string
	Variable string
	Chunk    string
}

// String renders the key as a path.
func (k ChunkKey) String() string {
	if k.Dataset == "" {
		return k.Variable + "/" + k.Chunk
	}
	return k.Dataset + "/" + k.Variable + "/" + k.Chunk
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
	Capacity  int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHalfLife sets how many accesses it takes for recency to outweigh a
// factor of e in cost per byte. Non-positive values are ignored.
func WithHalfLife(accesses int) CacheOption {
	return func(c *Cache) {
		if accesses > 0 {
			c.halfLife = float64(accesses)
		}
	}
}

// Cache holds encoded chunks up to a byte capacity, evicting the entries with
// the lowest score first. The score of an entry is
//
//	ln(cost / size) + tick / halfLife
//
// where cost is the time it took to produce the bytes and tick is a logical
// clock advanced on every access. With cost and size fixed, older entries
// score lower; with recency fixed, cheap large entries score lower than
// expensive small ones.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	halfLife float64
	tick     uint64
	resident int64
	entries  map[ChunkKey]*cacheEntry
	queue    scoreQueue
	stats    CacheStats
}

type cacheEntry struct {
	key      ChunkKey
	data     []byte
	size     int64
	priority float64
	score    float64
	index    int
}

// NewCache creates a cache holding at most capacity bytes.
func NewCache(capacity int64, opts ...CacheOption) *Cache {
	c := &Cache{
		capacity: capacity,
		halfLife: DefaultHalfLife,
		entries:  make(map[ChunkKey]*cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the bytes stored under key and refreshes their recency. The
// returned slice must not be modified.
func (c *Cache) Get(key ChunkKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	e.score = e.priority + c.advance()
	heap.Fix(&c.queue, e.index)
	return e.data, true
}

// Put stores data under key, replacing any previous entry, then evicts until
// the resident size fits the capacity. Entries larger than the capacity are
// not stored.
func (c *Cache) Put(key ChunkKey, data []byte, cost time.Duration, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.remove(old)
	}
	if size > c.capacity {
		return
	}

	priority := math.Log(float64(max(cost, time.Nanosecond)) / float64(max(size, 1)))
	e := &cacheEntry{
		key:      key,
		data:     data,
		size:     size,
		priority: priority,
		score:    priority + c.advance(),
	}
	c.entries[key] = e
	heap.Push(&c.queue, e)
	c.resident += size

	for c.resident > c.capacity && c.queue.Len() > 0 {
		victim := c.queue[0]
		c.remove(victim)
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.resident
	s.Capacity = c.capacity
	return s
}

func (c *Cache) advance() float64 {
	c.tick++
	return float64(c.tick) / c.halfLife
}

// remove drops e from the map and queue. Callers hold c.mu.
func (c *Cache) remove(e *cacheEntry) {
	heap.Remove(&c.queue, e.index)
	delete(c.entries, e.key)
	c.resident -= e.size
}

// -----------------------------------------------------------------------------
// Score queue
// -----------------------------------------------------------------------------

// scoreQueue is a min-heap of entries ordered by score.
type scoreQueue []*cacheEntry

func (q scoreQueue) Len() int           { return len(q) }
func (q scoreQueue) Less(i, j int) bool { return q[i].score < q[j].score }

func (q scoreQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *scoreQueue) Push(x any) {
	e := x.(*cacheEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *scoreQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
