// Package bufcache implements the fixed-capacity, refcounted LRU
// buffer cache of spec §4.2. Unpinned buffers, clean or dirty (dirty
// ones are written back when evicted), are held in a
// bluele/gcache LRU so the library owns eviction order and trigger;
// buffers with a nonzero refcount are pulled out of the LRU into a
// small pinned side-table (gcache has no notion of "do not evict a
// buffer someone is holding"), and returned to the LRU once their
// last handle is released.
package bufcache

import (
	"sync"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
)

type buffer struct {
	block    uint64
	data     []byte
	dirty    bool
	refcount int
}

// Handle is a refcounted reference to a cached block. Callers must
// call Put exactly once per Get.
type Handle struct {
	c *Cache
	b *buffer
}

func (h *Handle) Block() uint64 { return h.b.block }
func (h *Handle) Data() []byte  { return h.b.data }

// MarkDirty flags the buffer as needing write-back before eviction or
// on the next Flush.
func (h *Handle) MarkDirty() { h.c.mu.Lock(); h.b.dirty = true; h.c.mu.Unlock() }

// Cache is the buffer pool itself.
type Cache struct {
	dev      disk.BlockDevice
	mu       sync.Mutex
	lru      gcache.Cache
	pinned   map[uint64]*buffer
	capacity int
}

// New builds a buffer cache of the given block capacity over dev.
func New(dev disk.BlockDevice, capacity int) *Cache {
	c := &Cache{dev: dev, pinned: make(map[uint64]*buffer), capacity: capacity}
	c.lru = gcache.New(capacity).LRU().
		EvictedFunc(func(key, value interface{}) {
			b := value.(*buffer)
			if b.dirty {
				if err := c.dev.WriteBlock(b.block, b.data); err != nil {
					mlog.Printf2("bufcache/bufcache", "evict write-back of %d failed: %v", b.block, err)
					return
				}
				b.dirty = false
			}
		}).Build()
	return c
}

// Get returns a refcounted handle on block, reading it from the
// device on a cache miss (spec §4.2).
func (c *Cache) Get(block uint64) (*Handle, error) {
	c.mu.Lock()
	if b, ok := c.pinned[block]; ok {
		b.refcount++
		c.mu.Unlock()
		return &Handle{c: c, b: b}, nil
	}
	if v, err := c.lru.Get(block); err == nil {
		b := v.(*buffer)
		c.lru.Remove(block)
		b.refcount = 1
		c.pinned[block] = b
		c.mu.Unlock()
		return &Handle{c: c, b: b}, nil
	}
	c.mu.Unlock()

	data, err := c.dev.ReadRange(block, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "bufcache: read block %d", block)
	}
	b := &buffer{block: block, data: data, refcount: 1}
	c.mu.Lock()
	c.pinned[block] = b
	c.mu.Unlock()
	return &Handle{c: c, b: b}, nil
}

// Put releases a handle. A buffer whose refcount drops to zero
// re-enters the LRU and becomes eligible for eviction.
func (c *Cache) Put(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := h.b
	b.refcount--
	if b.refcount < 0 {
		b.refcount = 0
	}
	if b.refcount == 0 {
		delete(c.pinned, b.block)
		c.lru.Set(b.block, b)
	}
}

// Invalidate drops block from the cache without writing it back; used
// when a block's old incarnation is known dead (e.g. after a
// relocating cleaner pass already wrote the fresh copy elsewhere).
func (c *Cache) Invalidate(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, block)
	// gcache's Remove runs the eviction callback; clear dirty first so
	// the dropped incarnation is not written back.
	if v, err := c.lru.GetIFPresent(block); err == nil {
		v.(*buffer).dirty = false
	}
	c.lru.Remove(block)
}

// Flush writes back every dirty buffer, pinned or not (spec §4.2).
func (c *Cache) Flush() error {
	c.mu.Lock()
	pinned := make([]*buffer, 0, len(c.pinned))
	for _, b := range c.pinned {
		pinned = append(pinned, b)
	}
	all := c.lru.GetALL(false)
	lru := make([]*buffer, 0, len(all))
	for _, v := range all {
		lru = append(lru, v.(*buffer))
	}
	c.mu.Unlock()

	for _, b := range append(pinned, lru...) {
		c.mu.Lock()
		dirty := b.dirty
		c.mu.Unlock()
		if !dirty {
			continue
		}
		if err := c.dev.WriteBlock(b.block, b.data); err != nil {
			return errors.Wrapf(lsferr.IO, "bufcache: flush block %d: %v", b.block, err)
		}
		c.mu.Lock()
		b.dirty = false
		c.mu.Unlock()
	}
	return nil
}
