package inode

import (
	"sync"
	"sync/atomic"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/bufcache"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
	"github.com/lsfs-project/lsfs/segment"
	"github.com/lsfs-project/lsfs/util"
)

// LiveTracker receives dead-block notifications when an inode's
// previous on-disk incarnation, or one of its block pointers, is
// superseded (spec §4.10 mark_dead). lfs's deadTracker and gc.Cleaner
// implement it on top of the segment table's MarkDead; the interface exists so this package does not need to import lfs.
type LiveTracker interface {
	MarkBlockDead(block uint64)
}

// Inode is the in-memory wrapper described in spec §3: the on-disk
// record plus disk_location, version, refcount, and an exclusive
// mutation lock, grounded on the teacher's fs/inode.go wrapper shape.
type Inode struct {
	mu util.MutexLocked

	rec      Record
	location uint64
	version  uint32
	dirty    bool

	refcount int32
}

// View returns a copy of the current record, safe to read without
// holding the inode's own lock (callers still serialize with Cache's
// pin tracking for lifetime).
func (n *Inode) View() Record {
	defer n.mu.Locked()()
	return n.rec
}

// Ino is a convenience accessor.
func (n *Inode) Ino() uint32 { return n.rec.Ino }

// Mutate runs fn with the inode locked and the record addressable for
// in-place edits, then marks the inode dirty.
func (n *Inode) Mutate(fn func(r *Record)) {
	defer n.mu.Locked()()
	fn(&n.rec)
	n.dirty = true
}

func (n *Inode) Location() uint64 { return n.location }
func (n *Inode) Version() uint32  { return n.version }
func (n *Inode) Dirty() bool {
	defer n.mu.Locked()()
	return n.dirty
}

// Cache is the chained-by-ino, globally-LRU inode pool of spec §4.5.
// Pinned (refcount > 0) inodes live in a side-table outside the
// bluele/gcache LRU, mirroring bufcache's pinned/LRU split, since
// gcache has no notion of un-evictable entries.
type Cache struct {
	mu     sync.Mutex
	lru    gcache.Cache
	pinned map[uint32]*Inode

	bc     *bufcache.Cache
	imap   *imap.Map
	writer *segment.Writer
	dead   LiveTracker
}

// New builds an inode cache of the given entry capacity.
func New(bc *bufcache.Cache, im *imap.Map, w *segment.Writer, dead LiveTracker, capacity int) *Cache {
	c := &Cache{bc: bc, imap: im, writer: w, dead: dead, pinned: make(map[uint32]*Inode)}
	c.lru = gcache.New(capacity).LRU().
		EvictedFunc(func(key, value interface{}) {
			n := value.(*Inode)
			if n.Dirty() {
				if err := c.writeLocked(n); err != nil {
					mlog.Printf2("inode/cache", "evict write-back of ino %d failed: %v", n.Ino(), err)
				}
			}
		}).Build()
	return c
}

// Get returns a refcounted handle on ino, reading it from disk via
// the inode map and buffer cache on a miss (spec §4.5 get).
func (c *Cache) Get(ino uint32) (*Inode, error) {
	c.mu.Lock()
	if n, ok := c.pinned[ino]; ok {
		atomic.AddInt32(&n.refcount, 1)
		c.mu.Unlock()
		return n, nil
	}
	if v, err := c.lru.Get(ino); err == nil {
		n := v.(*Inode)
		c.lru.Remove(ino)
		atomic.StoreInt32(&n.refcount, 1)
		c.pinned[ino] = n
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	// IMAP's RWMutex is acquired outside the inode cache lock (spec
	// §5 ordering), so the lookup happens before re-taking c.mu below.
	entry, err := c.imap.Get(ino)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if n, ok := c.pinned[ino]; ok {
		atomic.AddInt32(&n.refcount, 1)
		c.mu.Unlock()
		return n, nil
	}
	if v, err := c.lru.Get(ino); err == nil {
		n := v.(*Inode)
		c.lru.Remove(ino)
		atomic.StoreInt32(&n.refcount, 1)
		c.pinned[ino] = n
		c.mu.Unlock()
		return n, nil
	}

	h, err := c.bc.Get(entry.Location)
	if err != nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "inode: read location %d for ino %d", entry.Location, ino)
	}
	off := SlotOffset(ino)
	rec, decErr := DecodeRecord(h.Data()[off : off+Size])
	c.bc.Put(h)
	if decErr != nil {
		c.mu.Unlock()
		return nil, decErr
	}
	if rec.Ino != ino {
		c.mu.Unlock()
		return nil, errors.Wrapf(lsferr.Corrupt, "inode: slot mismatch, wanted %d got %d", ino, rec.Ino)
	}

	n := &Inode{rec: *rec, location: entry.Location, version: entry.Version, refcount: 1}
	c.pinned[ino] = n
	c.mu.Unlock()
	return n, nil
}

// Put releases a handle obtained from Get or Alloc. An inode whose
// refcount drops to zero re-enters the LRU; if still dirty it is not
// written back immediately (Write is explicit per spec §4.5), only on
// eventual LRU eviction.
func (c *Cache) Put(n *Inode) {
	if atomic.AddInt32(&n.refcount, -1) > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, n.Ino())
	c.lru.Set(n.Ino(), n)
}

// Alloc obtains a fresh inode number from the inode map and installs
// a new, dirty, refcount-1 in-memory inode (spec §4.5 alloc).
func (c *Cache) Alloc(mode, uid, gid uint32, nowNs uint64, generation uint64) (*Inode, error) {
	ino, err := c.imap.AllocIno()
	if err != nil {
		return nil, err
	}
	n := &Inode{
		rec: Record{
			Ino: ino, Mode: mode, UID: uid, GID: gid,
			AtimeNs: nowNs, MtimeNs: nowNs, CtimeNs: nowNs,
			Nlink: 1, Generation: generation,
		},
		refcount: 1,
		dirty:    true,
	}
	c.mu.Lock()
	c.pinned[ino] = n
	c.mu.Unlock()
	mlog.Printf2("inode/cache", "Alloc ino=%d mode=0%o", ino, mode)
	return n, nil
}

// Write durably appends n's record as its own freshly zeroed block
// (spec §4.5: "remainder is defined to be zero"), retires the
// previous location, and updates the inode map. No-op if n is clean.
func (c *Cache) Write(n *Inode, now uint64) error {
	if !n.Dirty() {
		return nil
	}
	return c.writeLocked(n)
}

func (c *Cache) writeLocked(n *Inode) error {
	defer n.mu.Locked()()

	if n.location != 0 {
		c.dead.MarkBlockDead(n.location)
	}

	block := make([]byte, disk.BlockSize)
	PutInBlock(block, n.rec.Ino, &n.rec)

	addr, err := c.writer.Append(block, n.rec.Ino, 0, disk.BlockTypeInode, n.rec.MtimeNs/1e9)
	if err != nil {
		return errors.Wrapf(err, "inode: write ino %d", n.rec.Ino)
	}

	entry := c.imap.Set(n.rec.Ino, addr)
	n.location = addr
	n.version = entry.Version
	n.dirty = false
	mlog.Printf2("inode/cache", "Write ino=%d -> block %d (v%d)", n.rec.Ino, addr, n.version)
	return nil
}

// Free retires ino entirely: marks the block pointers held in the
// record itself (direct, indirect, double-indirect) and its location
// dead, removes it from the inode map (spec §3 inode lifecycle).
// Blocks reached only through the indirect and double-indirect blocks
// are not marked dead.
func (c *Cache) Free(n *Inode) {
	defer n.mu.Locked()()
	for i, b := range n.rec.Direct {
		if b != 0 {
			c.dead.MarkBlockDead(b)
			n.rec.Direct[i] = 0
		}
	}
	if n.rec.Indirect != 0 {
		c.dead.MarkBlockDead(n.rec.Indirect)
		n.rec.Indirect = 0
	}
	if n.rec.DoubleIndirect != 0 {
		c.dead.MarkBlockDead(n.rec.DoubleIndirect)
		n.rec.DoubleIndirect = 0
	}
	if n.location != 0 {
		c.dead.MarkBlockDead(n.location)
	}
	c.imap.Remove(n.rec.Ino)
	n.rec.Flags |= FlagDeleted
	n.dirty = false
	mlog.Printf2("inode/cache", "Free ino=%d", n.rec.Ino)
}
