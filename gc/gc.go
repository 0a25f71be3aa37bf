// Package gc is the cost-benefit segment cleaner of spec §4.10: a
// single background goroutine that, once the free-segment ratio drops
// below a threshold, repeatedly selects the segment with the best
// age-weighted cost-benefit score, relocates its still-live blocks to
// the head of the log, and frees it. Grounded on the original C gc.c
// segment_utility/lsfs_gc_select_segment/lsfs_gc_clean_segment, with
// data-block liveness fully descending single-indirect (and, beyond
// what the reference attempts, double-indirect) lookups per
// SPEC_FULL.md's resolution of the matching open question.
package gc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/fileindex"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
	"github.com/lsfs-project/lsfs/segment"
	"github.com/lsfs-project/lsfs/util"
)

// Thresholds, spec §4.10 defaults.
const (
	ThresholdLow          = 0.10
	ThresholdHigh         = 0.20
	UtilizationCleanCap   = 0.50
	MaxSegmentsPerPass    = 5
	WakeupInterval        = 5 * time.Second
)

// Cleaner is the background GC thread of spec §4.10.
type Cleaner struct {
	sb     *disk.Superblock
	dev    disk.BlockDevice
	imap   *imap.Map
	table  *segment.Table
	writer *segment.Writer
	inodes *inode.Cache
	ckpt   *checkpoint.Manager

	cond    *sync.Cond
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	g       *errgroup.Group
	waiters util.SimpleWaitGroup // tracks the per-wakeup cond.Wait() bridge goroutines

	nowFn func() uint64
}

// New builds a cleaner. nowFn supplies the current unix-seconds clock
// (lfs.Context owns it, since this package may not call time.Now()
// itself to stay deterministic under test).
func New(sb *disk.Superblock, dev disk.BlockDevice, im *imap.Map, table *segment.Table, w *segment.Writer, inodes *inode.Cache, ckpt *checkpoint.Manager, nowFn func() uint64) *Cleaner {
	c := &Cleaner{sb: sb, dev: dev, imap: im, table: table, writer: w, inodes: inodes, ckpt: ckpt, nowFn: nowFn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the background goroutine (spec §4.10 "A dedicated
// background thread"). Wired into the writer's OnFull hook, Trigger
// lets a segment rotation that finds no free segments wake the
// cleaner immediately instead of waiting out the timeout. The
// goroutine's lifecycle is supervised by an errgroup.Group so Stop can
// report back a run failure instead of silently swallowing it; the
// short-lived cond.Wait() bridge goroutine spawned each wakeup cycle
// is tracked separately through waiters so Stop doesn't return while
// one is still unwinding.
func (c *Cleaner) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.g = g
	c.mu.Unlock()

	g.Go(func() error {
		return c.loop(gctx)
	})
}

// Stop requests the goroutine to exit, waits for it and for any
// in-flight wakeup bridge goroutine, and returns whatever error the
// main loop exited with (nil on a clean stop).
func (c *Cleaner) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	g := c.g
	c.mu.Unlock()
	cancel()
	c.cond.Broadcast()
	err := g.Wait()
	c.waiters.Wait()
	return err
}

// Trigger wakes the cleaner immediately, used on "no free segment"
// (spec §4.10 "Wakes on a condition variable").
func (c *Cleaner) Trigger() {
	c.cond.Broadcast()
}

func (c *Cleaner) loop(ctx context.Context) error {
	for {
		waitCh := make(chan struct{})
		c.waiters.Go(func() {
			c.mu.Lock()
			c.cond.Wait()
			c.mu.Unlock()
			close(waitCh)
		})

		select {
		case <-ctx.Done():
			return nil
		case <-waitCh:
		case <-time.After(WakeupInterval):
		}

		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return nil
		}

		if c.Needed() {
			mlog.Printf2("gc/gc", "cleaner triggered")
			if err := c.Run(c.nowFn()); err != nil {
				// A single failed pass (e.g. a transient I/O error)
				// doesn't kill the cleaner; it retries on the next
				// wakeup or trigger.
				mlog.Printf2("gc/gc", "run failed: %v", err)
			}
		}
	}
}

// Needed reports free_segment_ratio < LOW (spec §4.10 needed()).
func (c *Cleaner) Needed() bool {
	total := c.table.Count()
	if total == 0 {
		return false
	}
	ratio := float64(c.table.FreeCount()) / float64(total)
	return ratio < ThresholdLow
}

// Select picks the full segment with the best cost-benefit utility
// among those at or below the utilization cap, ties broken by lower
// segment id (spec §4.10 select()). Returns false if no candidate
// qualifies.
func (c *Cleaner) Select(now uint64) (uint32, bool) {
	usage := c.table.Snapshot()
	payload := float64(c.table.PayloadPerSegment())

	type candidate struct {
		id      uint32
		utility float64
	}
	var best *candidate

	ids := make([]int, 0, len(usage))
	for i := range usage {
		ids = append(ids, i)
	}
	sort.Ints(ids) // deterministic scan order; ties resolved by lowest id below

	for _, i := range ids {
		u := usage[i]
		if u.State != disk.SegmentFull {
			continue
		}
		utilization := float64(u.LiveBlocks) / payload
		if utilization > UtilizationCleanCap {
			continue
		}
		var age float64
		if now > u.Timestamp {
			age = float64(now - u.Timestamp)
		}
		utility := age * (1 - utilization) / (1 + utilization)
		if best == nil || utility > best.utility {
			best = &candidate{id: u.SegmentID, utility: utility}
		}
	}
	if best == nil {
		return 0, false
	}
	return best.id, true
}

// Run cleans segments until the free-segment ratio reaches HIGH, no
// candidate remains, or MaxSegmentsPerPass is hit, then flushes the
// active segment and emits a checkpoint (spec §4.10 clean() step 6).
func (c *Cleaner) Run(now uint64) error {
	cleaned := 0
	for cleaned < MaxSegmentsPerPass {
		total := c.table.Count()
		if total > 0 && float64(c.table.FreeCount())/float64(total) >= ThresholdHigh {
			break
		}
		id, ok := c.Select(now)
		if !ok {
			mlog.Printf2("gc/gc", "no suitable segment found")
			break
		}
		if err := c.Clean(id, now); err != nil {
			return err
		}
		cleaned++
	}
	if cleaned > 0 {
		mlog.Printf2("gc/gc", "cleaned %d segments", cleaned)
		if err := c.writer.ForceRotate(now); err != nil {
			return errors.Wrap(err, "gc: flush after clean")
		}
		if err := c.ckpt.Write(now); err != nil {
			return errors.Wrap(err, "gc: checkpoint after clean")
		}
	}
	return nil
}

// Clean relocates id's live blocks and frees it (spec §4.10 clean()).
func (c *Cleaner) Clean(id uint32, now uint64) error {
	if !c.table.StartCleaning(id) {
		return nil // already cleaned or active; not an error
	}

	summaryBlocks := segment.SummaryBlocks(c.sb.SegmentBlocks)
	segStart := c.sb.SegmentToBlock(id, 0)

	buf, err := c.dev.ReadRange(segStart, c.sb.SegmentBlocks)
	if err != nil {
		c.table.AbortCleaning(id)
		return errors.Wrapf(err, "gc: read segment %d", id)
	}
	s, err := segment.Decode(buf, summaryBlocks)
	if err != nil {
		c.table.AbortCleaning(id)
		return errors.Wrapf(err, "gc: decode segment %d summary", id)
	}

	for i, info := range s.Blocks {
		addr := segStart + uint64(summaryBlocks) + uint64(i)
		blockBuf := buf[int(summaryBlocks+uint32(i))*disk.BlockSize : int(summaryBlocks+uint32(i)+1)*disk.BlockSize]

		live, err := c.isLive(info, addr)
		if err != nil {
			return errors.Wrapf(err, "gc: liveness check for %v", info)
		}
		if !live {
			continue
		}
		if err := c.relocate(info, addr, blockBuf, now); err != nil {
			c.table.AbortCleaning(id)
			return errors.Wrapf(err, "gc: relocate block at %d", addr)
		}
	}

	c.table.Free(id)
	mlog.Printf2("gc/gc", "cleaned segment %d", id)
	return nil
}

func (c *Cleaner) isLive(info segment.BlockInfo, addr uint64) (bool, error) {
	if info.Ino == 0 {
		return false, nil
	}
	switch info.Type {
	case disk.BlockTypeInode:
		entry, err := c.imap.Get(info.Ino)
		if err != nil {
			if lsferr.Is(err, lsferr.NoEnt) {
				return false, nil
			}
			return false, err
		}
		return entry.Location == addr, nil

	case disk.BlockTypeData:
		n, err := c.inodes.Get(info.Ino)
		if err != nil {
			if lsferr.Is(err, lsferr.NoEnt) {
				return false, nil
			}
			return false, err
		}
		defer c.inodes.Put(n)
		rec := n.View()
		cur, err := fileindex.Read(c.dev, &rec, uint64(info.Index))
		if err != nil {
			return false, err
		}
		return cur == addr, nil

	case disk.BlockTypeIndirect:
		n, err := c.inodes.Get(info.Ino)
		if err != nil {
			if lsferr.Is(err, lsferr.NoEnt) {
				return false, nil
			}
			return false, err
		}
		defer c.inodes.Put(n)
		rec := n.View()
		if rec.Indirect == addr || rec.DoubleIndirect == addr {
			return true, nil
		}
		if rec.DoubleIndirect != 0 {
			dbuf, err := c.dev.ReadBlock(rec.DoubleIndirect)
			if err != nil {
				return false, err
			}
			for off := 0; off+8 <= len(dbuf); off += 8 {
				if leBytesToUint64(dbuf[off:off+8]) == addr {
					return true, nil
				}
			}
		}
		return false, nil

	default:
		return false, nil
	}
}

func (c *Cleaner) relocate(info segment.BlockInfo, oldAddr uint64, data []byte, now uint64) error {
	switch info.Type {
	case disk.BlockTypeInode:
		cp := make([]byte, disk.BlockSize)
		copy(cp, data)
		newAddr, err := c.writer.Append(cp, info.Ino, info.Index, info.Type, now)
		if err != nil {
			return err
		}
		c.imap.Set(info.Ino, newAddr)
		return nil

	case disk.BlockTypeData:
		n, err := c.inodes.Get(info.Ino)
		if err != nil {
			return err
		}
		defer c.inodes.Put(n)
		cp := make([]byte, disk.BlockSize)
		copy(cp, data)
		newAddr, err := c.writer.Append(cp, info.Ino, info.Index, info.Type, now)
		if err != nil {
			return err
		}
		var repointErr error
		n.Mutate(func(r *inode.Record) {
			repointErr = fileindex.Repoint(c.writer, c.dev, c, r, uint64(info.Index), newAddr, now)
		})
		return repointErr

	case disk.BlockTypeIndirect:
		n, err := c.inodes.Get(info.Ino)
		if err != nil {
			return err
		}
		defer c.inodes.Put(n)
		cp := make([]byte, disk.BlockSize)
		copy(cp, data)
		newAddr, err := c.writer.Append(cp, info.Ino, info.Index, info.Type, now)
		if err != nil {
			return err
		}
		n.Mutate(func(r *inode.Record) {
			if r.Indirect == oldAddr {
				r.Indirect = newAddr
			}
			if r.DoubleIndirect == oldAddr {
				r.DoubleIndirect = newAddr
			}
		})
		return nil

	default:
		return nil
	}
}

// MarkBlockDead implements fileindex.LiveTracker so Repoint can
// retire superseded indirect blocks it rewrites mid-relocation.
func (c *Cleaner) MarkBlockDead(block uint64) {
	segID, _ := c.sb.BlockToSegment(block)
	c.table.MarkDead(segID)
}

func leBytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
