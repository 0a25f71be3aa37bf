package segment

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
)

// Usage is one segment table entry (spec §3, §4.10).
type Usage struct {
	SegmentID  uint32
	State      disk.SegmentState
	LiveBlocks uint32
	Timestamp  uint64 // unix seconds of the segment's last write
}

const usageSize = 20 // 4+4+4+8

// Table is the per-segment state table: free/active/full/cleaning,
// live-block accounting, age (spec §4.10, "segment table lock" in
// §5). Exactly one segment may be Active globally; callers enforce
// that through AllocActive.
type Table struct {
	mu         sync.Mutex
	entries    []Usage
	freeCount  uint32
	payload    uint32 // usable blocks per segment (segBlocks - SummaryBlocks)
}

func NewTable(count int, payloadPerSegment uint32) *Table {
	entries := make([]Usage, count)
	for i := range entries {
		entries[i] = Usage{SegmentID: uint32(i), State: disk.SegmentFree}
	}
	return &Table{entries: entries, freeCount: uint32(count), payload: payloadPerSegment}
}

// PayloadPerSegment is the number of non-summary blocks in a segment.
func (t *Table) PayloadPerSegment() uint32 { return t.payload }

func (t *Table) Count() int { return len(t.entries) }

// FreeCount is the number of segments currently Free.
func (t *Table) FreeCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeCount
}

// AllocActive transitions one Free segment to Active and returns its
// id (spec §4.4: "allocate a new active segment"). Returns
// lsferr.NoSpace if none are free.
func (t *Table) AllocActive(now uint64) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].State == disk.SegmentFree {
			t.entries[i].State = disk.SegmentActive
			t.entries[i].LiveBlocks = 0
			t.entries[i].Timestamp = now
			t.freeCount--
			return t.entries[i].SegmentID, nil
		}
	}
	return 0, errors.Wrap(lsferr.NoSpace, "segment: no free segment")
}

// MarkFull transitions a segment from Active to Full, stamping its
// live-block count and timestamp (spec §4.4 step 3).
func (t *Table) MarkFull(id uint32, liveBlocks uint32, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id].State = disk.SegmentFull
	t.entries[id].LiveBlocks = liveBlocks
	t.entries[id].Timestamp = now
}

// MarkDead decrements the live-block count of segment id, saturating
// at zero (spec §4.10 mark_dead).
func (t *Table) MarkDead(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= uint32(len(t.entries)) {
		return
	}
	if t.entries[id].LiveBlocks > 0 {
		t.entries[id].LiveBlocks--
	}
}

// IncLive increments the live-block count, used when the cleaner or a
// write relocates a block into a newly-active segment's accounting
// (the segment's own flush recomputes LiveBlocks directly, but a
// mid-flight bump keeps GC's view of the active segment approximate
// between flushes).
func (t *Table) IncLive(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < uint32(len(t.entries)) {
		t.entries[id].LiveBlocks++
	}
}

// StartCleaning transitions Full -> Cleaning, refusing if the segment
// is no longer Full (spec §4.10 step 1).
func (t *Table) StartCleaning(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id].State != disk.SegmentFull {
		return false
	}
	t.entries[id].State = disk.SegmentCleaning
	return true
}

// Free transitions Cleaning -> Free, zeroing live-block count (spec
// §4.10 step 5). Also used directly for an already-empty Full
// segment.
func (t *Table) Free(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id].State = disk.SegmentFree
	t.entries[id].LiveBlocks = 0
	t.freeCount++
}

// AbortCleaning restores Cleaning -> Full when a cleaner pass fails
// partway (spec §7: "aborts that cleaner pass and leaves the segment
// in state full").
func (t *Table) AbortCleaning(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id].State = disk.SegmentFull
}

// SetFromRecovery installs a segment's state directly, used by
// roll-forward (spec §4.9 step 4) and checkpoint load, bypassing the
// normal state-machine transitions.
func (t *Table) SetFromRecovery(id uint32, state disk.SegmentState, liveBlocks uint32, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.entries[id].State
	t.entries[id] = Usage{SegmentID: id, State: state, LiveBlocks: liveBlocks, Timestamp: now}
	if was == disk.SegmentFree && state != disk.SegmentFree {
		if t.freeCount > 0 {
			t.freeCount--
		}
	} else if was != disk.SegmentFree && state == disk.SegmentFree {
		t.freeCount++
	}
}

// Get returns a copy of a segment's usage entry.
func (t *Table) Get(id uint32) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// Snapshot returns a copy of every entry, used by the checkpoint
// manager and the cleaner's selection scan.
func (t *Table) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Usage, len(t.entries))
	copy(out, t.entries)
	return out
}

// Encode packs the table contiguously for the segment-table region
// (spec §4.8 "segment table written to its dedicated region").
func Encode(entries []Usage) []byte {
	buf := make([]byte, len(entries)*usageSize)
	for i, e := range entries {
		off := i * usageSize
		binary.LittleEndian.PutUint32(buf[off:], e.SegmentID)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(e.State))
		binary.LittleEndian.PutUint32(buf[off+8:], e.LiveBlocks)
		binary.LittleEndian.PutUint64(buf[off+12:], e.Timestamp)
	}
	return buf
}

// Decode2 unpacks count entries from buf.
func Decode2(buf []byte, count int) ([]Usage, error) {
	if len(buf) < count*usageSize {
		return nil, errors.Wrap(lsferr.Corrupt, "segment: short segment-table buffer")
	}
	out := make([]Usage, count)
	for i := 0; i < count; i++ {
		off := i * usageSize
		out[i] = Usage{
			SegmentID:  binary.LittleEndian.Uint32(buf[off:]),
			State:      disk.SegmentState(binary.LittleEndian.Uint32(buf[off+4:])),
			LiveBlocks: binary.LittleEndian.Uint32(buf[off+8:]),
			Timestamp:  binary.LittleEndian.Uint64(buf[off+12:]),
		}
	}
	return out, nil
}

// UsageSize is exported for callers sizing the segment-table region.
const UsageSize = usageSize
