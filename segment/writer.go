package segment

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
)

// Writer is the single globally-active segment's staging state (spec
// §4.4): the in-memory descriptor array for the segment currently
// being filled, plus the logic to rotate into a fresh segment once it
// fills. Grounded on the original C lsfs_segment_append_block /
// lsfs_segment_flush state machine. Exactly one Writer exists per
// mounted filesystem; callers serialize Append through the "segment
// writer lock" of spec §5 (the Writer's own mutex plays that role).
type Writer struct {
	mu sync.Mutex

	sb    *disk.Superblock
	dev   disk.BlockDevice
	table *Table

	segmentID     uint32
	summaryBlocks uint32
	descriptors   []BlockInfo

	// OnFull is invoked synchronously after a segment is finalized and
	// marked full and its replacement has been allocated. lfs.Context
	// hooks this to decide, through the checkpoint manager, whether a
	// checkpoint is due (spec §4.8 "N segments written" trigger).
	OnFull func(segmentID uint32, usage Usage)
}

// NewWriter opens a writer over the given superblock/device/table and
// allocates its first active segment. now is a unix-seconds timestamp
// supplied by the caller (lfs.Context owns the clock).
func NewWriter(sb *disk.Superblock, dev disk.BlockDevice, table *Table, now uint64) (*Writer, error) {
	w := &Writer{
		sb:            sb,
		dev:           dev,
		table:         table,
		summaryBlocks: SummaryBlocks(sb.SegmentBlocks),
	}
	id, err := table.AllocActive(now)
	if err != nil {
		return nil, errors.Wrap(err, "segment: writer: initial allocation")
	}
	w.segmentID = id
	return w, nil
}

// ResumeWriter installs a writer over an already-active segment found
// by recovery (spec §4.9), with descriptors reconstructed from the
// blocks the roll-forward scan actually found so Append continues
// from the right payload offset.
func ResumeWriter(sb *disk.Superblock, dev disk.BlockDevice, table *Table, segmentID uint32, descriptors []BlockInfo) *Writer {
	return &Writer{
		sb:            sb,
		dev:           dev,
		table:         table,
		summaryBlocks: SummaryBlocks(sb.SegmentBlocks),
		segmentID:     segmentID,
		descriptors:   descriptors,
	}
}

// CurrentSegment is the id of the segment currently accepting writes.
func (w *Writer) CurrentSegment() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentID
}

// Append writes one block's payload into the active segment and
// records its descriptor, rotating to a fresh segment first if the
// active one has no payload slots left (spec §4.4 steps 1-3). now is
// used both as the rotated-out segment's timestamp and, on rotation,
// the new segment's.
func (w *Writer) Append(data []byte, ino uint32, index uint32, typ disk.BlockType, now uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uint32(len(w.descriptors)) >= w.table.PayloadPerSegment() {
		if err := w.rotateLocked(now); err != nil {
			return 0, err
		}
	}

	payloadOffset := w.summaryBlocks + uint32(len(w.descriptors))
	addr := w.sb.SegmentToBlock(w.segmentID, payloadOffset)
	if err := w.dev.WriteBlock(addr, data); err != nil {
		return 0, errors.Wrapf(err, "segment: append: write block %d", addr)
	}
	w.descriptors = append(w.descriptors, BlockInfo{Ino: ino, Index: index, Type: typ})
	w.table.IncLive(w.segmentID)

	if err := w.writeSummaryLocked(now); err != nil {
		return 0, err
	}
	mlog.Printf2("segment/writer", "Append ino=%d index=%d -> block %d (segment %d, %d/%d)",
		ino, index, addr, w.segmentID, len(w.descriptors), w.table.PayloadPerSegment())
	return addr, nil
}

// writeSummaryLocked re-encodes and writes the active segment's
// summary so crash recovery can replay it even if the segment is
// never filled (spec §4.9: summaries are consulted "in order" for
// every segment newer than the last checkpoint, not only full ones).
func (w *Writer) writeSummaryLocked(now uint64) error {
	s := &Summary{
		Magic:      disk.SegmentSummaryMagic,
		SegmentID:  w.segmentID,
		Timestamp:  now,
		BlockCount: w.summaryBlocks + uint32(len(w.descriptors)),
		Blocks:     w.descriptors,
	}
	buf := s.Encode(w.summaryBlocks)
	base := w.sb.SegmentToBlock(w.segmentID, 0)
	if err := w.dev.WriteRange(base, buf); err != nil {
		return errors.Wrap(err, "segment: write summary")
	}
	return nil
}

// rotateLocked finalizes the current segment as full and allocates a
// fresh active one (spec §4.4 step 3). Caller holds w.mu.
func (w *Writer) rotateLocked(now uint64) error {
	w.table.MarkFull(w.segmentID, uint32(len(w.descriptors)), now)
	finished := w.segmentID
	finishedUsage := w.table.Get(finished)

	id, err := w.table.AllocActive(now)
	if err != nil {
		w.table.AbortCleaning(finished) // best effort: put it back to full, nothing else to undo
		return errors.Wrap(err, "segment: rotate: no free segment")
	}
	w.segmentID = id
	w.descriptors = w.descriptors[:0]

	if w.OnFull != nil {
		w.OnFull(finished, finishedUsage)
	}
	mlog.Printf2("segment/writer", "rotated segment %d -> %d", finished, id)
	return nil
}

// Sync fsyncs the underlying device, giving the caller a durability
// point after a batch of Append calls (spec §4.4, "a write is durable
// once ... fsync completes").
func (w *Writer) Sync() error {
	if err := w.dev.Sync(); err != nil {
		return errors.Wrap(lsferr.IO, err.Error())
	}
	return nil
}

// ForceRotate finalizes the active segment even though it is not
// full, used by an explicit checkpoint or unmount so the final
// partial segment still carries a complete, self-consistent summary
// and the segment table's bookkeeping matches what's on disk.
func (w *Writer) ForceRotate(now uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.descriptors) == 0 {
		return nil
	}
	return w.rotateLocked(now)
}

// PendingDescriptors returns a copy of the active segment's
// descriptor array. Checkpoints do not store it; after a restart,
// recovery rebuilds it from the on-disk summary for ResumeWriter.
func (w *Writer) PendingDescriptors() []BlockInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]BlockInfo, len(w.descriptors))
	copy(out, w.descriptors)
	return out
}
