// Package recovery is the crash-recovery roll-forward of spec §4.9:
// load the authoritative checkpoint, then replay every segment
// timestamped at or after it to bring the inode map and segment table
// up to date with what is actually on disk. Grounded on the original
// C lsfs_checkpoint_recover, restructured to use this module's own
// segment.Decode (which does not share the reference's summary
// truncation bug). Run does not emit the closing checkpoint itself;
// lfs.Mount writes it after Run returns.
package recovery

import (
	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/mlog"
	"github.com/lsfs-project/lsfs/segment"
)

// Result is what roll-forward discovered, handed back so the caller
// can build the segment writer and checkpoint manager over it.
type Result struct {
	Loaded         *checkpoint.Loaded
	ActiveSegment  uint32 // segment the writer should resume into
	ActiveDescs    []segment.BlockInfo
}

// Run loads the last valid checkpoint into im/table and then replays
// every newer segment (spec §4.9). now is the timestamp of the fresh
// active segment Run allocates when roll-forward finds no partially
// filled segment to resume.
func Run(sb *disk.Superblock, dev disk.BlockDevice, im *imap.Map, table *segment.Table, now uint64) (*Result, error) {
	loaded, err := checkpoint.Load(sb, dev)
	if err != nil {
		return nil, err
	}
	im.LoadFromEntries(loaded.Entries)
	for _, u := range loaded.Usage {
		table.SetFromRecovery(u.SegmentID, u.State, u.LiveBlocks, u.Timestamp)
	}
	sb.LogHead = loaded.Header.LogHead
	sb.ActiveCheckpoint = loaded.Region

	startSeg, _ := sb.BlockToSegment(sb.LogHead)
	lastCheckpointTS := loaded.Header.Timestamp

	mlog.Printf2("recovery/recovery", "rolling forward from segment %d (checkpoint ts %d)", startSeg, lastCheckpointTS)

	var active uint32
	var activeDescs []segment.BlockInfo
	found := false

	for seg := startSeg; uint64(seg) < sb.TotalSegments; seg++ {
		segStart := sb.SegmentToBlock(seg, 0)
		summaryBlocks := segment.SummaryBlocks(sb.SegmentBlocks)

		buf, err := dev.ReadRange(segStart, summaryBlocks)
		if err != nil {
			break
		}
		s, err := segment.Decode(buf, summaryBlocks)
		if err != nil {
			// Not a valid segment summary: either never written, or a
			// torn write from a crash mid-append. Either way the log
			// ends here.
			break
		}
		if s.Timestamp < lastCheckpointTS {
			break
		}

		for i, b := range s.Blocks {
			if b.Type == disk.BlockTypeInode && b.Ino > 0 {
				addr := segStart + uint64(summaryBlocks) + uint64(i)
				im.Set(b.Ino, addr)
			}
		}

		sb.LogHead = segStart + uint64(s.BlockCount)

		fullSegmentBlocks := sb.SegmentBlocks
		if s.BlockCount >= fullSegmentBlocks {
			table.SetFromRecovery(seg, disk.SegmentFull, uint32(len(s.Blocks)), s.Timestamp)
		} else {
			// Partial segment: this is where the writer should resume.
			table.SetFromRecovery(seg, disk.SegmentActive, uint32(len(s.Blocks)), s.Timestamp)
			active = seg
			activeDescs = s.Blocks
			found = true
		}
	}

	if !found {
		id, err := table.AllocActive(now)
		if err != nil {
			return nil, errors.Wrap(err, "recovery: no free segment to resume into")
		}
		active = id
	}

	mlog.Printf2("recovery/recovery", "recovery complete, log head at %d, active segment %d", sb.LogHead, active)

	return &Result{Loaded: loaded, ActiveSegment: active, ActiveDescs: activeDescs}, nil
}
