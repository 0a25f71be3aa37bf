package disk

import (
	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/lsferr"
)

// imapEntrySize and segUsageSize are duplicated here (rather than
// imported) to keep disk free of a dependency on imap/segment, which
// both depend on disk. They equal imap.EntrySize and
// segment.UsageSize; no test compares them.
const (
	imapEntrySize = 16
	segUsageSize  = 20
)

// blocksFor rounds nbytes up to a whole number of blocks.
func blocksFor(nbytes uint64) uint64 {
	return (nbytes + BlockSize - 1) / BlockSize
}

// NewGeometry lays out a fresh superblock's fixed regions (spec §3)
// for an image of totalBlocks blocks, recommended segmentBlocks per
// segment, and room for up to maxInodes live inodes in a checkpoint.
// Grounded on the original C mkfs geometry pass: superblock, two
// checkpoint regions (header + packed IMAP dump), the segment table,
// then as many whole segments as remain.
func NewGeometry(totalBlocks uint64, segmentBlocks uint32, maxInodes uint64) (*Superblock, error) {
	if totalBlocks < 64 {
		return nil, errors.Wrap(lsferr.Invalid, "disk: image too small")
	}
	checkpointBlocks := 1 + blocksFor(maxInodes*imapEntrySize)

	// Segment table sizing depends on segment count, which depends on
	// how many blocks remain after the table -- solve by fixed-point
	// iteration; it converges in at most two steps since segTableBlocks
	// changes by at most one block per totalSegments adjustment.
	segTableBlocks := uint64(1)
	var totalSegments uint64
	for i := 0; i < 8; i++ {
		overhead := uint64(1) + 2*checkpointBlocks + segTableBlocks
		if overhead >= totalBlocks {
			return nil, errors.Wrap(lsferr.Invalid, "disk: image too small for geometry")
		}
		totalSegments = (totalBlocks - overhead) / uint64(segmentBlocks)
		next := blocksFor(totalSegments * segUsageSize)
		if next == segTableBlocks {
			break
		}
		segTableBlocks = next
	}
	if totalSegments == 0 {
		return nil, errors.Wrap(lsferr.Invalid, "disk: image too small for a single segment")
	}

	sb := &Superblock{
		Magic:            SuperblockMagic,
		Version:          Version,
		BlockSize:        BlockSize,
		SegmentBlocks:    segmentBlocks,
		TotalBlocks:      totalBlocks,
		TotalSegments:    totalSegments,
		InodeCount:       maxInodes,
		CheckpointBlocks: checkpointBlocks,
		SegTableBlocks:   segTableBlocks,
	}
	sb.CheckpointRegion[0] = 1
	sb.CheckpointRegion[1] = sb.CheckpointRegion[0] + checkpointBlocks
	sb.SegTableStart = sb.CheckpointRegion[1] + checkpointBlocks
	sb.LogStart = sb.SegTableStart + segTableBlocks
	sb.LogHead = sb.LogStart
	sb.FreeSegments = totalSegments
	return sb, nil
}
