package recovery

import (
	"testing"

	"github.com/stvp/assert"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/segment"
)

func newTestEnv(t *testing.T) (*disk.Superblock, disk.BlockDevice, *imap.Map, *segment.Table, *segment.Writer) {
	t.Helper()
	sb, err := disk.NewGeometry(4096, 64, 256)
	assert.Nil(t, err)

	dev, err := disk.Create(t.TempDir()+"/image", sb.TotalBlocks)
	assert.Nil(t, err)
	t.Cleanup(func() { dev.Close() })
	assert.Nil(t, dev.WriteBlock(disk.SuperblockBlock, sb.Encode()))

	payload := sb.SegmentBlocks - segment.SummaryBlocks(sb.SegmentBlocks)
	table := segment.NewTable(int(sb.TotalSegments), payload)
	w, err := segment.NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)

	im := imap.New(uint32(sb.InodeCount))
	return sb, dev, im, table, w
}

// TestRunReplaysSegmentsAfterCheckpoint writes a checkpoint, appends a
// further inode block without ever checkpointing again, and confirms
// Run's roll-forward (spec §4.9) picks the new block up into the
// inode map and resumes the writer in the now-partial segment.
func TestRunReplaysSegmentsAfterCheckpoint(t *testing.T) {
	sb, dev, im, table, w := newTestEnv(t)

	im.Set(5, 111)
	m := checkpoint.NewManager(sb, dev, im, table, w)
	assert.Nil(t, m.Write(1000))

	block := make([]byte, disk.BlockSize)
	addr, err := w.Append(block, 77, 0, disk.BlockTypeInode, 1001)
	assert.Nil(t, err)
	assert.Nil(t, w.Sync())

	// Fresh in-memory state, as a remount after an unclean shutdown
	// would start with.
	sb2, err := disk.NewGeometry(4096, 64, 256)
	assert.Nil(t, err)
	buf, err := dev.ReadBlock(disk.SuperblockBlock)
	assert.Nil(t, err)
	assert.Nil(t, sb2.Decode(buf))

	im2 := imap.New(uint32(sb2.InodeCount))
	payload := sb2.SegmentBlocks - segment.SummaryBlocks(sb2.SegmentBlocks)
	table2 := segment.NewTable(int(sb2.TotalSegments), payload)

	res, err := Run(sb2, dev, im2, table2, 2000)
	assert.Nil(t, err)

	entry, err := im2.Get(5)
	assert.Nil(t, err)
	if entry.Location == 0 {
		t.Fatalf("checkpoint-era entry for ino 5 should have survived recovery")
	}

	replayed, err := im2.Get(77)
	assert.Nil(t, err)
	if replayed.Location != addr {
		t.Fatalf("Get(77).Location = %d, want %d (the block appended after the checkpoint)", replayed.Location, addr)
	}

	found := false
	for _, d := range res.ActiveDescs {
		if d.Ino == 77 {
			found = true
		}
	}
	if !found {
		t.Fatalf("recovered active segment descriptors should include the replayed block")
	}
}

// TestRunAllocsFreshActiveWhenLogEndsOnBoundary confirms recovery
// falls back to allocating a new active segment when the log head
// lands exactly on a segment boundary (no partial segment to resume).
func TestRunAllocsFreshActiveWhenLogEndsOnBoundary(t *testing.T) {
	sb, dev, im, table, w := newTestEnv(t)
	_ = w

	m := checkpoint.NewManager(sb, dev, im, table, w)
	assert.Nil(t, m.Write(1000))

	sb2, err := disk.NewGeometry(4096, 64, 256)
	assert.Nil(t, err)
	buf, err := dev.ReadBlock(disk.SuperblockBlock)
	assert.Nil(t, err)
	assert.Nil(t, sb2.Decode(buf))

	im2 := imap.New(uint32(sb2.InodeCount))
	payload := sb2.SegmentBlocks - segment.SummaryBlocks(sb2.SegmentBlocks)
	table2 := segment.NewTable(int(sb2.TotalSegments), payload)

	res, err := Run(sb2, dev, im2, table2, 2000)
	assert.Nil(t, err)
	if len(res.ActiveDescs) != 0 {
		t.Fatalf("expected no partial segment to resume into, got %d descriptors", len(res.ActiveDescs))
	}
}
