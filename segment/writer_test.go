package segment

import (
	"testing"

	"github.com/stvp/assert"

	"github.com/lsfs-project/lsfs/disk"
)

func newTestDevice(t *testing.T, blocks uint64) disk.BlockDevice {
	t.Helper()
	dev, err := disk.Create(t.TempDir()+"/image", blocks)
	assert.Nil(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func newTestSuperblock(segBlocks uint32, totalSegments uint64) *disk.Superblock {
	return &disk.Superblock{
		LogStart:      10,
		SegmentBlocks: segBlocks,
		TotalSegments: totalSegments,
	}
}

func TestWriterAppendAndRead(t *testing.T) {
	const segBlocks = 16
	sb := newTestSuperblock(segBlocks, 4)
	dev := newTestDevice(t, sb.LogStart+segBlocks*4)
	payload := segBlocks - SummaryBlocks(segBlocks)
	table := NewTable(4, payload)

	w, err := NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)

	data := make([]byte, disk.BlockSize)
	data[0] = 0x42
	addr, err := w.Append(data, 5, 0, disk.BlockTypeData, 100)
	assert.Nil(t, err)

	got, err := dev.ReadBlock(addr)
	assert.Nil(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, uint32(1), table.Get(w.CurrentSegment()).LiveBlocks)
}

func TestWriterRotatesWhenFull(t *testing.T) {
	const segBlocks = 8
	sb := newTestSuperblock(segBlocks, 3)
	dev := newTestDevice(t, sb.LogStart+segBlocks*3)
	payload := segBlocks - SummaryBlocks(segBlocks)
	table := NewTable(3, payload)

	w, err := NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)
	first := w.CurrentSegment()

	var rotated bool
	w.OnFull = func(segmentID uint32, u Usage) {
		rotated = true
		assert.Equal(t, first, segmentID)
		assert.Equal(t, disk.SegmentFull, u.State)
	}

	data := make([]byte, disk.BlockSize)
	for i := uint32(0); i < payload+1; i++ {
		_, err := w.Append(data, 1, i, disk.BlockTypeData, uint64(100+i))
		assert.Nil(t, err)
	}

	assert.True(t, rotated)
	assert.True(t, w.CurrentSegment() != first)
	assert.Equal(t, disk.SegmentFull, table.Get(first).State)
}

func TestWriterForceRotateNoopWhenEmpty(t *testing.T) {
	const segBlocks = 8
	sb := newTestSuperblock(segBlocks, 2)
	dev := newTestDevice(t, sb.LogStart+segBlocks*2)
	payload := segBlocks - SummaryBlocks(segBlocks)
	table := NewTable(2, payload)

	w, err := NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)
	before := w.CurrentSegment()

	assert.Nil(t, w.ForceRotate(10))
	assert.Equal(t, before, w.CurrentSegment())
}

func TestWriterForceRotateFlushesPartialSegment(t *testing.T) {
	const segBlocks = 8
	sb := newTestSuperblock(segBlocks, 2)
	dev := newTestDevice(t, sb.LogStart+segBlocks*2)
	payload := segBlocks - SummaryBlocks(segBlocks)
	table := NewTable(2, payload)

	w, err := NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)
	first := w.CurrentSegment()

	data := make([]byte, disk.BlockSize)
	_, err = w.Append(data, 1, 0, disk.BlockTypeData, 10)
	assert.Nil(t, err)

	assert.Nil(t, w.ForceRotate(11))
	assert.Equal(t, disk.SegmentFull, table.Get(first).State)
	assert.True(t, w.CurrentSegment() != first)
	assert.Equal(t, 0, len(w.PendingDescriptors()))
}

func TestResumeWriterContinuesFromDescriptors(t *testing.T) {
	const segBlocks = 8
	sb := newTestSuperblock(segBlocks, 2)
	dev := newTestDevice(t, sb.LogStart+segBlocks*2)
	payload := segBlocks - SummaryBlocks(segBlocks)
	table := NewTable(2, payload)
	table.SetFromRecovery(0, disk.SegmentActive, 1, 1)

	descs := []BlockInfo{{Ino: 1, Index: 0, Type: disk.BlockTypeData}}
	w := ResumeWriter(sb, dev, table, 0, descs)
	assert.Equal(t, uint32(0), w.CurrentSegment())
	assert.Equal(t, descs, w.PendingDescriptors())

	data := make([]byte, disk.BlockSize)
	addr, err := w.Append(data, 1, 1, disk.BlockTypeData, 5)
	assert.Nil(t, err)
	assert.Equal(t, sb.SegmentToBlock(0, SummaryBlocks(segBlocks)+1), addr)
}
