package fileindex

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/segment"
)

func newTestDevice(t *testing.T, blocks uint64) disk.BlockDevice {
	t.Helper()
	dev, err := disk.Create(t.TempDir()+"/image", blocks)
	assert.Nil(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

type noopTracker struct{}

func (noopTracker) MarkBlockDead(uint64) {}

// newTestWriter builds a writer with enough segments that direct,
// single-indirect, and double-indirect paths can all be exercised
// without hitting out-of-space.
func newTestWriter(t *testing.T, segments int) (*segment.Writer, disk.BlockDevice) {
	t.Helper()
	const segBlocks = 256
	sb := &disk.Superblock{LogStart: 10, SegmentBlocks: segBlocks, TotalSegments: uint64(segments)}
	dev := newTestDevice(t, sb.LogStart+uint64(segBlocks)*uint64(segments))
	payload := segBlocks - segment.SummaryBlocks(segBlocks)
	table := segment.NewTable(segments, payload)
	w, err := segment.NewWriter(sb, dev, table, 1)
	assert.Nil(t, err)
	return w, dev
}

func blockOf(b byte) []byte {
	buf := make([]byte, disk.BlockSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// TestDirectBlockRoundTrip exercises a direct pointer slot.
func TestDirectBlockRoundTrip(t *testing.T) {
	w, dev := newTestWriter(t, 4)
	var tracker noopTracker
	rec := &inode.Record{Ino: 7}

	assert.Nil(t, Write(w, dev, tracker, rec, 3, blockOf(0xAB), 100))

	addr, err := Read(dev, rec, 3)
	assert.Nil(t, err)
	if addr == 0 {
		t.Fatalf("expected a non-zero address for a written direct block")
	}
	got, err := dev.ReadBlock(addr)
	assert.Nil(t, err)
	if !bytes.Equal(got, blockOf(0xAB)) {
		t.Fatalf("content mismatch on direct block")
	}
	if rec.BlockCount != 4 {
		t.Fatalf("BlockCount = %d, want 4", rec.BlockCount)
	}
}

// TestDirectBlockHoleReadsZero confirms an unwritten direct slot reads
// back as address zero (a hole).
func TestDirectBlockHoleReadsZero(t *testing.T) {
	rec := &inode.Record{Ino: 7}
	addr, err := Read(nil, rec, 5)
	assert.Nil(t, err)
	if addr != 0 {
		t.Fatalf("expected zero address for an unwritten direct slot, got %d", addr)
	}
}

// TestSingleIndirectRoundTrip writes block index just past the direct
// range, forcing a single-indirect pointer block to be materialized.
func TestSingleIndirectRoundTrip(t *testing.T) {
	w, dev := newTestWriter(t, 8)
	var tracker noopTracker
	rec := &inode.Record{Ino: 9}

	k := uint64(directCount + 2)
	assert.Nil(t, Write(w, dev, tracker, rec, k, blockOf(0x11), 100))
	if rec.Indirect == 0 {
		t.Fatalf("expected a single-indirect pointer block to be allocated")
	}

	addr, err := Read(dev, rec, k)
	assert.Nil(t, err)
	got, err := dev.ReadBlock(addr)
	assert.Nil(t, err)
	if !bytes.Equal(got, blockOf(0x11)) {
		t.Fatalf("content mismatch via single-indirect path")
	}

	// Overwriting the same index must retire the old data block and
	// the old indirect block, and reflect the new content on read.
	oldIndirect := rec.Indirect
	assert.Nil(t, Write(w, dev, tracker, rec, k, blockOf(0x22), 101))
	if rec.Indirect == oldIndirect {
		t.Fatalf("expected a fresh indirect block address on overwrite (no in-place rewrite)")
	}
	addr2, err := Read(dev, rec, k)
	assert.Nil(t, err)
	got2, err := dev.ReadBlock(addr2)
	assert.Nil(t, err)
	if !bytes.Equal(got2, blockOf(0x22)) {
		t.Fatalf("content mismatch after overwrite via single-indirect path")
	}
}

// TestDoubleIndirectRoundTrip writes an index well past the
// single-indirect range.
func TestDoubleIndirectRoundTrip(t *testing.T) {
	w, dev := newTestWriter(t, 64)
	var tracker noopTracker
	rec := &inode.Record{Ino: 11}

	k := uint64(singleEndIdx + 3)
	assert.Nil(t, Write(w, dev, tracker, rec, k, blockOf(0x33), 100))
	if rec.DoubleIndirect == 0 {
		t.Fatalf("expected a double-indirect pointer block to be allocated")
	}

	addr, err := Read(dev, rec, k)
	assert.Nil(t, err)
	got, err := dev.ReadBlock(addr)
	assert.Nil(t, err)
	if !bytes.Equal(got, blockOf(0x33)) {
		t.Fatalf("content mismatch via double-indirect path")
	}
}

// TestRepointDoesNotReappendData confirms Repoint only rewrites the
// pointer chain, for the GC relocation path (spec §4.10 clean() step
// 4: "append a copy ... update the IMAP ... or the owning inode's
// pointer").
func TestRepointDoesNotReappendData(t *testing.T) {
	w, dev := newTestWriter(t, 8)
	var tracker noopTracker
	rec := &inode.Record{Ino: 13}

	k := uint64(directCount + 1)
	assert.Nil(t, Write(w, dev, tracker, rec, k, blockOf(0x44), 100))
	oldIndirect := rec.Indirect

	const relocated = 999999 // a synthetic address standing in for a GC-relocated copy
	assert.Nil(t, Repoint(w, dev, tracker, rec, k, relocated, 200))
	if rec.Indirect == oldIndirect {
		t.Fatalf("Repoint should rewrite the indirect block to point at the new address")
	}

	addr, err := Read(dev, rec, k)
	assert.Nil(t, err)
	if addr != relocated {
		t.Fatalf("Read after Repoint = %d, want %d", addr, relocated)
	}
}
