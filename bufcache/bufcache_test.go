package bufcache

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

func TestGetReadsThroughOnMiss(t *testing.T) {
	dev := newTestDevice(t, 8)
	data := make([]byte, disk.BlockSize)
	data[0] = 7
	assert.Nil(t, dev.WriteBlock(2, data))

	c := New(dev, 4)
	h, err := c.Get(2)
	assert.Nil(t, err)
	assert.Equal(t, data, h.Data())
	c.Put(h)
}

func TestMarkDirtyFlushesOnEvict(t *testing.T) {
	dev := newTestDevice(t, 8)
	c := New(dev, 1) // capacity 1 forces eviction on the next distinct Get

	h1, err := c.Get(0)
	assert.Nil(t, err)
	copy(h1.Data(), []byte{1, 2, 3})
	h1.MarkDirty()
	c.Put(h1)

	// A second distinct block evicts block 0 from the LRU, triggering write-back.
	h2, err := c.Get(1)
	assert.Nil(t, err)
	c.Put(h2)

	got, err := dev.ReadBlock(0)
	assert.Nil(t, err)
	assert.Equal(t, byte(1), got[0])
	assert.Equal(t, byte(2), got[1])
	assert.Equal(t, byte(3), got[2])
}

func TestFlushWritesBackDirtyBuffers(t *testing.T) {
	dev := newTestDevice(t, 8)
	c := New(dev, 4)

	h, err := c.Get(3)
	assert.Nil(t, err)
	copy(h.Data(), []byte{9, 9, 9})
	h.MarkDirty()
	// leave h pinned (no Put) to verify Flush covers pinned buffers too

	assert.Nil(t, c.Flush())
	got, err := dev.ReadBlock(3)
	assert.Nil(t, err)
	assert.Equal(t, byte(9), got[0])
	c.Put(h)
}

func TestInvalidateDropsWithoutWriteback(t *testing.T) {
	dev := newTestDevice(t, 8)
	c := New(dev, 4)

	h, err := c.Get(1)
	assert.Nil(t, err)
	copy(h.Data(), []byte{5, 5, 5})
	h.MarkDirty()
	c.Put(h)

	c.Invalidate(1)
	got, err := dev.ReadBlock(1)
	assert.Nil(t, err)
	assert.Equal(t, byte(0), got[0]) // never written back
}

func TestPinnedBuffersSharedAcrossGets(t *testing.T) {
	dev := newTestDevice(t, 8)
	c := New(dev, 4)

	h1, err := c.Get(0)
	assert.Nil(t, err)
	h2, err := c.Get(0)
	assert.Nil(t, err)
	assert.Equal(t, h1.Block(), h2.Block())
	c.Put(h1)
	c.Put(h2)
}
