package disk

import (
	"testing"

	"github.com/stvp/assert"
)

func TestCreateOpenReadWriteBlock(t *testing.T) {
	path := t.TempDir() + "/image"
	dev, err := Create(path, 16)
	assert.Nil(t, err)
	assert.Equal(t, uint64(16), dev.Blocks())
	assert.False(t, dev.ReadOnly())

	block := make([]byte, BlockSize)
	for i := range block {
		block[i] = byte(i)
	}
	assert.Nil(t, dev.WriteBlock(3, block))
	assert.Nil(t, dev.Sync())
	assert.Nil(t, dev.Close())

	reopened, err := Open(path, true)
	assert.Nil(t, err)
	defer reopened.Close()
	assert.True(t, reopened.ReadOnly())

	got, err := reopened.ReadBlock(3)
	assert.Nil(t, err)
	assert.Equal(t, block, got)

	zero, err := reopened.ReadBlock(0)
	assert.Nil(t, err)
	assert.Equal(t, make([]byte, BlockSize), zero)
}

func TestReadOnlyDeviceRejectsWrites(t *testing.T) {
	path := t.TempDir() + "/image"
	dev, err := Create(path, 4)
	assert.Nil(t, err)
	assert.Nil(t, dev.Close())

	ro, err := Open(path, true)
	assert.Nil(t, err)
	defer ro.Close()

	err = ro.WriteBlock(0, make([]byte, BlockSize))
	assert.True(t, err != nil)
	assert.Nil(t, ro.Sync())
}

func TestRangeOutOfBoundsErrors(t *testing.T) {
	path := t.TempDir() + "/image"
	dev, err := Create(path, 4)
	assert.Nil(t, err)
	defer dev.Close()

	_, err = dev.ReadRange(2, 10)
	assert.True(t, err != nil)

	err = dev.WriteRange(2, make([]byte, BlockSize*10))
	assert.True(t, err != nil)
}

func TestWriteBlockRejectsWrongSize(t *testing.T) {
	path := t.TempDir() + "/image"
	dev, err := Create(path, 4)
	assert.Nil(t, err)
	defer dev.Close()

	err = dev.WriteBlock(0, make([]byte, BlockSize-1))
	assert.True(t, err != nil)
}

func TestReadRangeMultipleBlocks(t *testing.T) {
	path := t.TempDir() + "/image"
	dev, err := Create(path, 8)
	assert.Nil(t, err)
	defer dev.Close()

	data := make([]byte, BlockSize*3)
	for i := range data {
		data[i] = byte(i % 251)
	}
	assert.Nil(t, dev.WriteRange(2, data))

	got, err := dev.ReadRange(2, 3)
	assert.Nil(t, err)
	assert.Equal(t, data, got)
}
