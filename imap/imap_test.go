package imap

import (
	"testing"

	"github.com/stvp/assert"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
)

func TestNewStartsPastRoot(t *testing.T) {
	m := New(1000)
	ino, err := m.AllocIno()
	assert.Nil(t, err)
	assert.True(t, ino != disk.RootIno)
	assert.Equal(t, uint32(disk.RootIno+1), ino)
}

func TestSetGetRemove(t *testing.T) {
	m := New(1000)
	e := m.Set(5, 42)
	assert.Equal(t, uint32(1), e.Version)
	assert.Equal(t, uint64(42), e.Location)

	got, err := m.Get(5)
	assert.Nil(t, err)
	assert.Equal(t, uint64(42), got.Location)

	// overwrite bumps version monotonically
	e2 := m.Set(5, 99)
	assert.Equal(t, uint32(2), e2.Version)
	got2, err := m.Get(5)
	assert.Nil(t, err)
	assert.Equal(t, uint64(99), got2.Location)
	assert.Equal(t, uint32(2), got2.Version)

	m.Remove(5)
	_, err = m.Get(5)
	assert.True(t, lsferr.Is(err, lsferr.NoEnt))
}

func TestEntriesStaySorted(t *testing.T) {
	m := New(1000)
	for _, ino := range []uint32{50, 10, 30, 20, 40} {
		m.Set(ino, uint64(ino)*10)
	}
	entries := m.Entries()
	assert.Equal(t, 5, len(entries))
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].Ino < entries[i].Ino)
	}
	assert.Equal(t, 5, m.Count())
}

func TestAllocInoWraparoundScan(t *testing.T) {
	m := New(disk.RootIno + 4) // ceiling leaves room for 2,3,4 -- but Ino(2) is nextIno already
	first, err := m.AllocIno()
	assert.Nil(t, err)
	assert.Equal(t, uint32(disk.RootIno+1), first)

	second, err := m.AllocIno()
	assert.Nil(t, err)
	assert.Equal(t, uint32(disk.RootIno+2), second)

	third, err := m.AllocIno()
	assert.Nil(t, err)
	assert.Equal(t, uint32(disk.RootIno+3), third)

	// ceiling reached: nextIno == ceiling now, must scan for a freed hole
	m.Set(first, 10)
	m.Set(second, 11)
	m.Set(third, 12)
	m.Remove(second)
	reused, err := m.AllocIno()
	assert.Nil(t, err)
	assert.Equal(t, second, reused)
}

func TestAllocInoExhausted(t *testing.T) {
	m := New(disk.RootIno + 2)
	ino, err := m.AllocIno()
	assert.Nil(t, err)
	m.Set(ino, 10)
	_, err = m.AllocIno()
	assert.True(t, lsferr.Is(err, lsferr.NoSpace))
}

func TestEncodeDecodeEntries(t *testing.T) {
	entries := []Entry{
		{Ino: 2, Version: 1, Location: 100},
		{Ino: 3, Version: 4, Location: 200},
		{Ino: 9, Version: 7, Location: 9999},
	}
	buf := EncodeEntries(entries)
	assert.Equal(t, len(entries)*EntrySize, len(buf))

	got, err := DecodeEntries(buf, len(entries))
	assert.Nil(t, err)
	assert.Equal(t, entries, got)
}

func TestDecodeEntriesShortBuffer(t *testing.T) {
	_, err := DecodeEntries(make([]byte, 4), 1)
	assert.True(t, lsferr.Is(err, lsferr.Corrupt))
}

func TestLoadFromEntriesAdvancesNextIno(t *testing.T) {
	m := New(10000)
	m.LoadFromEntries([]Entry{
		{Ino: 1, Version: 1, Location: 10},
		{Ino: 500, Version: 1, Location: 20},
	})
	assert.Equal(t, 2, m.Count())

	fresh, err := m.AllocIno()
	assert.Nil(t, err)
	assert.True(t, fresh > 500)
}
