// Package imap is the inode map of spec §4.3: the authoritative,
// sorted ino -> (version, location) index consulted by every inode
// fetch and updated by every inode or data write. Grounded on the
// original C lsfs_imap (binary search over a sorted array) and on the
// teacher's storage/tree sorted LocationSlice idiom, generalized from
// content-addressed blocks to a dense integer key.
package imap

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
)

// Entry is one inode map record (spec §3).
type Entry struct {
	Ino      uint32
	Version  uint32
	Location uint64
}

const entrySize = 16 // 4 + 4 + 8, packed

// Map is the in-memory inode map: a sorted slice with a
// reader-writer lock (spec §4.3 concurrency model: readers parallel,
// writers exclusive).
type Map struct {
	mu      sync.RWMutex
	entries []Entry // kept sorted by Ino
	nextIno uint32
	ceiling uint32
}

// New builds an empty map whose inode numbers start just past
// disk.RootIno, and whose allocator will not exceed ceiling (the
// superblock's inode capacity).
func New(ceiling uint32) *Map {
	return &Map{nextIno: disk.RootIno + 1, ceiling: ceiling}
}

func (m *Map) find(ino uint32) int {
	return sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Ino >= ino })
}

// Get returns the current entry for ino, or lsferr.NoEnt.
func (m *Map) Get(ino uint32) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.find(ino)
	if i < len(m.entries) && m.entries[i].Ino == ino {
		return m.entries[i], nil
	}
	return Entry{}, errors.Wrapf(lsferr.NoEnt, "imap: no entry for ino %d", ino)
}

// Set installs or overwrites the entry for ino, bumping version
// monotonically (spec §9 "stale-detection versioning").
func (m *Map) Set(ino uint32, location uint64) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(ino)
	if i < len(m.entries) && m.entries[i].Ino == ino {
		m.entries[i].Version++
		m.entries[i].Location = location
		return m.entries[i]
	}
	e := Entry{Ino: ino, Version: 1, Location: location}
	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	mlog.Printf2("imap/imap", "Set inserted ino %d at %d", ino, location)
	return e
}

// Remove deletes the entry for ino, if present (spec §3 inode
// lifecycle: IMAP entry removed once nlink and refcount both hit
// zero).
func (m *Map) Remove(ino uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(ino)
	if i < len(m.entries) && m.entries[i].Ino == ino {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
}

// AllocIno returns a fresh inode number. The common case is a
// monotonic counter; once it saturates the ceiling, a linear scan
// finds the lowest unused value below the ceiling (spec §4.3).
func (m *Map) AllocIno() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextIno < m.ceiling {
		ino := m.nextIno
		m.nextIno++
		return ino, nil
	}
	used := make(map[uint32]bool, len(m.entries))
	for _, e := range m.entries {
		used[e.Ino] = true
	}
	for ino := uint32(disk.RootIno + 1); ino < m.ceiling; ino++ {
		if !used[ino] {
			return ino, nil
		}
	}
	return 0, errors.Wrap(lsferr.NoSpace, "imap: inode space exhausted")
}

// Count is the number of live entries.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns a snapshot copy of the sorted entries, for
// checkpoint persistence.
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// EncodeEntries packs entries contiguously, little-endian, for
// writing to the checkpoint region (spec §4.3 "persist").
func EncodeEntries(entries []Entry) []byte {
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		off := i * entrySize
		binary.LittleEndian.PutUint32(buf[off:], e.Ino)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Version)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Location)
	}
	return buf
}

// DecodeEntries unpacks count entries from buf.
func DecodeEntries(buf []byte, count int) ([]Entry, error) {
	if len(buf) < count*entrySize {
		return nil, errors.Wrap(lsferr.Corrupt, "imap: short checkpoint buffer")
	}
	out := make([]Entry, count)
	for i := 0; i < count; i++ {
		off := i * entrySize
		out[i] = Entry{
			Ino:      binary.LittleEndian.Uint32(buf[off:]),
			Version:  binary.LittleEndian.Uint32(buf[off+4:]),
			Location: binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}
	return out, nil
}

// LoadFromEntries replaces the map's contents with entries, which
// must already be sorted by Ino (true of both a checkpoint dump and
// recovery's roll-forward accumulation). It also advances nextIno
// past the highest ino seen so freshly-allocated inodes never
// collide with a loaded one.
func (m *Map) LoadFromEntries(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	for _, e := range entries {
		if e.Ino >= m.nextIno {
			m.nextIno = e.Ino + 1
		}
	}
}

// EntrySize is exported for callers sizing checkpoint regions.
const EntrySize = entrySize
