package checkpoint

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
	"github.com/lsfs-project/lsfs/segment"
)

// Default trigger thresholds (spec §4.8 "Trigger").
const (
	DefaultWriteInterval = 100
	DefaultTimeIntervalS  = 30
)

// Manager owns the checkpoint protocol: it does not own the
// superblock, inode map, segment table, or segment writer, only
// orchestrates writing/loading their persisted forms (spec §4.8).
type Manager struct {
	mu sync.Mutex

	sb     *disk.Superblock
	dev    disk.BlockDevice
	imap   *imap.Map
	table  *segment.Table
	writer *segment.Writer

	sequence           uint64
	writesSinceCkpt    uint64
	lastCheckpointTime uint64
}

func NewManager(sb *disk.Superblock, dev disk.BlockDevice, im *imap.Map, table *segment.Table, writer *segment.Writer) *Manager {
	return &Manager{sb: sb, dev: dev, imap: im, table: table, writer: writer}
}

// NoteWrite increments the writes-since-checkpoint counter; the
// segment writer's OnFull hook calls this once per finalized segment.
func (m *Manager) NoteWrite() {
	m.mu.Lock()
	m.writesSinceCkpt++
	m.mu.Unlock()
}

// Needed reports whether the write-count or wall-clock trigger has
// fired (spec §4.8 "Trigger").
func (m *Manager) Needed(now uint64, writeInterval uint64, timeIntervalS uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writesSinceCkpt >= writeInterval {
		return true
	}
	return now-m.lastCheckpointTime >= timeIntervalS
}

// Write executes the 8-step checkpoint protocol of spec §4.8.
func (m *Manager) Write(now uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: force the segment writer to flush any partial segment.
	if err := m.writer.ForceRotate(now); err != nil {
		return errors.Wrap(err, "checkpoint: force rotate")
	}

	// Step 2: pick the inactive region, bump sequence past every valid
	// header already on disk (a Manager built at mount starts at zero).
	region := 1 - m.sb.ActiveCheckpoint
	regionBlock := m.sb.CheckpointRegion[region]
	for _, blk := range m.sb.CheckpointRegion {
		if buf, err := m.dev.ReadBlock(blk); err == nil {
			if prev, ok := Valid(buf); ok && prev.Sequence > m.sequence {
				m.sequence = prev.Sequence
			}
		}
	}
	m.sequence++

	entries := m.imap.Entries()
	usage := m.table.Snapshot()

	h := &Header{
		Magic:          disk.CheckpointMagic,
		Version:        disk.Version,
		Sequence:       m.sequence,
		Timestamp:      now,
		LogHead:        m.sb.LogHead,
		ImapEntries:    uint32(len(entries)),
		SegmentEntries: uint32(len(usage)),
		Complete:       0,
	}

	// Step 3: write header (incomplete), then IMAP, then segment table.
	if err := m.dev.WriteBlock(regionBlock, h.Encode()); err != nil {
		return errors.Wrap(err, "checkpoint: write header")
	}
	imapBuf := imap.EncodeEntries(entries)
	if len(imapBuf) > 0 {
		if err := m.dev.WriteRange(regionBlock+1, padToBlocks(imapBuf)); err != nil {
			return errors.Wrap(err, "checkpoint: write imap")
		}
	}
	segBuf := segment.Encode(usage)
	if len(segBuf) > 0 {
		if err := m.dev.WriteRange(m.sb.SegTableStart, padToBlocks(segBuf)); err != nil {
			return errors.Wrap(err, "checkpoint: write segment table")
		}
	}

	// Step 4: sync.
	if err := m.dev.Sync(); err != nil {
		return errors.Wrap(err, "checkpoint: sync after data")
	}

	// Step 5: rewrite header with complete = 1.
	h.Complete = 1
	if err := m.dev.WriteBlock(regionBlock, h.Encode()); err != nil {
		return errors.Wrap(err, "checkpoint: write complete header")
	}

	// Step 6: sync.
	if err := m.dev.Sync(); err != nil {
		return errors.Wrap(err, "checkpoint: sync after completion")
	}

	// Step 7: update and write the superblock.
	var free uint64
	for _, u := range usage {
		if u.State == disk.SegmentFree {
			free++
		}
	}
	m.sb.FreeSegments = free
	m.sb.ActiveCheckpoint = region
	m.sb.LogHead = m.sb.SegmentToBlock(m.writer.CurrentSegment(), 0)
	if err := m.dev.WriteBlock(disk.SuperblockBlock, m.sb.Encode()); err != nil {
		return errors.Wrap(err, "checkpoint: write superblock")
	}

	// Step 8: sync.
	if err := m.dev.Sync(); err != nil {
		return errors.Wrap(err, "checkpoint: final sync")
	}

	m.lastCheckpointTime = now
	m.writesSinceCkpt = 0
	mlog.Printf2("checkpoint/manager", "wrote checkpoint seq=%d region=%d", m.sequence, region)
	return nil
}

func padToBlocks(buf []byte) []byte {
	rem := len(buf) % disk.BlockSize
	if rem == 0 {
		return buf
	}
	out := make([]byte, len(buf)+disk.BlockSize-rem)
	copy(out, buf)
	return out
}

// Loaded is the result of reading the authoritative checkpoint.
type Loaded struct {
	Header  *Header
	Region  uint32
	Entries []imap.Entry
	Usage   []segment.Usage
}

// Load reads both checkpoint regions and returns the authoritative
// one: if both are complete, the higher sequence wins regardless of
// which the superblock names (spec §4.8).
func Load(sb *disk.Superblock, dev disk.BlockDevice) (*Loaded, error) {
	var headers [2]*Header
	var ok [2]bool
	for i := 0; i < 2; i++ {
		buf, err := dev.ReadBlock(sb.CheckpointRegion[i])
		if err != nil {
			continue
		}
		h, valid := Valid(buf)
		headers[i] = h
		ok[i] = valid
	}

	var best int
	switch {
	case ok[0] && ok[1]:
		if headers[0].Sequence >= headers[1].Sequence {
			best = 0
		} else {
			best = 1
		}
	case ok[0]:
		best = 0
	case ok[1]:
		best = 1
	default:
		return nil, errors.Wrap(lsferr.Corrupt, "checkpoint: no valid checkpoint found")
	}

	h := headers[best]
	regionBlock := sb.CheckpointRegion[best]

	var entries []imap.Entry
	if h.ImapEntries > 0 {
		buf, err := dev.ReadRange(regionBlock+1, blocksFor(int(h.ImapEntries)*imap.EntrySize))
		if err != nil {
			return nil, errors.Wrap(err, "checkpoint: read imap")
		}
		entries, err = imap.DecodeEntries(buf, int(h.ImapEntries))
		if err != nil {
			return nil, err
		}
	}

	var usage []segment.Usage
	if h.SegmentEntries > 0 {
		buf, err := dev.ReadRange(sb.SegTableStart, blocksFor(int(h.SegmentEntries)*segment.UsageSize))
		if err != nil {
			return nil, errors.Wrap(err, "checkpoint: read segment table")
		}
		usage, err = segment.Decode2(buf, int(h.SegmentEntries))
		if err != nil {
			return nil, err
		}
	}

	return &Loaded{Header: h, Region: uint32(best), Entries: entries, Usage: usage}, nil
}

func blocksFor(nbytes int) uint32 {
	return uint32((nbytes + disk.BlockSize - 1) / disk.BlockSize)
}
