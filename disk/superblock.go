package disk

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/lsferr"
)

// Superblock is the bit-exact, little-endian, 4096-byte block-0
// record described in spec §6. Every other component computes its
// offsets from these fields rather than from package constants
// directly, so a differently-geometried image still mounts correctly.
type Superblock struct {
	Magic            uint32
	Version          uint32
	BlockSize        uint32
	SegmentBlocks    uint32
	TotalBlocks      uint64
	TotalSegments    uint64
	InodeCount       uint64
	CheckpointRegion [2]uint64 // block address of region 0 and region 1
	CheckpointBlocks uint64    // size in blocks of a single checkpoint region
	ActiveCheckpoint uint32    // 0 or 1
	SegTableStart    uint64
	SegTableBlocks   uint64
	LogStart         uint64 // first block of segment 0, fixed at format time
	LogHead          uint64 // next block at which a new segment begins
	FreeSegments     uint64
	UUID             [16]byte
	CreatedAtNs      uint64
	MountedAtNs      uint64
	MountCount       uint32
	Clean            uint32 // 1 = clean shutdown, 0 = dirty (needs recovery)
}

// Layout offsets within the 4096-byte block.
const (
	sbOffMagic            = 0
	sbOffVersion          = 4
	sbOffBlockSize        = 8
	sbOffSegmentBlocks    = 12
	sbOffTotalBlocks      = 16
	sbOffTotalSegments    = 24
	sbOffInodeCount       = 32
	sbOffCheckpointRegion = 40 // 2 x uint64
	sbOffCheckpointBlocks = 56
	sbOffActiveCheckpoint = 64
	sbOffSegTableStart    = 72
	sbOffSegTableBlocks   = 80
	sbOffLogStart         = 88
	sbOffLogHead          = 96
	sbOffFreeSegments     = 104
	sbOffUUID             = 112 // 16 bytes
	sbOffCreatedAt        = 128
	sbOffMountedAt        = 136
	sbOffMountCount       = 144
	sbOffClean            = 148
)

// Encode writes the superblock into a freshly zeroed block-sized
// buffer.
func (s *Superblock) Encode() []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[sbOffMagic:], s.Magic)
	le.PutUint32(buf[sbOffVersion:], s.Version)
	le.PutUint32(buf[sbOffBlockSize:], s.BlockSize)
	le.PutUint32(buf[sbOffSegmentBlocks:], s.SegmentBlocks)
	le.PutUint64(buf[sbOffTotalBlocks:], s.TotalBlocks)
	le.PutUint64(buf[sbOffTotalSegments:], s.TotalSegments)
	le.PutUint64(buf[sbOffInodeCount:], s.InodeCount)
	le.PutUint64(buf[sbOffCheckpointRegion:], s.CheckpointRegion[0])
	le.PutUint64(buf[sbOffCheckpointRegion+8:], s.CheckpointRegion[1])
	le.PutUint64(buf[sbOffCheckpointBlocks:], s.CheckpointBlocks)
	le.PutUint32(buf[sbOffActiveCheckpoint:], s.ActiveCheckpoint)
	le.PutUint64(buf[sbOffSegTableStart:], s.SegTableStart)
	le.PutUint64(buf[sbOffSegTableBlocks:], s.SegTableBlocks)
	le.PutUint64(buf[sbOffLogStart:], s.LogStart)
	le.PutUint64(buf[sbOffLogHead:], s.LogHead)
	le.PutUint64(buf[sbOffFreeSegments:], s.FreeSegments)
	copy(buf[sbOffUUID:sbOffUUID+16], s.UUID[:])
	le.PutUint64(buf[sbOffCreatedAt:], s.CreatedAtNs)
	le.PutUint64(buf[sbOffMountedAt:], s.MountedAtNs)
	le.PutUint32(buf[sbOffMountCount:], s.MountCount)
	le.PutUint32(buf[sbOffClean:], s.Clean)
	return buf
}

// Decode parses a block-sized buffer into s, validating the magic.
func (s *Superblock) Decode(buf []byte) error {
	if len(buf) < BlockSize {
		return errors.Wrap(lsferr.Corrupt, "superblock: short buffer")
	}
	le := binary.LittleEndian
	s.Magic = le.Uint32(buf[sbOffMagic:])
	if s.Magic != SuperblockMagic {
		return errors.Wrap(lsferr.Corrupt, "superblock: bad magic")
	}
	s.Version = le.Uint32(buf[sbOffVersion:])
	s.BlockSize = le.Uint32(buf[sbOffBlockSize:])
	s.SegmentBlocks = le.Uint32(buf[sbOffSegmentBlocks:])
	s.TotalBlocks = le.Uint64(buf[sbOffTotalBlocks:])
	s.TotalSegments = le.Uint64(buf[sbOffTotalSegments:])
	s.InodeCount = le.Uint64(buf[sbOffInodeCount:])
	s.CheckpointRegion[0] = le.Uint64(buf[sbOffCheckpointRegion:])
	s.CheckpointRegion[1] = le.Uint64(buf[sbOffCheckpointRegion+8:])
	s.CheckpointBlocks = le.Uint64(buf[sbOffCheckpointBlocks:])
	s.ActiveCheckpoint = le.Uint32(buf[sbOffActiveCheckpoint:])
	s.SegTableStart = le.Uint64(buf[sbOffSegTableStart:])
	s.SegTableBlocks = le.Uint64(buf[sbOffSegTableBlocks:])
	s.LogStart = le.Uint64(buf[sbOffLogStart:])
	s.LogHead = le.Uint64(buf[sbOffLogHead:])
	s.FreeSegments = le.Uint64(buf[sbOffFreeSegments:])
	copy(s.UUID[:], buf[sbOffUUID:sbOffUUID+16])
	s.CreatedAtNs = le.Uint64(buf[sbOffCreatedAt:])
	s.MountedAtNs = le.Uint64(buf[sbOffMountedAt:])
	s.MountCount = le.Uint32(buf[sbOffMountCount:])
	s.Clean = le.Uint32(buf[sbOffClean:])
	return nil
}

// NewUUID produces a fresh filesystem identity for the formatter.
func NewUUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

// InactiveCheckpointBlock returns the absolute block address of the
// checkpoint region the checkpoint manager should write the next
// checkpoint into (spec §4.8 step 2).
func (s *Superblock) InactiveCheckpointBlock() uint64 {
	return s.CheckpointRegion[1-s.ActiveCheckpoint]
}

func (s *Superblock) ActiveCheckpointBlock() uint64 {
	return s.CheckpointRegion[s.ActiveCheckpoint]
}

// SegmentToBlock/BlockToSegment translate between a segment id
// (+intra-segment offset) and an absolute block address, honoring the
// superblock's own geometry rather than package constants (spec §4.4
// footnote in §3: "all offsets are computed from constants in the
// superblock, not hard-coded across components").
func (s *Superblock) SegmentToBlock(segmentID uint32, offset uint32) uint64 {
	return s.LogStart + uint64(segmentID)*uint64(s.SegmentBlocks) + uint64(offset)
}

func (s *Superblock) BlockToSegment(block uint64) (segmentID uint32, offset uint32) {
	if block < s.LogStart {
		return 0, 0
	}
	rel := block - s.LogStart
	return uint32(rel / uint64(s.SegmentBlocks)), uint32(rel % uint64(s.SegmentBlocks))
}
