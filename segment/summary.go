// Package segment is the segment table and segment writer of spec
// §4.4 and §4.10's §3 data model: the in-memory staging buffer that
// accumulates blocks for the single globally-active segment, the
// on-disk summary stamped into its leading block(s), and the
// per-segment state table the cleaner and recovery both consult.
// Grounded directly on the original C segment.c state machine
// (lsfs_segment_append_block / lsfs_segment_flush).
package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
)

// BlockInfo is one per-block descriptor within a segment summary
// (spec §3).
type BlockInfo struct {
	Ino   uint32
	Index uint32 // intra-file block index, or indirection level marker
	Type  disk.BlockType
}

const blockInfoSize = 12 // 4 + 4 + 1 + 3 reserved
const summaryHeaderSize = 24

// SummaryBlocks returns how many leading blocks of a segBlocks-sized
// segment must be reserved for the header plus one descriptor per
// remaining payload block. At the recommended 4KiB block size and
// 1024-block segment, a single-block summary (spec's literal "first
// block is the segment summary") cannot hold 1023 twelve-byte
// descriptors; rather than silently truncate descriptors the way the
// reference implementation does, the summary is allowed to span
// however many leading blocks it needs.
func SummaryBlocks(segBlocks uint32) uint32 {
	// Solve for the smallest s such that the payload (segBlocks-s)
	// descriptors fit within s blocks of header+array.
	for s := uint32(1); s < segBlocks; s++ {
		payload := segBlocks - s
		need := summaryHeaderSize + int(payload)*blockInfoSize
		if need <= int(s)*disk.BlockSize {
			return s
		}
	}
	return segBlocks
}

// Summary is the decoded form of a segment's leading metadata blocks.
type Summary struct {
	Magic      uint32
	SegmentID  uint32
	Timestamp  uint64
	BlockCount uint32 // total blocks used in the segment, including the summary
	Checksum   uint32
	Blocks     []BlockInfo // one entry per payload block (len == BlockCount - SummaryBlocks)
}

// Encode packs the summary into exactly summaryBlocks*BlockSize
// bytes, little-endian, with Checksum computed over the record with
// the checksum field itself zeroed (spec §9 decision: CRC32 now
// populated where the reference left it at zero).
func (s *Summary) Encode(summaryBlocks uint32) []byte {
	buf := make([]byte, int(summaryBlocks)*disk.BlockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], s.Magic)
	le.PutUint32(buf[4:], s.SegmentID)
	le.PutUint64(buf[8:], s.Timestamp)
	le.PutUint32(buf[16:], s.BlockCount)
	le.PutUint32(buf[20:], 0) // checksum placeholder while hashing
	off := summaryHeaderSize
	for _, b := range s.Blocks {
		le.PutUint32(buf[off:], b.Ino)
		le.PutUint32(buf[off+4:], b.Index)
		buf[off+8] = byte(b.Type)
		off += blockInfoSize
	}
	sum := crc32.ChecksumIEEE(buf)
	le.PutUint32(buf[20:], sum)
	s.Checksum = sum
	return buf
}

// Decode parses a summary from the leading summaryBlocks*BlockSize
// bytes of a segment, validating magic and checksum.
func Decode(buf []byte, summaryBlocks uint32) (*Summary, error) {
	if len(buf) < int(summaryBlocks)*disk.BlockSize {
		return nil, errors.Wrap(lsferr.Corrupt, "segment: short summary buffer")
	}
	le := binary.LittleEndian
	s := &Summary{
		Magic:      le.Uint32(buf[0:]),
		SegmentID:  le.Uint32(buf[4:]),
		Timestamp:  le.Uint64(buf[8:]),
		BlockCount: le.Uint32(buf[16:]),
		Checksum:   le.Uint32(buf[20:]),
	}
	if s.Magic != disk.SegmentSummaryMagic {
		return nil, errors.Wrap(lsferr.Corrupt, "segment: bad summary magic")
	}
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[20:], 0)
	if crc32.ChecksumIEEE(check) != s.Checksum {
		return nil, errors.Wrap(lsferr.Corrupt, "segment: summary checksum mismatch")
	}
	if s.BlockCount < summaryBlocks {
		return nil, errors.Wrap(lsferr.Corrupt, "segment: block count smaller than summary")
	}
	n := int(s.BlockCount - summaryBlocks)
	s.Blocks = make([]BlockInfo, n)
	off := summaryHeaderSize
	for i := 0; i < n; i++ {
		s.Blocks[i] = BlockInfo{
			Ino:   le.Uint32(buf[off:]),
			Index: le.Uint32(buf[off+4:]),
			Type:  disk.BlockType(buf[off+8]),
		}
		off += blockInfoSize
	}
	return s, nil
}
