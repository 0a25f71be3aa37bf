// Package checkpoint is the checkpoint manager of spec §4.8: a
// fixed-offset header plus packed inode-map and segment-table dumps
// at one of two alternating regions, written with the crash-safe
// two-phase completion protocol spec.md specifies. Grounded on the
// original C checkpoint.c write/load/recover sequence, restructured
// to match spec §4.8's explicit 8-step protocol (the reference writes
// the header only once, after sync, which does not give the
// crash-between-3-and-5 safety property the spec calls for).
package checkpoint

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
)

// Header is the checkpoint region's fixed-offset leading record (spec
// §4.8).
type Header struct {
	Magic           uint32
	Version         uint32
	Sequence        uint64
	Timestamp       uint64
	LogHead         uint64
	ImapEntries     uint32
	SegmentEntries  uint32
	Checksum        uint32
	Complete        uint32
}

const HeaderSize = 48

const (
	hOffMagic     = 0
	hOffVersion   = 4
	hOffSequence  = 8
	hOffTimestamp = 16
	hOffLogHead   = 24
	hOffImap      = 32
	hOffSegment   = 36
	hOffChecksum  = 40
	hOffComplete  = 44
)

func (h *Header) Encode() []byte {
	buf := make([]byte, disk.BlockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[hOffMagic:], h.Magic)
	le.PutUint32(buf[hOffVersion:], h.Version)
	le.PutUint64(buf[hOffSequence:], h.Sequence)
	le.PutUint64(buf[hOffTimestamp:], h.Timestamp)
	le.PutUint64(buf[hOffLogHead:], h.LogHead)
	le.PutUint32(buf[hOffImap:], h.ImapEntries)
	le.PutUint32(buf[hOffSegment:], h.SegmentEntries)
	le.PutUint32(buf[hOffChecksum:], 0)
	le.PutUint32(buf[hOffComplete:], h.Complete)
	sum := checksum(buf)
	le.PutUint32(buf[hOffChecksum:], sum)
	h.Checksum = sum
	return buf
}

func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < disk.BlockSize {
		return nil, errors.Wrap(lsferr.Corrupt, "checkpoint: short header buffer")
	}
	le := binary.LittleEndian
	h := &Header{
		Magic:          le.Uint32(buf[hOffMagic:]),
		Version:        le.Uint32(buf[hOffVersion:]),
		Sequence:       le.Uint64(buf[hOffSequence:]),
		Timestamp:      le.Uint64(buf[hOffTimestamp:]),
		LogHead:        le.Uint64(buf[hOffLogHead:]),
		ImapEntries:    le.Uint32(buf[hOffImap:]),
		SegmentEntries: le.Uint32(buf[hOffSegment:]),
		Checksum:       le.Uint32(buf[hOffChecksum:]),
		Complete:       le.Uint32(buf[hOffComplete:]),
	}
	return h, nil
}

// Valid reports whether buf decodes to a checkpoint header with the
// right magic, a matching checksum, and complete == 1.
func Valid(buf []byte) (*Header, bool) {
	h, err := DecodeHeader(buf)
	if err != nil || h.Magic != disk.CheckpointMagic || h.Complete != 1 {
		return h, false
	}
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[hOffChecksum:], 0)
	return h, checksum(check) == h.Checksum
}

func checksum(buf []byte) uint32 {
	// CRC32 over the header record (spec §9 decision: populated where
	// the reference left it at a TODO).
	return crc32.ChecksumIEEE(buf)
}
