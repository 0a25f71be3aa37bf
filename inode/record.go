// Package inode is the inode cache of spec §4.5: the chained-by-ino,
// globally-LRU pool of in-memory inode records, backed by the inode
// map for location lookup and the segment writer for durable writes.
// Grounded on the original C inode.c state machine and the teacher's
// fs/inode.go in-memory-wrapper idiom (refcount, dirty flag, mutation
// lock), generalized from the teacher's CoW Merkle-tree metadata
// record to the spec's fixed 256-byte on-disk layout.
package inode

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lsferr"
)

// Inode flags (spec §3 lifecycle annotations).
const (
	FlagDeleted uint32 = 1 << 0
)

// File-type tags for directory entries (spec §4.7, POSIX-ish set).
const (
	TypeUnknown uint8 = iota
	TypeRegular
	TypeDirectory
	TypeCharDev
	TypeBlockDev
	TypeFIFO
	TypeSocket
	TypeSymlink
)

// Record is the bit-exact 256-byte on-disk inode (spec §4: "Inode
// (on-disk), fixed 256 bytes"). Field order and offsets are this
// module's own, chosen to land exactly on 256 bytes with a small
// reserved tail, rather than the original C layout which scopes to a
// different total.
type Record struct {
	Ino            uint32
	Mode           uint32
	UID            uint32
	GID            uint32
	Size           uint64
	BlockCount     uint64
	AtimeNs        uint64
	MtimeNs        uint64
	CtimeNs        uint64
	Nlink          uint32
	Flags          uint32
	Direct         [disk.DirectBlocks]uint64
	Indirect       uint64
	DoubleIndirect uint64
	Symlink        [disk.SymlinkInlineMax]byte
	Generation     uint64
	Parent         uint32 // directory's containing ino; dynamic ".." resolution (spec §9)
}

const (
	recOffIno            = 0
	recOffMode           = 4
	recOffUID            = 8
	recOffGID            = 12
	recOffSize           = 16
	recOffBlockCount     = 24
	recOffAtime          = 32
	recOffMtime          = 40
	recOffCtime          = 48
	recOffNlink          = 56
	recOffFlags          = 60
	recOffDirect         = 64
	recOffIndirect       = recOffDirect + 8*disk.DirectBlocks // 160
	recOffDoubleIndirect = recOffIndirect + 8                 // 168
	recOffSymlink        = recOffDoubleIndirect + 8           // 176
	recOffGeneration     = recOffSymlink + disk.SymlinkInlineMax // 240
	recOffParent         = recOffGeneration + 8                  // 248
	// 4 bytes reserved, 252..256
)

// Size is the on-disk record size; disk.InodeRecordSize must agree.
const Size = 256

// Encode packs r into a freshly allocated Size-byte buffer.
func (r *Record) Encode() []byte {
	buf := make([]byte, Size)
	le := binary.LittleEndian
	le.PutUint32(buf[recOffIno:], r.Ino)
	le.PutUint32(buf[recOffMode:], r.Mode)
	le.PutUint32(buf[recOffUID:], r.UID)
	le.PutUint32(buf[recOffGID:], r.GID)
	le.PutUint64(buf[recOffSize:], r.Size)
	le.PutUint64(buf[recOffBlockCount:], r.BlockCount)
	le.PutUint64(buf[recOffAtime:], r.AtimeNs)
	le.PutUint64(buf[recOffMtime:], r.MtimeNs)
	le.PutUint64(buf[recOffCtime:], r.CtimeNs)
	le.PutUint32(buf[recOffNlink:], r.Nlink)
	le.PutUint32(buf[recOffFlags:], r.Flags)
	for i, d := range r.Direct {
		le.PutUint64(buf[recOffDirect+i*8:], d)
	}
	le.PutUint64(buf[recOffIndirect:], r.Indirect)
	le.PutUint64(buf[recOffDoubleIndirect:], r.DoubleIndirect)
	copy(buf[recOffSymlink:recOffSymlink+disk.SymlinkInlineMax], r.Symlink[:])
	le.PutUint64(buf[recOffGeneration:], r.Generation)
	le.PutUint32(buf[recOffParent:], r.Parent)
	return buf
}

// DecodeRecord unpacks a Size-byte slot.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < Size {
		return nil, errors.Wrap(lsferr.Corrupt, "inode: short record buffer")
	}
	le := binary.LittleEndian
	r := &Record{
		Ino:            le.Uint32(buf[recOffIno:]),
		Mode:           le.Uint32(buf[recOffMode:]),
		UID:            le.Uint32(buf[recOffUID:]),
		GID:            le.Uint32(buf[recOffGID:]),
		Size:           le.Uint64(buf[recOffSize:]),
		BlockCount:     le.Uint64(buf[recOffBlockCount:]),
		AtimeNs:        le.Uint64(buf[recOffAtime:]),
		MtimeNs:        le.Uint64(buf[recOffMtime:]),
		CtimeNs:        le.Uint64(buf[recOffCtime:]),
		Nlink:          le.Uint32(buf[recOffNlink:]),
		Flags:          le.Uint32(buf[recOffFlags:]),
		Indirect:       le.Uint64(buf[recOffIndirect:]),
		DoubleIndirect: le.Uint64(buf[recOffDoubleIndirect:]),
		Generation:     le.Uint64(buf[recOffGeneration:]),
		Parent:         le.Uint32(buf[recOffParent:]),
	}
	for i := range r.Direct {
		r.Direct[i] = le.Uint64(buf[recOffDirect+i*8:])
	}
	copy(r.Symlink[:], buf[recOffSymlink:recOffSymlink+disk.SymlinkInlineMax])
	return r, nil
}

// SlotOffset is the byte offset of ino's record within the
// InodesPerBlock-record block that holds it (spec §4: "intra-block
// slot is ino mod 16").
func SlotOffset(ino uint32) int {
	return int(ino%disk.InodesPerBlock) * Size
}

// PutInBlock writes r's encoding into its slot inside a full
// BlockSize-byte block buffer, leaving the remainder of the block
// untouched (the callers pass a freshly zeroed block, so the other
// slots are written as zeros).
func PutInBlock(block []byte, ino uint32, r *Record) {
	off := SlotOffset(ino)
	copy(block[off:off+Size], r.Encode())
}
