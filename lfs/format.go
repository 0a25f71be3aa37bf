package lfs

import (
	"syscall"
	"time"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/dirent"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/segment"
)

// FormatOptions configures Format (spec.md §6 / cmd/mkfs flags).
type FormatOptions struct {
	SizeMiB       uint64
	SegmentBlocks uint32
	MaxInodes     uint64
}

func (o *FormatOptions) Init() {
	if o.SegmentBlocks == 0 {
		o.SegmentBlocks = disk.DefaultSegmentBlocks
	}
	if o.MaxInodes == 0 {
		o.MaxInodes = 65536
	}
}

// Format writes a fresh superblock, segment table, seeded root
// directory, and first complete checkpoint to path (spec §6 mkfs).
// It builds the storage stack directly rather than through Mount,
// since a freshly truncated image has no checkpoint yet for Mount's
// recovery pass to roll forward from. Returns the formatted
// superblock for callers (e.g. cmd/mkfs) that want to report or
// record it.
func Format(path string, opts FormatOptions) (*disk.Superblock, error) {
	opts.Init()
	totalBlocks := opts.SizeMiB * 1024 * 1024 / disk.BlockSize

	sb, err := disk.NewGeometry(totalBlocks, opts.SegmentBlocks, opts.MaxInodes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	nowNs := uint64(now.UnixNano())
	nowS := uint64(now.Unix())

	sb.UUID = disk.NewUUID()
	sb.CreatedAtNs = nowNs
	sb.Clean = 1

	dev, err := disk.Create(path, totalBlocks)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	payload := sb.SegmentBlocks - segment.SummaryBlocks(sb.SegmentBlocks)
	table := segment.NewTable(int(sb.TotalSegments), payload)
	im := imap.New(uint32(sb.InodeCount))

	writer, err := segment.NewWriter(sb, dev, table, nowS)
	if err != nil {
		return nil, err
	}
	dead := &deadTracker{sb: sb, table: table}

	// The root directory is its own parent: "cd /.." stays at "/" (spec
	// §9 decision #2, dynamic ".." resolution through this field).
	root := &inode.Record{
		Ino:        disk.RootIno,
		Mode:       syscall.S_IFDIR | 0755,
		AtimeNs:    nowNs,
		MtimeNs:    nowNs,
		CtimeNs:    nowNs,
		Generation: 1,
		Parent:     disk.RootIno,
	}
	if err := dirent.Init(writer, dev, dead, root, disk.RootIno, nowNs); err != nil {
		return nil, err
	}

	block := make([]byte, disk.BlockSize)
	inode.PutInBlock(block, root.Ino, root)
	addr, err := writer.Append(block, root.Ino, 0, disk.BlockTypeInode, nowNs)
	if err != nil {
		return nil, err
	}
	im.Set(root.Ino, addr)

	// Write targets the region the superblock does not name, so naming
	// region 1 here puts the first checkpoint in region 0.
	sb.ActiveCheckpoint = 1
	ckpt := checkpoint.NewManager(sb, dev, im, table, writer)
	if err := ckpt.Write(nowS); err != nil {
		return nil, err
	}

	return sb, nil
}
