/*
 * fsck validates an LSFS image: superblock geometry, both checkpoint
 * regions, free-segment accounting, inode-map location bounds, and
 * root inode reachability. With -repair it fixes free-count
 * mismatches and switches the active checkpoint pointer when the
 * superblock names a corrupt region but the other one is valid.
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/segment"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -path IMAGE [-repair]\n", os.Args[0])
		flag.PrintDefaults()
	}
	path := flag.String("path", "", "Path of the image file to check")
	repair := flag.Bool("repair", false, "Attempt to fix free-count and active-checkpoint problems")
	flag.Parse()

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}

	problems, fixed, err := check(*path, *repair)
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "fsck: %s\n", p)
	}
	for _, f := range fixed {
		fmt.Fprintf(os.Stderr, "fsck: repaired: %s\n", f)
	}
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}
	if len(problems) > len(fixed) {
		fmt.Fprintf(os.Stderr, "fsck: %d problem(s) remain\n", len(problems)-len(fixed))
		os.Exit(1)
	}
	fmt.Println("fsck: clean")
}

func check(path string, repair bool) (problems []string, fixed []string, err error) {
	dev, err := disk.Open(path, !repair)
	if err != nil {
		return nil, nil, err
	}
	defer dev.Close()

	sbBuf, err := dev.ReadBlock(disk.SuperblockBlock)
	if err != nil {
		return nil, nil, err
	}
	sb := &disk.Superblock{}
	if err := sb.Decode(sbBuf); err != nil {
		return nil, nil, err
	}

	problems = append(problems, checkGeometry(sb)...)

	region0, ok0 := readHeader(dev, sb.CheckpointRegion[0])
	region1, ok1 := readHeader(dev, sb.CheckpointRegion[1])
	if !ok0 && !ok1 {
		problems = append(problems, "neither checkpoint region is valid")
		return problems, fixed, nil
	}
	if !ok0 {
		problems = append(problems, "checkpoint region 0 is corrupt or incomplete")
	}
	if !ok1 {
		problems = append(problems, "checkpoint region 1 is corrupt or incomplete")
	}

	// The authoritative region is the valid one with the higher
	// sequence (spec §4.8: "the one with the higher sequence is
	// authoritative, regardless of which the superblock names"), with
	// ties broken toward region 0 to match checkpoint.Load's own
	// selection. The superblock's ActiveCheckpoint pointer must name
	// that region, not merely a valid one -- a pointer naming a
	// stale-but-valid region is corruption checkpoint.Load would never
	// actually produce on its own, since it always picks the
	// highest-sequence valid header regardless of what the superblock
	// says.
	var wantActive uint32
	switch {
	case ok0 && ok1:
		if region1.Sequence > region0.Sequence {
			wantActive = 1
		} else {
			wantActive = 0
		}
	case ok0:
		wantActive = 0
	default:
		wantActive = 1
	}
	if sb.ActiveCheckpoint != wantActive {
		msg := fmt.Sprintf("superblock names region %d active, but region %d has the valid checkpoint with the higher sequence", sb.ActiveCheckpoint, wantActive)
		problems = append(problems, msg)
		if repair {
			sb.ActiveCheckpoint = wantActive
			fixed = append(fixed, msg)
		}
	}

	loaded, err := checkpoint.Load(sb, dev)
	if err != nil {
		problems = append(problems, fmt.Sprintf("checkpoint.Load: %v", err))
		return problems, fixed, nil
	}

	payload := sb.SegmentBlocks - segment.SummaryBlocks(sb.SegmentBlocks)
	table := segment.NewTable(int(sb.TotalSegments), payload)
	for _, u := range loaded.Usage {
		table.SetFromRecovery(u.SegmentID, u.State, u.LiveBlocks, u.Timestamp)
	}
	actualFree := table.FreeCount()
	if uint64(actualFree) != sb.FreeSegments {
		msg := fmt.Sprintf("superblock free-segment count %d does not match checkpoint's %d", sb.FreeSegments, actualFree)
		problems = append(problems, msg)
		if repair {
			sb.FreeSegments = uint64(actualFree)
			fixed = append(fixed, msg)
		}
	}

	logEnd := sb.LogStart + sb.TotalSegments*uint64(sb.SegmentBlocks)
	var rootLocation uint64
	var rootSeen bool
	for _, e := range loaded.Entries {
		if e.Location < sb.LogStart || e.Location >= logEnd {
			problems = append(problems, fmt.Sprintf("ino %d has out-of-range location %d", e.Ino, e.Location))
			continue
		}
		if e.Ino == disk.RootIno {
			rootLocation = e.Location
			rootSeen = true
		}
	}

	if !rootSeen {
		problems = append(problems, "root inode is missing from the inode map")
	} else {
		buf, rerr := dev.ReadBlock(rootLocation)
		if rerr != nil {
			problems = append(problems, fmt.Sprintf("root inode: %v", rerr))
		} else {
			off := inode.SlotOffset(disk.RootIno)
			rec, derr := inode.DecodeRecord(buf[off : off+inode.Size])
			switch {
			case derr != nil:
				problems = append(problems, fmt.Sprintf("root inode: %v", derr))
			case rec.Ino != disk.RootIno:
				problems = append(problems, fmt.Sprintf("root inode slot holds ino %d", rec.Ino))
			case rec.Mode&syscall.S_IFMT != syscall.S_IFDIR:
				problems = append(problems, "root inode is not a directory")
			}
		}
	}

	if repair && len(fixed) > 0 {
		if err := dev.WriteBlock(disk.SuperblockBlock, sb.Encode()); err != nil {
			return problems, fixed, err
		}
		if err := dev.Sync(); err != nil {
			return problems, fixed, err
		}
	}

	return problems, fixed, nil
}

func checkGeometry(sb *disk.Superblock) (problems []string) {
	if sb.BlockSize != disk.BlockSize {
		problems = append(problems, fmt.Sprintf("unexpected block size %d", sb.BlockSize))
	}
	if sb.Version != disk.Version {
		problems = append(problems, fmt.Sprintf("unexpected version %d", sb.Version))
	}
	wantRegion1 := sb.CheckpointRegion[0] + sb.CheckpointBlocks
	if sb.CheckpointRegion[1] != wantRegion1 {
		problems = append(problems, "checkpoint region 1 does not follow region 0 by checkpoint_blocks")
	}
	wantSegTable := sb.CheckpointRegion[1] + sb.CheckpointBlocks
	if sb.SegTableStart != wantSegTable {
		problems = append(problems, "segment table does not follow the checkpoint regions")
	}
	wantLogStart := sb.SegTableStart + sb.SegTableBlocks
	if sb.LogStart != wantLogStart {
		problems = append(problems, "log start does not follow the segment table")
	}
	logEnd := sb.LogStart + sb.TotalSegments*uint64(sb.SegmentBlocks)
	if logEnd > sb.TotalBlocks {
		problems = append(problems, "segments extend past the end of the image")
	}
	return problems
}

func readHeader(dev disk.BlockDevice, block uint64) (*checkpoint.Header, bool) {
	buf, err := dev.ReadBlock(block)
	if err != nil {
		return nil, false
	}
	return checkpoint.Valid(buf)
}
