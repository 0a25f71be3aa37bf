/*
 * lsfsdump inspects an LSFS image: superblock, both checkpoint
 * headers, (with -segments) the authoritative checkpoint's segment
 * table, and (with -inodes) the inode record at every location named
 * by that checkpoint's inode map. The inode map itself is not listed
 * separately, and segment summaries are not read. Text output by
 * default; -json switches to ugorji/go/codec's JSON handle, the same
 * dependency the formatter uses for its seed manifest.
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ugorji/go/codec"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/inode"
)

type superblockView struct {
	UUID             string `json:"uuid"`
	Version          uint32 `json:"version"`
	BlockSize        uint32 `json:"block_size"`
	SegmentBlocks    uint32 `json:"segment_blocks"`
	TotalBlocks      uint64 `json:"total_blocks"`
	TotalSegments    uint64 `json:"total_segments"`
	InodeCount       uint64 `json:"inode_count"`
	ActiveCheckpoint uint32 `json:"active_checkpoint"`
	FreeSegments     uint64 `json:"free_segments"`
	MountCount       uint32 `json:"mount_count"`
	Clean            bool   `json:"clean"`
}

type checkpointView struct {
	Region   uint32 `json:"region"`
	Valid    bool   `json:"valid"`
	Sequence uint64 `json:"sequence,omitempty"`
	LogHead  uint64 `json:"log_head,omitempty"`
}

type segmentView struct {
	SegmentID  uint32 `json:"segment_id"`
	State      string `json:"state"`
	LiveBlocks uint32 `json:"live_blocks"`
	Timestamp  uint64 `json:"timestamp"`
}

type inodeView struct {
	Ino      uint32 `json:"ino"`
	Location uint64 `json:"location"`
	Mode     uint32 `json:"mode"`
	Size     uint64 `json:"size"`
	Nlink    uint32 `json:"nlink"`
	Parent   uint32 `json:"parent"`
}

type dump struct {
	Superblock  superblockView   `json:"superblock"`
	Checkpoints []checkpointView `json:"checkpoints"`
	Segments    []segmentView    `json:"segments,omitempty"`
	Inodes      []inodeView      `json:"inodes,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -path IMAGE [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	path := flag.String("path", "", "Path of the image file to inspect")
	asJSON := flag.Bool("json", false, "Emit JSON instead of indented text")
	showSegments := flag.Bool("segments", false, "Include the segment table in the dump")
	showInodes := flag.Bool("inodes", false, "Include every live inode record in the dump")
	flag.Parse()

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}

	d, err := inspect(*path, *showSegments, *showInodes)
	if err != nil {
		log.Fatalf("lsfsdump: %v", err)
	}

	if *asJSON {
		var jh codec.JsonHandle
		jh.Indent = 2
		if err := codec.NewEncoder(os.Stdout, &jh).Encode(d); err != nil {
			log.Fatalf("lsfsdump: encode: %v", err)
		}
		return
	}
	printText(d)
}

func inspect(path string, withSegments, withInodes bool) (*dump, error) {
	dev, err := disk.Open(path, true)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	sbBuf, err := dev.ReadBlock(disk.SuperblockBlock)
	if err != nil {
		return nil, err
	}
	sb := &disk.Superblock{}
	if err := sb.Decode(sbBuf); err != nil {
		return nil, err
	}

	d := &dump{
		Superblock: superblockView{
			UUID:             uuidString(sb.UUID),
			Version:          sb.Version,
			BlockSize:        sb.BlockSize,
			SegmentBlocks:    sb.SegmentBlocks,
			TotalBlocks:      sb.TotalBlocks,
			TotalSegments:    sb.TotalSegments,
			InodeCount:       sb.InodeCount,
			ActiveCheckpoint: sb.ActiveCheckpoint,
			FreeSegments:     sb.FreeSegments,
			MountCount:       sb.MountCount,
			Clean:            sb.Clean == 1,
		},
	}

	for i := 0; i < 2; i++ {
		cv := checkpointView{Region: uint32(i)}
		buf, err := dev.ReadBlock(sb.CheckpointRegion[i])
		if err == nil {
			if h, ok := checkpoint.Valid(buf); ok {
				cv.Valid = true
				cv.Sequence = h.Sequence
				cv.LogHead = h.LogHead
			}
		}
		d.Checkpoints = append(d.Checkpoints, cv)
	}

	loaded, err := checkpoint.Load(sb, dev)
	if err != nil {
		return d, nil
	}

	if withSegments {
		for _, u := range loaded.Usage {
			d.Segments = append(d.Segments, segmentView{
				SegmentID:  u.SegmentID,
				State:      u.State.String(),
				LiveBlocks: u.LiveBlocks,
				Timestamp:  u.Timestamp,
			})
		}
	}

	if withInodes {
		for _, e := range loaded.Entries {
			buf, err := dev.ReadBlock(e.Location)
			if err != nil {
				continue
			}
			off := inode.SlotOffset(e.Ino)
			rec, err := inode.DecodeRecord(buf[off : off+inode.Size])
			if err != nil {
				continue
			}
			d.Inodes = append(d.Inodes, inodeView{
				Ino:      rec.Ino,
				Location: e.Location,
				Mode:     rec.Mode,
				Size:     rec.Size,
				Nlink:    rec.Nlink,
				Parent:   rec.Parent,
			})
		}
	}

	return d, nil
}

func printText(d *dump) {
	sb := d.Superblock
	fmt.Printf("superblock:\n")
	fmt.Printf("  uuid:              %s\n", sb.UUID)
	fmt.Printf("  version:           %d\n", sb.Version)
	fmt.Printf("  block size:        %d\n", sb.BlockSize)
	fmt.Printf("  segment blocks:    %d\n", sb.SegmentBlocks)
	fmt.Printf("  total blocks:      %d\n", sb.TotalBlocks)
	fmt.Printf("  total segments:    %d\n", sb.TotalSegments)
	fmt.Printf("  inode count:       %d\n", sb.InodeCount)
	fmt.Printf("  active checkpoint: %d\n", sb.ActiveCheckpoint)
	fmt.Printf("  free segments:     %d\n", sb.FreeSegments)
	fmt.Printf("  mount count:       %d\n", sb.MountCount)
	fmt.Printf("  clean:             %v\n", sb.Clean)

	fmt.Printf("checkpoints:\n")
	for _, c := range d.Checkpoints {
		fmt.Printf("  region %d: valid=%v sequence=%d log_head=%d\n", c.Region, c.Valid, c.Sequence, c.LogHead)
	}

	if len(d.Segments) > 0 {
		fmt.Printf("segments:\n")
		for _, s := range d.Segments {
			fmt.Printf("  %d: state=%s live=%d ts=%d\n", s.SegmentID, s.State, s.LiveBlocks, s.Timestamp)
		}
	}

	if len(d.Inodes) > 0 {
		fmt.Printf("inodes:\n")
		for _, n := range d.Inodes {
			fmt.Printf("  ino=%d location=%d mode=0%o size=%d nlink=%d parent=%d\n",
				n.Ino, n.Location, n.Mode, n.Size, n.Nlink, n.Parent)
		}
	}
}

func uuidString(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
