/*
 * mkfs formats a fresh LSFS image: superblock, an initialized segment
 * table, a seeded root directory inode, and a first complete
 * checkpoint. Grounded on the original C mkfs geometry/seed pass and
 * cmd/tfhfs/tfhfs.go's flag style. The actual format work lives in
 * lfs.Format so fstest can build throwaway images the same way.
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ugorji/go/codec"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/lfs"
)

type manifest struct {
	Path          string `json:"path"`
	UUID          string `json:"uuid"`
	TotalBlocks   uint64 `json:"total_blocks"`
	SegmentBlocks uint32 `json:"segment_blocks"`
	TotalSegments uint64 `json:"total_segments"`
	InodeCount    uint64 `json:"inode_count"`
	CreatedAtNs   uint64 `json:"created_at_ns"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -path IMAGE [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	path := flag.String("path", "", "Path of the image file to create")
	sizeMiB := flag.Uint64("size", 64, "Image size in MiB")
	segmentBlocks := flag.Uint("segment-blocks", 0, "Blocks per segment (0: default)")
	maxInodes := flag.Uint64("inodes", 0, "Maximum number of live inodes (0: default)")
	flag.Parse()

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}

	sb, err := lfs.Format(*path, lfs.FormatOptions{
		SizeMiB:       *sizeMiB,
		SegmentBlocks: uint32(*segmentBlocks),
		MaxInodes:     *maxInodes,
	})
	if err != nil {
		log.Fatalf("mkfs: %v", err)
	}

	if err := writeManifest(*path, sb); err != nil {
		log.Fatalf("mkfs: manifest: %v", err)
	}

	log.Printf("mkfs: formatted %s: %d blocks, %d segments, %d max inodes, uuid %s",
		*path, sb.TotalBlocks, sb.TotalSegments, sb.InodeCount, uuidString(sb.UUID))
}

func writeManifest(imagePath string, sb *disk.Superblock) error {
	f, err := os.Create(imagePath + ".manifest.json")
	if err != nil {
		return err
	}
	defer f.Close()

	m := manifest{
		Path:          imagePath,
		UUID:          uuidString(sb.UUID),
		TotalBlocks:   sb.TotalBlocks,
		SegmentBlocks: sb.SegmentBlocks,
		TotalSegments: sb.TotalSegments,
		InodeCount:    sb.InodeCount,
		CreatedAtNs:   sb.CreatedAtNs,
	}
	var jh codec.JsonHandle
	jh.Indent = 2
	return codec.NewEncoder(f, &jh).Encode(&m)
}

func uuidString(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
