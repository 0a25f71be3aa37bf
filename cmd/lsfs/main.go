/*
 * lsfs mounts an LSFS image as a FUSE file system. Grounded on
 * cmd/tfhfs/tfhfs.go's flag/assembly/ordered-shutdown style,
 * generalized from tfhfs's encrypted-storage-backed Fs to lfs.Context
 * over a single image file, and extended with signal-driven
 * cooperative unmount (the teacher mounts foreground-only and relies
 * on an external fusermount -u).
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/fuse"

	"github.com/lsfs-project/lsfs/adapter"
	"github.com/lsfs-project/lsfs/lfs"
	"github.com/lsfs-project/lsfs/mlog"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s MOUNTDIR IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	readOnly := flag.Bool("ro", false, "Mount read-only")
	allowOther := flag.Bool("allow-other", true, "Allow other users to access the mount")
	cacheBlocks := flag.Int("buffer-cache-blocks", 0, "Buffer cache size in blocks (0: default)")
	cacheInodes := flag.Int("inode-cache-entries", 0, "Inode cache size in entries (0: default)")
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)
	image := flag.Arg(1)

	ctx, err := lfs.Mount(image, lfs.Options{
		ReadOnly:          *readOnly,
		BufferCacheBlocks: *cacheBlocks,
		InodeCacheEntries: *cacheInodes,
	})
	if err != nil {
		log.Fatalf("lsfs: mount: %v", err)
	}

	ops := adapter.New(ctx)
	opts := &fuse.MountOptions{AllowOther: *allowOther}
	if mlog.IsEnabled() {
		opts.Debug = true
	}

	fuseServer, err := fuse.NewServer(ops, mountpoint, opts)
	if err != nil {
		log.Fatalf("lsfs: fuse.NewServer: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		mlog.Printf2("cmd/lsfs", "signal received, unmounting")
		fuseServer.Unmount()
	}()

	fuseServer.Serve()

	if err := ctx.Unmount(); err != nil {
		log.Fatalf("lsfs: unmount: %v", err)
	}
}
