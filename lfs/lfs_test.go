package lfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stvp/assert"

	"github.com/lsfs-project/lsfs/checkpoint"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/gc"
	"github.com/lsfs-project/lsfs/imap"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/lsferr"
)

// formatAndMount builds a throwaway image under t.TempDir() with the
// given size and segment geometry and mounts it, mirroring the
// fstest package's helpers but kept local here so this file can stay
// an internal (white-box) test of Context's unexported fields --
// fstest itself imports lfs, so an internal lfs test can't import it
// without creating a cycle.
func formatAndMount(t *testing.T, sizeMiB uint64, segmentBlocks uint32, maxInodes uint64) (*Context, string) {
	t.Helper()
	path := t.TempDir() + "/image.lsfs"
	_, err := Format(path, FormatOptions{SizeMiB: sizeMiB, SegmentBlocks: segmentBlocks, MaxInodes: maxInodes})
	assert.Nil(t, err)
	ctx, err := Mount(path, Options{})
	assert.Nil(t, err)
	return ctx, path
}

func mustCreate(t *testing.T, ctx *Context, parent uint32, name string) Attr {
	t.Helper()
	a, err := ctx.Create(parent, name, 0644, 0, 0)
	assert.Nil(t, err)
	return a
}

// TestPersistence is spec §8's concrete persistence scenario: write a
// small file, unmount, remount, read it back unchanged.
func TestPersistence(t *testing.T) {
	ctx, path := formatAndMount(t, 64, 0, 0)

	f := mustCreate(t, ctx, disk.RootIno, "hello.txt")
	_, err := ctx.Write(f.Ino, 0, []byte("Hello, LFS!"))
	assert.Nil(t, err)
	assert.Nil(t, ctx.Unmount())

	ctx2, err := Mount(path, Options{})
	assert.Nil(t, err)
	defer ctx2.Unmount()

	a, err := ctx2.Lookup(disk.RootIno, "hello.txt")
	assert.Nil(t, err)
	got, err := ctx2.Read(a.Ino, 0, 64)
	assert.Nil(t, err)
	assert.Equal(t, "Hello, LFS!", string(got))
}

// TestLargeFile is spec §8's large-file scenario: a 1 MiB all-zero
// write round-trips and is reflected in statfs usage.
func TestLargeFile(t *testing.T) {
	ctx, _ := formatAndMount(t, 96, 0, 0)
	defer ctx.Unmount()

	f := mustCreate(t, ctx, disk.RootIno, "large.bin")
	const size = 1 << 20
	buf := make([]byte, size)
	n, err := ctx.Write(f.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, size, n)

	before := ctx.Statfs()
	assert.True(t, before.FreeBlocks != before.TotalBlocks)

	got, err := ctx.Read(f.Ino, 0, size)
	assert.Nil(t, err)
	assert.Equal(t, size, len(got))
	assert.True(t, bytes.Equal(got, buf))
}

// TestCrashBeforeCheckpoint is spec §8's crash scenario: flush the
// active segment (so it's durable) but never emit a checkpoint, then
// "crash" by dropping the mount without the cooperative unmount
// sequence. Remounting must recover the write via roll-forward, and
// the checkpoint written after recovery must carry a higher sequence
// than the newest one on disk before the crash.
func TestCrashBeforeCheckpoint(t *testing.T) {
	ctx, path := formatAndMount(t, 32, 0, 0)

	f := mustCreate(t, ctx, disk.RootIno, "a")
	_, err := ctx.Write(f.Ino, 0, []byte("X"))
	assert.Nil(t, err)

	// Flush the active segment without emitting a checkpoint (spec
	// §4.4: a crash after the segment body is durable but before the
	// next checkpoint is reincorporated by roll-forward).
	assert.Nil(t, ctx.writer.ForceRotate(ctx.nowSeconds()))
	assert.Nil(t, ctx.writer.Sync())
	preLoaded, err := checkpoint.Load(ctx.sb, ctx.dev)
	assert.Nil(t, err)

	// Simulate an unclean shutdown: stop the cleaner but skip
	// writer/checkpoint/superblock-clean-flag finalization and close
	// the raw device directly, instead of calling ctx.Unmount().
	assert.Nil(t, ctx.cleaner.Stop())
	assert.Nil(t, ctx.dev.Close())

	ctx2, err := Mount(path, Options{})
	assert.Nil(t, err)
	defer ctx2.Unmount()

	a, err := ctx2.Lookup(disk.RootIno, "a")
	assert.Nil(t, err)
	got, err := ctx2.Read(a.Ino, 0, 8)
	assert.Nil(t, err)
	assert.Equal(t, "X", string(got))

	postLoaded, err := checkpoint.Load(ctx2.sb, ctx2.dev)
	assert.Nil(t, err)
	assert.True(t, postLoaded.Header.Sequence > preLoaded.Header.Sequence)
}

// TestRollForwardIdempotence is spec §8 property 4: mounting an
// unclean image, unmounting cleanly, and mounting again produces the
// same IMAP as the first mount's own recovery pass produced.
func TestRollForwardIdempotence(t *testing.T) {
	ctx, path := formatAndMount(t, 32, 0, 0)

	mustCreate(t, ctx, disk.RootIno, "a")
	mustCreate(t, ctx, disk.RootIno, "b")
	assert.Nil(t, ctx.writer.ForceRotate(ctx.nowSeconds()))
	assert.Nil(t, ctx.writer.Sync())
	assert.Nil(t, ctx.cleaner.Stop())
	assert.Nil(t, ctx.dev.Close())

	ctx2, err := Mount(path, Options{})
	assert.Nil(t, err)
	firstEntries := append([]imap.Entry(nil), ctx2.imap.Entries()...)
	assert.Nil(t, ctx2.Unmount())

	ctx3, err := Mount(path, Options{})
	assert.Nil(t, err)
	defer ctx3.Unmount()
	secondEntries := ctx3.imap.Entries()

	assert.Equal(t, len(firstEntries), len(secondEntries))
	for i := range firstEntries {
		assert.Equal(t, firstEntries[i].Ino, secondEntries[i].Ino)
	}
}

// TestRename is spec §8's rename scenario: mkdir /d, create /a,
// rename /a to /d/b, and check lookup results and link counts.
func TestRename(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	d, err := ctx.Mkdir(disk.RootIno, "d", 0755, 0, 0)
	assert.Nil(t, err)
	a := mustCreate(t, ctx, disk.RootIno, "a")

	assert.Nil(t, ctx.Rename(disk.RootIno, "a", d.Ino, "b"))

	got, err := ctx.Lookup(d.Ino, "b")
	assert.Nil(t, err)
	assert.Equal(t, a.Ino, got.Ino)

	_, err = ctx.Lookup(disk.RootIno, "a")
	assert.True(t, lsferr.Is(err, lsferr.NoEnt))

	rootAttr, err := ctx.GetAttr(disk.RootIno)
	assert.Nil(t, err)
	dAttr, err := ctx.GetAttr(d.Ino)
	assert.Nil(t, err)
	assert.Equal(t, uint32(3), rootAttr.Nlink) // self + ".." + subdirectory "d"
	assert.Equal(t, uint32(2), dAttr.Nlink)    // self + ".." (no subdirectories)
}

// TestDirectoryRemoveRoundTrip is spec §8 property 7: add, lookup,
// remove, lookup(no-entry), is_empty after removing everything.
func TestDirectoryRemoveRoundTrip(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	d, err := ctx.Mkdir(disk.RootIno, "d", 0755, 0, 0)
	assert.Nil(t, err)
	f := mustCreate(t, ctx, d.Ino, "f")

	got, err := ctx.Lookup(d.Ino, "f")
	assert.Nil(t, err)
	assert.Equal(t, f.Ino, got.Ino)

	assert.Nil(t, ctx.Unlink(d.Ino, "f"))
	_, err = ctx.Lookup(d.Ino, "f")
	assert.True(t, lsferr.Is(err, lsferr.NoEnt))

	assert.Nil(t, ctx.Rmdir(disk.RootIno, "d"))
	_, err = ctx.Lookup(disk.RootIno, "d")
	assert.True(t, lsferr.Is(err, lsferr.NoEnt))
}

// TestRmdirNotEmpty checks the not-empty error kind is surfaced.
func TestRmdirNotEmpty(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	d, err := ctx.Mkdir(disk.RootIno, "d", 0755, 0, 0)
	assert.Nil(t, err)
	mustCreate(t, ctx, d.Ino, "f")

	err = ctx.Rmdir(disk.RootIno, "d")
	assert.True(t, lsferr.Is(err, lsferr.NotEmpty))
}

// TestOutOfSpaceThenCleanerRecovers is spec §8's out-of-space
// scenario: fill a small image until Write returns out-of-space,
// unlink most of the files, run the cleaner, and confirm a later
// write succeeds and the free-segment ratio recovered to HIGH.
func TestOutOfSpaceThenCleanerRecovers(t *testing.T) {
	ctx, _ := formatAndMount(t, 4, 32, 512)
	defer ctx.Unmount()
	assert.Nil(t, ctx.cleaner.Stop()) // driving the cleaner manually below

	payload := make([]byte, 3*disk.BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var names []string
	var outOfSpace error
	for i := 0; ; i++ {
		name := fmt.Sprintf("f%d", i)
		a, err := ctx.Create(disk.RootIno, name, 0644, 0, 0)
		if err != nil {
			outOfSpace = err
			break
		}
		if _, err := ctx.Write(a.Ino, 0, payload); err != nil {
			outOfSpace = err
			break
		}
		names = append(names, name)
		if i > 2000 {
			t.Fatalf("never hit out-of-space after %d files", i)
		}
	}
	assert.True(t, lsferr.Is(outOfSpace, lsferr.NoSpace))
	assert.True(t, len(names) > 0) // out-of-space on the very first file means the geometry is too small for this test

	// Unlink most of what was written.
	keep := len(names) / 5
	for _, name := range names[keep:] {
		assert.Nil(t, ctx.Unlink(disk.RootIno, name))
	}

	assert.Nil(t, ctx.cleaner.Run(ctx.nowSeconds()))

	total := ctx.table.Count()
	ratio := float64(ctx.table.FreeCount()) / float64(total)
	assert.True(t, ratio >= gc.ThresholdHigh)

	a, err := ctx.Create(disk.RootIno, "after-gc", 0644, 0, 0)
	assert.Nil(t, err)
	_, err = ctx.Write(a.Ino, 0, []byte("ok"))
	assert.Nil(t, err)

	// Surviving files (both kept and post-GC) must still read back
	// correctly -- the cleaner must never have relocated a live block
	// incorrectly.
	for _, name := range names[:keep] {
		fa, err := ctx.Lookup(disk.RootIno, name)
		assert.Nil(t, err)
		got, err := ctx.Read(fa.Ino, 0, len(payload))
		assert.Nil(t, err)
		assert.True(t, bytes.Equal(got, payload))
	}
}

// TestLocationTypeInvariant is spec §8 property 1: every IMAP entry's
// location decodes to an inode record whose Ino matches.
func TestLocationTypeInvariant(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	mustCreate(t, ctx, disk.RootIno, "a")
	mustCreate(t, ctx, disk.RootIno, "b")
	_, err := ctx.Mkdir(disk.RootIno, "d", 0755, 0, 0)
	assert.Nil(t, err)

	for _, e := range ctx.imap.Entries() {
		blk, err := ctx.dev.ReadBlock(e.Location)
		assert.Nil(t, err)
		off := inode.SlotOffset(e.Ino)
		rec, err := inode.DecodeRecord(blk[off : off+disk.InodeRecordSize])
		assert.Nil(t, err)
		assert.Equal(t, e.Ino, rec.Ino)
	}
}

// TestSetAttrAndGetAttr exercises setattr's mode/uid/gid/size fields.
func TestSetAttrAndGetAttr(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	f := mustCreate(t, ctx, disk.RootIno, "f")
	got, err := ctx.SetAttr(f.Ino, SetAttrFields{SetMode: true, Mode: 0600, SetUID: true, UID: 42})
	assert.Nil(t, err)
	assert.Equal(t, uint32(0600), got.Mode&0777)
	assert.Equal(t, uint32(42), got.UID)
}

// TestSymlink checks inline symlink round-trip.
func TestSymlink(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	a, err := ctx.Symlink(disk.RootIno, "link", "/a/b/c", 0, 0)
	assert.Nil(t, err)
	target, err := ctx.Readlink(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, "/a/b/c", target)
}

// TestCreateExistingNameFails confirms the "exists" error kind.
func TestCreateExistingNameFails(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	mustCreate(t, ctx, disk.RootIno, "dup")
	_, err := ctx.Create(disk.RootIno, "dup", 0644, 0, 0)
	assert.True(t, lsferr.Is(err, lsferr.Exist))
}

// TestCreateUnderFileParentFails confirms not-a-directory is surfaced
// when the parent isn't one.
func TestCreateUnderFileParentFails(t *testing.T) {
	ctx, _ := formatAndMount(t, 32, 0, 0)
	defer ctx.Unmount()

	f := mustCreate(t, ctx, disk.RootIno, "f")
	_, err := ctx.Create(f.Ino, "x", 0644, 0, 0)
	assert.True(t, lsferr.Is(err, lsferr.NotDir))
}

// TestReadOnlyMountRejectsWrites confirms a read-only block device
// turns every write call into an I/O error (spec §4.1) all the way up
// through Context.
func TestReadOnlyMountRejectsWrites(t *testing.T) {
	path := t.TempDir() + "/image.lsfs"
	_, err := Format(path, FormatOptions{SizeMiB: 16})
	assert.Nil(t, err)
	setup, err := Mount(path, Options{})
	assert.Nil(t, err)
	assert.Nil(t, setup.Unmount())

	ctx, err := Mount(path, Options{ReadOnly: true})
	assert.Nil(t, err)
	defer ctx.Unmount()

	_, err = ctx.Create(disk.RootIno, "x", 0644, 0, 0)
	assert.True(t, err != nil)
}
