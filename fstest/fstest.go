// Package fstest builds throwaway LSFS images for tests, grounded on
// the teacher's own fstest package (a from-scratch backend per test,
// never a shared fixture), generalized from an in-memory KV backend
// to a real backing file since this module addresses one flat image
// directly rather than a pluggable storage.Backend.
package fstest

import (
	"testing"

	"github.com/lsfs-project/lsfs/lfs"
)

// NewContext formats a sizeMiB (default 16) throwaway image under
// t.TempDir() and mounts it, registering a cleanup that unmounts it.
func NewContext(t *testing.T, sizeMiB uint64) *lfs.Context {
	t.Helper()
	if sizeMiB == 0 {
		sizeMiB = 16
	}
	path := t.TempDir() + "/image.lsfs"
	if _, err := lfs.Format(path, lfs.FormatOptions{SizeMiB: sizeMiB}); err != nil {
		t.Fatalf("fstest: format: %v", err)
	}
	ctx, err := lfs.Mount(path, lfs.Options{})
	if err != nil {
		t.Fatalf("fstest: mount: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.Unmount(); err != nil {
			t.Errorf("fstest: unmount: %v", err)
		}
	})
	return ctx
}

// ReopenContext mounts the image at path again and registers a cleanup
// that unmounts the new context; any earlier context on the same image
// is left to the caller. Used by persistence/crash-recovery scenarios
// that need to observe state surviving a fresh Mount.
func ReopenContext(t *testing.T, path string) *lfs.Context {
	t.Helper()
	ctx, err := lfs.Mount(path, lfs.Options{})
	if err != nil {
		t.Fatalf("fstest: remount: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.Unmount(); err != nil {
			t.Errorf("fstest: unmount: %v", err)
		}
	})
	return ctx
}

// Path formats and mounts like NewContext but also returns the backing
// image path, for tests that need to close and reopen the same file
// (e.g. persistence across a simulated remount). Unlike NewContext it
// registers no unmount cleanup; the caller unmounts the context.
func Path(t *testing.T, sizeMiB uint64) (*lfs.Context, string) {
	t.Helper()
	if sizeMiB == 0 {
		sizeMiB = 16
	}
	path := t.TempDir() + "/image.lsfs"
	if _, err := lfs.Format(path, lfs.FormatOptions{SizeMiB: sizeMiB}); err != nil {
		t.Fatalf("fstest: format: %v", err)
	}
	ctx, err := lfs.Mount(path, lfs.Options{})
	if err != nil {
		t.Fatalf("fstest: mount: %v", err)
	}
	return ctx, path
}
