package fstest

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/fuse"

	"github.com/lsfs-project/lsfs/adapter"
	"github.com/lsfs-project/lsfs/lfs"
)

// ErrNok mirrors the teacher's fstest sentinel for a non-OK fuse.Status.
var ErrNok = errors.New("non-zero fuse status")

func s2e(status fuse.Status) error {
	if !status.Ok() {
		return ErrNok
	}
	return nil
}

// FSUser drives adapter.Ops the way a FUSE kernel client would,
// without an actual mount, grounded directly on the teacher's
// fstest.FSUser (~os module functionality across the raw fuse
// upcalls, permission simulation with an arbitrary uid/gid).
type FSUser struct {
	fuse.InHeader
	ops *adapter.Ops
	ctx *lfs.Context
}

// NewFSUser wraps ops for upcall-level driving as uid/gid 0 by
// default; set fu.Uid/fu.Gid before calling to simulate another user.
// ctx is the same context ops was built from, used only by ListDir's
// backdoor (see its comment).
func NewFSUser(ops *adapter.Ops, ctx *lfs.Context) *FSUser {
	return &FSUser{ops: ops, ctx: ctx}
}

func (fu *FSUser) lookup(path string, eo *fuse.EntryOut) error {
	ino := uint64(fuse.FUSE_ROOT_ID)
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		fu.NodeId = ino
		if err := s2e(fu.ops.Lookup(&fu.InHeader, name, eo)); err != nil {
			return err
		}
		ino = eo.NodeId
	}
	fu.NodeId = ino
	return s2e(fu.ops.Lookup(&fu.InHeader, ".", eo))
}

// Lookup resolves a "/"-separated path starting at the mount root.
func (fu *FSUser) Lookup(path string) (fuse.EntryOut, error) {
	var eo fuse.EntryOut
	err := fu.lookup(path, &eo)
	return eo, err
}

// Mkdir creates name under the directory at parentPath.
func (fu *FSUser) Mkdir(parentPath, name string, mode uint32) (fuse.EntryOut, error) {
	var peo fuse.EntryOut
	if err := fu.lookup(parentPath, &peo); err != nil {
		return fuse.EntryOut{}, err
	}
	fu.NodeId = peo.NodeId
	var eo fuse.EntryOut
	in := &fuse.MkdirIn{InHeader: fu.InHeader, Mode: mode}
	err := s2e(fu.ops.Mkdir(in, name, &eo))
	return eo, err
}

// Create creates and opens a regular file under parentPath.
func (fu *FSUser) Create(parentPath, name string, mode uint32) (fuse.EntryOut, error) {
	var peo fuse.EntryOut
	if err := fu.lookup(parentPath, &peo); err != nil {
		return fuse.EntryOut{}, err
	}
	fu.NodeId = peo.NodeId
	var out fuse.CreateOut
	in := &fuse.CreateIn{InHeader: fu.InHeader, Mode: mode}
	err := s2e(fu.ops.Create(in, name, &out))
	return out.EntryOut, err
}

// WriteFile looks up path and writes data at offset 0.
func (fu *FSUser) WriteFile(path string, data []byte) error {
	var eo fuse.EntryOut
	if err := fu.lookup(path, &eo); err != nil {
		return err
	}
	fu.NodeId = eo.NodeId
	in := &fuse.WriteIn{InHeader: fu.InHeader, Size: uint32(len(data))}
	_, status := fu.ops.Write(in, data)
	return s2e(status)
}

// ReadFile looks up path and reads up to size bytes from offset 0.
func (fu *FSUser) ReadFile(path string, size int) ([]byte, error) {
	var eo fuse.EntryOut
	if err := fu.lookup(path, &eo); err != nil {
		return nil, err
	}
	fu.NodeId = eo.NodeId
	in := &fuse.ReadIn{InHeader: fu.InHeader, Size: uint32(size)}
	buf := make([]byte, size)
	res, status := fu.ops.Read(in, buf)
	if err := s2e(status); err != nil {
		return nil, err
	}
	out, status := res.Bytes(nil)
	if err := s2e(status); err != nil {
		return nil, err
	}
	return out, nil
}

// Unlink removes name from the directory at parentPath.
func (fu *FSUser) Unlink(parentPath, name string) error {
	var peo fuse.EntryOut
	if err := fu.lookup(parentPath, &peo); err != nil {
		return err
	}
	fu.NodeId = peo.NodeId
	return s2e(fu.ops.Unlink(&fu.InHeader, name))
}

// Rmdir removes directory name from parentPath.
func (fu *FSUser) Rmdir(parentPath, name string) error {
	var peo fuse.EntryOut
	if err := fu.lookup(parentPath, &peo); err != nil {
		return err
	}
	fu.NodeId = peo.NodeId
	return s2e(fu.ops.Rmdir(&fu.InHeader, name))
}

// Rename moves oldName under oldParentPath to newName under
// newParentPath.
func (fu *FSUser) Rename(oldParentPath, oldName, newParentPath, newName string) error {
	var opeo, npeo fuse.EntryOut
	if err := fu.lookup(oldParentPath, &opeo); err != nil {
		return err
	}
	if err := fu.lookup(newParentPath, &npeo); err != nil {
		return err
	}
	fu.NodeId = opeo.NodeId
	in := &fuse.RenameIn{InHeader: fu.InHeader, Newdir: npeo.NodeId}
	return s2e(fu.ops.Rename(in, oldName, newName))
}

// ListDir exercises OpenDir/ReadDir through the real upcalls (so a
// bug in either still surfaces as a non-OK status) but, like the
// teacher's own fstest.FSUser.ListDir, reads the resulting names back
// through a backdoor rather than parsing the kernel-bound
// fuse.DirEntryList wire encoding: lfs.Context.Readdir already returns
// structured entries for exactly this purpose.
func (fu *FSUser) ListDir(dirname string) ([]string, error) {
	var eo fuse.EntryOut
	if err := fu.lookup(dirname, &eo); err != nil {
		return nil, err
	}
	fu.NodeId = eo.NodeId
	var oo fuse.OpenOut
	if err := s2e(fu.ops.OpenDir(&fuse.OpenIn{InHeader: fu.InHeader}, &oo)); err != nil {
		return nil, err
	}
	defer fu.ops.ReleaseDir(&fuse.ReleaseIn{Fh: oo.Fh, InHeader: fu.InHeader})

	del := fuse.NewDirEntryList(make([]byte, 4096), 0)
	if err := s2e(fu.ops.ReadDir(&fuse.ReadIn{Fh: oo.Fh, InHeader: fu.InHeader, Size: 4096}, del)); err != nil {
		return nil, err
	}

	entries, err := fu.ctx.Readdir(uint32(eo.NodeId), 0, 4096)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

// ReadDir behaves like ListDir but also looks up each entry's
// attributes, mirroring os.ReadDir's os.FileInfo results.
func (fu *FSUser) ReadDir(dirname string) ([]os.FileInfo, error) {
	names, err := fu.ListDir(dirname)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, len(names))
	for i, name := range names {
		var eo fuse.EntryOut
		if err := fu.lookup(dirname+"/"+name, &eo); err != nil {
			return nil, err
		}
		out[i] = &fileInfo{
			name:  name,
			size:  int64(eo.Size),
			mode:  os.FileMode(eo.Mode),
			mtime: time.Unix(int64(eo.Mtime), int64(eo.Mtimensec)),
		}
	}
	return out, nil
}

type fileInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.mtime }
func (fi *fileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi *fileInfo) Sys() interface{}   { return nil }
