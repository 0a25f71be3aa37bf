// Package adapter binds lfs.Context to the kernel through
// hanwen/go-fuse's RawFileSystem interface, translating upcalls the way
// the teacher's fs/ops.go translates them against its own Fs -- this is
// the one package allowed to know about fuse.Status, fuse.InHeader, and
// the rest of the wire-level FUSE types; lfs itself stays adapter
// agnostic.
package adapter

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/lfs"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"

	. "github.com/hanwen/go-fuse/fuse"
)

const attrValiditySeconds = 5
const entryValiditySeconds = 5

// Ops implements fuse.RawFileSystem over a mounted lfs.Context.
type Ops struct {
	RawFileSystem
	mu     sync.Mutex
	ctx    *lfs.Context
	server *Server
}

var _ RawFileSystem = &Ops{}

// New wraps ctx for mounting.
func New(ctx *lfs.Context) *Ops {
	return &Ops{RawFileSystem: NewDefaultRawFileSystem(), ctx: ctx}
}

func (o *Ops) Init(server *Server) {
	o.server = server
}

func (o *Ops) String() string {
	return os.Args[0]
}

func (o *Ops) SetDebug(dbg bool) {
}

func (o *Ops) StatFs(input *InHeader, out *StatfsOut) Status {
	st := o.ctx.Statfs()
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.TotalBlocks
	out.Bfree = st.FreeBlocks
	out.Bavail = st.FreeBlocks
	out.Files = st.TotalInodes
	out.Ffree = st.FreeInodes
	return OK
}

func statusOf(err error) Status {
	if err == nil {
		return OK
	}
	switch lfs.KindToErrno(err) {
	case lsferr.KindNone:
		return OK
	case lsferr.KindNoEnt:
		return ENOENT
	case lsferr.KindNotDir:
		return ENOTDIR
	case lsferr.KindIsDir:
		return EISDIR
	case lsferr.KindExist:
		return Status(syscall.EEXIST)
	case lsferr.KindNotEmpty:
		return Status(syscall.ENOTEMPTY)
	case lsferr.KindNoSpace:
		return Status(syscall.ENOSPC)
	case lsferr.KindNoMem:
		return Status(syscall.ENOMEM)
	case lsferr.KindInvalid:
		return EINVAL
	case lsferr.KindCorrupt:
		return EIO
	default:
		return EIO
	}
}

func nowNs() int64 {
	return time.Now().UnixNano()
}

func fillAttr(out *Attr, a lfs.Attr) {
	out.Ino = uint64(a.Ino)
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	unixNanoToFuse(a.AtimeNs, &out.Atime, &out.Atimensec)
	unixNanoToFuse(a.MtimeNs, &out.Mtime, &out.Mtimensec)
	unixNanoToFuse(a.CtimeNs, &out.Ctime, &out.Ctimensec)
}

func unixNanoToFuse(ns uint64, sec *uint64, nsec *uint32) {
	*sec = ns / 1e9
	*nsec = uint32(ns % 1e9)
}

func fillAttrOut(out *AttrOut, a lfs.Attr) {
	out.AttrValid = attrValiditySeconds
	out.AttrValidNsec = 0
	fillAttr(&out.Attr, a)
}

func fillEntryOut(out *EntryOut, a lfs.Attr) {
	if out == nil {
		return
	}
	out.NodeId = uint64(a.Ino)
	out.Generation = a.Generation
	out.EntryValid = entryValiditySeconds
	out.AttrValid = attrValiditySeconds
	out.EntryValidNsec = 0
	out.AttrValidNsec = 0
	fillAttr(&out.Attr, a)
}

// access mirrors the teacher's fsOps.access: a coarse owner/group/other
// permission check against the cached attribute's mode bits.
func access(a lfs.Attr, mode uint32, orOwn bool, ctx *Context) Status {
	if ctx.Uid == 0 {
		return OK
	}
	perms := a.Mode & 0x7
	if ctx.Uid == a.UID {
		if orOwn {
			return OK
		}
		perms |= (a.Mode >> 6) & 0x7
	}
	if ctx.Gid == a.GID {
		perms |= (a.Mode >> 3) & 0x7
	}
	if perms&mode == mode {
		return OK
	}
	return EPERM
}

func (o *Ops) Lookup(input *InHeader, name string, out *EntryOut) Status {
	a, err := o.ctx.Lookup(uint32(input.NodeId), name)
	if err != nil {
		return statusOf(err)
	}
	fillEntryOut(out, a)
	return OK
}

func (o *Ops) Forget(nodeID, nlookup uint64) {
	// The core has no lookup-count bookkeeping of its own (spec §3's
	// inode cache is refcounted by Get/Put, not by kernel lookup
	// count); nothing to release here.
}

func (o *Ops) GetAttr(input *GetAttrIn, out *AttrOut) Status {
	a, err := o.ctx.GetAttr(uint32(input.NodeId))
	if err != nil {
		return statusOf(err)
	}
	fillAttrOut(out, a)
	return OK
}

func (o *Ops) SetAttr(input *SetAttrIn, out *AttrOut) Status {
	var f lfs.SetAttrFields
	if input.Valid&FATTR_MODE != 0 {
		f.SetMode, f.Mode = true, input.Mode
	}
	if input.Valid&FATTR_UID != 0 {
		f.SetUID, f.UID = true, input.Uid
	}
	if input.Valid&FATTR_GID != 0 {
		f.SetGID, f.GID = true, input.Gid
	}
	if input.Valid&FATTR_SIZE != 0 {
		f.SetSize, f.Size = true, input.Size
	}
	if input.Valid&FATTR_ATIME != 0 {
		f.SetAtime = true
		if input.Valid&FATTR_ATIME_NOW != 0 {
			f.AtimeNs = uint64(nowNs())
		} else {
			f.AtimeNs = input.Atime*1e9 + uint64(input.Atimensec)
		}
	}
	if input.Valid&FATTR_MTIME != 0 {
		f.SetMtime = true
		if input.Valid&FATTR_MTIME_NOW != 0 {
			f.MtimeNs = uint64(nowNs())
		} else {
			f.MtimeNs = input.Mtime*1e9 + uint64(input.Mtimensec)
		}
	}

	a, err := o.ctx.SetAttr(uint32(input.NodeId), f)
	if err != nil {
		return statusOf(err)
	}
	fillAttrOut(out, a)
	return OK
}

func (o *Ops) Release(input *ReleaseIn) {
}

func (o *Ops) ReleaseDir(input *ReleaseIn) {
}

func (o *Ops) OpenDir(input *OpenIn, out *OpenOut) Status {
	a, err := o.ctx.Open(uint32(input.NodeId))
	if err != nil {
		return statusOf(err)
	}
	return access(a, R_OK|X_OK, false, &input.Context)
}

func (o *Ops) Open(input *OpenIn, out *OpenOut) Status {
	_, err := o.ctx.Open(uint32(input.NodeId))
	if err != nil {
		return statusOf(err)
	}
	return OK
}

func (o *Ops) ReadDir(input *ReadIn, l *DirEntryList) Status {
	entries, err := o.ctx.Readdir(uint32(input.NodeId), input.Offset, int(input.Size))
	if err != nil {
		return statusOf(err)
	}
	for _, e := range entries {
		if ok := l.AddDirEntry(DirEntry{Mode: dirEntModeOf(e.Type), Name: e.Name, Ino: uint64(e.Ino)}); !ok {
			break
		}
	}
	return OK
}

func (o *Ops) ReadDirPlus(input *ReadIn, l *DirEntryList) Status {
	entries, err := o.ctx.Readdir(uint32(input.NodeId), input.Offset, int(input.Size))
	if err != nil {
		return statusOf(err)
	}
	for _, e := range entries {
		entry := l.AddDirLookupEntry(DirEntry{Mode: dirEntModeOf(e.Type), Name: e.Name, Ino: uint64(e.Ino)})
		if entry == nil {
			break
		}
		*entry = EntryOut{}
		a, err := o.ctx.Lookup(uint32(input.NodeId), e.Name)
		if err == nil {
			fillEntryOut(entry, a)
		}
	}
	return OK
}

func (o *Ops) Readlink(input *InHeader) ([]byte, Status) {
	target, err := o.ctx.Readlink(uint32(input.NodeId))
	if err != nil {
		return nil, statusOf(err)
	}
	return []byte(target), OK
}

func (o *Ops) Mkdir(input *MkdirIn, name string, out *EntryOut) Status {
	a, err := o.ctx.Mkdir(uint32(input.NodeId), name, input.Mode&^input.Umask, input.Uid, input.Gid)
	if err != nil {
		return statusOf(err)
	}
	fillEntryOut(out, a)
	return OK
}

func (o *Ops) Unlink(input *InHeader, name string) Status {
	mlog.Printf2("adapter/adapter", "Unlink %s", name)
	return statusOf(o.ctx.Unlink(uint32(input.NodeId), name))
}

func (o *Ops) Rmdir(input *InHeader, name string) Status {
	mlog.Printf2("adapter/adapter", "Rmdir %s", name)
	return statusOf(o.ctx.Rmdir(uint32(input.NodeId), name))
}

// Extended attributes are an explicit non-goal (spec.md §1); every
// xattr upcall is unsupported the way the teacher stubs Flush/Fsync.
func (o *Ops) GetXAttrSize(input *InHeader, attr string) (int, Status) {
	return 0, ENOSYS
}

func (o *Ops) GetXAttrData(input *InHeader, attr string) ([]byte, Status) {
	return nil, ENOSYS
}

func (o *Ops) SetXAttr(input *SetXAttrIn, attr string, data []byte) Status {
	return ENOSYS
}

func (o *Ops) ListXAttr(input *InHeader) ([]byte, Status) {
	return nil, ENOSYS
}

func (o *Ops) RemoveXAttr(input *InHeader, attr string) Status {
	return ENOSYS
}

func (o *Ops) Rename(input *RenameIn, oldName string, newName string) Status {
	mlog.Printf2("adapter/adapter", "Rename %s -> %s", oldName, newName)
	err := o.ctx.Rename(uint32(input.NodeId), oldName, uint32(input.Newdir), newName)
	return statusOf(err)
}

// Link is cross-directory hard links, an explicit non-goal (spec.md
// §1); only self-link-within-same-directory-as-rename is exercised via
// Rename, which calls lfs.Context directly rather than through here.
func (o *Ops) Link(input *LinkIn, name string, out *EntryOut) Status {
	return ENOSYS
}

func (o *Ops) Access(input *AccessIn) Status {
	a, err := o.ctx.GetAttr(uint32(input.NodeId))
	if err != nil {
		return statusOf(err)
	}
	return access(a, input.Mask, true, &input.Context)
}

func (o *Ops) Read(input *ReadIn, buf []byte) (ReadResult, Status) {
	data, err := o.ctx.Read(uint32(input.NodeId), input.Offset, len(buf))
	if err != nil {
		return nil, statusOf(err)
	}
	return ReadResultData(data), OK
}

func (o *Ops) Write(input *WriteIn, data []byte) (uint32, Status) {
	n, err := o.ctx.Write(uint32(input.NodeId), input.Offset, data)
	if err != nil {
		return uint32(n), statusOf(err)
	}
	return uint32(n), OK
}

func (o *Ops) Create(input *CreateIn, name string, out *CreateOut) Status {
	mlog.Printf2("adapter/adapter", "Create %s", name)
	a, err := o.ctx.Create(uint32(input.NodeId), name, input.Mode&^input.Umask, input.Uid, input.Gid)
	if err != nil {
		return statusOf(err)
	}
	fillEntryOut(&out.EntryOut, a)
	out.OpenOut.Fh = 0
	return OK
}

// Mknod only serves plain regular files; device/fifo/socket node types
// are outside a log-structured file/directory system's scope.
func (o *Ops) Mknod(input *MknodIn, name string, out *EntryOut) Status {
	if input.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return ENOSYS
	}
	a, err := o.ctx.Create(uint32(input.NodeId), name, input.Mode, input.Uid, input.Gid)
	if err != nil {
		return statusOf(err)
	}
	fillEntryOut(out, a)
	return OK
}

func (o *Ops) Symlink(input *InHeader, pointedTo string, linkName string, out *EntryOut) Status {
	a, err := o.ctx.Symlink(uint32(input.NodeId), linkName, pointedTo, input.Uid, input.Gid)
	if err != nil {
		return statusOf(err)
	}
	fillEntryOut(out, a)
	return OK
}

func (o *Ops) Flush(input *FlushIn) Status {
	return OK
}

func (o *Ops) Fsync(input *FsyncIn) Status {
	return statusOf(o.ctx.Fsync(uint32(input.NodeId)))
}

func (o *Ops) FsyncDir(input *FsyncIn) Status {
	return statusOf(o.ctx.Fsync(uint32(input.NodeId)))
}

func (o *Ops) Fallocate(in *FallocateIn) Status {
	return ENOSYS
}

func dirEntModeOf(t uint8) uint32 {
	switch t {
	case inode.TypeDirectory:
		return syscall.S_IFDIR
	case inode.TypeSymlink:
		return syscall.S_IFLNK
	case inode.TypeCharDev:
		return syscall.S_IFCHR
	case inode.TypeBlockDev:
		return syscall.S_IFBLK
	case inode.TypeFIFO:
		return syscall.S_IFIFO
	case inode.TypeSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}
