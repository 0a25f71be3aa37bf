package lfs

import (
	"syscall"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/dirent"
	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/fileindex"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/lsferr"
)

// Attr is the adapter-agnostic attribute record returned by GetAttr,
// SetAttr, Lookup, Create, and Mkdir (spec §6: "Results are attribute
// records").
type Attr struct {
	Ino        uint32
	Mode       uint32
	UID        uint32
	GID        uint32
	Size       uint64
	Blocks     uint64
	AtimeNs    uint64
	MtimeNs    uint64
	CtimeNs    uint64
	Nlink      uint32
	Generation uint64
}

func attrOf(rec *inode.Record) Attr {
	return Attr{
		Ino: rec.Ino, Mode: rec.Mode, UID: rec.UID, GID: rec.GID,
		Size: rec.Size, Blocks: rec.BlockCount,
		AtimeNs: rec.AtimeNs, MtimeNs: rec.MtimeNs, CtimeNs: rec.CtimeNs,
		Nlink: rec.Nlink, Generation: rec.Generation,
	}
}

// dirType maps a POSIX mode's S_IFMT bits to the dirent file-type tag
// of spec §4.7 ("block_type" sibling for directory entries).
func dirType(mode uint32) uint8 {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return inode.TypeDirectory
	case syscall.S_IFLNK:
		return inode.TypeSymlink
	case syscall.S_IFCHR:
		return inode.TypeCharDev
	case syscall.S_IFBLK:
		return inode.TypeBlockDev
	case syscall.S_IFIFO:
		return inode.TypeFIFO
	case syscall.S_IFSOCK:
		return inode.TypeSocket
	default:
		return inode.TypeRegular
	}
}

// GetAttr serves spec §6 getattr(ino).
func (c *Context) GetAttr(ino uint32) (Attr, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(n)
	rec := n.View()
	return attrOf(&rec), nil
}

// SetAttrFields carries only the fields a setattr call actually wants
// changed, mirroring FATTR_* valid-bit gating in the teacher's
// fs/ops.go SetAttr without importing a FUSE type here.
type SetAttrFields struct {
	SetMode bool
	Mode    uint32
	SetUID  bool
	UID     uint32
	SetGID  bool
	GID     uint32
	SetSize bool
	Size    uint64
	SetAtime bool
	AtimeNs  uint64
	SetMtime bool
	MtimeNs  uint64
}

// SetAttr serves spec §6 setattr(ino, fields).
func (c *Context) SetAttr(ino uint32, f SetAttrFields) (Attr, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(n)

	now := c.now()
	n.Mutate(func(r *inode.Record) {
		if f.SetMode {
			r.Mode = (r.Mode &^ 0777) | (f.Mode & 0777)
		}
		if f.SetUID {
			r.UID = f.UID
		}
		if f.SetGID {
			r.GID = f.GID
		}
		if f.SetAtime {
			r.AtimeNs = f.AtimeNs
		}
		if f.SetMtime {
			r.MtimeNs = f.MtimeNs
		}
		r.CtimeNs = now
	})

	if f.SetSize {
		if err := c.truncate(n, f.Size, now); err != nil {
			return Attr{}, err
		}
	}

	if err := c.inodes.Write(n, now); err != nil {
		return Attr{}, err
	}
	rec := n.View()
	return attrOf(&rec), nil
}

// truncate grows or shrinks n to size bytes. Growing leaves the new
// range as holes (fileindex.Read already zero-fills unmapped blocks);
// shrinking below the current block count does not reclaim the
// trailing blocks' allocations here -- Free/overwrite paths retire
// them, matching the reference's lazy truncate.
func (c *Context) truncate(n *inode.Inode, size uint64, now uint64) error {
	n.Mutate(func(r *inode.Record) {
		r.Size = size
		r.MtimeNs = now
		r.CtimeNs = now
	})
	return nil
}

// Lookup serves spec §6 lookup(parent, name).
func (c *Context) Lookup(parent uint32, name string) (Attr, error) {
	pn, err := c.inodes.Get(parent)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(pn)
	prec := pn.View()
	if dirType(prec.Mode) != inode.TypeDirectory {
		return Attr{}, errors.Wrap(lsferr.NotDir, "lfs: lookup: parent is not a directory")
	}

	// ".." never trusts the stored dirent body -- a rename moving this
	// directory does not rewrite it, only the inode's Parent field
	// (SPEC_FULL.md open-question decision #2).
	if name == ".." {
		if prec.Parent == 0 {
			return c.GetAttr(parent)
		}
		return c.GetAttr(prec.Parent)
	}

	ino, _, err := dirent.Lookup(c.dev, &prec, name)
	if err != nil {
		return Attr{}, err
	}
	return c.GetAttr(ino)
}

// Readdir serves spec §6 readdir(ino, offset, size); offset/size page
// through the (already-decoded) entry list the way the reference does
// with a cookie-ordered directory scan.
func (c *Context) Readdir(ino uint32, offset uint64, size int) ([]dirent.Entry, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	defer c.inodes.Put(n)
	rec := n.View()
	if dirType(rec.Mode) != inode.TypeDirectory {
		return nil, errors.Wrap(lsferr.NotDir, "lfs: readdir: not a directory")
	}
	all, err := dirent.List(c.dev, &rec)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == ".." && rec.Parent != 0 {
			all[i].Ino = rec.Parent
		}
	}
	if offset >= uint64(len(all)) {
		return nil, nil
	}
	end := offset + uint64(size)
	if end > uint64(len(all)) || size <= 0 {
		end = uint64(len(all))
	}
	return all[offset:end], nil
}

// Open serves spec §6 open(ino): validates the inode exists and
// returns its attributes; the core has no separate file-handle table,
// the adapter keys reads/writes by ino directly.
func (c *Context) Open(ino uint32) (Attr, error) {
	return c.GetAttr(ino)
}

// Read serves spec §6 read(ino, off, size).
func (c *Context) Read(ino uint32, off uint64, size int) ([]byte, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return nil, err
	}
	defer c.inodes.Put(n)
	rec := n.View()

	if off >= rec.Size {
		return nil, nil
	}
	if off+uint64(size) > rec.Size {
		size = int(rec.Size - off)
	}
	out := make([]byte, 0, size)
	for len(out) < size {
		blockIdx := (off + uint64(len(out))) / disk.BlockSize
		blockOff := int((off + uint64(len(out))) % disk.BlockSize)
		addr, err := fileindex.Read(c.dev, &rec, blockIdx)
		if err != nil {
			return nil, err
		}
		var block []byte
		if addr == 0 {
			block = make([]byte, disk.BlockSize)
		} else {
			h, err := c.bc.Get(addr)
			if err != nil {
				return nil, err
			}
			block = make([]byte, disk.BlockSize)
			copy(block, h.Data())
			c.bc.Put(h)
		}
		take := disk.BlockSize - blockOff
		if remain := size - len(out); remain < take {
			take = remain
		}
		out = append(out, block[blockOff:blockOff+take]...)
	}
	return out, nil
}

// Write serves spec §6 write(ino, off, buf): read-modify-write of any
// partial boundary blocks, full-block overwrite otherwise, updating
// size and mtime (spec §4.6 write).
func (c *Context) Write(ino uint32, off uint64, buf []byte) (int, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return 0, err
	}
	defer c.inodes.Put(n)

	now := c.now()
	written := 0
	var writeErr error
	n.Mutate(func(r *inode.Record) {
		for written < len(buf) {
			blockIdx := (off + uint64(written)) / disk.BlockSize
			blockOff := int((off + uint64(written)) % disk.BlockSize)

			var block []byte
			if blockOff != 0 || len(buf)-written < disk.BlockSize {
				addr, err := fileindex.Read(c.dev, r, blockIdx)
				if err != nil {
					writeErr = err
					return
				}
				block = make([]byte, disk.BlockSize)
				if addr != 0 {
					h, err := c.bc.Get(addr)
					if err != nil {
						writeErr = err
						return
					}
					copy(block, h.Data())
					c.bc.Put(h)
				}
			} else {
				block = make([]byte, disk.BlockSize)
			}

			take := disk.BlockSize - blockOff
			if remain := len(buf) - written; remain < take {
				take = remain
			}
			copy(block[blockOff:blockOff+take], buf[written:written+take])

			if err := fileindex.Write(c.writer, c.dev, c.dead, r, blockIdx, block, now); err != nil {
				writeErr = err
				return
			}
			written += take
		}
		if off+uint64(written) > r.Size {
			r.Size = off + uint64(written)
		}
		r.MtimeNs = now
		r.CtimeNs = now
	})
	if writeErr != nil {
		return written, writeErr
	}
	if err := c.inodes.Write(n, now); err != nil {
		return written, err
	}
	return written, nil
}

// Create serves spec §6 create(parent, name, mode).
func (c *Context) Create(parent uint32, name string, mode, uid, gid uint32) (Attr, error) {
	return c.createChild(parent, name, mode, uid, gid, false)
}

// Mkdir serves spec §6 mkdir(parent, name, mode).
func (c *Context) Mkdir(parent uint32, name string, mode, uid, gid uint32) (Attr, error) {
	return c.createChild(parent, name, mode|syscall.S_IFDIR, uid, gid, true)
}

func (c *Context) createChild(parent uint32, name string, mode, uid, gid uint32, isDir bool) (Attr, error) {
	pn, err := c.inodes.Get(parent)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(pn)
	prec := pn.View()
	if dirType(prec.Mode) != inode.TypeDirectory {
		return Attr{}, errors.Wrap(lsferr.NotDir, "lfs: create: parent is not a directory")
	}
	if _, _, err := dirent.Lookup(c.dev, &prec, name); err == nil {
		return Attr{}, errors.Wrapf(lsferr.Exist, "lfs: %q already exists", name)
	}

	now := c.now()
	gen := c.nextGeneration()
	child, err := c.inodes.Alloc(mode, uid, gid, now, gen)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(child)

	if isDir {
		var initErr error
		child.Mutate(func(r *inode.Record) {
			initErr = dirent.Init(c.writer, c.dev, c.dead, r, parent, now)
			r.Parent = parent
		})
		if initErr != nil {
			return Attr{}, initErr
		}
	}
	if err := c.inodes.Write(child, now); err != nil {
		return Attr{}, err
	}

	unlock := c.pathLocks.Locked(parent)
	var addErr error
	pn.Mutate(func(r *inode.Record) {
		addErr = dirent.Add(c.writer, c.dev, c.dead, r, name, child.Ino(), dirType(mode), now)
		if addErr == nil && isDir {
			r.Nlink++
		}
	})
	unlock()
	if addErr != nil {
		return Attr{}, addErr
	}
	if err := c.inodes.Write(pn, now); err != nil {
		return Attr{}, err
	}

	rec := child.View()
	return attrOf(&rec), nil
}

// Symlink serves spec §6 symlink(parent, name, target, uid, gid):
// target is stored inline in the inode's reserved symlink field rather
// than spending a data block on it (spec §1 non-goal excludes
// out-of-line symlink bodies).
func (c *Context) Symlink(parent uint32, name, target string, uid, gid uint32) (Attr, error) {
	if len(target) > disk.SymlinkInlineMax {
		return Attr{}, errors.Wrap(lsferr.Invalid, "lfs: symlink target too long")
	}
	attr, err := c.createChild(parent, name, syscall.S_IFLNK|0777, uid, gid, false)
	if err != nil {
		return Attr{}, err
	}

	n, err := c.inodes.Get(attr.Ino)
	if err != nil {
		return Attr{}, err
	}
	defer c.inodes.Put(n)

	now := c.now()
	n.Mutate(func(r *inode.Record) {
		copy(r.Symlink[:], target)
		r.Size = uint64(len(target))
	})
	if err := c.inodes.Write(n, now); err != nil {
		return Attr{}, err
	}
	rec := n.View()
	return attrOf(&rec), nil
}

// Readlink serves spec §6 readlink(ino).
func (c *Context) Readlink(ino uint32) (string, error) {
	n, err := c.inodes.Get(ino)
	if err != nil {
		return "", err
	}
	defer c.inodes.Put(n)
	rec := n.View()
	if dirType(rec.Mode) != inode.TypeSymlink {
		return "", errors.Wrap(lsferr.Invalid, "lfs: readlink: not a symlink")
	}
	length := int(rec.Size)
	if length > len(rec.Symlink) {
		length = len(rec.Symlink)
	}
	return string(rec.Symlink[:length]), nil
}

// Unlink serves spec §6 unlink(parent, name).
func (c *Context) Unlink(parent uint32, name string) error {
	return c.remove(parent, name, false)
}

// Rmdir serves spec §6 rmdir(parent, name).
func (c *Context) Rmdir(parent uint32, name string) error {
	return c.remove(parent, name, true)
}

func (c *Context) remove(parent uint32, name string, wantDir bool) error {
	pn, err := c.inodes.Get(parent)
	if err != nil {
		return err
	}
	defer c.inodes.Put(pn)
	prec := pn.View()

	childIno, childType, err := dirent.Lookup(c.dev, &prec, name)
	if err != nil {
		return err
	}
	isDir := childType == inode.TypeDirectory
	if wantDir && !isDir {
		return errors.Wrap(lsferr.NotDir, "lfs: rmdir: not a directory")
	}
	if !wantDir && isDir {
		return errors.Wrap(lsferr.IsDir, "lfs: unlink: is a directory")
	}

	cn, err := c.inodes.Get(childIno)
	if err != nil {
		return err
	}
	defer c.inodes.Put(cn)

	if isDir {
		crec := cn.View()
		empty, err := dirent.IsEmpty(c.dev, &crec)
		if err != nil {
			return err
		}
		if !empty {
			return errors.Wrap(lsferr.NotEmpty, "lfs: rmdir: directory not empty")
		}
	}

	now := c.now()
	unlock := c.pathLocks.Locked(parent)
	var rmErr error
	pn.Mutate(func(r *inode.Record) {
		rmErr = dirent.Remove(c.writer, c.dev, c.dead, r, name, now)
		if rmErr == nil && isDir {
			if r.Nlink > 0 {
				r.Nlink--
			}
		}
	})
	unlock()
	if rmErr != nil {
		return rmErr
	}
	if err := c.inodes.Write(pn, now); err != nil {
		return err
	}

	var nlinkZero bool
	cn.Mutate(func(r *inode.Record) {
		if r.Nlink > 0 {
			r.Nlink--
		}
		if isDir {
			r.Nlink = 0 // directories never have additional hard links (spec §1 non-goal)
		}
		nlinkZero = r.Nlink == 0
	})
	if nlinkZero {
		c.inodes.Free(cn)
		return nil
	}
	return c.inodes.Write(cn, now)
}

// Rename serves spec §6 rename(oldparent, oldname, newparent,
// newname). The destination, if it exists, is unlinked first (spec
// §9's rename scenario). ".." of a renamed directory resolves through
// the child inode's Parent field, which Rename updates when the
// directory moves to a new parent (SPEC_FULL.md open-question decision
// #2); the ".." record inside the directory body is not rewritten.
func (c *Context) Rename(oldParent uint32, oldName string, newParent uint32, newName string) error {
	lo, hi := oldParent, newParent
	if lo > hi {
		lo, hi = hi, lo
	}
	unlockLo := c.pathLocks.Locked(lo)
	defer unlockLo()
	if hi != lo {
		unlockHi := c.pathLocks.Locked(hi)
		defer unlockHi()
	}

	opn, err := c.inodes.Get(oldParent)
	if err != nil {
		return err
	}
	defer c.inodes.Put(opn)
	oprec := opn.View()

	childIno, childType, err := dirent.Lookup(c.dev, &oprec, oldName)
	if err != nil {
		return err
	}

	npn := opn
	nprec := oprec
	if newParent != oldParent {
		npn, err = c.inodes.Get(newParent)
		if err != nil {
			return err
		}
		defer c.inodes.Put(npn)
		nprec = npn.View()
	}
	if dirType(nprec.Mode) != inode.TypeDirectory {
		return errors.Wrap(lsferr.NotDir, "lfs: rename: destination parent is not a directory")
	}

	now := c.now()

	if existingIno, _, err := dirent.Lookup(c.dev, &nprec, newName); err == nil {
		if existingIno == childIno {
			return nil
		}
		if err := c.remove(newParent, newName, childType == inode.TypeDirectory); err != nil {
			return err
		}
		// remove() resolves to the same pinned *Inode for newParent (the
		// cache returns the existing pinned entry rather than a copy);
		// refresh the view to pick up its Nlink/dirent changes instead of
		// re-Get'ing, which would leak an unmatched pin.
		nprec = npn.View()
	}

	var addErr error
	npn.Mutate(func(r *inode.Record) {
		addErr = dirent.Add(c.writer, c.dev, c.dead, r, newName, childIno, childType, now)
		if addErr == nil && childType == inode.TypeDirectory && newParent != oldParent {
			r.Nlink++
		}
	})
	if addErr != nil {
		return addErr
	}
	if err := c.inodes.Write(npn, now); err != nil {
		return err
	}

	if childType == inode.TypeDirectory && newParent != oldParent {
		cn, err := c.inodes.Get(childIno)
		if err != nil {
			return err
		}
		cn.Mutate(func(r *inode.Record) { r.Parent = newParent })
		if err := c.inodes.Write(cn, now); err != nil {
			c.inodes.Put(cn)
			return err
		}
		c.inodes.Put(cn)
	}

	var rmErr error
	opn.Mutate(func(r *inode.Record) {
		rmErr = dirent.Remove(c.writer, c.dev, c.dead, r, oldName, now)
		if rmErr == nil && childType == inode.TypeDirectory && newParent != oldParent {
			if r.Nlink > 0 {
				r.Nlink--
			}
		}
	})
	if rmErr != nil {
		return rmErr
	}
	return c.inodes.Write(opn, now)
}
