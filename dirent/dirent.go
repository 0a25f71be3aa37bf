// Package dirent is the directory body format and operations of spec
// §4.7: a sequence of 4-byte-aligned variable-length records over a
// directory inode's regular file content, addressed through the file
// block index. Grounded directly on the original C directory.c
// lookup/add/remove/is_empty/init walks, reimplemented over this
// module's fileindex.Read/Write instead of raw inode_read_block calls.
package dirent

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/disk"
	"github.com/lsfs-project/lsfs/fileindex"
	"github.com/lsfs-project/lsfs/inode"
	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/segment"
)

const headerSize = 8 // ino(4) + rec_len(2) + name_len(1) + file_type(1)

// recSize is the 4-byte-aligned total size of a record with the given
// name length (spec §4.7).
func recSize(nameLen int) uint16 {
	s := headerSize + nameLen
	return uint16((s + 3) &^ 3)
}

func decodeAt(block []byte, off int) (ino uint32, recLen uint16, nameLen uint8, fileType uint8, name string) {
	ino = binary.LittleEndian.Uint32(block[off:])
	recLen = binary.LittleEndian.Uint16(block[off+4:])
	nameLen = block[off+6]
	fileType = block[off+7]
	if recLen > 0 && int(nameLen) <= len(block)-off-headerSize {
		name = string(block[off+headerSize : off+headerSize+int(nameLen)])
	}
	return
}

func encodeAt(block []byte, off int, ino uint32, recLen uint16, nameLen uint8, fileType uint8, name string) {
	binary.LittleEndian.PutUint32(block[off:], ino)
	binary.LittleEndian.PutUint16(block[off+4:], recLen)
	block[off+6] = nameLen
	block[off+7] = fileType
	copy(block[off+headerSize:off+headerSize+len(name)], name)
}

func zeroBlock(dev fileindex.BlockReader, rec *inode.Record, blockIdx uint64) ([]byte, error) {
	addr, err := fileindex.Read(dev, rec, blockIdx)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return make([]byte, disk.BlockSize), nil
	}
	buf, err := dev.ReadBlock(addr)
	if err != nil {
		return nil, errors.Wrap(err, "dirent: read directory block")
	}
	out := make([]byte, disk.BlockSize)
	copy(out, buf)
	return out, nil
}

// Lookup scans rec's body for name, returning its (ino, file_type)
// (spec §4.7 lookup). Returns lsferr.NoEnt if absent.
func Lookup(dev fileindex.BlockReader, rec *inode.Record, name string) (uint32, uint8, error) {
	if len(name) > 255 {
		return 0, 0, errors.Wrap(lsferr.Invalid, "dirent: name too long")
	}
	var offset uint64
	for offset < rec.Size {
		blockIdx := offset / disk.BlockSize
		blockOff := int(offset % disk.BlockSize)

		block, err := zeroBlock(dev, rec, blockIdx)
		if err != nil {
			return 0, 0, err
		}
		for blockOff < disk.BlockSize {
			ino, recLen, nameLen, fileType, nm := decodeAt(block, blockOff)
			if recLen == 0 || int(recLen) > disk.BlockSize-blockOff {
				break
			}
			if ino != 0 && int(nameLen) == len(name) && nm == name {
				return ino, fileType, nil
			}
			offset += uint64(recLen)
			blockOff += int(recLen)
		}
	}
	return 0, 0, errors.Wrapf(lsferr.NoEnt, "dirent: %q not found", name)
}

// Add inserts a (name, ino, fileType) record, reusing a tombstoned
// slot or the tail slack of the last record when one is large enough,
// else allocating a fresh trailing block (spec §4.7 add).
func Add(w *segment.Writer, dev fileindex.BlockReader, dead fileindex.LiveTracker, rec *inode.Record, name string, ino uint32, fileType uint8, now uint64) error {
	if len(name) > 255 {
		return errors.Wrap(lsferr.Invalid, "dirent: name too long")
	}
	if _, _, err := Lookup(dev, rec, name); err == nil {
		return errors.Wrapf(lsferr.Exist, "dirent: %q already exists", name)
	}
	needed := recSize(len(name))

	var offset uint64
	for offset < rec.Size {
		blockIdx := offset / disk.BlockSize
		blockOff := int(offset % disk.BlockSize)

		block, err := zeroBlock(dev, rec, blockIdx)
		if err != nil {
			return err
		}
		for blockOff < disk.BlockSize {
			curIno, recLen, nameLen, _, _ := decodeAt(block, blockOff)

			if recLen == 0 {
				space := uint16(disk.BlockSize - blockOff)
				if space >= needed {
					encodeAt(block, blockOff, ino, space, uint8(len(name)), fileType, name)
					if err := fileindex.Write(w, dev, dead, rec, blockIdx, block, now); err != nil {
						return err
					}
					touch(rec, now)
					return nil
				}
				break
			}

			if curIno == 0 && recLen >= needed {
				remaining := recLen - needed
				encodeAt(block, blockOff, ino, recLen, uint8(len(name)), fileType, name)
				if remaining >= recSize(0) {
					binary.LittleEndian.PutUint16(block[blockOff+4:], needed)
					nextOff := blockOff + int(needed)
					encodeAt(block, nextOff, 0, remaining, 0, 0, "")
				}
				if err := fileindex.Write(w, dev, dead, rec, blockIdx, block, now); err != nil {
					return err
				}
				touch(rec, now)
				return nil
			}

			actual := recSize(int(nameLen))
			free := recLen - actual
			if curIno != 0 && free >= needed {
				binary.LittleEndian.PutUint16(block[blockOff+4:], actual)
				newOff := blockOff + int(actual)
				encodeAt(block, newOff, ino, free, uint8(len(name)), fileType, name)
				if err := fileindex.Write(w, dev, dead, rec, blockIdx, block, now); err != nil {
					return err
				}
				touch(rec, now)
				return nil
			}

			offset += uint64(recLen)
			blockOff += int(recLen)
		}
	}

	newBlockIdx := rec.Size / disk.BlockSize
	block := make([]byte, disk.BlockSize)
	encodeAt(block, 0, ino, disk.BlockSize, uint8(len(name)), fileType, name)
	if err := fileindex.Write(w, dev, dead, rec, newBlockIdx, block, now); err != nil {
		return err
	}
	rec.Size = (newBlockIdx + 1) * disk.BlockSize
	touch(rec, now)
	return nil
}

// Remove tombstones name's record (ino = 0), merging it into the
// immediately preceding record within the same block when possible
// (spec §4.7 remove).
func Remove(w *segment.Writer, dev fileindex.BlockReader, dead fileindex.LiveTracker, rec *inode.Record, name string, now uint64) error {
	var offset uint64
	var prevOff = -1

	for offset < rec.Size {
		blockIdx := offset / disk.BlockSize
		blockOff := int(offset % disk.BlockSize)
		if blockOff == 0 {
			prevOff = -1
		}

		block, err := zeroBlock(dev, rec, blockIdx)
		if err != nil {
			return err
		}
		for blockOff < disk.BlockSize {
			curIno, recLen, nameLen, _, nm := decodeAt(block, blockOff)
			if recLen == 0 {
				break
			}
			if curIno != 0 && int(nameLen) == len(name) && nm == name {
				if prevOff >= 0 {
					_, prevLen, _, _, _ := decodeAt(block, prevOff)
					binary.LittleEndian.PutUint16(block[prevOff+4:], prevLen+recLen)
				} else {
					binary.LittleEndian.PutUint32(block[blockOff:], 0)
				}
				if err := fileindex.Write(w, dev, dead, rec, blockIdx, block, now); err != nil {
					return err
				}
				touch(rec, now)
				return nil
			}
			prevOff = blockOff
			offset += uint64(recLen)
			blockOff += int(recLen)
		}
	}
	return errors.Wrapf(lsferr.NoEnt, "dirent: %q not found", name)
}

// IsEmpty reports whether rec's body holds only "." and ".." (spec
// §4.7 is_empty).
func IsEmpty(dev fileindex.BlockReader, rec *inode.Record) (bool, error) {
	var offset uint64
	for offset < rec.Size {
		blockIdx := offset / disk.BlockSize
		blockOff := int(offset % disk.BlockSize)

		block, err := zeroBlock(dev, rec, blockIdx)
		if err != nil {
			return false, err
		}
		for blockOff < disk.BlockSize {
			ino, recLen, nameLen, _, nm := decodeAt(block, blockOff)
			if recLen == 0 {
				break
			}
			if ino != 0 && !(nm == "." || nm == "..") {
				_ = nameLen
				return false, nil
			}
			offset += uint64(recLen)
			blockOff += int(recLen)
		}
	}
	return true, nil
}

// Init populates a freshly allocated directory's first block with
// "." and ".." and sets its link count to 2 (spec §4.7 init).
func Init(w *segment.Writer, dev fileindex.BlockReader, dead fileindex.LiveTracker, rec *inode.Record, parentIno uint32, now uint64) error {
	block := make([]byte, disk.BlockSize)
	dotLen := recSize(1)
	encodeAt(block, 0, rec.Ino, dotLen, 1, inode.TypeDirectory, ".")
	encodeAt(block, int(dotLen), parentIno, uint16(disk.BlockSize)-dotLen, 2, inode.TypeDirectory, "..")

	if err := fileindex.Write(w, dev, dead, rec, 0, block, now); err != nil {
		return err
	}
	rec.Size = disk.BlockSize
	rec.Nlink = 2
	return nil
}

func touch(rec *inode.Record, now uint64) {
	rec.MtimeNs = now
	rec.CtimeNs = now
}

// Entry is one live directory record, as returned by List (spec §6
// readdir upcall; not named as its own operation in §4.7, but needed
// to serve it).
type Entry struct {
	Ino  uint32
	Type uint8
	Name string
}

// List returns every live (non-tombstoned) record in rec's body, in
// on-disk order, for the adapter's readdir upcall.
func List(dev fileindex.BlockReader, rec *inode.Record) ([]Entry, error) {
	var out []Entry
	var offset uint64
	for offset < rec.Size {
		blockIdx := offset / disk.BlockSize
		blockOff := int(offset % disk.BlockSize)

		block, err := zeroBlock(dev, rec, blockIdx)
		if err != nil {
			return nil, err
		}
		for blockOff < disk.BlockSize {
			ino, recLen, _, fileType, name := decodeAt(block, blockOff)
			if recLen == 0 {
				break
			}
			if ino != 0 {
				out = append(out, Entry{Ino: ino, Type: fileType, Name: name})
			}
			offset += uint64(recLen)
			blockOff += int(recLen)
		}
	}
	return out, nil
}
