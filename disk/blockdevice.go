package disk

import (
	"os"

	"github.com/pkg/errors"

	"github.com/lsfs-project/lsfs/lsferr"
	"github.com/lsfs-project/lsfs/mlog"
)

// BlockDevice is the leaf of the stack (spec §4.1): positional
// fixed-size-block I/O against the backing image, with an explicit
// sync barrier. Grounded on the teacher's storage/file/file.go
// os.File-backed backend, generalized from one-file-per-block to a
// single image file addressed by absolute block number, and with
// explicit error returns in place of log.Panic.
type BlockDevice interface {
	ReadBlock(block uint64) ([]byte, error)
	WriteBlock(block uint64, data []byte) error
	ReadRange(start uint64, count uint32) ([]byte, error)
	WriteRange(start uint64, data []byte) error
	Sync() error
	Blocks() uint64
	ReadOnly() bool
	Close() error
}

type fileBlockDevice struct {
	f        *os.File
	blocks   uint64
	readOnly bool
}

var _ BlockDevice = &fileBlockDevice{}

// Open opens path as the backing image. The file must already exist
// and be sized to a whole number of blocks (the formatter creates it
// that way); readOnly turns every write into an I/O error.
func Open(path string, readOnly bool) (BlockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrap(lsferr.IO, err.Error())
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(lsferr.IO, err.Error())
	}
	return &fileBlockDevice{f: f, blocks: uint64(fi.Size()) / BlockSize, readOnly: readOnly}, nil
}

// Create creates a fresh zero-filled backing image of the given
// block count, for use by the formatter.
func Create(path string, blocks uint64) (BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(lsferr.IO, err.Error())
	}
	if err := f.Truncate(int64(blocks) * BlockSize); err != nil {
		f.Close()
		return nil, errors.Wrap(lsferr.IO, err.Error())
	}
	return &fileBlockDevice{f: f, blocks: blocks}, nil
}

func (d *fileBlockDevice) Blocks() uint64  { return d.blocks }
func (d *fileBlockDevice) ReadOnly() bool  { return d.readOnly }

func (d *fileBlockDevice) checkRange(start uint64, count uint32) error {
	if count == 0 {
		return nil
	}
	if start+uint64(count) > d.blocks {
		return errors.Wrapf(lsferr.IO, "range [%d,%d) exceeds %d blocks", start, start+uint64(count), d.blocks)
	}
	return nil
}

func (d *fileBlockDevice) ReadRange(start uint64, count uint32) ([]byte, error) {
	if err := d.checkRange(start, count); err != nil {
		return nil, err
	}
	buf := make([]byte, int(count)*BlockSize)
	n, err := d.f.ReadAt(buf, int64(start)*BlockSize)
	if err != nil && n != len(buf) {
		return nil, errors.Wrapf(lsferr.IO, "read_range(%d,%d): %v", start, count, err)
	}
	mlog.Printf2("disk/blockdevice", "ReadRange(%d,%d)", start, count)
	return buf, nil
}

func (d *fileBlockDevice) WriteRange(start uint64, data []byte) error {
	if d.readOnly {
		return errors.Wrap(lsferr.IO, "write_range on read-only device")
	}
	count := uint32((len(data) + BlockSize - 1) / BlockSize)
	if err := d.checkRange(start, count); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(start)*BlockSize); err != nil {
		return errors.Wrapf(lsferr.IO, "write_range(%d): %v", start, err)
	}
	mlog.Printf2("disk/blockdevice", "WriteRange(%d,+%d)", start, len(data)/BlockSize)
	return nil
}

func (d *fileBlockDevice) ReadBlock(block uint64) ([]byte, error) {
	return d.ReadRange(block, 1)
}

func (d *fileBlockDevice) WriteBlock(block uint64, data []byte) error {
	if len(data) != BlockSize {
		return errors.Wrap(lsferr.Invalid, "write_block: data must be exactly one block")
	}
	return d.WriteRange(block, data)
}

func (d *fileBlockDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return errors.Wrap(lsferr.IO, err.Error())
	}
	return nil
}

func (d *fileBlockDevice) Close() error {
	return d.f.Close()
}
