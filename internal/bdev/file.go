package bdev

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileBlockDevice implements BlockDevice over a host disk-image file,
// using positioned pread/pwrite so callers need not share a file offset,
// and an advisory flock so only one process drives the image at a time —
// the same discipline ufs.openDisk relies on an exclusively-opened fd for.
type FileBlockDevice struct {
	f *os.File
}

// OpenFile opens path (which must already exist and be large enough) as a
// block device.
func OpenFile(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "bdev: open disk image")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bdev: disk image already in use")
	}
	return &FileBlockDevice{f: f}, nil
}

// CreateFile creates (truncating) a disk image of nblocks blocks.
func CreateFile(path string, nblocks uint64) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "bdev: create disk image")
	}
	if err := f.Truncate(int64(nblocks) * BlockSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bdev: truncate disk image")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bdev: disk image already in use")
	}
	return &FileBlockDevice{f: f}, nil
}

// ReadBlock implements BlockDevice.
func (d *FileBlockDevice) ReadBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("bdev: read buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(id)*BlockSize)
	if err != nil {
		return errors.Wrapf(err, "bdev: pread block %d", id)
	}
	if n != BlockSize {
		return fmt.Errorf("bdev: short read of block %d: %d bytes", id, n)
	}
	return nil
}

// WriteBlock implements BlockDevice.
func (d *FileBlockDevice) WriteBlock(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("bdev: write buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(id)*BlockSize)
	if err != nil {
		return errors.Wrapf(err, "bdev: pwrite block %d", id)
	}
	if n != BlockSize {
		return fmt.Errorf("bdev: short write of block %d: %d bytes", id, n)
	}
	return nil
}

// Close releases the lock and closes the underlying file.
func (d *FileBlockDevice) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}
