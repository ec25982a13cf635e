// Package easyfs implements the on-disk "easy" filesystem (spec §3, §4.4):
// superblock + inode bitmap + data bitmap + inode table + data blocks, with
// a direct/indirect1/indirect2 disk-inode index. Grounded on biscuit's
// fs/super.go field-accessor-over-raw-bytes pattern, generalized to the
// easy-fs field set (a different, unjournaled layout) named in spec §3.
package easyfs

import (
	"encoding/binary"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/stride-os/kernel/internal/bdev"
)

// Magic identifies a valid easy-fs image (spec §6).
const Magic uint32 = 0x3b800001

// FormatVersion is the disk-format version this build writes and the
// highest major version it will mount (SPEC_FULL.md §2/§3).
const FormatVersion = "1.0.0"

// superblockLayout: all fields little-endian (spec §6).
//
//	offset  size  field
//	0       4     magic
//	4       4     total_blocks
//	8       4     inode_bitmap_blocks
//	12      4     inode_area_blocks
//	16      4     data_bitmap_blocks
//	20      4     data_area_blocks
//	24      16    fs_version (semver string, NUL-padded)
const (
	sbOffMagic      = 0
	sbOffTotal      = 4
	sbOffInodeBmap  = 8
	sbOffInodeArea  = 12
	sbOffDataBmap   = 16
	sbOffDataArea   = 20
	sbOffVersion    = 24
	sbVersionLen    = 16
	SuperblockBytes = sbOffVersion + sbVersionLen
)

// Superblock describes an easy-fs image's block layout.
type Superblock struct {
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// Encode serializes sb into a fresh 512-byte block-0 image.
func (sb Superblock) Encode() [bdev.BlockSize]byte {
	var buf [bdev.BlockSize]byte
	binary.LittleEndian.PutUint32(buf[sbOffMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[sbOffTotal:], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[sbOffInodeBmap:], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[sbOffInodeArea:], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[sbOffDataBmap:], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[sbOffDataArea:], sb.DataAreaBlocks)
	copy(buf[sbOffVersion:sbOffVersion+sbVersionLen], FormatVersion)
	return buf
}

// DecodeSuperblock parses and validates block 0. A magic mismatch is a
// fatal mount error (spec §6); a version whose major component this build
// doesn't understand is also rejected.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockBytes {
		return Superblock{}, fmt.Errorf("easyfs: superblock block too short")
	}
	magic := binary.LittleEndian.Uint32(buf[sbOffMagic:])
	if magic != Magic {
		return Superblock{}, errors.Errorf("easyfs: bad magic %#x, not an easy-fs image", magic)
	}
	sb := Superblock{
		TotalBlocks:       binary.LittleEndian.Uint32(buf[sbOffTotal:]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(buf[sbOffInodeBmap:]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(buf[sbOffInodeArea:]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(buf[sbOffDataBmap:]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(buf[sbOffDataArea:]),
	}

	raw := string(buf[sbOffVersion : sbOffVersion+sbVersionLen])
	for i, c := range raw {
		if c == 0 {
			raw = raw[:i]
			break
		}
	}
	if raw == "" {
		return sb, nil // images written before versioning was added
	}
	onDisk, err := semver.NewVersion(raw)
	if err != nil {
		return Superblock{}, errors.Wrapf(err, "easyfs: unparseable fs_version %q", raw)
	}
	ours, err := semver.NewVersion(FormatVersion)
	if err != nil {
		panic(err) // FormatVersion is a compile-time constant
	}
	if onDisk.Major() > ours.Major() {
		return Superblock{}, errors.Errorf(
			"easyfs: image format version %s is newer than this build understands (%s)",
			onDisk, ours)
	}
	return sb, nil
}

// InodeBitmapStart is the block id of the first inode-bitmap block.
func (sb Superblock) InodeBitmapStart() uint64 { return 1 }

// InodeAreaStart is the block id of the first inode-table block.
func (sb Superblock) InodeAreaStart() uint64 {
	return sb.InodeBitmapStart() + uint64(sb.InodeBitmapBlocks)
}

// DataBitmapStart is the block id of the first data-bitmap block.
func (sb Superblock) DataBitmapStart() uint64 {
	return sb.InodeAreaStart() + uint64(sb.InodeAreaBlocks)
}

// DataAreaStart is the block id of the first data block.
func (sb Superblock) DataAreaStart() uint64 {
	return sb.DataBitmapStart() + uint64(sb.DataBitmapBlocks)
}

// MaxInodes is the number of inode slots the bitmap can track.
func (sb Superblock) MaxInodes() uint32 {
	return sb.InodeBitmapBlocks * BitsPerBlock
}
