package easyfs

import (
	"fmt"

	"github.com/stride-os/kernel/internal/bcache"
	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/kerr"
)

// RootInodeID is the inode id of the filesystem root directory.
const RootInodeID uint32 = 0

// EasyFileSystem owns the cache, layout and allocation bitmaps for one
// mounted easy-fs image (spec §4.4).
type EasyFileSystem struct {
	Cache *bcache.Cache
	SB    Superblock
}

// Initialize formats a fresh device as an easy-fs image of totalBlocks
// blocks, reserving inodeBitmapBlocks worth of inode bitmap (the rest of
// the device, less block 0 and the inode area, becomes the data region),
// and returns a mounted EasyFileSystem with the root directory created.
func Initialize(dev bdev.BlockDevice, totalBlocks uint32, inodeBitmapBlocks uint32, cacheCapacity int) (*EasyFileSystem, error) {
	cache := bcache.New(dev, cacheCapacity)

	inodeNum := inodeBitmapBlocks * BitsPerBlock
	inodeAreaBlocks := (inodeNum*DiskInodeBytes + bdev.BlockSize - 1) / bdev.BlockSize
	usedBlocks := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if usedBlocks >= totalBlocks {
		return nil, fmt.Errorf("easyfs: inode region too large for a %d-block device", totalBlocks)
	}
	remaining := totalBlocks - usedBlocks
	// One data-bitmap block tracks BitsPerBlock data blocks, and is
	// itself part of the region it tracks the complement of.
	dataBitmapBlocks := (remaining + BitsPerBlock) / (BitsPerBlock + 1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := remaining - dataBitmapBlocks

	sb := Superblock{
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}

	// Zero every bitmap block so every bit starts clear.
	zero := func(start uint64, count uint32) error {
		for i := uint32(0); i < count; i++ {
			if err := zeroBlock(cache, start+uint64(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := zero(sb.InodeBitmapStart(), sb.InodeBitmapBlocks); err != nil {
		return nil, err
	}
	if err := zero(sb.DataBitmapStart(), sb.DataBitmapBlocks); err != nil {
		return nil, err
	}

	if err := dev.WriteBlock(0, sliceOf(sb.Encode())); err != nil {
		return nil, err
	}

	fs := &EasyFileSystem{Cache: cache, SB: sb}

	rootID, err := fs.AllocInode()
	if err != nil {
		return nil, err
	}
	if rootID != RootInodeID {
		panic("easyfs: root inode must be the first inode allocated")
	}
	root := &DiskInode{Type: TypeDirectory, Nlink: 1}
	if err := fs.writeDiskInode(rootID, root); err != nil {
		return nil, err
	}
	if err := cache.SyncAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

func sliceOf(b [bdev.BlockSize]byte) []byte { return b[:] }

// Mount opens an existing easy-fs image, validating the superblock (spec
// §6: a magic mismatch is a fatal mount error).
func Mount(dev bdev.BlockDevice, cacheCapacity int) (*EasyFileSystem, error) {
	var buf [bdev.BlockSize]byte
	if err := dev.ReadBlock(0, buf[:]); err != nil {
		return nil, err
	}
	sb, err := DecodeSuperblock(buf[:])
	if err != nil {
		return nil, err
	}
	return &EasyFileSystem{Cache: bcache.New(dev, cacheCapacity), SB: sb}, nil
}

// GetDiskInodePos returns the (block id, byte offset) of inode id within
// the inode area (spec §4.4).
func (fs *EasyFileSystem) GetDiskInodePos(id uint32) (uint64, uint32) {
	perBlock := uint32(bdev.BlockSize / DiskInodeBytes)
	block := fs.SB.InodeAreaStart() + uint64(id/perBlock)
	offset := (id % perBlock) * DiskInodeBytes
	return block, offset
}

// AllocInode allocates the first free inode slot (spec §4.4).
func (fs *EasyFileSystem) AllocInode() (uint32, error) {
	bit, ok, err := bitmapAlloc(fs.Cache, fs.SB.InodeBitmapStart(), fs.SB.InodeBitmapBlocks)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kerr.New(kerr.OutOfResources, "easyfs: inode bitmap exhausted")
	}
	return bit, nil
}

// DeallocInode frees inode id's bitmap slot (the implementation's chosen
// resolution of the §9 open question: free the slot, not just the data).
func (fs *EasyFileSystem) DeallocInode(id uint32) error {
	return bitmapDealloc(fs.Cache, fs.SB.InodeBitmapStart(), id)
}

// AllocData allocates one free data block and returns its absolute block
// id (spec §4.4).
func (fs *EasyFileSystem) AllocData() (uint64, error) {
	bit, ok, err := bitmapAlloc(fs.Cache, fs.SB.DataBitmapStart(), fs.SB.DataBitmapBlocks)
	if err != nil {
		return 0, err
	}
	if ok && bit >= fs.SB.DataAreaBlocks {
		// the bitmap has more bits than the data area has blocks
		if err := bitmapDealloc(fs.Cache, fs.SB.DataBitmapStart(), bit); err != nil {
			return 0, err
		}
		ok = false
	}
	if !ok {
		return 0, kerr.New(kerr.OutOfResources, "easyfs: data bitmap exhausted")
	}
	return fs.SB.DataAreaStart() + uint64(bit), nil
}

// DeallocData frees the data block at absolute block id blockID (spec
// §4.4).
func (fs *EasyFileSystem) DeallocData(blockID uint64) error {
	bit := uint32(blockID - fs.SB.DataAreaStart())
	if err := zeroBlock(fs.Cache, blockID); err != nil {
		return err
	}
	return bitmapDealloc(fs.Cache, fs.SB.DataBitmapStart(), bit)
}

// AllocDataBlocksFor allocates exactly the blocks IncreaseSize needs to
// grow an inode from its current size to newSize (data plus any new index
// blocks), rolling back any partial allocation on failure.
func (fs *EasyFileSystem) AllocDataBlocksFor(oldSize, newSize uint32) ([]uint32, error) {
	need := TotalBlocksNeeded(newSize) - TotalBlocksNeeded(oldSize)
	blocks := make([]uint32, 0, need)
	for i := uint32(0); i < need; i++ {
		b, err := fs.AllocData()
		if err != nil {
			for _, prev := range blocks {
				fs.DeallocData(uint64(prev))
			}
			return nil, err
		}
		blocks = append(blocks, uint32(b))
	}
	return blocks, nil
}

func (fs *EasyFileSystem) readDiskInode(id uint32, d *DiskInode) error {
	block, off := fs.GetDiskInodePos(id)
	b, err := fs.Cache.Get(block)
	if err != nil {
		return err
	}
	b.Read(int(off), func(buf []byte) { d.Decode(buf) })
	return nil
}

func (fs *EasyFileSystem) writeDiskInode(id uint32, d *DiskInode) error {
	block, off := fs.GetDiskInodePos(id)
	b, err := fs.Cache.Get(block)
	if err != nil {
		return err
	}
	b.Modify(int(off), func(buf []byte) { d.Encode(buf) })
	return nil
}

// SyncAll flushes every dirty cached block.
func (fs *EasyFileSystem) SyncAll() error {
	return fs.Cache.SyncAll()
}
