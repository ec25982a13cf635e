package easyfs

import (
	"encoding/binary"

	"github.com/stride-os/kernel/internal/bcache"
	"github.com/stride-os/kernel/internal/bdev"
)

// InodeType distinguishes a regular file from a directory (spec §3).
type InodeType uint8

const (
	TypeFile InodeType = iota
	TypeDirectory
)

const (
	// DirectCount is the number of direct block pointers (spec §3).
	DirectCount = 28
	// IndexEntriesPerBlock is how many u32 block indices fit in one
	// index block (512 bytes / 4 bytes each).
	IndexEntriesPerBlock = bdev.BlockSize / 4
	// DiskInodeBytes is the on-disk size of one disk-inode (spec §3:
	// "128 B"). nlink is packed into the same trailing word as the type
	// tag (1 byte type + 2 bytes nlink, u16) so the direct/indirect
	// layout the spec names stays byte-identical at 128 bytes.
	DiskInodeBytes = 4 + DirectCount*4 + 4 + 4 + 4

	// MaxFileBytes is the largest file size representable by the index
	// structure (spec §3).
	MaxFileBytes = (DirectCount + IndexEntriesPerBlock + IndexEntriesPerBlock*IndexEntriesPerBlock) * bdev.BlockSize
)

// DiskInode is the fixed-size on-disk inode record (spec §3).
type DiskInode struct {
	Size      uint32
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
	Nlink     uint16
}

// Encode serializes d into a DiskInodeBytes-length slot.
func (d *DiskInode) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], d.Size)
	off := 4
	for i := 0; i < DirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect1)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect2)
	off += 4
	buf[off] = byte(d.Type)
	binary.LittleEndian.PutUint16(buf[off+1:], d.Nlink)
}

// Decode populates d from a DiskInodeBytes-length slot.
func (d *DiskInode) Decode(buf []byte) {
	d.Size = binary.LittleEndian.Uint32(buf[0:])
	off := 4
	for i := 0; i < DirectCount; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Indirect1 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Indirect2 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Type = InodeType(buf[off])
	d.Nlink = binary.LittleEndian.Uint16(buf[off+1:])
}

// IsDir reports whether this inode is a directory.
func (d *DiskInode) IsDir() bool { return d.Type == TypeDirectory }

// blocksNumNeeded returns how many data blocks a file of the given size
// occupies.
func blocksNumNeeded(size uint32) uint32 {
	return (size + bdev.BlockSize - 1) / bdev.BlockSize
}

// dataBlockAt returns the physical block id holding the blk'th data block
// of this file (0-indexed), reading index blocks through cache as needed.
func (d *DiskInode) dataBlockAt(cache *bcache.Cache, blk uint32) (uint64, error) {
	if blk < DirectCount {
		return uint64(d.Direct[blk]), nil
	}
	blk -= DirectCount
	if blk < IndexEntriesPerBlock {
		return readIndexEntry(cache, uint64(d.Indirect1), blk)
	}
	blk -= IndexEntriesPerBlock
	l1 := blk / IndexEntriesPerBlock
	l2 := blk % IndexEntriesPerBlock
	indirect1Block, err := readIndexEntry(cache, uint64(d.Indirect2), l1)
	if err != nil {
		return 0, err
	}
	return readIndexEntry(cache, indirect1Block, l2)
}

func readIndexEntry(cache *bcache.Cache, indexBlock uint64, entry uint32) (uint64, error) {
	b, err := cache.Get(indexBlock)
	if err != nil {
		return 0, err
	}
	var v uint32
	b.Read(0, func(buf []byte) {
		v = binary.LittleEndian.Uint32(buf[entry*4:])
	})
	return uint64(v), nil
}

func writeIndexEntry(cache *bcache.Cache, indexBlock uint64, entry uint32, value uint64) error {
	b, err := cache.Get(indexBlock)
	if err != nil {
		return err
	}
	b.Modify(0, func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[entry*4:], uint32(value))
	})
	return nil
}

func zeroBlock(cache *bcache.Cache, id uint64) error {
	b, err := cache.Get(id)
	if err != nil {
		return err
	}
	b.Modify(0, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
	return nil
}

// ReadAt copies bytes starting at off into buf, returning the number of
// bytes copied (<= min(len(buf), size-off)) (spec §4.4).
func (d *DiskInode) ReadAt(cache *bcache.Cache, off uint32, buf []byte) (int, error) {
	if off >= d.Size {
		return 0, nil
	}
	end := off + uint32(len(buf))
	if end > d.Size {
		end = d.Size
	}
	copied := 0
	for start := off; start < end; {
		blk := start / bdev.BlockSize
		blkOff := start % bdev.BlockSize
		n := bdev.BlockSize - blkOff
		if remain := end - start; n > remain {
			n = remain
		}
		phys, err := d.dataBlockAt(cache, blk)
		if err != nil {
			return copied, err
		}
		b, err := cache.Get(phys)
		if err != nil {
			return copied, err
		}
		b.Read(int(blkOff), func(src []byte) {
			copy(buf[copied:copied+int(n)], src[:n])
		})
		copied += int(n)
		start += n
	}
	return copied, nil
}

// WriteAt writes buf fully at offset off. The caller must have already
// grown the inode (IncreaseSize) so off+len(buf) <= Size (spec §4.4).
func (d *DiskInode) WriteAt(cache *bcache.Cache, off uint32, buf []byte) error {
	end := off + uint32(len(buf))
	if end > d.Size {
		panic("easyfs: WriteAt beyond inode size; caller must IncreaseSize first")
	}
	written := 0
	for start := off; start < end; {
		blk := start / bdev.BlockSize
		blkOff := start % bdev.BlockSize
		n := bdev.BlockSize - blkOff
		if remain := end - start; n > remain {
			n = remain
		}
		phys, err := d.dataBlockAt(cache, blk)
		if err != nil {
			return err
		}
		b, err := cache.Get(phys)
		if err != nil {
			return err
		}
		b.Modify(int(blkOff), func(dst []byte) {
			copy(dst[:n], buf[written:written+int(n)])
		})
		written += int(n)
		start += n
	}
	return nil
}

// TotalBlocksNeeded returns how many blocks — data blocks plus whatever
// indirect1/indirect2 index blocks they require — a file of the given size
// occupies in total. This is what the filesystem layer allocates from the
// data bitmap before calling IncreaseSize (spec §8: "Sum of allocated
// data-bitmap bits = sum over all inodes of total_blocks(size)").
func TotalBlocksNeeded(size uint32) uint32 {
	data := blocksNumNeeded(size)
	total := data
	if data > DirectCount {
		total++ // indirect1 block itself
	}
	if data > DirectCount+IndexEntriesPerBlock {
		total++ // indirect2 block itself
		rest := data - DirectCount - IndexEntriesPerBlock
		total += (rest + IndexEntriesPerBlock - 1) / IndexEntriesPerBlock // indirect1-level blocks under indirect2
	}
	return total
}

// IncreaseSize grows the inode to newSize, consuming newBlocks — exactly
// TotalBlocksNeeded(newSize)-TotalBlocksNeeded(size) freshly allocated
// blocks — in order to both store new file data and, where the direct
// array is exhausted, to stand up new indirect1/indirect2 index blocks
// (each new index block is zeroed here before use). Must be called
// only when newSize >= Size (spec §4.4).
func (d *DiskInode) IncreaseSize(cache *bcache.Cache, newSize uint32, newBlocks []uint32) error {
	if newSize < d.Size {
		panic("easyfs: IncreaseSize called with smaller size")
	}
	current := blocksNumNeeded(d.Size)
	d.Size = newSize
	total := blocksNumNeeded(newSize)
	next := 0
	take := func() uint32 { v := newBlocks[next]; next++; return v }

	minU := func(a, b uint32) uint32 {
		if a < b {
			return a
		}
		return b
	}

	for current < minU(total, DirectCount) {
		d.Direct[current] = take()
		current++
	}
	if total <= DirectCount {
		return nil
	}
	if current == DirectCount {
		d.Indirect1 = take()
		if err := zeroBlock(cache, uint64(d.Indirect1)); err != nil {
			return err
		}
	}
	current -= DirectCount
	total -= DirectCount

	for current < minU(total, IndexEntriesPerBlock) {
		if err := writeIndexEntry(cache, uint64(d.Indirect1), current, uint64(take())); err != nil {
			return err
		}
		current++
	}
	if total <= IndexEntriesPerBlock {
		return nil
	}
	if current == IndexEntriesPerBlock {
		d.Indirect2 = take()
		if err := zeroBlock(cache, uint64(d.Indirect2)); err != nil {
			return err
		}
	}
	current -= IndexEntriesPerBlock
	total -= IndexEntriesPerBlock

	a0, b0 := current/IndexEntriesPerBlock, current%IndexEntriesPerBlock
	a1, b1 := total/IndexEntriesPerBlock, total%IndexEntriesPerBlock
	for a0 < a1 || (a0 == a1 && b0 < b1) {
		if b0 == 0 {
			v := take()
			if err := writeIndexEntry(cache, uint64(d.Indirect2), a0, uint64(v)); err != nil {
				return err
			}
			if err := zeroBlock(cache, uint64(v)); err != nil {
				return err
			}
		}
		indirect1Block, err := readIndexEntry(cache, uint64(d.Indirect2), a0)
		if err != nil {
			return err
		}
		if err := writeIndexEntry(cache, indirect1Block, b0, uint64(take())); err != nil {
			return err
		}
		b0++
		if b0 == IndexEntriesPerBlock {
			b0 = 0
			a0++
		}
	}
	return nil
}

// ClearSize returns every data block currently owned by this inode
// (direct, indirect1, and indirect2 leaves, plus the index blocks
// themselves) and resets Size to 0 (spec §4.4).
func (d *DiskInode) ClearSize(cache *bcache.Cache) ([]uint64, error) {
	var freed []uint64
	total := blocksNumNeeded(d.Size)
	n := total
	if n > DirectCount {
		n = DirectCount
	}
	for i := uint32(0); i < n; i++ {
		freed = append(freed, uint64(d.Direct[i]))
		d.Direct[i] = 0
	}
	if total > DirectCount {
		indirect1Count := total - DirectCount
		if indirect1Count > IndexEntriesPerBlock {
			indirect1Count = IndexEntriesPerBlock
		}
		for i := uint32(0); i < indirect1Count; i++ {
			v, err := readIndexEntry(cache, uint64(d.Indirect1), i)
			if err != nil {
				return nil, err
			}
			freed = append(freed, v)
		}
		freed = append(freed, uint64(d.Indirect1))
		d.Indirect1 = 0
	}
	if total > DirectCount+IndexEntriesPerBlock {
		remaining := total - DirectCount - IndexEntriesPerBlock
		l1Count := (remaining + IndexEntriesPerBlock - 1) / IndexEntriesPerBlock
		for l1 := uint32(0); l1 < l1Count; l1++ {
			indirect1Block, err := readIndexEntry(cache, uint64(d.Indirect2), l1)
			if err != nil {
				return nil, err
			}
			count := IndexEntriesPerBlock
			if l1 == l1Count-1 && remaining%IndexEntriesPerBlock != 0 {
				count = int(remaining % IndexEntriesPerBlock)
			}
			for l2 := 0; l2 < count; l2++ {
				v, err := readIndexEntry(cache, indirect1Block, uint32(l2))
				if err != nil {
					return nil, err
				}
				freed = append(freed, v)
			}
			freed = append(freed, indirect1Block)
		}
		freed = append(freed, uint64(d.Indirect2))
		d.Indirect2 = 0
	}
	d.Size = 0
	return freed, nil
}
