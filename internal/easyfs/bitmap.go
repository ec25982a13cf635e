package easyfs

import (
	"github.com/stride-os/kernel/internal/bcache"
	"github.com/stride-os/kernel/internal/bdev"
)

// BitsPerBlock is the number of allocation bits held in one bitmap block
// (spec §3: "Each bitmap block has 4096 bits").
const BitsPerBlock = bdev.BlockSize * 8

// bitmapAlloc scans count blocks starting at startBlock for the first
// clear bit, sets it, and returns its global bit index. It returns
// ok=false if every bit is set.
func bitmapAlloc(cache *bcache.Cache, startBlock uint64, count uint32) (uint32, bool, error) {
	for blk := uint32(0); blk < count; blk++ {
		b, err := cache.Get(startBlock + uint64(blk))
		if err != nil {
			return 0, false, err
		}
		found := -1
		b.Modify(0, func(buf []byte) {
			for byteIdx := 0; byteIdx < bdev.BlockSize; byteIdx++ {
				if buf[byteIdx] == 0xff {
					continue
				}
				for bit := 0; bit < 8; bit++ {
					mask := byte(1 << uint(bit))
					if buf[byteIdx]&mask == 0 {
						buf[byteIdx] |= mask
						found = byteIdx*8 + bit
						return
					}
				}
			}
		})
		if found >= 0 {
			return blk*BitsPerBlock + uint32(found), true, nil
		}
	}
	return 0, false, nil
}

// bitmapDealloc clears the bit at globalBit within the bitmap region
// starting at startBlock.
func bitmapDealloc(cache *bcache.Cache, startBlock uint64, globalBit uint32) error {
	blk := globalBit / BitsPerBlock
	within := globalBit % BitsPerBlock
	byteIdx := within / 8
	bit := within % 8
	b, err := cache.Get(startBlock + uint64(blk))
	if err != nil {
		return err
	}
	b.Modify(0, func(buf []byte) {
		buf[byteIdx] &^= 1 << bit
	})
	return nil
}
