// Package bdev defines the BlockDevice capability (spec §1 external
// collaborator: "read/write fixed-size blocks") and a host-file-backed
// implementation. Grounded on biscuit's ufs.openDisk (os.OpenFile over a
// disk image) and fs.Disk_i's read/write capability seam.
package bdev

const (
	// BlockSize is the fixed on-disk block size (spec §6).
	BlockSize = 512
)

// BlockDevice reads and writes fixed-size blocks by block id.
type BlockDevice interface {
	ReadBlock(id uint64, buf []byte) error
	WriteBlock(id uint64, buf []byte) error
}
