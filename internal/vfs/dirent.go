// Package vfs implements the in-memory inode handle layer (spec §4.5):
// directory lookup/create/link/unlink and read/write/stat, on top of
// internal/easyfs's on-disk inode layer. Grounded on biscuit's ufs.Ufs_t
// (MkFile/MkDir/Unlink/Stat/Ls over an fs.Fs_t), re-targeted at the
// easy-fs inode model.
package vfs

import "github.com/stride-os/kernel/internal/bdev"

const (
	// NameBytes is the padded name field width within a DirEntry.
	NameBytes = 27
	// DirEntryBytes is the fixed size of one directory record (spec §3):
	// the name field, the u32 inode id, and one trailing pad byte.
	DirEntryBytes = NameBytes + 4 + 1
	// EntriesPerBlock is how many DirEntry records fit in one block.
	EntriesPerBlock = bdev.BlockSize / DirEntryBytes
)

// DirEntry is a 32-byte directory record: a NUL-padded name and an inode
// id. An all-zero DirEntry (empty name, inode id 0... with no name) is a
// tombstone (spec §3) — distinguished by an empty Name, since inode id 0
// is a legitimate id (the root) but the root is never itself a directory
// entry's target via a tombstone slot.
type DirEntry struct {
	Name    string
	InodeID uint32
}

// Encode serializes e into a DirEntryBytes-length slot.
func (e DirEntry) Encode(buf []byte) {
	for i := range buf[:NameBytes] {
		buf[i] = 0
	}
	copy(buf[:NameBytes], e.Name)
	putU32(buf[NameBytes:], e.InodeID)
}

// DecodeDirEntry parses a DirEntryBytes-length slot. ok is false for a
// tombstone (empty name).
func DecodeDirEntry(buf []byte) (DirEntry, bool) {
	end := 0
	for end < NameBytes && buf[end] != 0 {
		end++
	}
	name := string(buf[:end])
	id := getU32(buf[NameBytes:])
	if name == "" {
		return DirEntry{}, false
	}
	return DirEntry{Name: name, InodeID: id}, true
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
