package vfs

import (
	"sync"

	"github.com/stride-os/kernel/internal/easyfs"
	"github.com/stride-os/kernel/internal/kerr"
)

// Filesystem owns the single exclusive-access lock serializing all
// mutating vfs operations over one mounted easy-fs image (spec §5:
// "Filesystem mutations are serialized by the filesystem lock").
type Filesystem struct {
	mu  sync.Mutex
	Efs *easyfs.EasyFileSystem
}

// New wraps an already-mounted/initialized easy-fs filesystem.
func New(efs *easyfs.EasyFileSystem) *Filesystem {
	return &Filesystem{Efs: efs}
}

// Inode is a handle onto an on-disk inode. Multiple handles may name the
// same on-disk inode — that's what a hard link is (spec §3).
type Inode struct {
	ID uint32
	fs *Filesystem
}

// Stat describes an inode's metadata (spec §4.5).
type Stat struct {
	BlockID uint64
	InodeID uint32
	IsDir   bool
	Nlink   uint16
	Size    uint32
}

// Root returns a handle to the root directory.
func (f *Filesystem) Root() *Inode {
	return &Inode{ID: easyfs.RootInodeID, fs: f}
}

func (n *Inode) readDisk(d *easyfs.DiskInode) error {
	block, off := n.fs.Efs.GetDiskInodePos(n.ID)
	b, err := n.fs.Efs.Cache.Get(block)
	if err != nil {
		return err
	}
	b.Read(int(off), func(buf []byte) { d.Decode(buf) })
	return nil
}

func (n *Inode) writeDisk(d *easyfs.DiskInode) error {
	block, off := n.fs.Efs.GetDiskInodePos(n.ID)
	b, err := n.fs.Efs.Cache.Get(block)
	if err != nil {
		return err
	}
	b.Modify(int(off), func(buf []byte) { d.Encode(buf) })
	return nil
}

// Stat returns this inode's metadata.
func (n *Inode) Stat() (Stat, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return Stat{}, err
	}
	block, _ := n.fs.Efs.GetDiskInodePos(n.ID)
	return Stat{BlockID: block, InodeID: n.ID, IsDir: d.IsDir(), Nlink: d.Nlink, Size: d.Size}, nil
}

// direntsLocked returns every live directory entry of this inode, which must be
// a directory. Caller must hold fs.mu.
func (n *Inode) direntsLocked(d *easyfs.DiskInode) ([]DirEntry, error) {
	var out []DirEntry
	buf := make([]byte, DirEntryBytes)
	for i := uint32(0); i < d.Size/DirEntryBytes; i++ {
		if _, err := d.ReadAt(n.fs.Efs.Cache, i*DirEntryBytes, buf); err != nil {
			return nil, err
		}
		if de, ok := DecodeDirEntry(buf); ok {
			out = append(out, de)
		}
	}
	return out, nil
}

// Find looks up name among this directory's entries (spec §4.5: linear
// scan). Returns ok=false if not found.
func (n *Inode) Find(name string) (*Inode, bool, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return nil, false, err
	}
	ents, err := n.direntsLocked(&d)
	if err != nil {
		return nil, false, err
	}
	for _, e := range ents {
		if e.Name == name {
			return &Inode{ID: e.InodeID, fs: n.fs}, true, nil
		}
	}
	return nil, false, nil
}

// appendDirentLocked grows this directory by one entry. Caller must hold
// fs.mu and have already verified name is not a duplicate.
func (n *Inode) appendDirentLocked(d *easyfs.DiskInode, de DirEntry) error {
	off := d.Size
	newSize := off + DirEntryBytes
	blocks, err := n.fs.Efs.AllocDataBlocksFor(d.Size, newSize)
	if err != nil {
		return err
	}
	if err := d.IncreaseSize(n.fs.Efs.Cache, newSize, blocks); err != nil {
		return err
	}
	buf := make([]byte, DirEntryBytes)
	de.Encode(buf)
	if err := d.WriteAt(n.fs.Efs.Cache, off, buf); err != nil {
		return err
	}
	return n.writeDisk(d)
}

// Create creates a fresh regular file named name in this directory,
// rejecting a duplicate (spec §4.5).
func (n *Inode) Create(name string) (*Inode, error) {
	n.fs.mu.Lock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	ents, err := n.direntsLocked(&d)
	if err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	for _, e := range ents {
		if e.Name == name {
			n.fs.mu.Unlock()
			return nil, kerr.New(kerr.AlreadyExists, "vfs: "+name+" already exists")
		}
	}
	newID, err := n.fs.Efs.AllocInode()
	if err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	newDisk := &easyfs.DiskInode{Type: easyfs.TypeFile, Nlink: 1}
	newInode := &Inode{ID: newID, fs: n.fs}
	if err := newInode.writeDisk(newDisk); err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	if err := n.appendDirentLocked(&d, DirEntry{Name: name, InodeID: newID}); err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	n.fs.mu.Unlock()
	if err := n.fs.Efs.SyncAll(); err != nil {
		return nil, err
	}
	return newInode, nil
}

// CreateLinkByID creates a directory entry named name pointing at the
// already-existing inode targetID, incrementing its nlink (spec §4.5,
// §9's resolution of the unfinished create_link(name, from)): the lookup
// of the source name happens in the caller, without holding the fs lock
// across the link-creation call, since link creation re-acquires it.
func (n *Inode) CreateLinkByID(name string, targetID uint32) error {
	n.fs.mu.Lock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	ents, err := n.direntsLocked(&d)
	if err != nil {
		n.fs.mu.Unlock()
		return err
	}
	for _, e := range ents {
		if e.Name == name {
			n.fs.mu.Unlock()
			return kerr.New(kerr.AlreadyExists, "vfs: "+name+" already exists")
		}
	}
	target := &Inode{ID: targetID, fs: n.fs}
	var td easyfs.DiskInode
	if err := target.readDisk(&td); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	td.Nlink++
	if err := target.writeDisk(&td); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	if err := n.appendDirentLocked(&d, DirEntry{Name: name, InodeID: targetID}); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	n.fs.mu.Unlock()
	return n.fs.Efs.SyncAll()
}

// DestroyLink removes name from this directory (unlink, spec §4.5).
// Decrements the target's nlink; when it reaches zero, frees its data
// blocks and inode slot. The filesystem lock is released before Clear is
// called, since Clear re-acquires it (spec §4.5, §5).
func (n *Inode) DestroyLink(name string) error {
	n.fs.mu.Lock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	slot, target, err := n.findSlotLocked(&d, name)
	if err != nil {
		n.fs.mu.Unlock()
		return err
	}
	if target == nil {
		n.fs.mu.Unlock()
		return kerr.New(kerr.NotFound, "vfs: "+name+" not found")
	}

	var td easyfs.DiskInode
	if err := target.readDisk(&td); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	td.Nlink--
	shouldFree := td.Nlink == 0
	if err := target.writeDisk(&td); err != nil {
		n.fs.mu.Unlock()
		return err
	}

	// overwrite the dirent slot with zeros (tombstone)
	zero := make([]byte, DirEntryBytes)
	if err := d.WriteAt(n.fs.Efs.Cache, slot, zero); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	n.fs.mu.Unlock()

	if shouldFree {
		if err := target.Clear(); err != nil {
			return err
		}
		if err := n.fs.Efs.DeallocInode(target.ID); err != nil {
			return err
		}
	}
	return n.fs.Efs.SyncAll()
}

// findSlotLocked returns the byte offset of name's DirEntry slot within
// this directory and a handle to the named inode. Caller must hold fs.mu.
func (n *Inode) findSlotLocked(d *easyfs.DiskInode, name string) (uint32, *Inode, error) {
	buf := make([]byte, DirEntryBytes)
	for i := uint32(0); i*DirEntryBytes < d.Size; i++ {
		off := i * DirEntryBytes
		if _, err := d.ReadAt(n.fs.Efs.Cache, off, buf); err != nil {
			return 0, nil, err
		}
		if de, ok := DecodeDirEntry(buf); ok && de.Name == name {
			return off, &Inode{ID: de.InodeID, fs: n.fs}, nil
		}
	}
	return 0, nil, nil
}

// Ls lists the names in this directory (spec §4.5).
func (n *Inode) Ls() ([]string, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return nil, err
	}
	ents, err := n.direntsLocked(&d)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name)
	}
	return names, nil
}

// ReadAt reads into buf starting at off (spec §4.5).
func (n *Inode) ReadAt(off uint32, buf []byte) (int, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return 0, err
	}
	return d.ReadAt(n.fs.Efs.Cache, off, buf)
}

// WriteAt writes buf at off, growing the file as needed (spec §4.5).
func (n *Inode) WriteAt(off uint32, buf []byte) (int, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return 0, err
	}
	end := off + uint32(len(buf))
	if end > d.Size {
		blocks, err := n.fs.Efs.AllocDataBlocksFor(d.Size, end)
		if err != nil {
			return 0, err
		}
		if err := d.IncreaseSize(n.fs.Efs.Cache, end, blocks); err != nil {
			return 0, err
		}
	}
	if err := d.WriteAt(n.fs.Efs.Cache, off, buf); err != nil {
		return 0, err
	}
	if err := n.writeDisk(&d); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Clear frees every data block owned by this inode and resets its size to
// zero (spec §4.5). It acquires the filesystem lock itself — callers
// (notably DestroyLink) must not hold it when calling Clear.
func (n *Inode) Clear() error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	var d easyfs.DiskInode
	if err := n.readDisk(&d); err != nil {
		return err
	}
	freed, err := d.ClearSize(n.fs.Efs.Cache)
	if err != nil {
		return err
	}
	for _, blk := range freed {
		if err := n.fs.Efs.DeallocData(blk); err != nil {
			return err
		}
	}
	return n.writeDisk(&d)
}
