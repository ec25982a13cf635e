package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostArena is backing storage for a StackAllocator's frames, mmapped from
// the host so a Frame's bytes are addressable as an ordinary Go slice —
// the simulator's stand-in for the real PhysicalFrameAllocator's RAM.
type HostArena struct {
	mem   []byte
	start PPN
}

// NewHostArena mmaps npages worth of anonymous memory and returns both the
// arena and a StackAllocator handing out PPNs over it.
func NewHostArena(npages int) (*HostArena, *StackAllocator, error) {
	b, err := unix.Mmap(-1, 0, npages*PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mem: mmap arena: %w", err)
	}
	a := &HostArena{mem: b, start: 1}
	alloc := NewStackAllocator(a.start, a.start+PPN(npages))
	return a, alloc, nil
}

// Page returns the byte slice backing ppn.
func (a *HostArena) Page(ppn PPN) []byte {
	idx := int(ppn - a.start)
	off := idx * PageSize
	return a.mem[off : off+PageSize]
}

// Close releases the mmapped arena.
func (a *HostArena) Close() error {
	return unix.Munmap(a.mem)
}
