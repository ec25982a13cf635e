// Package vm implements per-process virtual address spaces (spec §4.2):
// multi-level page tables, MapArea regions, MemorySet, translation of user
// pointers to kernel-reachable byte slices, and mmap/munmap area
// insertion/removal. Grounded on biscuit's vm/as.go ("lock the address
// space, walk the foreign page table, hand back kernel-reachable slices"
// shape), simplified to drop COW, TLB shootdown and the SMP machinery
// spec.md §1's Non-goals exclude — this kernel assumes a single hart and
// never shares a framed page between address spaces.
package vm

import (
	"encoding/binary"

	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
)

// entriesPerTable is how many 8-byte PTEs fit in one physical frame.
const entriesPerTable = mem.PageSize / 8

// vaLevels is the number of page-table levels (spec §3: "3 levels at 9
// bits each over 4 KiB pages on the assumed architecture").
const vaLevels = 3

// vpnBits is the index width per level.
const vpnBits = 9

// VPN is a virtual page number.
type VPN uint64

// Indexes splits vpn into its per-level 9-bit indices, most significant
// level first.
func (vpn VPN) Indexes() [vaLevels]uint64 {
	var idx [vaLevels]uint64
	v := uint64(vpn)
	for i := vaLevels - 1; i >= 0; i-- {
		idx[i] = v & (1<<vpnBits - 1)
		v >>= vpnBits
	}
	return idx
}

// PTEFlags are the per-entry permission and status bits (spec §3:
// "V/R/W/X/U/G/A/D").
type PTEFlags uint8

const (
	FlagV PTEFlags = 1 << 0
	FlagR PTEFlags = 1 << 1
	FlagW PTEFlags = 1 << 2
	FlagX PTEFlags = 1 << 3
	FlagU PTEFlags = 1 << 4
	FlagG PTEFlags = 1 << 5
	FlagA PTEFlags = 1 << 6
	FlagD PTEFlags = 1 << 7
)

// PTE is a page table entry: a physical page number plus flags, packed the
// way SV39 packs them (PPN starting at bit 10) so the bit-twiddling below
// matches the architecture the spec is modeled on.
type PTE uint64

func newPTE(ppn mem.PPN, flags PTEFlags) PTE {
	return PTE(uint64(ppn)<<10 | uint64(flags))
}

// PPN returns the physical page number this entry names.
func (p PTE) PPN() mem.PPN { return mem.PPN(uint64(p) >> 10) }

// Flags returns this entry's flag bits.
func (p PTE) Flags() PTEFlags { return PTEFlags(p) }

// Valid reports the V flag.
func (p PTE) Valid() bool { return p.Flags()&FlagV != 0 }

// PageTable is one address space's multi-level translation structure.
// Intermediate-level table frames are owned by the PageTable and freed
// with it; leaf frames are owned by whichever MapArea mapped them.
type PageTable struct {
	root   mem.PPN
	tables []mem.PPN // intermediate (non-leaf) frames, for teardown
	alloc  mem.FrameAllocator
	arena  *mem.HostArena
}

// NewPageTable allocates a fresh root table.
func NewPageTable(alloc mem.FrameAllocator, arena *mem.HostArena) (*PageTable, error) {
	f, ok := alloc.Alloc()
	if !ok {
		return nil, kerr.New(kerr.OutOfResources, "vm: out of frames for page table root")
	}
	zeroFrame(arena, f.PPN)
	return &PageTable{root: f.PPN, alloc: alloc, arena: arena}, nil
}

func zeroFrame(arena *mem.HostArena, ppn mem.PPN) {
	buf := arena.Page(ppn)
	for i := range buf {
		buf[i] = 0
	}
}

// Root returns the root table's physical page number.
func (pt *PageTable) Root() mem.PPN { return pt.root }

// Token returns the SATP-style address-space descriptor (spec §3:
// "token() returns the SATP-style descriptor"). Bit 63 set marks SV39
// mode, matching the architecture this layout is modeled on.
func (pt *PageTable) Token() uint64 {
	return uint64(1)<<63 | uint64(pt.root)
}

func readPTE(buf []byte, idx uint64) PTE {
	return PTE(binary.LittleEndian.Uint64(buf[idx*8:]))
}

func writePTE(buf []byte, idx uint64, pte PTE) {
	binary.LittleEndian.PutUint64(buf[idx*8:], uint64(pte))
}

// walk descends the table for vpn, allocating intermediate tables along
// the way when create is true. It returns the leaf-level table's byte
// view and the index of vpn's entry within it.
func (pt *PageTable) walk(vpn VPN, create bool) (buf []byte, idx uint64, ok bool, err error) {
	idxs := vpn.Indexes()
	ppn := pt.root
	for level := 0; level < vaLevels; level++ {
		buf = pt.arena.Page(ppn)
		idx = idxs[level]
		if level == vaLevels-1 {
			return buf, idx, true, nil
		}
		pte := readPTE(buf, idx)
		if !pte.Valid() {
			if !create {
				return nil, 0, false, nil
			}
			f, ok := pt.alloc.Alloc()
			if !ok {
				return nil, 0, false, kerr.New(kerr.OutOfResources, "vm: out of frames for page table")
			}
			zeroFrame(pt.arena, f.PPN)
			pte = newPTE(f.PPN, FlagV)
			writePTE(buf, idx, pte)
			pt.tables = append(pt.tables, f.PPN)
		}
		ppn = pte.PPN()
	}
	panic("unreachable")
}

// MapOne installs a leaf PTE mapping vpn to ppn with flags, allocating
// intermediate tables on demand (spec §4.2). Panics if vpn is already
// mapped — callers must unmap first.
func (pt *PageTable) MapOne(vpn VPN, ppn mem.PPN, flags PTEFlags) error {
	buf, idx, _, err := pt.walk(vpn, true)
	if err != nil {
		return err
	}
	if readPTE(buf, idx).Valid() {
		panic("vm: MapOne of an already-mapped vpn")
	}
	writePTE(buf, idx, newPTE(ppn, flags|FlagV))
	return nil
}

// UnmapOne clears vpn's leaf PTE. Panics if vpn is not currently mapped.
func (pt *PageTable) UnmapOne(vpn VPN) {
	buf, idx, ok, err := pt.walk(vpn, false)
	if err != nil {
		panic(err)
	}
	if !ok || !readPTE(buf, idx).Valid() {
		panic("vm: UnmapOne of an unmapped vpn")
	}
	writePTE(buf, idx, 0)
}

// Translate looks up vpn without creating intermediate tables.
func (pt *PageTable) Translate(vpn VPN) (PTE, bool) {
	buf, idx, ok, err := pt.walk(vpn, false)
	if err != nil || !ok {
		return 0, false
	}
	pte := readPTE(buf, idx)
	if !pte.Valid() {
		return 0, false
	}
	return pte, true
}
