package vm

import (
	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
)

// Architecturally fixed virtual addresses present in every user address
// space (spec §3: "Trampoline and trap-context areas are present in every
// user space at architecturally fixed virtual addresses"). These sit at
// the top of the SV39 virtual address space, one page below the
// addressable maximum.
const (
	maxVPN         VPN = 1<<27 - 1 // (1<<39)/PageSize - 1
	TrampolineVPN  VPN = maxVPN
	TrapContextVPN VPN = maxVPN - 1
)

// UserStackSize is the size, in bytes, of a freshly spawned user stack.
const UserStackSize = 2 * mem.PageSize

// MemorySet is one process's address space: an ordered collection of
// MapAreas plus the root page table (spec §3).
type MemorySet struct {
	PageTable *PageTable
	Areas     []*MapArea

	alloc mem.FrameAllocator
	arena *mem.HostArena

	trampolinePPN mem.PPN
	trapContext   *MapArea

	heapBase VPN // first VPN of the brk-managed heap area
	heapArea *MapArea
}

// NewMemorySet allocates an empty address space and maps the trampoline
// and trap-context pages that every user space must carry.
func NewMemorySet(alloc mem.FrameAllocator, arena *mem.HostArena, trampolinePPN mem.PPN) (*MemorySet, error) {
	pt, err := NewPageTable(alloc, arena)
	if err != nil {
		return nil, err
	}
	ms := &MemorySet{PageTable: pt, alloc: alloc, arena: arena, trampolinePPN: trampolinePPN}
	if err := pt.MapOne(TrampolineVPN, trampolinePPN, FlagR|FlagX); err != nil {
		return nil, err
	}
	tc := NewMapArea(TrapContextVPN, TrapContextVPN+1, Framed, FlagR|FlagW)
	if err := tc.Map(pt, alloc); err != nil {
		return nil, err
	}
	ms.trapContext = tc
	return ms, nil
}

// TrapContextFrame returns the physical page backing the trap-context
// area, so the syscall layer can read/write the TrapContext value there.
func (ms *MemorySet) TrapContextFrame() mem.PPN {
	return ms.trapContext.Frames[TrapContextVPN]
}

func (ms *MemorySet) vpnMapped(vpn VPN) bool {
	_, ok := ms.PageTable.Translate(vpn)
	return ok
}

// insertArea installs area, records it, and appends it to Areas (spec §3:
// "Areas do not overlap in virtual-page space" — callers are responsible
// for having checked that before calling insertArea).
func (ms *MemorySet) insertArea(area *MapArea) error {
	if err := area.Map(ms.PageTable, ms.alloc); err != nil {
		return err
	}
	ms.Areas = append(ms.Areas, area)
	return nil
}

// TryInsertFramedArea implements mmap (spec §4.2): fails if vstart is not
// page-aligned, any VPN in [vstart, vend) is already mapped, or frame
// allocation fails.
func (ms *MemorySet) TryInsertFramedArea(vstart, vend uint64, port uint8) error {
	if vstart%mem.PageSize != 0 {
		return kerr.New(kerr.InvalidArgument, "vm: mmap start not page-aligned")
	}
	if port == 0 || port&^uint8(0x7) != 0 {
		return kerr.New(kerr.InvalidArgument, "vm: mmap port bits invalid")
	}
	startVPN := VPN(vstart / mem.PageSize)
	endVPN := VPN((vend + mem.PageSize - 1) / mem.PageSize)
	for vpn := startVPN; vpn < endVPN; vpn++ {
		if ms.vpnMapped(vpn) {
			return kerr.New(kerr.InvalidArgument, "vm: mmap range overlaps an existing area")
		}
	}
	perm := permFromPort(port) | FlagU
	area := NewMapArea(startVPN, endVPN, Framed, perm)
	return ms.insertArea(area)
}

func permFromPort(port uint8) PTEFlags {
	var f PTEFlags
	if port&1 != 0 {
		f |= FlagR
	}
	if port&2 != 0 {
		f |= FlagW
	}
	if port&4 != 0 {
		f |= FlagX
	}
	return f
}

// TryRemoveArea implements munmap (spec §4.2): fails if any VPN in
// [vstart, vend) is not currently framed-mapped in this address space;
// otherwise unmaps every page in range and drops now-empty areas.
func (ms *MemorySet) TryRemoveArea(vstart, vend uint64) error {
	startVPN := VPN(vstart / mem.PageSize)
	endVPN := VPN((vend + mem.PageSize - 1) / mem.PageSize)

	owner := make(map[VPN]*MapArea, int(endVPN-startVPN))
	for vpn := startVPN; vpn < endVPN; vpn++ {
		area := ms.areaContaining(vpn)
		if area == nil || area.Type != Framed {
			return kerr.New(kerr.InvalidArgument, "vm: munmap range not fully framed-mapped")
		}
		owner[vpn] = area
	}

	for vpn := startVPN; vpn < endVPN; vpn++ {
		area := owner[vpn]
		ms.PageTable.UnmapOne(vpn)
		ms.alloc.Dealloc(area.Frames[vpn])
		delete(area.Frames, vpn)
	}
	ms.pruneEmptyAreas()
	return nil
}

func (ms *MemorySet) areaContaining(vpn VPN) *MapArea {
	for _, a := range ms.Areas {
		if a.Contains(vpn) {
			if a.Type == Framed {
				if _, ok := a.Frames[vpn]; !ok {
					continue
				}
			}
			return a
		}
	}
	return nil
}

func (ms *MemorySet) pruneEmptyAreas() {
	kept := ms.Areas[:0]
	for _, a := range ms.Areas {
		if a.Type == Framed && len(a.Frames) == 0 {
			continue
		}
		kept = append(kept, a)
	}
	ms.Areas = kept
}

// Destroy unmaps every area and the trap-context page, returning all
// owned frames to alloc. The trampoline page is not owned by this address
// space (it is shared, per spec §9 on global singletons) and is left
// mapped-but-unowned until the PageTable itself is discarded.
func (ms *MemorySet) Destroy() {
	for _, a := range ms.Areas {
		a.Unmap(ms.PageTable, ms.alloc)
	}
	ms.Areas = nil
	ms.trapContext.Unmap(ms.PageTable, ms.alloc)
}
