package vm

import (
	"bytes"
	"debug/elf"

	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
)

// FromElf parses elfBytes, maps its PT_LOAD segments as framed areas with
// ELF-derived permissions, maps a user stack beneath the highest user VA,
// and sets up the brk-managed heap area above it (spec §4.2). Uses the
// standard library's debug/elf — no pack example or common third-party
// library parses ELF object files, and the format itself is a stable,
// fully-specified binary layout debug/elf already models precisely.
func FromElf(elfBytes []byte, alloc mem.FrameAllocator, arena *mem.HostArena, trampolinePPN mem.PPN) (ms *MemorySet, ustackTop uint64, entry uint64, err error) {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, 0, 0, kerr.New(kerr.InvalidArgument, "vm: not a valid ELF image: "+err.Error())
	}

	ms, err = NewMemorySet(alloc, arena, trampolinePPN)
	if err != nil {
		return nil, 0, 0, err
	}

	var maxEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		startVPN := VPN(prog.Vaddr / mem.PageSize)
		endVPN := VPN((prog.Vaddr + prog.Memsz + mem.PageSize - 1) / mem.PageSize)
		perm := FlagU
		if prog.Flags&elf.PF_R != 0 {
			perm |= FlagR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= FlagW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= FlagX
		}
		area := NewMapArea(startVPN, endVPN, Framed, perm)
		if err := ms.insertArea(area); err != nil {
			return nil, 0, 0, err
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, 0, 0, kerr.New(kerr.InvalidArgument, "vm: reading PT_LOAD segment: "+err.Error())
		}
		pageOff := prog.Vaddr % mem.PageSize
		padded := make([]byte, pageOff+uint64(len(data)))
		copy(padded[pageOff:], data)
		area.CopyData(arena, padded)

		if end := prog.Vaddr + prog.Memsz; end > maxEnd {
			maxEnd = end
		}
	}

	ustackBottomVA := alignUp(maxEnd, mem.PageSize) + mem.PageSize // one guard page
	ustackTopVA := ustackBottomVA + UserStackSize
	stackArea := NewMapArea(VPN(ustackBottomVA/mem.PageSize), VPN(ustackTopVA/mem.PageSize), Framed, FlagR|FlagW|FlagU)
	if err := ms.insertArea(stackArea); err != nil {
		return nil, 0, 0, err
	}

	ms.heapBase = VPN(ustackTopVA/mem.PageSize) + 1 // one more guard page
	ms.heapArea = NewMapArea(ms.heapBase, ms.heapBase, Framed, FlagR|FlagW|FlagU)

	return ms, ustackTopVA, f.Entry, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// FromExistedUser deep-copies src: for each framed area, copies bytes
// page-by-page into freshly allocated frames in the new address space
// (spec §4.2, used by fork).
func FromExistedUser(src *MemorySet, alloc mem.FrameAllocator, arena *mem.HostArena, trampolinePPN mem.PPN) (*MemorySet, error) {
	dst, err := NewMemorySet(alloc, arena, trampolinePPN)
	if err != nil {
		return nil, err
	}
	for _, srcArea := range src.Areas {
		dstArea := NewMapArea(srcArea.Start, srcArea.End, srcArea.Type, srcArea.Perm)
		if err := dst.insertArea(dstArea); err != nil {
			return nil, err
		}
		if srcArea.Type != Framed {
			continue
		}
		for vpn := srcArea.Start; vpn < srcArea.End; vpn++ {
			srcPage := arena.Page(srcArea.Frames[vpn])
			dstPage := arena.Page(dstArea.Frames[vpn])
			copy(dstPage, srcPage)
		}
	}
	dst.heapBase = src.heapBase
	if src.heapArea != nil {
		dst.heapArea = NewMapArea(src.heapArea.Start, src.heapArea.End, Framed, src.heapArea.Perm)
		if len(src.heapArea.Frames) > 0 {
			if err := dst.insertArea(dst.heapArea); err != nil {
				return nil, err
			}
			for vpn := dst.heapArea.Start; vpn < dst.heapArea.End; vpn++ {
				copy(arena.Page(dst.heapArea.Frames[vpn]), arena.Page(src.heapArea.Frames[vpn]))
			}
		}
	}
	return dst, nil
}

// Sbrk grows or shrinks the heap area by delta bytes (may be negative) and
// returns the previous program break, or ok=false if shrinking below the
// heap base or frame allocation fails.
func (ms *MemorySet) Sbrk(delta int64) (oldBrk uint64, ok bool) {
	oldBrk = uint64(ms.heapArea.End) * mem.PageSize
	if delta == 0 {
		return oldBrk, true
	}
	newBrk := int64(oldBrk) + delta
	if newBrk < int64(ms.heapBase)*mem.PageSize {
		return 0, false
	}
	newEnd := VPN(alignUp(uint64(newBrk), mem.PageSize) / mem.PageSize)
	switch {
	case newEnd > ms.heapArea.End:
		grown := NewMapArea(ms.heapArea.End, newEnd, Framed, ms.heapArea.Perm)
		if err := grown.Map(ms.PageTable, ms.alloc); err != nil {
			return 0, false
		}
		for vpn, ppn := range grown.Frames {
			ms.heapArea.Frames[vpn] = ppn
		}
		ms.heapArea.End = newEnd
	case newEnd < ms.heapArea.End:
		ms.heapArea.unmapRange(ms.PageTable, ms.alloc, newEnd, ms.heapArea.End)
		ms.heapArea.End = newEnd
	}
	if len(ms.heapArea.Frames) > 0 && !containsArea(ms.Areas, ms.heapArea) {
		ms.Areas = append(ms.Areas, ms.heapArea)
	}
	return oldBrk, true
}

func containsArea(areas []*MapArea, target *MapArea) bool {
	for _, a := range areas {
		if a == target {
			return true
		}
	}
	return false
}
