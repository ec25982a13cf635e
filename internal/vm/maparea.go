package vm

import "github.com/stride-os/kernel/internal/mem"

// MapType distinguishes an identity mapping from one backed by freshly
// allocated frames (spec §3: "a mapping kind (identical or framed)").
type MapType int

const (
	Identical MapType = iota
	Framed
)

// MapArea is a half-open virtual-page range sharing one permission set and
// mapping kind (spec §3). For a Framed area, Frames holds the owned
// physical frame backing each VPN in the range.
type MapArea struct {
	Start, End VPN // half-open [Start, End)
	Type       MapType
	Perm       PTEFlags
	Frames     map[VPN]mem.PPN // only populated for Framed areas
}

// NewMapArea creates an unmapped area over [start, end).
func NewMapArea(start, end VPN, kind MapType, perm PTEFlags) *MapArea {
	return &MapArea{Start: start, End: end, Type: kind, Perm: perm, Frames: make(map[VPN]mem.PPN)}
}

// Contains reports whether vpn falls within this area's range.
func (a *MapArea) Contains(vpn VPN) bool { return vpn >= a.Start && vpn < a.End }

// Map installs PTEs for every VPN in the area: for Framed areas, a fresh
// frame per page; for Identical areas, ppn == vpn (spec §4.2). On
// allocation failure it unmaps whatever it already installed and returns
// the error.
func (a *MapArea) Map(pt *PageTable, alloc mem.FrameAllocator) error {
	for vpn := a.Start; vpn < a.End; vpn++ {
		var ppn mem.PPN
		if a.Type == Identical {
			ppn = mem.PPN(vpn)
		} else {
			f, ok := alloc.Alloc()
			if !ok {
				a.unmapRange(pt, alloc, a.Start, vpn)
				return errOutOfFrames
			}
			ppn = f.PPN
			a.Frames[vpn] = ppn
		}
		if err := pt.MapOne(vpn, ppn, a.Perm); err != nil {
			a.unmapRange(pt, alloc, a.Start, vpn)
			return err
		}
	}
	return nil
}

// Unmap reverses Map over the whole area: frames drop and return to alloc
// (spec §4.2).
func (a *MapArea) Unmap(pt *PageTable, alloc mem.FrameAllocator) {
	a.unmapRange(pt, alloc, a.Start, a.End)
}

func (a *MapArea) unmapRange(pt *PageTable, alloc mem.FrameAllocator, start, end VPN) {
	for vpn := start; vpn < end; vpn++ {
		pt.UnmapOne(vpn)
		if a.Type == Framed {
			if ppn, ok := a.Frames[vpn]; ok {
				alloc.Dealloc(ppn)
				delete(a.Frames, vpn)
			}
		}
	}
}

// CopyData writes data into the area's framed pages starting at Start,
// page by page, for as much of data as fits within the area (spec §4.2:
// from_elf loads segment bytes into freshly allocated frames).
func (a *MapArea) CopyData(arena *mem.HostArena, data []byte) {
	off := 0
	for vpn := a.Start; vpn < a.End && off < len(data); vpn++ {
		ppn := a.Frames[vpn]
		page := arena.Page(ppn)
		n := copy(page, data[off:])
		off += n
	}
}
