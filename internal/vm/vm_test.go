package vm

import (
	"testing"

	"github.com/stride-os/kernel/internal/mem"
)

func newTestArena(t *testing.T, npages int) (*mem.HostArena, *mem.StackAllocator) {
	t.Helper()
	arena, alloc, err := mem.NewHostArena(npages)
	if err != nil {
		t.Fatalf("NewHostArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	return arena, alloc
}

func newTrampoline(t *testing.T, alloc mem.FrameAllocator) mem.PPN {
	t.Helper()
	f, ok := alloc.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	return f.PPN
}

func TestMapAreaFramedRoundTrip(t *testing.T) {
	arena, alloc := newTestArena(t, 64)
	pt, err := NewPageTable(alloc, arena)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	area := NewMapArea(10, 13, Framed, FlagR|FlagW)
	if err := area.Map(pt, alloc); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(area.Frames) != 3 {
		t.Fatalf("want 3 frames, got %d", len(area.Frames))
	}
	for vpn := area.Start; vpn < area.End; vpn++ {
		pte, ok := pt.Translate(vpn)
		if !ok {
			t.Fatalf("vpn %d not mapped", vpn)
		}
		if pte.PPN() != area.Frames[vpn] {
			t.Fatalf("vpn %d maps to wrong frame", vpn)
		}
	}
	area.Unmap(pt, alloc)
	for vpn := area.Start; vpn < area.End; vpn++ {
		if _, ok := pt.Translate(vpn); ok {
			t.Fatalf("vpn %d still mapped after Unmap", vpn)
		}
	}
}

func TestMmapAdjacentAllowedOverlapRejected(t *testing.T) {
	arena, alloc := newTestArena(t, 64)
	tramp := newTrampoline(t, alloc)
	ms, err := NewMemorySet(alloc, arena, tramp)
	if err != nil {
		t.Fatalf("NewMemorySet: %v", err)
	}
	if err := ms.TryInsertFramedArea(0x10000000, 0x10000000+mem.PageSize, 0x3); err != nil {
		t.Fatalf("first mmap: %v", err)
	}
	// Immediately adjacent: legal.
	if err := ms.TryInsertFramedArea(0x10000000+mem.PageSize, 0x10000000+2*mem.PageSize, 0x3); err != nil {
		t.Fatalf("adjacent mmap should succeed: %v", err)
	}
	// Overlapping by one page: illegal.
	if err := ms.TryInsertFramedArea(0x10000000+mem.PageSize, 0x10000000+3*mem.PageSize, 0x3); err == nil {
		t.Fatalf("overlapping mmap should fail")
	}
}

func TestMmapWriteReadMunmap(t *testing.T) {
	arena, alloc := newTestArena(t, 64)
	tramp := newTrampoline(t, alloc)
	ms, err := NewMemorySet(alloc, arena, tramp)
	if err != nil {
		t.Fatalf("NewMemorySet: %v", err)
	}
	const base = uint64(0x10000000)
	if err := ms.TryInsertFramedArea(base, base+mem.PageSize, 0x3); err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if err := CopyToApp(ms.PageTable, arena, []byte{0xAB}, base); err != nil {
		t.Fatalf("CopyToApp: %v", err)
	}
	got, err := CopyFromApp(ms.PageTable, arena, base, 1)
	if err != nil {
		t.Fatalf("CopyFromApp: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("got %x", got[0])
	}
	if err := ms.TryRemoveArea(base, base+mem.PageSize); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	if _, err := CopyFromApp(ms.PageTable, arena, base, 1); err == nil {
		t.Fatalf("expected read after munmap to fail")
	}
}

func TestTranslatedByteBufferCrossesPageBoundary(t *testing.T) {
	arena, alloc := newTestArena(t, 64)
	tramp := newTrampoline(t, alloc)
	ms, err := NewMemorySet(alloc, arena, tramp)
	if err != nil {
		t.Fatalf("NewMemorySet: %v", err)
	}
	const base = uint64(0x20000000)
	if err := ms.TryInsertFramedArea(base, base+2*mem.PageSize, 0x3); err != nil {
		t.Fatalf("mmap: %v", err)
	}
	// place an 8-byte value straddling the page boundary.
	ptr := base + mem.PageSize - 4
	item := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := CopyToApp(ms.PageTable, arena, item, ptr); err != nil {
		t.Fatalf("CopyToApp: %v", err)
	}
	got, err := CopyFromApp(ms.PageTable, arena, ptr, len(item))
	if err != nil {
		t.Fatalf("CopyFromApp: %v", err)
	}
	for i := range item {
		if got[i] != item[i] {
			t.Fatalf("mismatch at %d: want %d got %d", i, item[i], got[i])
		}
	}
}
