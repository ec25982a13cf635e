package proc

import (
	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
)

// KernelStackPages is the number of physical frames backing one task's
// kernel stack.
const KernelStackPages = 2

// KernelStackPool hands out and reclaims kernel stacks, one per task
// (spec §2: "each task owns a kernel stack mapped high in the kernel
// address space"). Mapping the returned frames into the kernel's high
// address range is the trap-dispatch layer's job (out of scope, spec §1);
// this pool only owns the frames.
type KernelStackPool struct {
	alloc mem.FrameAllocator
	bytid map[int][]mem.PPN
}

// NewKernelStackPool creates an empty pool over alloc.
func NewKernelStackPool(alloc mem.FrameAllocator) *KernelStackPool {
	return &KernelStackPool{alloc: alloc, bytid: make(map[int][]mem.PPN)}
}

// Alloc reserves KernelStackPages frames for tid's kernel stack.
func (p *KernelStackPool) Alloc(tid int) ([]mem.PPN, error) {
	frames := make([]mem.PPN, 0, KernelStackPages)
	for i := 0; i < KernelStackPages; i++ {
		f, ok := p.alloc.Alloc()
		if !ok {
			for _, prev := range frames {
				p.alloc.Dealloc(prev)
			}
			return nil, kerr.New(kerr.OutOfResources, "proc: out of frames for kernel stack")
		}
		frames = append(frames, f.PPN)
	}
	p.bytid[tid] = frames
	return frames, nil
}

// Free releases tid's kernel stack frames. Per spec §4.7 ("the kernel
// stack persists until the parent reaps"), callers must not call Free
// until after the owning task has been reaped, not merely exited.
func (p *KernelStackPool) Free(tid int) {
	frames, ok := p.bytid[tid]
	if !ok {
		return
	}
	for _, ppn := range frames {
		p.alloc.Dealloc(ppn)
	}
	delete(p.bytid, tid)
}
