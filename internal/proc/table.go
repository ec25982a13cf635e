package proc

import (
	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/sched"
	"github.com/stride-os/kernel/internal/vm"
)

// ProcessTable is the kernel-wide pid -> PCB map and the collaborators
// every lifecycle operation needs: the frame allocator, the host memory
// arena standing in for physical RAM, the shared trampoline frame, the
// kernel stack pool, and the ready-queue scheduler (spec §9: "Global
// singletons ... process-wide state initialized on first access").
type ProcessTable struct {
	byPID   map[int]*PCB
	pidAlloc IDAllocator

	Alloc         mem.FrameAllocator
	Arena         *mem.HostArena
	TrampolinePPN mem.PPN
	KStacks       *KernelStackPool
	Sched         *sched.Scheduler

	Init *PCB
}

// NewProcessTable wires a fresh, empty process table over the given
// collaborators.
func NewProcessTable(alloc mem.FrameAllocator, arena *mem.HostArena, trampolinePPN mem.PPN) *ProcessTable {
	return &ProcessTable{
		byPID:         make(map[int]*PCB),
		pidAlloc:      IDAllocator{next: 1}, // pid 1 is init
		Alloc:         alloc,
		Arena:         arena,
		TrampolinePPN: trampolinePPN,
		KStacks:       NewKernelStackPool(alloc),
		Sched:         sched.New(),
	}
}

// Lookup returns the PCB for pid, if any.
func (pt *ProcessTable) Lookup(pid int) (*PCB, bool) {
	p, ok := pt.byPID[pid]
	return p, ok
}

// PIDs returns a snapshot of every currently-registered pid, for
// internal/metrics to iterate without holding the table open across a
// scrape.
func (pt *ProcessTable) PIDs() []int {
	pids := make([]int, 0, len(pt.byPID))
	for pid := range pt.byPID {
		pids = append(pids, pid)
	}
	return pids
}

func (pt *ProcessTable) newMainThread(pcb *PCB, entry, ustackTop uint64) (*TCB, error) {
	inner := pcb.Lock()
	defer pcb.Unlock()

	tid := inner.TidAlloc.Alloc()
	kstack, err := pt.KStacks.Alloc(tid)
	if err != nil {
		inner.TidAlloc.Dealloc(tid)
		return nil, err
	}
	tc := NewTrapContext(entry, ustackTop, inner.MemSet.PageTable.Token(), kstackTop(kstack), 0)
	buf := make([]byte, TrapContextBytes)
	tc.Encode(buf)
	copy(pt.Arena.Page(inner.MemSet.TrapContextFrame()), buf)

	tcb := &TCB{
		Process:        pcb,
		Res:            UserResource{Tid: tid, UstackTop: ustackTop},
		KernelStack:    kstack,
		TrapContextPPN: inner.MemSet.TrapContextFrame(),
		State:          Ready,
		Priority:       DefaultPriority,
		Pass:           sched.Pass(DefaultPriority),
	}
	inner.Tasks[tid] = tcb
	return tcb, nil
}

func kstackTop(frames []mem.PPN) uint64 {
	return uint64(len(frames)) * mem.PageSize
}

// SpawnProcess builds a fresh address space from elfBytes, allocates a
// pid, and creates its single main thread (tid 0), ready to run (spec
// §4.7).
func (pt *ProcessTable) SpawnProcess(elfBytes []byte) (*PCB, error) {
	ms, ustackTop, entry, err := vm.FromElf(elfBytes, pt.Alloc, pt.Arena, pt.TrampolinePPN)
	if err != nil {
		return nil, err
	}
	pid := pt.pidAlloc.Alloc()
	pcb := newPCB(pid, ms)
	if _, err := pt.newMainThread(pcb, entry, ustackTop); err != nil {
		pt.pidAlloc.Dealloc(pid)
		return nil, err
	}
	pt.byPID[pid] = pcb
	if pt.Init == nil {
		pt.Init = pcb
	}
	pt.Sched.Push(pcb.Lock().Tasks[0].SchedTask(TaskKey(pid, 0)))
	pcb.Unlock()
	return pcb, nil
}

// Fork deep-copies parent's address space and duplicates its fd table
// into a fresh child process (spec §4.7). Requires parent to currently
// have exactly one live thread.
func (pt *ProcessTable) Fork(parent *PCB) (*PCB, error) {
	pinner := parent.Lock()
	if pinner.ThreadCount() != 1 {
		parent.Unlock()
		return nil, kerr.New(kerr.InvalidArgument, "proc: fork requires a single-threaded process")
	}
	parentTCB := pinner.Tasks[0]
	childMS, err := vm.FromExistedUser(pinner.MemSet, pt.Alloc, pt.Arena, pt.TrampolinePPN)
	if err != nil {
		parent.Unlock()
		return nil, err
	}
	childPID := pt.pidAlloc.Alloc()
	child := newPCB(childPID, childMS)
	cinner := child.Lock()
	for fd, inode := range pinner.FDTable {
		cinner.FDTable[fd] = inode // shared file objects (spec §4.7)
	}
	cinner.Parent = parent

	tid := cinner.TidAlloc.Alloc()
	kstack, err := pt.KStacks.Alloc(tid)
	if err != nil {
		child.Unlock()
		parent.Unlock()
		return nil, err
	}
	parentCtxBuf := pt.Arena.Page(parentTCB.TrapContextPPN)[:TrapContextBytes]
	childTC := DecodeTrapContext(parentCtxBuf)
	childTC.X[10] = 0 // fork returns 0 in the child (spec §4.7)
	childTC.KernelStackTop = kstackTop(kstack)
	childBuf := make([]byte, TrapContextBytes)
	childTC.Encode(childBuf)
	copy(pt.Arena.Page(childMS.TrapContextFrame()), childBuf)

	childTCB := &TCB{
		Process:        child,
		Res:            UserResource{Tid: tid, UstackTop: parentTCB.Res.UstackTop},
		KernelStack:    kstack,
		TrapContextPPN: childMS.TrapContextFrame(),
		State:          Ready,
		Priority:       DefaultPriority,
		Pass:           sched.Pass(DefaultPriority),
	}
	cinner.Tasks[tid] = childTCB
	child.Unlock()

	pinner.Children = append(pinner.Children, child)
	parent.Unlock()

	pt.byPID[childPID] = child
	pt.Sched.Push(childTCB.SchedTask(TaskKey(childPID, tid)))
	return child, nil
}

// Exec rebuilds pcb's address space from elfBytes and re-initializes its
// (single) main thread's user resources and trap context, pushing argv
// onto the new user stack (spec §4.7). Requires pcb to currently have
// exactly one live thread.
func (pt *ProcessTable) Exec(pcb *PCB, elfBytes []byte, args []string) error {
	inner := pcb.Lock()
	defer pcb.Unlock()
	if inner.ThreadCount() != 1 {
		return kerr.New(kerr.InvalidArgument, "proc: exec requires a single-threaded process")
	}
	old := inner.MemSet
	ms, ustackTop, entry, err := vm.FromElf(elfBytes, pt.Alloc, pt.Arena, pt.TrampolinePPN)
	if err != nil {
		return err
	}

	argvBase, newTop := pushArgv(ms, pt.Arena, ustackTop, args)

	tcb := inner.Tasks[0]
	tc := NewTrapContext(entry, newTop, ms.PageTable.Token(), kstackTop(tcb.KernelStack), 0)
	tc.X[10] = uint64(len(args))
	tc.X[11] = argvBase
	buf := make([]byte, TrapContextBytes)
	tc.Encode(buf)
	copy(pt.Arena.Page(ms.TrapContextFrame()), buf)

	tcb.TrapContextPPN = ms.TrapContextFrame()
	tcb.Res.UstackTop = newTop
	inner.MemSet = ms
	old.Destroy()
	return nil
}

// pushArgv writes args onto the top of the new user stack as NUL-
// terminated strings followed by an 8-byte-aligned, null-terminated
// pointer array (spec §4.7), returning the pointer array's base address
// and the resulting (lower) stack top.
func pushArgv(ms *vm.MemorySet, arena *mem.HostArena, ustackTop uint64, args []string) (argvBase, newTop uint64) {
	sp := ustackTop
	ptrs := make([]uint64, len(args))
	for i, a := range args {
		bytes := append([]byte(a), 0)
		sp -= uint64(len(bytes))
		vm.CopyToApp(ms.PageTable, arena, bytes, sp)
		ptrs[i] = sp
	}
	sp &^= 7 // 8-byte align before the pointer array

	table := make([]byte, (len(ptrs)+1)*8)
	for i, p := range ptrs {
		putU64(table, i*8, p)
	}
	putU64(table, len(ptrs)*8, 0) // null terminator
	sp -= uint64(len(table))
	sp &^= 7
	vm.CopyToApp(ms.PageTable, arena, table, sp)
	return sp, sp
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// Waitpid implements sys_waitpid (spec §4.7). pid == -1 matches any
// child. Returns (-1, 0, false) if no matching child exists, (-2, 0,
// false) if matches exist but none are zombies, otherwise the reaped
// child's pid and its exit code (for the caller to copy into the user's
// *i32 out-parameter).
func (pt *ProcessTable) Waitpid(parent *PCB, pid int) (result int, exitCode int, matched bool) {
	inner := parent.Lock()
	defer parent.Unlock()

	matchedAny := false
	for i, c := range inner.Children {
		if pid != -1 && c.PID != pid {
			continue
		}
		matchedAny = true
		cinner := c.Lock()
		if cinner.IsZombie {
			code := cinner.ExitCode
			c.Unlock()
			inner.Children = append(inner.Children[:i], inner.Children[i+1:]...)
			delete(pt.byPID, c.PID)
			pt.pidAlloc.Dealloc(c.PID)
			return c.PID, code, true
		}
		c.Unlock()
	}
	if !matchedAny {
		return -1, 0, false
	}
	return -2, 0, false
}

// Exit marks pcb a zombie, reparents its children to the init process,
// and releases its address space (spec §4.7). The kernel stack of the
// exiting thread is intentionally left allocated until the parent reaps
// it via Waitpid.
func (pt *ProcessTable) Exit(pcb *PCB, code int) {
	inner := pcb.Lock()
	inner.IsZombie = true
	inner.ExitCode = code
	for _, t := range inner.Tasks {
		t.State = Exited
	}
	children := inner.Children
	inner.Children = nil
	mset := inner.MemSet
	inner.MemSet = nil
	pcb.Unlock()

	if mset != nil {
		mset.Destroy()
	}

	if len(children) == 0 {
		return
	}
	if pt.Init == nil || pt.Init == pcb {
		panic("proc: init process exited with orphans to reparent")
	}
	iinner := pt.Init.Lock()
	iinner.Children = append(iinner.Children, children...)
	pt.Init.Unlock()
	for _, c := range children {
		cinner := c.Lock()
		cinner.Parent = pt.Init
		c.Unlock()
	}
}
