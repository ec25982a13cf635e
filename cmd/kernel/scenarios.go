package main

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/proc"
	"github.com/stride-os/kernel/internal/syscall"
	"github.com/stride-os/kernel/internal/vfs"
	"github.com/stride-os/kernel/internal/vm"
)

// world bundles the simulator's global singletons (spec §9) that every
// scenario drives. There is exactly one of these per run, built once in
// main and torn down on shutdown, the same role ufs.BootMemFS's returned
// Ufs_t plays for the teacher.
type world struct {
	procs *proc.ProcessTable
	fs    *vfs.Filesystem
	sys   *syscall.Dispatcher
	clock *simClock
}

// scenarioBootSpawnForkExec drives spec.md §8 scenario 1: boot spawns
// init (pid 1), init's sys_spawn("shell") produces pid 2, shell forks
// (pid 3) and the child execs "ls", which lists the root directory.
func scenarioBootSpawnForkExec(w *world) error {
	initPCB, err := w.procs.SpawnProcess(buildDemoELF(0x1000, 0x1000, []byte{0, 0, 0, 0}))
	if err != nil {
		return fmt.Errorf("spawn init: %w", err)
	}
	if initPCB.PID != 1 {
		return fmt.Errorf("want init pid 1, got %d", initPCB.PID)
	}

	shellPID := w.sys.Spawn(initPCB.PID, 0, "shell")
	if shellPID != 2 {
		return fmt.Errorf("want shell pid 2, got %d", shellPID)
	}

	shellPCB, ok := w.procs.Lookup(int(shellPID))
	if !ok {
		return fmt.Errorf("shell pcb missing")
	}
	childPID := w.sys.Fork(shellPCB.PID, 0)
	if childPID != 3 {
		return fmt.Errorf("want ls pid 3, got %d", childPID)
	}
	if rc := w.sys.Exec(int(childPID), 0, "ls", []string{"ls"}); rc != 0 {
		return fmt.Errorf("exec ls: %d", rc)
	}

	names, err := w.fs.Root().Ls()
	if err != nil {
		return err
	}
	log.Printf("scenario 1: pids init=%d shell=%d ls=%d, root listing: %v",
		initPCB.PID, shellPID, childPID, names)
	return nil
}

// scenarioMmapWriteReadMunmap drives spec.md §8 scenario 2.
func scenarioMmapWriteReadMunmap(w *world, pid int) error {
	const start = uint64(0x10000000)
	const length = mem.PageSize

	if rc := w.sys.Mmap(pid, 0, start, length, 0x3); rc != 0 {
		return fmt.Errorf("mmap: %d", rc)
	}
	pcb, _ := w.procs.Lookup(pid)
	inner := pcb.Lock()
	pt := inner.MemSet.PageTable
	pcb.Unlock()

	if err := vm.CopyToApp(pt, w.procs.Arena, []byte{0xAB}, start); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got, err := vm.CopyFromApp(pt, w.procs.Arena, start, 1)
	if err != nil {
		return fmt.Errorf("read after mmap: %w", err)
	}
	if got[0] != 0xAB {
		return fmt.Errorf("want 0xAB, got 0x%x", got[0])
	}

	if rc := w.sys.Munmap(pid, 0, start, length); rc != 0 {
		return fmt.Errorf("munmap: %d", rc)
	}
	if _, err := vm.CopyFromApp(pt, w.procs.Arena, start, 1); err == nil {
		return fmt.Errorf("want a trap reading unmapped memory, got none")
	}
	log.Printf("scenario 2: mmap/write/read/munmap/trap all as expected")
	return nil
}

// scenarioLinkUnlinkLifecycle drives spec.md §8 scenario 3.
func scenarioLinkUnlinkLifecycle(w *world) error {
	root := w.fs.Root()
	a, err := root.Create("a")
	if err != nil {
		return fmt.Errorf("create a: %w", err)
	}
	if _, err := a.WriteAt(0, []byte("hello")); err != nil {
		return fmt.Errorf("write a: %w", err)
	}

	if err := root.CreateLinkByID("b", a.ID); err != nil {
		return fmt.Errorf("link b->a: %w", err)
	}
	st, err := a.Stat()
	if err != nil {
		return err
	}
	if st.Nlink != 2 {
		return fmt.Errorf("want nlink=2 after link, got %d", st.Nlink)
	}

	if err := root.DestroyLink("a"); err != nil {
		return fmt.Errorf("unlink a: %w", err)
	}
	b, ok, err := root.Find("b")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("b should still resolve after unlinking a")
	}
	buf := make([]byte, 5)
	if _, err := b.ReadAt(0, buf); err != nil || string(buf) != "hello" {
		return fmt.Errorf("b should still read 'hello': %q, %v", buf, err)
	}
	if st, err = b.Stat(); err != nil || st.Nlink != 1 {
		return fmt.Errorf("want nlink=1 after unlinking a, got %+v err=%v", st, err)
	}

	if err := root.DestroyLink("b"); err != nil {
		return fmt.Errorf("unlink b: %w", err)
	}
	if st, err = b.Stat(); err != nil || st.Nlink != 0 {
		return fmt.Errorf("want nlink=0 after unlinking b, got %+v err=%v", st, err)
	}
	log.Printf("scenario 3: create/link/unlink lifecycle matches nlink expectations")
	return nil
}

// scenarioLockOrderInversion drives spec.md §8 scenario 4 through the real
// blocking-acquire path (spec §5): thread 0 holds mutex 0 and requests
// mutex 1; thread 1 holds mutex 1 and requests mutex 0. The second
// cross-request must be rejected by the Banker's-algorithm detector with
// -0xDEAD, and the contended-but-safe first cross-request must actually
// suspend its caller's TCB (State=Blocked) rather than merely report
// "would block" — this is what distinguishes a real acquire path from
// inspecting the detector's verdict directly.
func scenarioLockOrderInversion(w *world, pcb *proc.PCB) error {
	inner := pcb.Lock()
	if rc := inner.EnableDeadlockDetect(); rc != 0 {
		pcb.Unlock()
		return fmt.Errorf("enable_deadlock_detect: %d", rc)
	}
	tid1 := inner.TidAlloc.Alloc()
	stack, err := w.procs.KStacks.Alloc(tid1)
	if err != nil {
		pcb.Unlock()
		return fmt.Errorf("alloc kstack for tid1: %w", err)
	}
	inner.Tasks[tid1] = &proc.TCB{Process: pcb, KernelStack: stack, State: proc.Ready, Priority: proc.DefaultPriority}
	pcb.Unlock()

	mutex0 := w.procs.CreateMutex(pcb)
	mutex1 := w.procs.CreateMutex(pcb)
	const tid0 = 0

	if blocked, err := w.procs.LockMutex(pcb, tid0, mutex0); err != nil || blocked {
		return fmt.Errorf("thread 0 should acquire mutex 0 uncontended: blocked=%v err=%v", blocked, err)
	}
	if blocked, err := w.procs.LockMutex(pcb, tid1, mutex1); err != nil || blocked {
		return fmt.Errorf("thread 1 should acquire mutex 1 uncontended: blocked=%v err=%v", blocked, err)
	}
	blocked, err := w.procs.LockMutex(pcb, tid0, mutex1)
	if err != nil {
		return fmt.Errorf("thread 0's cross request should still be judged safe: %w", err)
	}
	if !blocked {
		return fmt.Errorf("thread 0's cross request should contend and block, mutex 1 is held")
	}
	if taskState(pcb, tid0) != proc.Blocked {
		return fmt.Errorf("thread 0's TCB should be Blocked while waiting on mutex 1")
	}
	if _, err := w.procs.LockMutex(pcb, tid1, mutex0); err == nil {
		return fmt.Errorf("thread 1's cross request should be rejected (-0xDEAD)")
	}

	inner = pcb.Lock()
	rejections := inner.Detector.Rejections()
	mu0Locked, mu1Locked := inner.Mutexes[mutex0].Locked, inner.Mutexes[mutex1].Locked
	pcb.Unlock()

	// Thread 1 releases mutex 1, which must wake thread 0's blocked
	// waiter and move it back to Ready on the scheduler (spec §5).
	if err := w.procs.UnlockMutex(pcb, tid1, mutex1); err != nil {
		return fmt.Errorf("unlock mutex 1: %w", err)
	}
	if taskState(pcb, tid0) != proc.Ready {
		return fmt.Errorf("releasing mutex 1 should move thread 0 back to Ready")
	}

	log.Printf("scenario 4: lock-order inversion detected and blocked for real, "+
		"both threads' held locks intact before release (mutex0.Locked=%v mutex1.Locked=%v), "+
		"cumulative rejections=%d, thread 0 woke into Ready after release", mu0Locked, mu1Locked, rejections)
	return nil
}

// taskState reads tid's current scheduling state under pcb's lock.
func taskState(pcb *proc.PCB, tid int) proc.TaskState {
	inner := pcb.Lock()
	defer pcb.Unlock()
	return inner.Tasks[tid].State
}

// scenarioForkGetTimeCrossPage drives spec.md §8 scenario 5: a forked
// child's sys_get_time writes a TimeVal straddling a page boundary (sec
// in one page, usec in the next), and the caller reads it back intact.
func scenarioForkGetTimeCrossPage(w *world, parentPID int) error {
	childPID := w.sys.Fork(parentPID, 0)
	if childPID < 0 {
		return fmt.Errorf("fork: %d", childPID)
	}
	const areaStart = uint64(0x20000000)
	if rc := w.sys.Mmap(int(childPID), 0, areaStart, 2*mem.PageSize, 0x3); rc != 0 {
		return fmt.Errorf("mmap: %d", rc)
	}
	ptr := areaStart + mem.PageSize - 8 // sec occupies the last 8 bytes of page 0, usec the first 8 of page 1

	w.clock.Advance(2_500_000 - w.clock.NowMicros())
	if rc := w.sys.GetTime(int(childPID), 0, ptr); rc != 0 {
		return fmt.Errorf("get_time: %d", rc)
	}

	pcb, _ := w.procs.Lookup(int(childPID))
	inner := pcb.Lock()
	pt := inner.MemSet.PageTable
	pcb.Unlock()
	buf, err := vm.CopyFromApp(pt, w.procs.Arena, ptr, syscall.TimeValBytes)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	sec := leUint64(buf[0:])
	usec := leUint64(buf[8:])
	if sec != 2 || usec != 500000 {
		return fmt.Errorf("want sec=2 usec=500000, got sec=%d usec=%d", sec, usec)
	}
	log.Printf("scenario 5: cross-page TimeVal reconstructed correctly (pid=%d sec=%d usec=%d)",
		childPID, sec, usec)
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// scenarioPriorityRatio drives spec.md §8 scenario 6: two CPU-bound
// threads at priorities 2 and 8 dispatched over many timer ticks should
// see dispatch counts in roughly an 8:2 ratio (lower priority means
// larger pass, so it is dispatched less often). Two goroutines pop from
// the shared scheduler behind a mutex, modeling separate harts contending
// for the single global ready-queue guard spec §5 describes; dispatch
// order itself stays fully serialized by that guard, so this does not
// reintroduce the SMP concurrency spec.md §1 excludes.
func scenarioPriorityRatio(w *world, pcb *proc.PCB, ticks int) (map[uint64]int, error) {
	inner := pcb.Lock()
	tidLow := inner.TidAlloc.Alloc()
	lowStack, err := w.procs.KStacks.Alloc(tidLow)
	if err != nil {
		pcb.Unlock()
		return nil, err
	}
	lowTCB := &proc.TCB{Process: pcb, KernelStack: lowStack, State: proc.Ready, Priority: 2}
	inner.Tasks[tidLow] = lowTCB

	tidHigh := inner.TidAlloc.Alloc()
	highStack, err := w.procs.KStacks.Alloc(tidHigh)
	if err != nil {
		pcb.Unlock()
		return nil, err
	}
	highTCB := &proc.TCB{Process: pcb, KernelStack: highStack, State: proc.Ready, Priority: 8}
	inner.Tasks[tidHigh] = highTCB
	pid := pcb.PID
	pcb.Unlock()

	lowTCB.Pass = bigStrideOverPriority(lowTCB.Priority)
	highTCB.Pass = bigStrideOverPriority(highTCB.Priority)
	w.procs.Sched.Push(lowTCB.SchedTask(proc.TaskKey(pid, tidLow)))
	w.procs.Sched.Push(highTCB.SchedTask(proc.TaskKey(pid, tidHigh)))

	var guard sync.Mutex // stands in for spec §5's "single global guard, held only across push/pop"
	counts := map[uint64]int{}
	remaining := ticks

	g := new(errgroup.Group)
	for hart := 0; hart < 2; hart++ {
		g.Go(func() error {
			for {
				guard.Lock()
				if remaining <= 0 {
					guard.Unlock()
					return nil
				}
				remaining--
				t, ok := w.procs.Sched.Pop()
				if !ok {
					guard.Unlock()
					return nil
				}
				counts[t.ID]++
				t.Advance()
				w.procs.Sched.Push(t)
				guard.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Printf("scenario 6: dispatch counts over %d ticks: low(prio=2)=%d high(prio=8)=%d",
		ticks, counts[proc.TaskKey(pid, tidLow)], counts[proc.TaskKey(pid, tidHigh)])
	return counts, nil
}

func bigStrideOverPriority(priority int64) uint64 {
	const bigStride = 1 << 20
	return bigStride / uint64(priority)
}
