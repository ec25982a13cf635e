package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/sync2"
	"github.com/stride-os/kernel/internal/vm"
)

func newTestTable(t *testing.T) *ProcessTable {
	t.Helper()
	arena, alloc, err := mem.NewHostArena(256)
	if err != nil {
		t.Fatalf("NewHostArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	tramp, ok := alloc.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	return NewProcessTable(alloc, arena, tramp.PPN)
}

func TestSpawnProcessCreatesReadyMainThread(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	if pcb.PID != 1 {
		t.Fatalf("want first pid 1, got %d", pcb.PID)
	}
	if pt.Init != pcb {
		t.Fatalf("first spawned process must become init")
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	if inner.ThreadCount() != 1 {
		t.Fatalf("want 1 live thread, got %d", inner.ThreadCount())
	}
	tcb, ok := inner.Tasks[0]
	if !ok {
		t.Fatalf("missing main thread tid 0")
	}
	if tcb.State != Ready {
		t.Fatalf("want Ready, got %v", tcb.State)
	}
	if pt.Sched.Len() != 1 {
		t.Fatalf("want 1 task in ready queue, got %d", pt.Sched.Len())
	}
}

func TestForkRequiresSingleThread(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := parent.Lock()
	inner.TidAlloc.Alloc() // simulate a second live thread
	inner.Tasks[1] = &TCB{Process: parent, State: Ready}
	parent.Unlock()

	if _, err := pt.Fork(parent); err == nil {
		t.Fatalf("expected fork to reject a multi-threaded parent")
	}
}

func TestForkDuplicatesAddressSpaceAndTracksChild(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	child, err := pt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.PID == parent.PID {
		t.Fatalf("child must get a distinct pid")
	}

	pinner := parent.Lock()
	if len(pinner.Children) != 1 || pinner.Children[0] != child {
		parent.Unlock()
		t.Fatalf("parent must track child")
	}
	parent.Unlock()

	cinner := child.Lock()
	if cinner.Parent != parent {
		child.Unlock()
		t.Fatalf("child must reference parent")
	}
	if cinner.MemSet == pinner.MemSet {
		child.Unlock()
		t.Fatalf("child address space must be a distinct copy")
	}
	child.Unlock()

	if _, ok := pt.Lookup(child.PID); !ok {
		t.Fatalf("child must be registered in the process table")
	}
	if pt.Sched.Len() != 2 {
		t.Fatalf("want 2 tasks in ready queue, got %d", pt.Sched.Len())
	}
}

func TestExecReplacesAddressSpaceAndPushesArgv(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	oldMS := pcb.Lock().MemSet
	pcb.Unlock()

	if err := pt.Exec(pcb, tinyELF(), []string{"ls", "-l"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	inner := pcb.Lock()
	defer pcb.Unlock()
	if inner.MemSet == oldMS {
		t.Fatalf("exec must install a fresh address space")
	}
	tcb := inner.Tasks[0]
	if tcb == nil {
		t.Fatalf("exec must preserve the main thread's tid")
	}
	tc := DecodeTrapContext(pt.Arena.Page(tcb.TrapContextPPN)[:TrapContextBytes])
	if tc.X[10] != 2 {
		t.Fatalf("want argc 2 in a0, got %d", tc.X[10])
	}
	argv0, err := vm.CopyFromApp(inner.MemSet.PageTable, pt.Arena, tc.X[11], 8)
	if err != nil {
		t.Fatalf("read argv[0] pointer: %v", err)
	}
	name, err := vm.CopyFromApp(inner.MemSet.PageTable, pt.Arena, binary.LittleEndian.Uint64(argv0), 3)
	if err != nil || string(name) != "ls\x00" {
		t.Fatalf("want argv[0] %q on the new user stack, got %q err=%v", "ls", name, err)
	}
}

func TestExecRejectsMultiThreaded(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := pcb.Lock()
	inner.Tasks[1] = &TCB{Process: pcb, State: Ready}
	pcb.Unlock()

	if err := pt.Exec(pcb, tinyELF(), nil); err == nil {
		t.Fatalf("expected exec to reject a multi-threaded process")
	}
}

func TestWaitpidNoMatchingChild(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	result, _, matched := pt.Waitpid(parent, -1)
	if matched || result != -1 {
		t.Fatalf("want (-1, false) with no children, got (%d, %v)", result, matched)
	}
}

func TestWaitpidMatchButNoZombieYet(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	child, err := pt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	result, _, matched := pt.Waitpid(parent, child.PID)
	if matched || result != -2 {
		t.Fatalf("want (-2, false) for a live child, got (%d, %v)", result, matched)
	}
}

func TestWaitpidReapsZombieAndReturnsExitCode(t *testing.T) {
	pt := newTestTable(t)
	parent, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	child, err := pt.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	pt.Exit(child, 7)

	pid, code, matched := pt.Waitpid(parent, -1)
	if !matched {
		t.Fatalf("expected a matching zombie child")
	}
	if pid != child.PID || code != 7 {
		t.Fatalf("want (pid=%d, code=7), got (pid=%d, code=%d)", child.PID, pid, code)
	}
	if _, ok := pt.Lookup(child.PID); ok {
		t.Fatalf("reaped child must be removed from the process table")
	}
	pinner := parent.Lock()
	defer parent.Unlock()
	if len(pinner.Children) != 0 {
		t.Fatalf("reaped child must be removed from parent's children")
	}
}

func TestExitReparentsOrphansToInit(t *testing.T) {
	pt := newTestTable(t)
	init, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	mid, err := pt.Fork(init)
	if err != nil {
		t.Fatalf("Fork mid: %v", err)
	}
	grandchild, err := pt.Fork(mid)
	if err != nil {
		t.Fatalf("Fork grandchild: %v", err)
	}

	pt.Exit(mid, 0)

	iinner := init.Lock()
	found := false
	for _, c := range iinner.Children {
		if c == grandchild {
			found = true
		}
	}
	init.Unlock()
	if !found {
		t.Fatalf("orphaned grandchild must be reparented to init")
	}

	ginner := grandchild.Lock()
	defer grandchild.Unlock()
	if ginner.Parent != init {
		t.Fatalf("grandchild's Parent must point at init after reparenting")
	}
}

func TestExitPanicsWhenInitOrphansRemain(t *testing.T) {
	pt := newTestTable(t)
	init, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	if _, err := pt.Fork(init); err != nil {
		t.Fatalf("Fork: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected init exiting with orphans to panic")
		}
	}()
	pt.Exit(init, 0)
}

func TestEnableDeadlockDetectRejectsRedundantEnable(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := pcb.Lock()
	defer pcb.Unlock()

	if rc := inner.EnableDeadlockDetect(); rc != 0 {
		t.Fatalf("want the first enable to succeed, got %d", rc)
	}
	if rc := inner.EnableDeadlockDetect(); rc != -1 {
		t.Fatalf("want a redundant enable to return -1, got %d", rc)
	}
}

func TestEnableDeadlockDetectPanicsWithExistingSyncObjects(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	inner.Mutexes[0] = sync2.NewMutex(0)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected enabling over a non-empty mutex_list to panic")
		}
	}()
	inner.EnableDeadlockDetect()
}

func TestDisableDeadlockDetectRejectsRedundantDisable(t *testing.T) {
	pt := newTestTable(t)
	pcb, err := pt.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := pcb.Lock()
	defer pcb.Unlock()

	if rc := inner.DisableDeadlockDetect(); rc != -1 {
		t.Fatalf("want disabling an already-disabled detector to return -1, got %d", rc)
	}
	if rc := inner.EnableDeadlockDetect(); rc != 0 {
		t.Fatalf("enable: %d", rc)
	}
	if rc := inner.DisableDeadlockDetect(); rc != 0 {
		t.Fatalf("want the matching disable to succeed, got %d", rc)
	}
	if rc := inner.DisableDeadlockDetect(); rc != -1 {
		t.Fatalf("want a second disable to return -1, got %d", rc)
	}
}
