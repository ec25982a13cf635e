package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/easyfs"
	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/proc"
	"github.com/stride-os/kernel/internal/vfs"
	"github.com/stride-os/kernel/internal/vm"
)

// buildMinimalELF is a test-local copy of the hand-built ELF64 fixture used
// by internal/proc's tests — debug/elf only needs a valid header, one
// PT_LOAD program header, and payload bytes to parse successfully.
func buildMinimalELF(vaddr, entry uint64, payload []byte) []byte {
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+phsize+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 243)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)
	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 1|2|4)
	le.PutUint64(ph[8:], ehsize+phsize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(payload)))
	le.PutUint64(ph[40:], uint64(len(payload)))
	le.PutUint64(ph[48:], 0x1000)
	copy(buf[ehsize+phsize:], payload)
	return buf
}

func tinyELF() []byte {
	return buildMinimalELF(0x1000, 0x1000, []byte{0, 0, 0, 0})
}

type fakeClock struct{ micros uint64 }

func (c *fakeClock) NowMicros() uint64 { return c.micros }

func newTestDispatcher(t *testing.T) (*Dispatcher, *proc.ProcessTable) {
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
	procs := proc.NewProcessTable(alloc, arena, tramp.PPN)

	dev := bdev.NewMemDevice()
	efs, err := easyfs.Initialize(dev, 4096, 1, 64)
	if err != nil {
		t.Fatalf("easyfs.Initialize: %v", err)
	}
	fs := vfs.New(efs)

	return New(procs, fs, &fakeClock{micros: 1_000_000}), procs
}

func TestGetpidReturnsCallerPid(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	if got := d.Getpid(pcb.PID, 0); got != int64(pcb.PID) {
		t.Fatalf("want %d, got %d", pcb.PID, got)
	}
}

func TestSetPriorityRejectsBelowTwo(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	if got := d.SetPriority(pcb.PID, 0, 1); got != -1 {
		t.Fatalf("want -1 for prio<2, got %d", got)
	}
	if got := d.SetPriority(pcb.PID, 0, 5); got != 5 {
		t.Fatalf("want 5, got %d", got)
	}
}

func TestMmapMunmapRoundTrip(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	const base = uint64(0x10000000)
	if got := d.Mmap(pcb.PID, 0, base, mem.PageSize, 0x3); got != 0 {
		t.Fatalf("mmap: want 0, got %d", got)
	}
	// overlap by one page must fail.
	if got := d.Mmap(pcb.PID, 0, base, mem.PageSize, 0x3); got == 0 {
		t.Fatalf("overlapping mmap should fail")
	}
	if got := d.Munmap(pcb.PID, 0, base, mem.PageSize); got != 0 {
		t.Fatalf("munmap: want 0, got %d", got)
	}
}

func TestSbrkGrowsAndShrinks(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	base := d.Sbrk(pcb.PID, 0, 0)
	if base < 0 {
		t.Fatalf("sbrk(0) failed")
	}
	grown := d.Sbrk(pcb.PID, 0, int32(mem.PageSize))
	if grown != base {
		t.Fatalf("sbrk must return the old break: want %d got %d", base, grown)
	}
	shrunk := d.Sbrk(pcb.PID, 0, -int32(mem.PageSize))
	if shrunk != base+int64(mem.PageSize) {
		t.Fatalf("want %d after shrink, got %d", base+int64(mem.PageSize), shrunk)
	}
}

func TestGetTimeWritesSecUsec(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	d.Clock = &fakeClock{micros: 2_500_000}
	const ptr = uint64(0x10000000)
	if got := d.Mmap(pcb.PID, 0, ptr, mem.PageSize, 0x3); got != 0 {
		t.Fatalf("mmap: %d", got)
	}
	if got := d.GetTime(pcb.PID, 0, ptr); got != 0 {
		t.Fatalf("GetTime: want 0, got %d", got)
	}

	inner := pcb.Lock()
	pt := inner.MemSet.PageTable
	pcb.Unlock()
	buf, err := vm.CopyFromApp(pt, procs.Arena, ptr, TimeValBytes)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	sec := binary.LittleEndian.Uint64(buf[0:])
	usec := binary.LittleEndian.Uint64(buf[8:])
	if sec != 2 || usec != 500000 {
		t.Fatalf("want sec=2 usec=500000, got sec=%d usec=%d", sec, usec)
	}
}

func TestForkReturnsChildPidToParent(t *testing.T) {
	d, procs := newTestDispatcher(t)
	parent, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	childPID := d.Fork(parent.PID, 0)
	if childPID < 0 || childPID == int64(parent.PID) {
		t.Fatalf("want a fresh child pid, got %d", childPID)
	}
	if _, ok := procs.Lookup(int(childPID)); !ok {
		t.Fatalf("child must be registered")
	}
}

func TestWaitpidWritesExitCode(t *testing.T) {
	d, procs := newTestDispatcher(t)
	parent, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	childPID := d.Fork(parent.PID, 0)
	if childPID < 0 {
		t.Fatalf("fork failed: %d", childPID)
	}
	childPCB, _ := procs.Lookup(int(childPID))
	procs.Exit(childPCB, 42)

	const outPtr = uint64(0x10000000)
	if got := d.Mmap(parent.PID, 0, outPtr, mem.PageSize, 0x3); got != 0 {
		t.Fatalf("mmap: %d", got)
	}
	result := d.Waitpid(parent.PID, 0, -1, outPtr)
	if result != childPID {
		t.Fatalf("want pid %d, got %d", childPID, result)
	}

	inner := parent.Lock()
	pt := inner.MemSet.PageTable
	parent.Unlock()
	buf, err := vm.CopyFromApp(pt, procs.Arena, outPtr, 4)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(buf)); got != 42 {
		t.Fatalf("want exit code 42, got %d", got)
	}
}

func TestExecUnknownPathReturnsNegOne(t *testing.T) {
	d, procs := newTestDispatcher(t)
	pcb, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	if got := d.Exec(pcb.PID, 0, "/no/such/file", nil); got != -1 {
		t.Fatalf("want -1 for unknown path, got %d", got)
	}
}

func TestSpawnFromFilesystem(t *testing.T) {
	d, procs := newTestDispatcher(t)
	caller, err := procs.SpawnProcess(tinyELF())
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}

	f, err := d.FS.Root().Create("prog")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	image := tinyELF()
	if _, err := f.WriteAt(0, image); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	pid := d.Spawn(caller.PID, 0, "/prog")
	if pid < 0 {
		t.Fatalf("Spawn: %d", pid)
	}
	if _, ok := procs.Lookup(int(pid)); !ok {
		t.Fatalf("spawned process must be registered")
	}
}
