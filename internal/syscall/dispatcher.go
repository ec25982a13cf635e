// Package syscall dispatches the closed syscall surface of spec.md §6 into
// internal/proc, internal/vm, and internal/vfs. Each handler takes the
// calling task's (pid, tid) explicitly — the trap-dispatch layer that picks
// "the current task" is an external collaborator (spec §1) the simulator
// binary plays the role of, not this package.
//
// Grounded on defs/device.go's style of enumerating a small closed set of
// named integer constants; the dispatch bodies themselves have no teacher
// analogue (biscuit's syscall entry points live in the excluded trap
// layer) and are built directly against spec.md §6's table.
package syscall

import (
	"strings"

	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/proc"
	"github.com/stride-os/kernel/internal/sched"
	"github.com/stride-os/kernel/internal/vfs"
	"github.com/stride-os/kernel/internal/vm"
)

// Number identifies one syscall, in spec.md §6 table order. Used both as a
// dispatch key and to index a TCB's SyscallCounts.
type Number int

const (
	SysExit Number = iota
	SysYield
	SysGetpid
	SysFork
	SysExec
	SysWaitpid
	SysGetTime
	SysTaskInfo
	SysMmap
	SysMunmap
	SysSbrk
	SysSpawn
	SysSetPriority
)

// Names maps a Number to its spec.md §6 syscall name, in the same order as
// the Sys* constants, for internal/metrics to use as a label value.
var Names = [proc.MaxSyscallNum]string{
	SysExit:        "exit",
	SysYield:       "yield",
	SysGetpid:      "getpid",
	SysFork:        "fork",
	SysExec:        "exec",
	SysWaitpid:     "waitpid",
	SysGetTime:     "get_time",
	SysTaskInfo:    "task_info",
	SysMmap:        "mmap",
	SysMunmap:      "munmap",
	SysSbrk:        "sbrk",
	SysSpawn:       "spawn",
	SysSetPriority: "set_priority",
}

// Clock is the microseconds-since-boot collaborator spec.md §1 carves out
// as external to the core.
type Clock interface {
	NowMicros() uint64
}

// Dispatcher wires the syscall surface to its collaborators.
type Dispatcher struct {
	Procs *proc.ProcessTable
	FS    *vfs.Filesystem
	Clock Clock
}

// New builds a Dispatcher over the given process table, filesystem, and
// clock.
func New(procs *proc.ProcessTable, fs *vfs.Filesystem, clock Clock) *Dispatcher {
	return &Dispatcher{Procs: procs, FS: fs, Clock: clock}
}

// countSyscall increments the calling task's per-syscall counter (SPEC_FULL
// §3: "increments the calling TCB's counter on every syscall entry, not
// just on the ones named in the end-to-end scenarios").
func (d *Dispatcher) countSyscall(pid, tid int, num Number) {
	pcb, ok := d.Procs.Lookup(pid)
	if !ok {
		return
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	if t, ok := inner.Tasks[tid]; ok {
		t.SyscallCounts[num]++
	}
}

// lookupPCB returns pid's PCB, or a NotFound error. It does not lock the
// PCB — every handler locks it for its own critical section.
func (d *Dispatcher) lookupPCB(pid int) (*proc.PCB, error) {
	pcb, ok := d.Procs.Lookup(pid)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "syscall: no such pid")
	}
	return pcb, nil
}

func (d *Dispatcher) resolvePath(path string) (*vfs.Inode, error) {
	cur := d.FS.Root()
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok, err := cur.Find(part)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kerr.New(kerr.NotFound, "syscall: "+path+" not found")
		}
		cur = next
	}
	return cur, nil
}

func (d *Dispatcher) readFile(path string) ([]byte, error) {
	inode, err := d.resolvePath(path)
	if err != nil {
		return nil, err
	}
	st, err := inode.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	if _, err := inode.ReadAt(0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Exit implements sys_exit: never returns a meaningful value to its caller
// (the calling task is torn down), but the handler itself returns for the
// simulator's bookkeeping.
func (d *Dispatcher) Exit(pid, tid int, code int32) {
	d.countSyscall(pid, tid, SysExit)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return
	}
	d.Procs.Exit(pcb, int(code))
}

// Yield implements sys_yield: advances the calling task's stride by its
// pass and re-enqueues it (spec §4.6), returning 0.
func (d *Dispatcher) Yield(pid, tid int) int64 {
	d.countSyscall(pid, tid, SysYield)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	tcb, ok := inner.Tasks[tid]
	if !ok {
		pcb.Unlock()
		return int64(kerr.Code(kerr.ErrNotFound))
	}
	tcb.Stride += tcb.Pass
	tcb.State = proc.Ready
	key := proc.TaskKey(pid, tid)
	pcb.Unlock()
	d.Procs.Sched.Push(tcb.SchedTask(key))
	return 0
}

// Getpid implements sys_getpid.
func (d *Dispatcher) Getpid(pid, tid int) int64 {
	d.countSyscall(pid, tid, SysGetpid)
	return int64(pid)
}

// Fork implements sys_fork: returns the child's pid to the parent's
// caller. The child itself observes 0 through its own trap context's
// x[10], set up by proc.Fork (spec §4.7).
func (d *Dispatcher) Fork(pid, tid int) int64 {
	d.countSyscall(pid, tid, SysFork)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	child, err := d.Procs.Fork(pcb)
	if err != nil {
		return int64(kerr.Code(err))
	}
	return int64(child.PID)
}

// Exec implements sys_exec: 0 on success, -1 if path is unknown.
func (d *Dispatcher) Exec(pid, tid int, path string, args []string) int64 {
	d.countSyscall(pid, tid, SysExec)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	elfBytes, err := d.readFile(path)
	if err != nil {
		return -1
	}
	if err := d.Procs.Exec(pcb, elfBytes, args); err != nil {
		return int64(kerr.Code(err))
	}
	return 0
}

// Waitpid implements sys_waitpid. On a reaped zombie, writes its exit code
// to outPtr in the caller's address space (spec §4.7).
func (d *Dispatcher) Waitpid(pid, tid int, targetPID int, outPtr uint64) int64 {
	d.countSyscall(pid, tid, SysWaitpid)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	result, exitCode, matched := d.Procs.Waitpid(pcb, targetPID)
	if !matched {
		return int64(result)
	}
	inner := pcb.Lock()
	pt := inner.MemSet.PageTable
	pcb.Unlock()
	buf := make([]byte, 4)
	putI32(buf, exitCode)
	if err := vm.CopyToApp(pt, d.Procs.Arena, buf, outPtr); err != nil {
		return int64(kerr.Code(err))
	}
	return int64(result)
}

// GetTime implements sys_get_time: writes {sec, usec} to timevalPtr,
// returns 0 (spec §6, §4.9).
func (d *Dispatcher) GetTime(pid, tid int, timevalPtr uint64) int64 {
	d.countSyscall(pid, tid, SysGetTime)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	pt := inner.MemSet.PageTable
	pcb.Unlock()

	now := d.Clock.NowMicros()
	tv := TimeVal{Sec: now / 1_000_000, Usec: now % 1_000_000}
	buf := make([]byte, TimeValBytes)
	tv.Encode(buf)
	if err := vm.CopyToApp(pt, d.Procs.Arena, buf, timevalPtr); err != nil {
		return int64(kerr.Code(err))
	}
	return 0
}

// TaskInfo implements sys_task_info: writes {status, syscall_times[MAX],
// time} to ptr, returns 0 (spec §6; MAX fixed per SPEC_FULL §3).
func (d *Dispatcher) TaskInfo(pid, tid int, ptr uint64) int64 {
	d.countSyscall(pid, tid, SysTaskInfo)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	tcb, ok := inner.Tasks[tid]
	if !ok {
		pcb.Unlock()
		return int64(kerr.Code(kerr.ErrNotFound))
	}
	info := TaskInfo{Status: int32(tcb.State), SyscallTimes: tcb.SyscallCounts}
	if tcb.FirstDispatch != 0 {
		info.Time = int64(d.Clock.NowMicros()) - tcb.FirstDispatch
	}
	pt := inner.MemSet.PageTable
	pcb.Unlock()

	buf := make([]byte, TaskInfoBytes)
	info.Encode(buf)
	if err := vm.CopyToApp(pt, d.Procs.Arena, buf, ptr); err != nil {
		return int64(kerr.Code(err))
	}
	return 0
}

// Mmap implements sys_mmap (spec §6, §4.2 boundary semantics).
func (d *Dispatcher) Mmap(pid, tid int, start, length uint64, port uint8) int64 {
	d.countSyscall(pid, tid, SysMmap)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	if err := inner.MemSet.TryInsertFramedArea(start, start+length, port); err != nil {
		return int64(kerr.Code(err))
	}
	return 0
}

// Munmap implements sys_munmap.
func (d *Dispatcher) Munmap(pid, tid int, start, length uint64) int64 {
	d.countSyscall(pid, tid, SysMunmap)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	if err := inner.MemSet.TryRemoveArea(start, start+length); err != nil {
		return int64(kerr.Code(err))
	}
	return 0
}

// Sbrk implements sys_sbrk: returns the old program break, or -1.
func (d *Dispatcher) Sbrk(pid, tid int, size int32) int64 {
	d.countSyscall(pid, tid, SysSbrk)
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	old, ok := inner.MemSet.Sbrk(int64(size))
	if !ok {
		return -1
	}
	return int64(old)
}

// Spawn implements sys_spawn: builds a brand new process from path's ELF
// image, returning its pid or -1 (spec §6).
func (d *Dispatcher) Spawn(pid, tid int, path string) int64 {
	d.countSyscall(pid, tid, SysSpawn)
	elfBytes, err := d.readFile(path)
	if err != nil {
		return -1
	}
	child, err := d.Procs.SpawnProcess(elfBytes)
	if err != nil {
		return -1
	}
	return int64(child.PID)
}

// SetPriority implements sys_set_priority: rejects prio < 2 (spec §4.6).
func (d *Dispatcher) SetPriority(pid, tid int, prio int64) int64 {
	d.countSyscall(pid, tid, SysSetPriority)
	if prio < 2 {
		return -1
	}
	pcb, err := d.lookupPCB(pid)
	if err != nil {
		return int64(kerr.Code(err))
	}
	inner := pcb.Lock()
	defer pcb.Unlock()
	tcb, ok := inner.Tasks[tid]
	if !ok {
		return int64(kerr.Code(kerr.ErrNotFound))
	}
	tcb.Priority = prio
	tcb.Pass = sched.Pass(prio)
	return prio
}
