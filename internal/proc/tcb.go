package proc

import (
	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/sched"
)

// MaxSyscallNum bounds the per-syscall dispatch-count table carried by
// TaskInfo (SPEC_FULL.md §3; matches the closed syscall surface in
// spec.md §6: exit, yield, getpid, fork, exec, waitpid, get_time,
// task_info, mmap, munmap, sbrk, spawn, set_priority — plus one reserved
// slot for future growth).
const MaxSyscallNum = 14

// TaskState is a TCB's scheduling state (spec §3).
type TaskState int

const (
	Ready TaskState = iota
	Running
	Blocked
	Exited
)

// DefaultPriority is the priority newly spawned tasks start with.
const DefaultPriority = 16

// UserResource is a task's user-visible identity: its tid and user-stack
// bounds (spec §3).
type UserResource struct {
	Tid        int
	UstackBase uint64
	UstackTop  uint64
}

// TCB is one thread's control block (spec §3). Process is a non-owning
// (weak) back-reference — the PCB owns the TCB, not the other way around
// (spec §9: "parent is a weak back-reference" generalizes to this edge
// too).
type TCB struct {
	Process *PCB
	Res     UserResource

	KernelStack    []mem.PPN
	TrapContextPPN mem.PPN

	State TaskState

	Stride   uint64
	Pass     uint64
	Priority int64

	SyscallCounts [MaxSyscallNum]uint32
	FirstDispatch int64 // microseconds since boot, per the Clock collaborator; 0 until first dispatch
}

// SchedTask builds the scheduler-facing view of this TCB, keyed by a
// (pid, tid) composite so the ready queue can hold tasks from every
// process. Advance must be called on the returned *sched.Task and its
// Stride/Pass mirrored back into the TCB before re-enqueuing — the
// scheduler package owns no TCB state directly.
func (t *TCB) SchedTask(key uint64) *sched.Task {
	return &sched.Task{ID: key, Stride: t.Stride, Pass: t.Pass}
}

// TaskKey packs a (pid, tid) pair into one scheduler-queue id.
func TaskKey(pid, tid int) uint64 {
	return uint64(uint32(pid))<<32 | uint64(uint32(tid))
}

// MarkDispatched records nowMicros as this task's first-dispatched time, if
// it has not already been recorded. Called by the dispatch loop (external
// to this package, spec §1), not by syscall handlers.
func (t *TCB) MarkDispatched(nowMicros int64) {
	if t.FirstDispatch == 0 {
		t.FirstDispatch = nowMicros
	}
}
