package proc

import (
	"sync"

	"github.com/stride-os/kernel/internal/sync2"
	"github.com/stride-os/kernel/internal/vfs"
	"github.com/stride-os/kernel/internal/vm"
)

// PCBInner is the mutable state behind a PCB's exclusive-access guard
// (spec §3). Sparse tables (Tasks, FDTable, Mutexes, Semaphores, Condvars)
// map a small integer id to an entry, with id stability preserved across
// reuse via their paired IDAllocator (spec §9).
type PCBInner struct {
	IsZombie bool
	MemSet   *vm.MemorySet
	Parent   *PCB // weak
	Children []*PCB
	ExitCode int

	FDTable   map[int]*vfs.Inode
	FDAlloc   IDAllocator
	Signals   uint64

	Tasks    map[int]*TCB
	TidAlloc IDAllocator

	Mutexes      map[int]*sync2.Mutex
	MutexAlloc   IDAllocator
	Semaphores   map[int]*sync2.Semaphore
	SemAlloc     IDAllocator
	Condvars     map[int]*sync2.Condvar
	CondAlloc    IDAllocator

	DeadlockDetect bool
	Detector       *sync2.DeadlockDetector
}

func newPCBInner(ms *vm.MemorySet) *PCBInner {
	return &PCBInner{
		MemSet:     ms,
		FDTable:    make(map[int]*vfs.Inode),
		Tasks:      make(map[int]*TCB),
		Mutexes:    make(map[int]*sync2.Mutex),
		Semaphores: make(map[int]*sync2.Semaphore),
		Condvars:   make(map[int]*sync2.Condvar),
		Detector:   sync2.NewDeadlockDetector(),
	}
}

// PCB is a process control block: a stable pid plus an exclusive-access
// guard around PCBInner (spec §9: "a per-PCB exclusive-access latch ...
// nested acquisition is a bug and must panic").
type PCB struct {
	PID int

	mu       sync.Mutex
	borrowed bool
	inner    *PCBInner
}

func newPCB(pid int, ms *vm.MemorySet) *PCB {
	return &PCB{PID: pid, inner: newPCBInner(ms)}
}

// Lock acquires exclusive access to this PCB's inner state. Panics if
// already borrowed — nested acquisition is always a programming error in
// this single-hart, single-borrower model.
func (p *PCB) Lock() *PCBInner {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.borrowed {
		panic("proc: nested PCB-inner acquisition")
	}
	p.borrowed = true
	return p.inner
}

// Unlock releases exclusive access acquired by Lock.
func (p *PCB) Unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.borrowed {
		panic("proc: Unlock without matching Lock")
	}
	p.borrowed = false
}

// EnableDeadlockDetect turns on the detector for this process. mutex_list
// and semaphore_list being non-empty is a precondition violation, not a
// recoverable error (spec §4.8: "Enabling requires mutex_list and
// semaphore_list to be empty"); a redundant enable on an already-enabled
// process is not a program error and returns -1, matching the ground-truth
// kernel's enable_deadlock_detect.
func (inner *PCBInner) EnableDeadlockDetect() int {
	if len(inner.Mutexes) != 0 || len(inner.Semaphores) != 0 {
		panic("proc: enable_deadlock_detect with a non-empty mutex_list or semaphore_list")
	}
	if inner.DeadlockDetect {
		return -1
	}
	inner.DeadlockDetect = true
	inner.Detector.SetEnabled(true)
	return 0
}

// DisableDeadlockDetect turns the detector off and resets its matrices. A
// redundant disable on an already-disabled process returns -1 instead of
// resetting anything.
func (inner *PCBInner) DisableDeadlockDetect() int {
	if !inner.DeadlockDetect {
		return -1
	}
	inner.DeadlockDetect = false
	inner.Detector.SetEnabled(false)
	inner.Detector = sync2.NewDeadlockDetector()
	return 0
}

// ThreadCount reports the number of live (non-exited) tasks, used to
// enforce fork/exec's "requires thread_count() == 1" precondition (spec
// §4.7).
func (inner *PCBInner) ThreadCount() int {
	n := 0
	for _, t := range inner.Tasks {
		if t.State != Exited {
			n++
		}
	}
	return n
}
