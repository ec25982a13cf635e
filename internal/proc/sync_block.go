package proc

import (
	"github.com/stride-os/kernel/internal/kerr"
	"github.com/stride-os/kernel/internal/sync2"
)

// CreateMutex allocates a fresh entry in pcb's mutex table, registering it
// with the deadlock detector (avail always 1, spec §4.8) when detection is
// enabled, and returns its id.
func (pt *ProcessTable) CreateMutex(pcb *PCB) int {
	inner := pcb.Lock()
	defer pcb.Unlock()
	id := inner.MutexAlloc.Alloc()
	inner.Mutexes[id] = sync2.NewMutex(id)
	if inner.DeadlockDetect {
		inner.Detector.AddResource(sync2.MutexFamily, id, 1)
	}
	return id
}

// CreateSemaphore allocates a fresh entry in pcb's semaphore table with the
// given initial count, registering it with the deadlock detector when
// enabled, and returns its id.
func (pt *ProcessTable) CreateSemaphore(pcb *PCB, initial int) int {
	inner := pcb.Lock()
	defer pcb.Unlock()
	id := inner.SemAlloc.Alloc()
	inner.Semaphores[id] = sync2.NewSemaphore(id, initial)
	if inner.DeadlockDetect {
		inner.Detector.AddResource(sync2.SemaphoreFamily, id, initial)
	}
	return id
}

// CreateCondvar allocates a fresh entry in pcb's condvar table and returns
// its id. Condvars carry no detector-visible resource (spec §4.8 only
// names mutex and semaphore resource classes).
func (pt *ProcessTable) CreateCondvar(pcb *PCB) int {
	inner := pcb.Lock()
	defer pcb.Unlock()
	id := inner.CondAlloc.Alloc()
	inner.Condvars[id] = sync2.NewCondvar(id)
	return id
}

// LockMutex drives the mutex-acquire suspension point (spec §5): when the
// detector is enabled the request is run through the Banker's algorithm
// first and a request that would leave the system unsafe is rejected
// without ever touching the mutex or the calling TCB. Otherwise the mutex
// is acquired immediately, or — on contention — the calling TCB is marked
// Blocked and left off the ready queue; the dispatch loop that owns
// pt.Sched is responsible for picking another ready task next (this
// function never blocks the Go call itself, matching the rest of this
// package's synchronous, single-hart-simulator style).
func (pt *ProcessTable) LockMutex(pcb *PCB, tid, mutexID int) (blocked bool, err error) {
	inner := pcb.Lock()
	defer pcb.Unlock()

	mu, ok := inner.Mutexes[mutexID]
	if !ok {
		return false, kerr.ErrNotFound
	}
	if !inner.Detector.Request(sync2.MutexFamily, tid, mutexID) {
		return false, kerr.ErrDeadlock
	}
	tcb, ok := inner.Tasks[tid]
	if !ok {
		return false, kerr.ErrNotFound
	}
	if mu.TryLock(uint64(tid)) {
		return false, nil
	}
	tcb.State = Blocked
	return true, nil
}

// UnlockMutex drives the mutex-release wake-up (spec §5): releasing the
// Banker's-algorithm allocation first, then transferring ownership to the
// head of the FIFO waiter queue if any. A woken waiter's TCB moves back to
// Ready and is pushed onto pt.Sched so it re-enters dispatch.
func (pt *ProcessTable) UnlockMutex(pcb *PCB, tid, mutexID int) error {
	inner := pcb.Lock()
	mu, ok := inner.Mutexes[mutexID]
	if !ok {
		pcb.Unlock()
		return kerr.ErrNotFound
	}
	inner.Detector.Release(sync2.MutexFamily, tid, mutexID)
	woken, wokenOK := mu.Unlock()
	var wokenTCB *TCB
	if wokenOK {
		wokenTCB = inner.Tasks[int(woken)]
		if wokenTCB != nil {
			wokenTCB.State = Ready
		}
	}
	pid := pcb.PID
	pcb.Unlock()

	if wokenTCB != nil {
		pt.Sched.Push(wokenTCB.SchedTask(TaskKey(pid, int(woken))))
	}
	return nil
}

// SemaphoreDown drives the semaphore-P suspension point (spec §5): down
// with a positive count decrements and proceeds; down at zero blocks the
// calling TCB exactly like LockMutex's contended path.
func (pt *ProcessTable) SemaphoreDown(pcb *PCB, tid, semID int) (blocked bool, err error) {
	inner := pcb.Lock()
	defer pcb.Unlock()

	sem, ok := inner.Semaphores[semID]
	if !ok {
		return false, kerr.ErrNotFound
	}
	if !inner.Detector.Request(sync2.SemaphoreFamily, tid, semID) {
		return false, kerr.ErrDeadlock
	}
	tcb, ok := inner.Tasks[tid]
	if !ok {
		return false, kerr.ErrNotFound
	}
	if sem.Down(uint64(tid)) {
		return false, nil
	}
	tcb.State = Blocked
	return true, nil
}

// SemaphoreUp drives the semaphore-V wake-up, symmetric to UnlockMutex.
func (pt *ProcessTable) SemaphoreUp(pcb *PCB, tid, semID int) error {
	inner := pcb.Lock()
	sem, ok := inner.Semaphores[semID]
	if !ok {
		pcb.Unlock()
		return kerr.ErrNotFound
	}
	inner.Detector.Release(sync2.SemaphoreFamily, tid, semID)
	woken, wokenOK := sem.Up()
	var wokenTCB *TCB
	if wokenOK {
		wokenTCB = inner.Tasks[int(woken)]
		if wokenTCB != nil {
			wokenTCB.State = Ready
		}
	}
	pid := pcb.PID
	pcb.Unlock()

	if wokenTCB != nil {
		pt.Sched.Push(wokenTCB.SchedTask(TaskKey(pid, int(woken))))
	}
	return nil
}

// CondvarWait drives the condvar-wait suspension point. The caller must
// already hold (and have released) the associated mutex before calling,
// matching sync2.Condvar.Wait's contract; the calling TCB is
// unconditionally marked Blocked, since a wait always suspends until a
// matching Signal.
func (pt *ProcessTable) CondvarWait(pcb *PCB, tid, condID int) error {
	inner := pcb.Lock()
	defer pcb.Unlock()

	cond, ok := inner.Condvars[condID]
	if !ok {
		return kerr.ErrNotFound
	}
	tcb, ok := inner.Tasks[tid]
	if !ok {
		return kerr.ErrNotFound
	}
	cond.Wait(uint64(tid))
	tcb.State = Blocked
	return nil
}

// CondvarSignal wakes the longest-waiting thread on condID, if any, moving
// its TCB back to Ready and pushing it onto pt.Sched. The woken thread is
// responsible for reacquiring the associated mutex via LockMutex on its
// next dispatch (spec §4.8/§5; sync2.Condvar carries no mutex reference of
// its own).
func (pt *ProcessTable) CondvarSignal(pcb *PCB, condID int) error {
	inner := pcb.Lock()
	cond, ok := inner.Condvars[condID]
	if !ok {
		pcb.Unlock()
		return kerr.ErrNotFound
	}
	woken, wokenOK := cond.Signal()
	var wokenTCB *TCB
	if wokenOK {
		wokenTCB = inner.Tasks[int(woken)]
		if wokenTCB != nil {
			wokenTCB.State = Ready
		}
	}
	pid := pcb.PID
	pcb.Unlock()

	if wokenTCB != nil {
		pt.Sched.Push(wokenTCB.SchedTask(TaskKey(pid, int(woken))))
	}
	return nil
}
