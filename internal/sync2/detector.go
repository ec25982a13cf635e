package sync2

import "sync/atomic"

// Family distinguishes the two independent resource classes the detector
// tracks (spec §3).
type Family int

const (
	MutexFamily Family = iota
	SemaphoreFamily
)

// DeadlockDetector is a per-process Banker's-algorithm check over mutex
// and semaphore resource classes (spec §4.8). Enabling requires the
// caller to have verified the process's mutex_list/semaphore_list are
// empty (that invariant lives with the PCB, in internal/proc, which owns
// those lists); disabling resets both matrices to empty.
type DeadlockDetector struct {
	Enabled bool
	mutex   *bankerState
	sem     *bankerState

	rejections atomic.Uint64
}

// NewDeadlockDetector creates a detector with empty matrices.
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{mutex: newBankerState(), sem: newBankerState()}
}

// SetEnabled toggles detection. Disabling resets both matrices to empty
// (spec §4.8).
func (d *DeadlockDetector) SetEnabled(enabled bool) {
	d.Enabled = enabled
	if !enabled {
		d.mutex = newBankerState()
		d.sem = newBankerState()
	}
}

func (d *DeadlockDetector) state(f Family) *bankerState {
	if f == MutexFamily {
		return d.mutex
	}
	return d.sem
}

// AddResource registers a freshly created mutex (avail always 1) or
// semaphore (avail as given) with the detector.
func (d *DeadlockDetector) AddResource(f Family, id, avail int) {
	d.state(f).addResource(id, avail)
}

// RemoveTask drops tid's rows from both families, e.g. on thread exit.
func (d *DeadlockDetector) RemoveTask(tid int) {
	d.mutex.removeTid(tid)
	d.sem.removeTid(tid)
}

// Request runs the §4.8 request algorithm. When the detector is disabled
// it always reports safe (the caller proceeds with the ordinary blocking
// acquire path unconditionally).
func (d *DeadlockDetector) Request(f Family, tid, resID int) bool {
	if !d.Enabled {
		return true
	}
	ok := d.state(f).request(tid, resID)
	if !ok {
		d.rejections.Add(1)
	}
	return ok
}

// Rejections reports the cumulative count of Request calls that were
// denied because granting them would leave the system in an unsafe state
// (for internal/metrics).
func (d *DeadlockDetector) Rejections() uint64 {
	return d.rejections.Load()
}

// Release runs the §4.8 release step. A no-op bookkeeping-wise when
// disabled, since no allocation was ever recorded.
func (d *DeadlockDetector) Release(f Family, tid, resID int) {
	if !d.Enabled {
		return
	}
	d.state(f).release(tid, resID)
}
