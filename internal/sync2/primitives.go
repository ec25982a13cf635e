package sync2

// Mutex is one entry in a process's mutex table. Ownership transfer on
// unlock goes directly to the head of the FIFO waiter queue, never back
// through a contended TryLock (spec §4.8, §5: suspension on contention).
type Mutex struct {
	ID      int
	Locked  bool
	Waiters []uint64
}

// NewMutex creates an unlocked mutex.
func NewMutex(id int) *Mutex { return &Mutex{ID: id} }

// TryLock acquires the mutex immediately if free, otherwise enqueues tid
// and reports that the caller must block.
func (m *Mutex) TryLock(tid uint64) (acquired bool) {
	if !m.Locked {
		m.Locked = true
		return true
	}
	m.Waiters = append(m.Waiters, tid)
	return false
}

// Unlock releases the mutex. If a waiter is queued, ownership transfers to
// it directly (woken, ok=true) rather than the mutex becoming free.
func (m *Mutex) Unlock() (woken uint64, ok bool) {
	if len(m.Waiters) > 0 {
		woken, m.Waiters = m.Waiters[0], m.Waiters[1:]
		return woken, true
	}
	m.Locked = false
	return 0, false
}

// Semaphore is one entry in a process's semaphore table.
type Semaphore struct {
	ID      int
	Count   int
	Waiters []uint64
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(id, initial int) *Semaphore {
	return &Semaphore{ID: id, Count: initial}
}

// Down (P) decrements the count if positive, otherwise enqueues tid and
// reports that the caller must block.
func (s *Semaphore) Down(tid uint64) (acquired bool) {
	if s.Count > 0 {
		s.Count--
		return true
	}
	s.Waiters = append(s.Waiters, tid)
	return false
}

// Up (V) wakes the longest-waiting blocked thread if any, otherwise
// increments the count.
func (s *Semaphore) Up() (woken uint64, ok bool) {
	if len(s.Waiters) > 0 {
		woken, s.Waiters = s.Waiters[0], s.Waiters[1:]
		return woken, true
	}
	s.Count++
	return 0, false
}

// Condvar is one entry in a process's condition-variable table. It holds
// no detector-visible resource of its own — wait/signal do not flow
// through the Banker's algorithm (spec §4.8 only names mutex and
// semaphore resource classes).
type Condvar struct {
	ID      int
	Waiters []uint64
}

// NewCondvar creates an empty condition variable.
func NewCondvar(id int) *Condvar { return &Condvar{ID: id} }

// Wait enqueues tid as blocked on this condvar. Caller must have already
// released the associated mutex before calling Wait, and reacquires it
// after being woken.
func (c *Condvar) Wait(tid uint64) {
	c.Waiters = append(c.Waiters, tid)
}

// Signal wakes the longest-waiting thread, if any.
func (c *Condvar) Signal() (woken uint64, ok bool) {
	if len(c.Waiters) == 0 {
		return 0, false
	}
	woken, c.Waiters = c.Waiters[0], c.Waiters[1:]
	return woken, true
}
