// Package sync2 implements the process-level synchronization object
// tables (mutexes, semaphores, condition variables) and the Banker's-
// algorithm deadlock detector over them (spec §4.8). Grounded on
// limits/limits.go's Sysatomic_t (atomic given/taken counters) for the
// semaphore count primitive; the detector itself has no teacher analogue
// (biscuit carries none) and follows spec §4.8's algorithm directly, using
// the teacher's sparse-map-with-tombstone idiom for per-tid rows.
package sync2

// bankerState holds one resource family's avail/alloc/need matrices (spec
// §3: "two independent matrices (one per resource family ... sparse;
// absent tid/resource slots read as not present)").
type bankerState struct {
	avail map[int]int
	alloc map[int]map[int]int
	need  map[int]map[int]int
}

func newBankerState() *bankerState {
	return &bankerState{
		avail: make(map[int]int),
		alloc: make(map[int]map[int]int),
		need:  make(map[int]map[int]int),
	}
}

func (b *bankerState) clone() *bankerState {
	c := newBankerState()
	for k, v := range b.avail {
		c.avail[k] = v
	}
	for tid, row := range b.alloc {
		r := make(map[int]int, len(row))
		for res, n := range row {
			r[res] = n
		}
		c.alloc[tid] = r
	}
	for tid, row := range b.need {
		r := make(map[int]int, len(row))
		for res, n := range row {
			r[res] = n
		}
		c.need[tid] = r
	}
	return c
}

func (b *bankerState) addResource(id, avail int) {
	b.avail[id] = avail
}

func (b *bankerState) removeTid(tid int) {
	delete(b.alloc, tid)
	delete(b.need, tid)
}

// request implements the spec §4.8 request algorithm for one (tid, res)
// pair: tentatively grant or mark needed, run the safety check, and roll
// back on an unsafe outcome. Returns true (state left updated) if safe,
// false (state rolled back) if not.
func (b *bankerState) request(tid, res int) bool {
	snapshot := b.clone()

	if b.avail[res] >= 1 {
		b.avail[res]--
		if b.alloc[tid] == nil {
			b.alloc[tid] = make(map[int]int)
		}
		b.alloc[tid][res]++
		if b.need[tid] == nil {
			b.need[tid] = make(map[int]int)
		}
		b.need[tid][res] = 0
	} else {
		if b.need[tid] == nil {
			b.need[tid] = make(map[int]int)
		}
		b.need[tid][res] = 1
	}

	if b.isSafe() {
		return true
	}
	*b = *snapshot
	return false
}

// release implements §4.8's release step: avail[j] += 1, alloc[tid][j] -=
// 1. No safety check.
func (b *bankerState) release(tid, res int) {
	b.avail[res]++
	if row, ok := b.alloc[tid]; ok {
		row[res]--
	}
}

// isSafe runs the Banker's safety check: find an ordering of threads, each
// of whose need vector is <= the running work vector, adding their alloc
// to work as they finish.
func (b *bankerState) isSafe() bool {
	tids := make(map[int]bool)
	for tid := range b.alloc {
		tids[tid] = true
	}
	for tid := range b.need {
		tids[tid] = true
	}

	work := make(map[int]int, len(b.avail))
	for res, n := range b.avail {
		work[res] = n
	}
	finished := make(map[int]bool, len(tids))

	progress := true
	for progress {
		progress = false
		for tid := range tids {
			if finished[tid] {
				continue
			}
			if needFits(b.need[tid], work) {
				for res, n := range b.alloc[tid] {
					work[res] += n
				}
				finished[tid] = true
				progress = true
			}
		}
	}

	for tid := range tids {
		if !finished[tid] {
			return false
		}
	}
	return true
}

// needFits reports whether every entry of need is <= the corresponding
// entry of work. An absent need entry is treated as 0 — it never blocks.
func needFits(need map[int]int, work map[int]int) bool {
	for res, n := range need {
		if n > work[res] {
			return false
		}
	}
	return true
}
