// Package proc implements TCB/PCB process and thread lifecycle (spec
// §4.7): pid/tid allocators, kernel-stack pool, fork/exec/spawn/waitpid/
// exit, and the PCB's exclusive-access inner guard. Grounded on
// tinfo/tinfo.go's per-thread note map and single-owner "current" slot,
// and accnt/accnt.go's per-task accounting-fields-plus-mutex shape; the
// parent/child weak-vs-strong edge structure and the deadlock-detector
// wiring have no teacher analogue (biscuit's process tree lives in the
// excluded syscall-dispatch layer) and follow spec.md §3/§9 directly.
package proc

// IDAllocator hands out small non-negative integer ids with hole reuse
// (spec §9: "mapping from small integer to optional entry ... preserve id
// stability across reuse"), implemented as a bump counter plus a stack of
// recycled ids freed by Dealloc.
type IDAllocator struct {
	next     int
	recycled []int
}

// Alloc returns the most recently recycled id, or the next unused one.
func (a *IDAllocator) Alloc() int {
	if n := len(a.recycled); n > 0 {
		id := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

// Dealloc returns id to the recycle pool.
func (a *IDAllocator) Dealloc(id int) {
	a.recycled = append(a.recycled, id)
}
