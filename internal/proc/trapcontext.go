package proc

import "encoding/binary"

// TrapContext is the architecturally-defined register save area the core
// treats as an external collaborator type (spec §1); this is the concrete
// layout the simulator uses to stand in for it. X holds the general
// purpose registers; by convention X[10]/X[11] are a0/a1 (syscall args 0
// and 1, also used to return fork's child-sees-zero value and exec's
// argc/argv).
type TrapContext struct {
	X              [32]uint64
	Entry          uint64
	UserStackTop   uint64
	KernelSatp     uint64
	KernelStackTop uint64
	TrapHandler    uint64
}

// TrapContextBytes is the encoded size of a TrapContext.
const TrapContextBytes = (32 + 5) * 8

// Encode serializes tc into a TrapContextBytes-length slot, little-endian
// (spec §6: "Byte order: little-endian").
func (tc *TrapContext) Encode(buf []byte) {
	off := 0
	for _, v := range tc.X {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	for _, v := range []uint64{tc.Entry, tc.UserStackTop, tc.KernelSatp, tc.KernelStackTop, tc.TrapHandler} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
}

// DecodeTrapContext parses a TrapContextBytes-length slot.
func DecodeTrapContext(buf []byte) TrapContext {
	var tc TrapContext
	off := 0
	for i := range tc.X {
		tc.X[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	tc.Entry = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	tc.UserStackTop = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	tc.KernelSatp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	tc.KernelStackTop = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	tc.TrapHandler = binary.LittleEndian.Uint64(buf[off:])
	return tc
}

// NewTrapContext builds the initial trap context for a freshly spawned or
// exec'd task (spec §4.7: "(entry, ustack_top, kernel_satp, kstack_top,
// trap_handler_va)").
func NewTrapContext(entry, ustackTop, kernelSatp, kstackTop, trapHandler uint64) TrapContext {
	return TrapContext{
		Entry:          entry,
		UserStackTop:   ustackTop,
		KernelSatp:     kernelSatp,
		KernelStackTop: kstackTop,
		TrapHandler:    trapHandler,
	}
}
