package syscall

import (
	"encoding/binary"

	"github.com/stride-os/kernel/internal/proc"
)

// TimeValBytes is the encoded size of TimeVal: two machine words,
// little-endian, natural alignment (spec §6).
const TimeValBytes = 16

// TimeVal is sys_get_time's output: microseconds since boot split into
// whole seconds and the remainder (spec §6).
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// Encode writes tv into buf, little-endian (spec §6; §9's "simultaneous
// sec/usec write" open question is resolved as plain sequential byte
// copy, no atomicity beyond that).
func (tv TimeVal) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], tv.Sec)
	binary.LittleEndian.PutUint64(buf[8:], tv.Usec)
}

func alignUp(n, align int) int { return (n + align - 1) / align * align }

const taskInfoSyscallsOffset = 4

// taskInfoTimeOffset rounds the end of the syscall_times array up to an
// 8-byte boundary so Time (a machine word) lands naturally aligned.
var taskInfoTimeOffset = alignUp(taskInfoSyscallsOffset+proc.MaxSyscallNum*4, 8)

// TaskInfoBytes is the encoded size of a TaskInfo.
var TaskInfoBytes = taskInfoTimeOffset + 8

// TaskInfo is sys_task_info's output (spec §6): the task's current state,
// its per-syscall dispatch counts, and elapsed time since first dispatch.
type TaskInfo struct {
	Status       int32
	SyscallTimes [proc.MaxSyscallNum]uint32
	Time         int64
}

// Encode writes info into buf, little-endian, with Time padded up to an
// 8-byte offset.
func (info TaskInfo) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(info.Status))
	for i, c := range info.SyscallTimes {
		binary.LittleEndian.PutUint32(buf[taskInfoSyscallsOffset+i*4:], c)
	}
	binary.LittleEndian.PutUint64(buf[taskInfoTimeOffset:], uint64(info.Time))
}

func putI32(buf []byte, v int) {
	binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
}
