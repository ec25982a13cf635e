package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/stride-os/kernel/internal/bcache"
	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/proc"
)

func newTestCollector(t *testing.T) (*Collector, *proc.ProcessTable) {
	t.Helper()
	arena, alloc, err := mem.NewHostArena(256)
	if err != nil {
		t.Fatalf("NewHostArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	tramp, ok := alloc.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	procs := proc.NewProcessTable(alloc, arena, tramp.PPN)

	dev := bdev.NewMemDevice()
	cache := bcache.New(dev, 4)
	return NewCollector(procs, cache), procs
}

// sample pairs a gathered metric with the Desc it was declared against, so
// tests can tell which named series a dto.Metric belongs to — Write loses
// that once the value is flattened into protobuf form.
type sample struct {
	desc *prometheus.Desc
	pb   dto.Metric
}

func collectAll(t *testing.T, c *Collector) []sample {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []sample
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		out = append(out, sample{desc: m.Desc(), pb: pb})
	}
	return out
}

func labelValue(pb dto.Metric, name string) string {
	for _, lp := range pb.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestCollectorReportsReadyQueueDepth(t *testing.T) {
	c, procs := newTestCollector(t)
	elf := buildMinimalELF(0x1000, 0x1000, []byte{0, 0, 0, 0})
	if _, err := procs.SpawnProcess(elf); err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}

	for _, s := range collectAll(t, c) {
		if s.desc == c.readyTasks {
			if got := s.pb.GetGauge().GetValue(); got != 1 {
				t.Fatalf("want 1 ready task, got %v", got)
			}
			return
		}
	}
	t.Fatalf("want a scheduler_ready_tasks sample")
}

func TestCollectorExposesSyscallDispatchCounts(t *testing.T) {
	c, procs := newTestCollector(t)
	elf := buildMinimalELF(0x1000, 0x1000, []byte{0, 0, 0, 0})
	pcb, err := procs.SpawnProcess(elf)
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	inner := pcb.Lock()
	inner.Tasks[0].SyscallCounts[2] = 3 // getpid, per syscall.Names order
	pcb.Unlock()

	for _, s := range collectAll(t, c) {
		if s.desc != c.syscallDispatch {
			continue
		}
		if labelValue(s.pb, "syscall") == "getpid" {
			if got := s.pb.GetCounter().GetValue(); got != 3 {
				t.Fatalf("want getpid count 3, got %v", got)
			}
			return
		}
	}
	t.Fatalf("want a syscall_dispatch_total sample for getpid")
}

func TestCollectorExposesCacheHitsAndMisses(t *testing.T) {
	c, _ := newTestCollector(t)
	if _, err := c.cache.Get(0); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.cache.Get(0); err != nil {
		t.Fatalf("Get: %v", err)
	}

	var sawHit, sawMiss bool
	for _, s := range collectAll(t, c) {
		switch s.desc {
		case c.cacheHits:
			if s.pb.GetCounter().GetValue() == 1 {
				sawHit = true
			}
		case c.cacheMisses:
			if s.pb.GetCounter().GetValue() == 1 {
				sawMiss = true
			}
		}
	}
	if !sawHit || !sawMiss {
		t.Fatalf("want 1 cache hit and 1 cache miss, sawHit=%v sawMiss=%v", sawHit, sawMiss)
	}
}
