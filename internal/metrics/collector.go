// Package metrics exposes the simulator's internal state as Prometheus
// gauges and counters: ready-queue depth, per-(pid,tid,syscall) dispatch
// counts, deadlock-detector rejections, and block-cache hit/miss totals.
// Grounded on talyz's systemd/systemd.go Collector — a struct of
// *prometheus.Desc fields built once in a constructor, with Describe/
// Collect as the only two exported methods.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stride-os/kernel/internal/bcache"
	"github.com/stride-os/kernel/internal/proc"
	syscallpkg "github.com/stride-os/kernel/internal/syscall"
)

const namespace = "stride_kernel"

// Collector reports live scheduler, dispatch, deadlock, and block-cache
// metrics by reading directly from the collaborators wired at
// construction time — there is no intermediate sampling goroutine, so
// every scrape reflects the simulator's state at scrape time.
type Collector struct {
	procs *proc.ProcessTable
	cache *bcache.Cache

	readyTasks       *prometheus.Desc
	syscallDispatch  *prometheus.Desc
	deadlockRejected *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
}

// NewCollector builds a Collector over procs (for scheduler/dispatch/
// deadlock state) and cache (for block-cache hit/miss counters).
func NewCollector(procs *proc.ProcessTable, cache *bcache.Cache) *Collector {
	return &Collector{
		procs: procs,
		cache: cache,
		readyTasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scheduler_ready_tasks"),
			"Number of tasks currently in the ready queue.", nil, nil,
		),
		syscallDispatch: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "syscall_dispatch_total"),
			"Cumulative syscall dispatch count per task.",
			[]string{"pid", "tid", "syscall"}, nil,
		),
		deadlockRejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "deadlock_rejections_total"),
			"Cumulative count of resource requests the deadlock detector refused.",
			[]string{"pid"}, nil,
		),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "block_cache_hits_total"),
			"Cumulative block cache hits.", nil, nil,
		),
		cacheMisses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "block_cache_misses_total"),
			"Cumulative block cache misses.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readyTasks
	ch <- c.syscallDispatch
	ch <- c.deadlockRejected
	ch <- c.cacheHits
	ch <- c.cacheMisses
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.readyTasks, prometheus.GaugeValue, float64(c.procs.Sched.Len()))

	for _, pid := range c.procs.PIDs() {
		pcb, ok := c.procs.Lookup(pid)
		if !ok {
			continue
		}
		pidLabel := strconv.Itoa(pid)
		inner := pcb.Lock()
		for tid, tcb := range inner.Tasks {
			tidLabel := strconv.Itoa(tid)
			for num, count := range tcb.SyscallCounts {
				if count == 0 {
					continue
				}
				ch <- prometheus.MustNewConstMetric(
					c.syscallDispatch, prometheus.CounterValue,
					float64(count), pidLabel, tidLabel, syscallpkg.Names[num])
			}
		}
		rejections := inner.Detector.Rejections()
		pcb.Unlock()

		ch <- prometheus.MustNewConstMetric(
			c.deadlockRejected, prometheus.CounterValue, float64(rejections), pidLabel)
	}

	hits, misses := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(misses))
}
