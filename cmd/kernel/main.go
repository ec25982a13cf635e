// Command kernel is the host simulator that plays the external-
// collaborator role spec.md §1 carves out (trap dispatch, bootstrap
// assembly, the timer driver, console I/O): it drives the kernel core
// packages through spec.md §8's end-to-end scenarios against a host disk
// image and a byte-arena physical memory, the same role ufs.BootMemFS
// plays for the teacher's filesystem.
package main

import (
	"log"
	"net/http"

	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/easyfs"
	"github.com/stride-os/kernel/internal/mem"
	"github.com/stride-os/kernel/internal/metrics"
	"github.com/stride-os/kernel/internal/proc"
	"github.com/stride-os/kernel/internal/syscall"
	"github.com/stride-os/kernel/internal/vfs"
)

var (
	imagePath      = kingpin.Flag("image", "Disk image to create and boot from.").Default("stridekernel.img").String()
	totalBlocks    = kingpin.Flag("total-blocks", "Total 512-byte blocks in the boot image.").Default("8192").Uint32()
	cacheCapacity  = kingpin.Flag("cache-capacity", "Block cache capacity.").Default("64").Int()
	ticks          = kingpin.Flag("ticks", "Timer ticks to run the priority-ratio demo for.").Default("1000").Int()
	deadlockDetect = kingpin.Flag("deadlock-detect", "Run the lock-order-inversion demo with detection enabled.").Default("true").Bool()
	metricsAddr    = kingpin.Flag("metrics-addr", "Address to serve /metrics on; empty disables the server.").Default(":9718").String()
	hostArenaPages = kingpin.Flag("arena-pages", "Host-backed physical frame count.").Default("4096").Int()
)

func main() {
	kingpin.Parse()

	dev, err := bdev.CreateFile(*imagePath, uint64(*totalBlocks))
	if err != nil {
		kingpin.Fatalf("kernel: create image: %v", err)
	}
	defer dev.Close()

	efs, err := easyfs.Initialize(dev, *totalBlocks, 1, *cacheCapacity)
	if err != nil {
		kingpin.Fatalf("kernel: initialize fs: %v", err)
	}
	vfsys := vfs.New(efs)
	seedBootFiles(vfsys)

	arena, alloc, err := mem.NewHostArena(*hostArenaPages)
	if err != nil {
		kingpin.Fatalf("kernel: host arena: %v", err)
	}
	defer arena.Close()
	trampoline, ok := alloc.Alloc()
	if !ok {
		kingpin.Fatalf("kernel: no frame for trampoline")
	}

	procs := proc.NewProcessTable(alloc, arena, trampoline.PPN)
	clock := &simClock{}
	dispatcher := syscall.New(procs, vfsys, clock)
	w := &world{procs: procs, fs: vfsys, sys: dispatcher, clock: clock}

	collector := metrics.NewCollector(procs, efs.Cache)
	prometheus.MustRegister(collector, prommod.NewCollector("stridekernel"))
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("kernel: metrics server stopped: %v", err)
			}
		}()
		log.Printf("kernel: serving metrics on %s/metrics", *metricsAddr)
	}

	log.Printf("kernel: booted %s (%d blocks, cache capacity %d)", *imagePath, *totalBlocks, *cacheCapacity)

	if err := scenarioBootSpawnForkExec(w); err != nil {
		kingpin.Fatalf("kernel: scenario 1: %v", err)
	}

	shellPCB, ok := procs.Lookup(2)
	if !ok {
		kingpin.Fatalf("kernel: shell pcb (pid 2) missing after scenario 1")
	}
	if err := scenarioMmapWriteReadMunmap(w, shellPCB.PID); err != nil {
		kingpin.Fatalf("kernel: scenario 2: %v", err)
	}
	if err := scenarioLinkUnlinkLifecycle(w); err != nil {
		kingpin.Fatalf("kernel: scenario 3: %v", err)
	}
	if *deadlockDetect {
		if err := scenarioLockOrderInversion(w, shellPCB); err != nil {
			kingpin.Fatalf("kernel: scenario 4: %v", err)
		}
	}
	if err := scenarioForkGetTimeCrossPage(w, shellPCB.PID); err != nil {
		kingpin.Fatalf("kernel: scenario 5: %v", err)
	}

	ratioPCB, err := procs.SpawnProcess(buildDemoELF(0x1000, 0x1000, []byte{0, 0, 0, 0}))
	if err != nil {
		kingpin.Fatalf("kernel: spawn priority-ratio process: %v", err)
	}
	if _, err := scenarioPriorityRatio(w, ratioPCB, *ticks); err != nil {
		kingpin.Fatalf("kernel: scenario 6: %v", err)
	}

	if err := efs.SyncAll(); err != nil {
		kingpin.Fatalf("kernel: final sync: %v", err)
	}
	log.Printf("kernel: all scenarios completed, filesystem synced")
}

// seedBootFiles populates the freshly-formatted image with the binaries
// scenario 1 needs: an "init" program is never read from disk (the
// simulator spawns it directly), but "shell" and "ls" are resolved
// through sys_spawn/sys_exec via internal/vfs, exactly like a real
// exec(2) would read an ELF off disk.
func seedBootFiles(vfsys *vfs.Filesystem) {
	root := vfsys.Root()
	for name, elf := range map[string][]byte{
		"shell": buildDemoELF(0x1000, 0x1000, []byte("shell\x00")),
		"ls":    buildDemoELF(0x1000, 0x1000, []byte("ls\x00")),
	} {
		inode, err := root.Create(name)
		if err != nil {
			kingpin.Fatalf("kernel: seed %s: %v", name, err)
		}
		if _, err := inode.WriteAt(0, elf); err != nil {
			kingpin.Fatalf("kernel: seed %s: %v", name, err)
		}
	}
}
