package main

import "sync/atomic"

// simClock stands in for the microseconds-since-boot collaborator spec.md
// §1 carves out of the core (syscall.Clock). Grounded on accnt.go's use of
// time.Now() for per-task accounting, made swappable and, for a
// deterministic simulator, driven by explicit tick advances instead of
// the host wall clock.
type simClock struct {
	micros atomic.Uint64
}

func (c *simClock) NowMicros() uint64 { return c.micros.Load() }

// Advance moves the simulated clock forward by d microseconds, called by
// the dispatch loop once per tick.
func (c *simClock) Advance(d uint64) { c.micros.Add(d) }
