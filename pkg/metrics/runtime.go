package metrics

import (
	"runtime"
	"sync"
	"time"
)

// memStatsMaxAge bounds how often a scrape triggers runtime.ReadMemStats.
const memStatsMaxAge = time.Second

// RegisterRuntime registers Go runtime and process uptime gauges on r.
// Values are read at scrape time.
func RegisterRuntime(r *Registry, start time.Time) {
	ms := &memStatsCache{}

	r.NewGaugeFunc("webd_uptime_seconds", "Server uptime in seconds", func() float64 {
		return time.Since(start).Seconds()
	})
	r.NewGaugeFunc("go_goroutines", "Number of goroutines that currently exist", func() float64 {
		return float64(runtime.NumGoroutine())
	})
	r.NewGaugeFunc("go_memstats_heap_alloc_bytes", "Number of heap bytes allocated and still in use", func() float64 {
		return float64(ms.get().HeapAlloc)
	})
	r.NewGaugeFunc("go_memstats_heap_inuse_bytes", "Number of heap bytes that are in use", func() float64 {
		return float64(ms.get().HeapInuse)
	})
	r.NewGaugeFunc("go_gc_duration_seconds", "Total GC pause duration in seconds", func() float64 {
		return float64(ms.get().PauseTotalNs) / 1e9
	})
	r.NewGaugeFunc("go_gc_cycles_total", "Total number of completed GC cycles", func() float64 {
		return float64(ms.get().NumGC)
	})
}

type memStatsCache struct {
	mu  sync.Mutex
	at  time.Time
	mem runtime.MemStats
}

func (c *memStatsCache) get() *runtime.MemStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.at) > memStatsMaxAge {
		runtime.ReadMemStats(&c.mem)
		c.at = time.Now()
	}
	return &c.mem
}
