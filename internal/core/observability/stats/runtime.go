// Package stats takes point-in-time snapshots of process resources. Nothing
// is cached between calls.
package stats

import (
	"bufio"
	"bytes"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Memory struct {
	// Used is the live heap.
	Used uint64 `json:"used"`
	// Allocated is everything obtained from the OS.
	Allocated uint64 `json:"allocated"`
	// Max is the soft memory limit, -1 when none is set.
	Max int64 `json:"max"`
}

type Threads struct {
	Goroutines int            `json:"goroutines"`
	OSThreads  int            `json:"os_threads"`
	MaxProcs   int            `json:"max_procs"`
	CPUs       int            `json:"cpus"`
	States     map[string]int `json:"states"`
}

type GCEvent struct {
	Cycle     uint32        `json:"cycle"`
	Timestamp time.Time     `json:"timestamp"`
	Pause     time.Duration `json:"pause"`
}

// Collector reads runtime and OS facilities on demand.
type Collector struct {
	procStat string

	// CPU load needs two samples; guarded so concurrent queries see
	// consistent deltas.
	mu          sync.Mutex
	lastProcess cpuSample
	lastSystem  cpuSample
}

type cpuSample struct {
	busy, total float64
	valid       bool
}

func NewCollector() *Collector {
	return &Collector{procStat: "/proc/stat"}
}

func (c *Collector) Memory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		limit = -1
	}
	return Memory{Used: ms.HeapAlloc, Allocated: ms.Sys, Max: limit}
}

func (c *Collector) Threads() Threads {
	return Threads{
		Goroutines: runtime.NumGoroutine(),
		OSThreads:  pprof.Lookup("threadcreate").Count(),
		MaxProcs:   runtime.GOMAXPROCS(0),
		CPUs:       runtime.NumCPU(),
		States:     goroutineStates(),
	}
}

// GCEvents returns the collections that ended after since, oldest first.
// The runtime keeps the last 256 pauses.
func (c *Collector) GCEvents(since time.Time) []GCEvent {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	n := min(ms.NumGC, uint32(len(ms.PauseEnd)))
	events := make([]GCEvent, 0, n)
	for i := ms.NumGC - n; i < ms.NumGC; i++ {
		idx := i % uint32(len(ms.PauseEnd))
		end := time.Unix(0, int64(ms.PauseEnd[idx]))
		if !end.After(since) {
			continue
		}
		events = append(events, GCEvent{
			Cycle:     i + 1,
			Timestamp: end,
			Pause:     time.Duration(ms.PauseNs[idx]),
		})
	}
	return events
}

var processCPUMetrics = []metrics.Sample{
	{Name: "/cpu/classes/total:cpu-seconds"},
	{Name: "/cpu/classes/idle:cpu-seconds"},
}

// ProcessCPULoad is the share of available CPU time the process used since
// the previous call, in [0,1]. The first call reports the average since start.
func (c *Collector) ProcessCPULoad() float64 {
	samples := make([]metrics.Sample, len(processCPUMetrics))
	copy(samples, processCPUMetrics)
	metrics.Read(samples)

	total, idle := samples[0].Value, samples[1].Value
	if total.Kind() != metrics.KindFloat64 || idle.Kind() != metrics.KindFloat64 {
		return -1
	}
	current := cpuSample{busy: total.Float64() - idle.Float64(), total: total.Float64(), valid: true}

	c.mu.Lock()
	defer c.mu.Unlock()
	return loadSince(&c.lastProcess, current)
}

// SystemCPULoad is the machine-wide CPU load since the previous call, -1 when
// the platform does not expose it.
func (c *Collector) SystemCPULoad() float64 {
	current, ok := readProcStat(c.procStat)
	if !ok {
		return -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return loadSince(&c.lastSystem, current)
}

func loadSince(last *cpuSample, current cpuSample) float64 {
	prev := *last
	*last = current
	if !prev.valid {
		prev = cpuSample{}
	}
	dTotal := current.total - prev.total
	if dTotal <= 0 {
		return 0
	}
	return clamp((current.busy - prev.busy) / dTotal)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// readProcStat parses the aggregate cpu line of /proc/stat.
func readProcStat(path string) (cpuSample, bool) {
	f, err := os.Open(path)
	if err != nil {
		return cpuSample{}, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var total, idle float64
		for i, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return cpuSample{}, false
			}
			total += v
			// idle and iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return cpuSample{busy: total - idle, total: total, valid: true}, true
	}
	return cpuSample{}, false
}

// goroutineStates counts goroutines per scheduler state from a full stack dump.
func goroutineStates() map[string]int {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16<<20 {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	states := make(map[string]int)
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("goroutine ")) {
			continue
		}
		open := bytes.IndexByte(line, '[')
		end := bytes.IndexAny(line[max(open, 0):], ",]")
		if open < 0 || end < 0 {
			continue
		}
		state := string(line[open+1 : open+end])
		states[state]++
	}
	return states
}
