package metrics

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultUsageInterval is how often a running invocation is sampled.
const DefaultUsageInterval = time.Second

// ProcessUsage is a resource sample of one running invocation.
type ProcessUsage struct {
	PID          int       `json:"pid"`
	CPUSeconds   float64   `json:"cpu_seconds"` // user + system, cumulative
	RSSBytes     uint64    `json:"rss_bytes"`
	PeakRSSBytes uint64    `json:"peak_rss_bytes"`
	NumThreads   int32     `json:"num_threads"`
	NumFDs       int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt    time.Time `json:"sampled_at"`
}

// SampleProcess reads CPU time and memory of pid through gopsutil.
func SampleProcess(pid int) (ProcessUsage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	times, err := proc.Times()
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to get cpu times: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := ProcessUsage{
		PID:          pid,
		CPUSeconds:   times.User + times.System,
		RSSBytes:     mem.RSS,
		PeakRSSBytes: mem.RSS,
		SampledAt:    time.Now(),
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// UsageTracker samples running invocations on a fixed interval and keeps the
// latest sample of each until the invocation is done.
type UsageTracker struct {
	interval time.Duration
	sample   func(pid int) (ProcessUsage, error)

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]ProcessUsage
}

// NewUsageTracker returns a tracker sampling every interval (DefaultUsageInterval
// when <= 0) with sample, or SampleProcess when sample is nil.
func NewUsageTracker(interval time.Duration, sample func(pid int) (ProcessUsage, error)) *UsageTracker {
	if interval <= 0 {
		interval = DefaultUsageInterval
	}
	if sample == nil {
		sample = SampleProcess
	}
	return &UsageTracker{interval: interval, sample: sample, live: make(map[uint64]ProcessUsage)}
}

// Track samples pid at once and then every interval until the returned stop
// function is called. stop returns the last good sample with the peak RSS seen;
// its SampledAt is zero when no sample ever succeeded. stop is idempotent.
// Entries are keyed per call, so a recycled PID never mixes two invocations.
func (t *UsageTracker) Track(pid int) (stop func() ProcessUsage) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.live[id] = ProcessUsage{PID: pid}
	t.mu.Unlock()

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tk := time.NewTicker(t.interval)
		defer tk.Stop()
		for {
			t.record(id, pid)
			select {
			case <-done:
				return
			case <-tk.C:
			}
		}
	}()

	var once sync.Once
	var last ProcessUsage
	return func() ProcessUsage {
		once.Do(func() {
			close(done)
			<-finished
			t.mu.Lock()
			last = t.live[id]
			delete(t.live, id)
			t.mu.Unlock()
		})
		return last
	}
}

func (t *UsageTracker) record(id uint64, pid int) {
	u, err := t.sample(pid)
	if err != nil {
		// the child may already be gone; keep the previous sample
		return
	}
	u.PID = pid
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.live[id]
	if !ok {
		return
	}
	u.PeakRSSBytes = max(u.PeakRSSBytes, u.RSSBytes, prev.PeakRSSBytes)
	t.live[id] = u
}

// Snapshot returns the latest sample of every tracked invocation that has
// been sampled at least once, ordered by PID.
func (t *UsageTracker) Snapshot() []ProcessUsage {
	t.mu.Lock()
	out := make([]ProcessUsage, 0, len(t.live))
	for _, u := range t.live {
		if !u.SampledAt.IsZero() {
			out = append(out, u)
		}
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b ProcessUsage) int { return a.PID - b.PID })
	return out
}
