// Package launcher starts the scheduled command once per tick, keeping at
// most a fixed number of invocations alive at the same time.
//
// The in-flight count is the only state shared between the ticking
// goroutine and the invocation goroutines. It is read at each tick and
// changed only by the invocation goroutines: incremented once a child has
// started, decremented once it is known to be gone. The read and the
// increment are not one atomic step, so a burst of ticks can overshoot the
// limit by the number of launches still starting; the limit is a soft
// throttle, not a hard guarantee.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/every/internal/history"
	"github.com/loykin/every/internal/metrics"
)

var ErrInvalidConcurrency = errors.New("launcher: concurrency must be at least 1")

const defaultHistoryTimeout = 5 * time.Second

// State is the lifecycle position of one invocation.
type State string

const (
	StateStarted         State = "started"
	StateStartFailed     State = "start_failed"
	StateExited          State = "exited"
	StateExitCheckFailed State = "exit_check_failed"
)

// Config describes what to launch and how many may run at once.
type Config struct {
	Command     string
	Args        []string
	Concurrency int
}

// Stats is a point-in-time snapshot of launcher counters.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	SlotsFull       uint64 `json:"slots_full"`
	Launched        uint64 `json:"launched"`
	Started         uint64 `json:"started"`
	StartFailures   uint64 `json:"start_failures"`
	ExitsSuccess    uint64 `json:"exits_success"`
	ExitsFailure    uint64 `json:"exits_failure"`
	ExitCheckErrors uint64 `json:"exit_check_errors"`
	InFlight        int64  `json:"in_flight"`
	Concurrency     int    `json:"concurrency"`
}

type counters struct {
	ticks           atomic.Uint64
	slotsFull       atomic.Uint64
	launched        atomic.Uint64
	started         atomic.Uint64
	startFailures   atomic.Uint64
	exitsSuccess    atomic.Uint64
	exitsFailure    atomic.Uint64
	exitCheckErrors atomic.Uint64
}

type Launcher struct {
	cfg      Config
	spawner  Spawner
	log      *slog.Logger
	sinks    []history.Sink
	histTO   time.Duration
	usage    *metrics.UsageTracker
	inFlight atomic.Int64
	seq      atomic.Uint64
	stats    counters
	running  sync.WaitGroup // invocation goroutines
	pending  sync.WaitGroup // history deliveries
}

type Option func(*Launcher)

// WithSpawner replaces the os/exec based spawner.
func WithSpawner(s Spawner) Option {
	return func(l *Launcher) {
		if s != nil {
			l.spawner = s
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Launcher) {
		if lg != nil {
			l.log = lg
		}
	}
}

// WithHistorySinks exports lifecycle events of every invocation.
func WithHistorySinks(sinks ...history.Sink) Option {
	return func(l *Launcher) { l.sinks = append(l.sinks, sinks...) }
}

// WithUsageTracker samples CPU and memory of every running invocation.
func WithUsageTracker(t *metrics.UsageTracker) Option {
	return func(l *Launcher) { l.usage = t }
}

// WithHistoryTimeout bounds a single delivery to one sink.
func WithHistoryTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.histTO = d
		}
	}
}

func New(cfg Config, opts ...Option) (*Launcher, error) {
	if cfg.Concurrency < 1 {
		return nil, ErrInvalidConcurrency
	}
	if cfg.Command == "" {
		return nil, errors.New("launcher: command is required")
	}
	l := &Launcher{
		cfg:     cfg,
		spawner: ExecSpawner{},
		log:     slog.Default(),
		histTO:  defaultHistoryTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// OnTick decides whether this tick launches a new invocation. It never
// blocks on the child: the launch itself happens on a new goroutine.
func (l *Launcher) OnTick() {
	l.stats.ticks.Add(1)
	metrics.IncTick()
	if l.inFlight.Load() >= int64(l.cfg.Concurrency) {
		l.stats.slotsFull.Add(1)
		metrics.IncSlotsFull()
		l.log.Debug("all slots busy, skipping tick", "in_flight", l.inFlight.Load())
		return
	}
	seq := l.seq.Add(1)
	l.stats.launched.Add(1)
	l.running.Add(1)
	go l.invoke(seq)
}

// InFlight is the number of children currently believed to be running.
func (l *Launcher) InFlight() int64 { return l.inFlight.Load() }

func (l *Launcher) Stats() Stats {
	return Stats{
		Ticks:           l.stats.ticks.Load(),
		SlotsFull:       l.stats.slotsFull.Load(),
		Launched:        l.stats.launched.Load(),
		Started:         l.stats.started.Load(),
		StartFailures:   l.stats.startFailures.Load(),
		ExitsSuccess:    l.stats.exitsSuccess.Load(),
		ExitsFailure:    l.stats.exitsFailure.Load(),
		ExitCheckErrors: l.stats.exitCheckErrors.Load(),
		InFlight:        l.inFlight.Load(),
		Concurrency:     l.cfg.Concurrency,
	}
}

// Usage returns the latest resource sample of each running invocation, or
// nil when no tracker is configured.
func (l *Launcher) Usage() []metrics.ProcessUsage {
	if l.usage == nil {
		return nil
	}
	return l.usage.Snapshot()
}

// Wait blocks until every invocation launched so far has finished and its
// history events were delivered. Call it only after ticking has stopped.
func (l *Launcher) Wait() {
	l.running.Wait()
	l.pending.Wait()
}

func (l *Launcher) invoke(seq uint64) {
	defer l.running.Done()

	rec := history.Record{Seq: seq, Command: l.cfg.Command, ExitCode: -1}
	proc, err := l.spawner.Spawn(l.cfg.Command, l.cfg.Args)
	if err != nil {
		l.stats.startFailures.Add(1)
		metrics.IncStartFailure()
		l.log.Error("Failed to start command: "+err.Error(), "seq", seq, "state", string(StateStartFailed))
		rec.StoppedAt = time.Now()
		rec.Result = history.ResultFailure
		rec.Error = err.Error()
		l.emit(history.EventStartFailed, rec)
		return
	}

	l.inFlight.Add(1)
	metrics.IncInFlight()
	l.stats.started.Add(1)
	metrics.IncStart()
	rec.PID = proc.Pid()
	rec.StartedAt = time.Now()
	l.log.Debug("command started", "seq", seq, "pid", rec.PID, "state", string(StateStarted))
	l.emit(history.EventStart, rec)
	stopUsage := l.trackUsage(rec.PID)

	state, werr := StateExited, proc.Wait()
	// every path past a successful start gives its slot back exactly once
	l.inFlight.Add(-1)
	metrics.DecInFlight()
	rec.StoppedAt = time.Now()
	metrics.ObserveDuration(rec.Duration().Seconds())
	usage := stopUsage()
	metrics.ObserveUsage(usage)

	var exitErr *exec.ExitError
	switch {
	case werr == nil:
		rec.ExitCode = 0
		rec.Result = history.ResultSuccess
		l.stats.exitsSuccess.Add(1)
		metrics.IncExit(metrics.ResultSuccess)
		l.log.Debug("command exited", "seq", seq, "pid", rec.PID)
	case errors.As(werr, &exitErr):
		rec.ExitCode = exitErr.ExitCode()
		rec.Result = history.ResultFailure
		rec.Error = exitErr.String()
		l.stats.exitsFailure.Add(1)
		metrics.IncExit(metrics.ResultFailure)
		l.log.Error("Command exited with "+exitErr.String(), "seq", seq, "pid", rec.PID)
	default:
		state = StateExitCheckFailed
		rec.Result = history.ResultUnknown
		rec.Error = werr.Error()
		l.stats.exitCheckErrors.Add(1)
		metrics.IncExit(metrics.ResultUnknown)
		l.log.Error("Error checking child process status: "+werr.Error(), "seq", seq, "pid", rec.PID)
	}
	l.log.Debug("invocation finished", "seq", seq, "state", string(state), "duration", rec.Duration(),
		"cpu_seconds", usage.CPUSeconds, "peak_rss_bytes", usage.PeakRSSBytes)
	l.emit(history.EventExit, rec)
}

func (l *Launcher) trackUsage(pid int) func() metrics.ProcessUsage {
	if l.usage == nil {
		return func() metrics.ProcessUsage { return metrics.ProcessUsage{} }
	}
	return l.usage.Track(pid)
}

// emit delivers e to every sink on its own goroutine so a slow sink never
// holds a slot. Failures are logged and dropped.
func (l *Launcher) emit(typ history.EventType, rec history.Record) {
	if len(l.sinks) == 0 {
		return
	}
	e := history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}
	for _, s := range l.sinks {
		l.pending.Add(1)
		go func(s history.Sink) {
			defer l.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), l.histTO)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				l.log.Warn("history sink send failed", "event", string(typ), "seq", rec.Seq, "sink", fmt.Sprintf("%T", s), "error", err)
			}
		}(s)
	}
}
