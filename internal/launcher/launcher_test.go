package launcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/every/internal/history"
	"github.com/loykin/every/internal/metrics"
	"github.com/loykin/every/internal/ticker"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of slog.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type fakeProc struct {
	pid  int
	done chan error
}

func (p *fakeProc) Pid() int    { return p.pid }
func (p *fakeProc) Wait() error { return <-p.done }

// fakeSpawner hands out processes that exit when the test says so.
type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProc
	calls    int
	startErr error
	waitErr  error // returned by every process on exit
}

func (s *fakeSpawner) Spawn(string, []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.startErr != nil {
		return nil, s.startErr
	}
	p := &fakeProc{pid: 1000 + len(s.procs), done: make(chan error, 1)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawnCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// finish makes the i-th spawned process exit.
func (s *fakeSpawner) finish(i int) {
	s.mu.Lock()
	p := s.procs[i]
	err := s.waitErr
	s.mu.Unlock()
	p.done <- err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestLauncher(t *testing.T, limit int, sp Spawner, opts ...Option) (*Launcher, *syncBuffer) {
	t.Helper()
	lg, buf := testLogger()
	l, err := New(Config{Command: "cmd", Concurrency: limit}, append([]Option{WithSpawner(sp), WithLogger(lg)}, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return l, buf
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Command: "x", Concurrency: 0}); !errors.Is(err, ErrInvalidConcurrency) {
		t.Fatalf("expected ErrInvalidConcurrency, got %v", err)
	}
	if _, err := New(Config{Concurrency: 1}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestOnTickRespectsLimit(t *testing.T) {
	sp := &fakeSpawner{}
	l, _ := newTestLauncher(t, 2, sp)

	l.OnTick()
	waitFor(t, "first start", func() bool { return l.InFlight() == 1 })
	l.OnTick()
	waitFor(t, "second start", func() bool { return l.InFlight() == 2 })

	l.OnTick()
	l.OnTick()
	if got := sp.spawnCalls(); got != 2 {
		t.Fatalf("spawned %d times with all slots busy, want 2", got)
	}
	if st := l.Stats(); st.SlotsFull != 2 || st.Ticks != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}

	sp.finish(0)
	waitFor(t, "slot release", func() bool { return l.InFlight() == 1 })
	l.OnTick()
	waitFor(t, "third start", func() bool { return l.InFlight() == 2 })
	if got := sp.spawnCalls(); got != 3 {
		t.Fatalf("expected a launch after a slot was released, spawned %d", got)
	}

	sp.finish(1)
	sp.finish(2)
	l.Wait()
	if l.InFlight() != 0 {
		t.Fatalf("in-flight = %d after all exits", l.InFlight())
	}
}

func TestStartFailureNeverTakesSlot(t *testing.T) {
	sp := &fakeSpawner{startErr: errors.New("exec: \"nope\": executable file not found in $PATH")}
	l, buf := newTestLauncher(t, 1, sp)

	for i := 0; i < 5; i++ {
		l.OnTick()
		l.Wait()
	}
	if sp.spawnCalls() != 5 {
		t.Fatalf("every tick should retry the launch, got %d spawns", sp.spawnCalls())
	}
	if l.InFlight() != 0 {
		t.Fatalf("in-flight = %d, want 0", l.InFlight())
	}
	st := l.Stats()
	if st.StartFailures != 5 || st.Started != 0 || st.SlotsFull != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !strings.Contains(buf.String(), "Failed to start command: exec: ") {
		t.Fatalf("missing start failure report:\n%s", buf.String())
	}
}

func TestWaitFailureStillReleasesSlot(t *testing.T) {
	sp := &fakeSpawner{waitErr: errors.New("wait: no child processes")}
	l, buf := newTestLauncher(t, 1, sp)

	l.OnTick()
	waitFor(t, "start", func() bool { return l.InFlight() == 1 })
	sp.finish(0)
	l.Wait()

	if l.InFlight() != 0 {
		t.Fatalf("slot leaked after wait failure: in-flight = %d", l.InFlight())
	}
	if st := l.Stats(); st.ExitCheckErrors != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if !strings.Contains(buf.String(), "Error checking child process status: wait: no child processes") {
		t.Fatalf("missing wait failure report:\n%s", buf.String())
	}
}

func TestAccountingUnderManyInvocations(t *testing.T) {
	sp := &fakeSpawner{}
	l, _ := newTestLauncher(t, 1000, sp)

	const n = 200
	for i := 0; i < n; i++ {
		l.OnTick()
	}
	waitFor(t, "all starts", func() bool { return l.Stats().Started == n })
	if l.InFlight() != n {
		t.Fatalf("in-flight = %d, want %d", l.InFlight(), n)
	}
	for i := 0; i < n; i++ {
		go sp.finish(i)
	}
	l.Wait()
	st := l.Stats()
	if st.InFlight != 0 || st.ExitsSuccess != n {
		t.Fatalf("unexpected stats after all exits %+v", st)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) byType() map[history.EventType][]history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[history.EventType][]history.Event{}
	for _, e := range s.events {
		m[e.Type] = append(m[e.Type], e)
	}
	return m
}

func TestHistoryEvents(t *testing.T) {
	sink := &recordingSink{}
	sp := &fakeSpawner{}
	l, _ := newTestLauncher(t, 1, sp, WithHistorySinks(sink))

	l.OnTick()
	waitFor(t, "start", func() bool { return l.InFlight() == 1 })
	sp.finish(0)
	l.Wait()

	got := sink.byType()
	if len(got[history.EventStart]) != 1 || len(got[history.EventExit]) != 1 {
		t.Fatalf("unexpected events %+v", got)
	}
	start, exit := got[history.EventStart][0].Record, got[history.EventExit][0].Record
	if start.PID != 1000 || start.Seq != 1 || start.Command != "cmd" {
		t.Fatalf("unexpected start record %+v", start)
	}
	if exit.Key() != start.Key() {
		t.Fatalf("start and exit records do not match: %s vs %s", start.Key(), exit.Key())
	}
	if exit.Result != history.ResultSuccess || exit.ExitCode != 0 || exit.StoppedAt.IsZero() {
		t.Fatalf("unexpected exit record %+v", exit)
	}
}

func TestUsageTrackedWhileRunning(t *testing.T) {
	var mu sync.Mutex
	sampled := map[int]int{}
	sample := func(pid int) (metrics.ProcessUsage, error) {
		mu.Lock()
		defer mu.Unlock()
		sampled[pid]++
		return metrics.ProcessUsage{CPUSeconds: 0.25, RSSBytes: 4096, PeakRSSBytes: 4096, SampledAt: time.Now()}, nil
	}
	sp := &fakeSpawner{}
	l, buf := newTestLauncher(t, 2, sp, WithUsageTracker(metrics.NewUsageTracker(time.Millisecond, sample)))

	l.OnTick()
	l.OnTick()
	waitFor(t, "two samples", func() bool { return len(l.Usage()) == 2 })
	got := l.Usage()
	if got[0].PID != 1000 || got[1].PID != 1001 || got[0].RSSBytes != 4096 {
		t.Fatalf("unexpected usage %+v", got)
	}

	sp.finish(0)
	waitFor(t, "first exit", func() bool { return len(l.Usage()) == 1 })
	if u := l.Usage(); u[0].PID != 1001 {
		t.Fatalf("finished invocation still listed: %+v", u)
	}
	sp.finish(1)
	l.Wait()
	if u := l.Usage(); len(u) != 0 {
		t.Fatalf("usage after all exits: %+v", u)
	}
	if !strings.Contains(buf.String(), "peak_rss_bytes=4096") {
		t.Fatalf("finish log lacks usage:\n%s", buf.String())
	}
}

func TestUsageWithoutTracker(t *testing.T) {
	sp := &fakeSpawner{}
	l, _ := newTestLauncher(t, 1, sp)
	l.OnTick()
	waitFor(t, "start", func() bool { return l.InFlight() == 1 })
	if u := l.Usage(); u != nil {
		t.Fatalf("usage without tracker = %+v", u)
	}
	sp.finish(0)
	l.Wait()
}

func TestHistoryStartFailedAndSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("sink down")}
	sp := &fakeSpawner{startErr: errors.New("permission denied")}
	l, buf := newTestLauncher(t, 1, sp, WithHistorySinks(sink), WithHistoryTimeout(time.Second))

	l.OnTick()
	l.Wait()

	got := sink.byType()
	if len(got[history.EventStartFailed]) != 1 {
		t.Fatalf("expected a start_failed event, got %+v", got)
	}
	if rec := got[history.EventStartFailed][0].Record; rec.Error != "permission denied" || rec.PID != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.Contains(buf.String(), "history sink send failed") {
		t.Fatalf("sink error should be logged:\n%s", buf.String())
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestExecAbnormalExitReported(t *testing.T) {
	skipWithoutShell(t)
	lg, buf := testLogger()
	l, err := New(Config{Command: "sh", Args: []string{"-c", "exit 3"}, Concurrency: 1}, WithLogger(lg))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.OnTick()
	l.Wait()
	if !strings.Contains(buf.String(), "Command exited with exit status 3") {
		t.Fatalf("missing exit report:\n%s", buf.String())
	}
	if st := l.Stats(); st.ExitsFailure != 1 || st.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestExecMissingCommand(t *testing.T) {
	lg, buf := testLogger()
	l, err := New(Config{Command: "every-test-command-that-does-not-exist", Concurrency: 1}, WithLogger(lg))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.OnTick()
	l.Wait()
	if !strings.Contains(buf.String(), "Failed to start command") {
		t.Fatalf("missing start failure:\n%s", buf.String())
	}
	if l.InFlight() != 0 {
		t.Fatalf("in-flight = %d", l.InFlight())
	}
}

func TestExecSpawnerCapturesOutput(t *testing.T) {
	skipWithoutShell(t)
	var out, errOut bytes.Buffer
	p, err := ExecSpawner{Stdout: &out, Stderr: &errOut}.Spawn("sh", []string{"-c", "echo hello; echo oops >&2; read x || echo eof"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatalf("pid = %d", p.Pid())
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// stdin is the null device so read hits EOF at once
	if out.String() != "hello\neof\n" || errOut.String() != "oops\n" {
		t.Fatalf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
}

// timedSpawner starts processes that run for d and records start times.
type timedSpawner struct {
	d      time.Duration
	mu     sync.Mutex
	starts []time.Time
}

func (s *timedSpawner) Spawn(string, []string) (Process, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	pid := len(s.starts)
	s.mu.Unlock()
	done := make(chan error, 1)
	time.AfterFunc(s.d, func() { done <- nil })
	return &fakeProc{pid: pid, done: done}, nil
}

func (s *timedSpawner) offsets(origin time.Time) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.starts))
	for i, st := range s.starts {
		out[i] = st.Sub(origin).Round(time.Millisecond)
	}
	return out
}

// runSchedule ticks every 100ms for the given window and returns launch
// offsets relative to the first tick.
func runSchedule(t *testing.T, limit int, work, window time.Duration) []time.Duration {
	t.Helper()
	if testing.Short() {
		t.Skip("wall-clock test")
	}
	sp := &timedSpawner{d: work}
	l, _ := newTestLauncher(t, limit, sp)
	tk, err := ticker.New(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	origin := time.Now()
	_ = tk.Run(ctx, l.OnTick)
	l.Wait()
	return sp.offsets(origin)
}

func assertSchedule(t *testing.T, got []time.Duration, wantMS ...int) {
	t.Helper()
	const tolerance = 40 * time.Millisecond
	if len(got) != len(wantMS) {
		t.Fatalf("got %d launches %v, want %v ms", len(got), got, wantMS)
	}
	for i, w := range wantMS {
		want := time.Duration(w) * time.Millisecond
		if d := got[i] - want; d < -tolerance || d > tolerance {
			t.Fatalf("launch %d at %v, want %v (all: %v)", i, got[i], want, got)
		}
	}
}

func TestScheduleOverlongRunSkipsTicks(t *testing.T) {
	got := runSchedule(t, 1, 150*time.Millisecond, 650*time.Millisecond)
	assertSchedule(t, got, 0, 200, 400, 600)
}

func TestScheduleConcurrencyThree(t *testing.T) {
	got := runSchedule(t, 3, 450*time.Millisecond, 1050*time.Millisecond)
	assertSchedule(t, got, 0, 100, 200, 500, 600, 700, 1000)
}
