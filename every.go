// Package every runs a command on a fixed cadence with bounded concurrency.
//
// It is the embeddable form of the every command line tool:
//
//	r, err := every.New(every.Config{
//		Interval:    time.Second,
//		Concurrency: 2,
//		Command:     "curl",
//		Args:        []string{"-s", "https://example.com"},
//	})
//	if err != nil { ... }
//	err = r.Run(ctx) // returns when ctx is cancelled
package every

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/every/internal/config"
	"github.com/loykin/every/internal/env"
	"github.com/loykin/every/internal/history"
	"github.com/loykin/every/internal/history/factory"
	"github.com/loykin/every/internal/launcher"
	"github.com/loykin/every/internal/metrics"
	"github.com/loykin/every/internal/server"
	"github.com/loykin/every/internal/ticker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type FileConfig = cfg.FileConfig

type Stats = launcher.Stats

type Status = server.Status

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Clock = ticker.Clock

type ProcessUsage = metrics.ProcessUsage

type options struct {
	logger   *slog.Logger
	sinks    []history.Sink
	stdout   io.Writer
	stderr   io.Writer
	clock    ticker.Clock
	listen   string
	basePath string
	tls      *tls.Config
	usage    time.Duration
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHistorySinks exports start and exit events of every invocation.
func WithHistorySinks(sinks ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithOutput sends invocation stdout and stderr to the given writers
// instead of this process's own streams. Either may be nil.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) { o.stdout, o.stderr = stdout, stderr }
}

// WithClock replaces the time source of the tick loop.
func WithClock(c Clock) Option { return func(o *options) { o.clock = c } }

// WithHTTP serves status, health and metrics on addr while Run is active.
func WithHTTP(addr, basePath string) Option {
	return func(o *options) { o.listen, o.basePath = addr, basePath }
}

// WithTLS serves the WithHTTP endpoints over HTTPS.
func WithTLS(c *tls.Config) Option { return func(o *options) { o.tls = c } }

// WithUsageSampling samples CPU time and memory of every running invocation
// at the given interval. Samples feed the usage histograms and the processes
// list of Status. Zero or negative disables sampling, which is the default.
func WithUsageSampling(interval time.Duration) Option {
	return func(o *options) { o.usage = interval }
}

// Runner drives one scheduled command.
type Runner struct {
	cfg      Config
	opts     options
	launcher *launcher.Launcher
	ticker   *ticker.Ticker

	mu        sync.Mutex
	startedAt time.Time
}

func New(c Config, opts ...Option) (*Runner, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	sp := launcher.ExecSpawner{Stdout: o.stdout, Stderr: o.stderr}
	if len(c.Env) > 0 {
		e, err := env.New(c.Env)
		if err != nil {
			return nil, err
		}
		sp.Env = e.List()
	}

	lopts := []launcher.Option{
		launcher.WithLogger(o.logger),
		launcher.WithSpawner(sp),
		launcher.WithHistorySinks(o.sinks...),
	}
	if o.usage > 0 {
		lopts = append(lopts, launcher.WithUsageTracker(metrics.NewUsageTracker(o.usage, nil)))
	}
	l, err := launcher.New(
		launcher.Config{Command: c.Command, Args: c.Args, Concurrency: c.Concurrency},
		lopts...,
	)
	if err != nil {
		return nil, err
	}

	log := o.logger
	tk, err := ticker.New(c.Interval,
		ticker.WithClock(o.clock),
		ticker.WithSkipHook(func(n uint64) {
			metrics.AddSkipped(n)
			log.Debug("tick overran, skipping boundaries", "skipped", n)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: c, opts: o, launcher: l, ticker: tk}, nil
}

// Run ticks until ctx is cancelled and returns nil then. It returns early
// with an error only when the HTTP listener fails. In-flight invocations
// are not waited for; use Wait for that.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.opts.logger.Debug("scheduler started",
		"command", r.cfg.Command, "interval", r.cfg.Interval, "concurrency", r.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.ticker.Run(gctx, r.launcher.OnTick)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	if r.opts.listen != "" {
		srv := server.NewServer(r.opts.listen, r.opts.basePath, r)
		srv.TLSConfig = r.opts.tls
		r.opts.logger.Info("status server listening", "addr", r.opts.listen, "tls", r.opts.tls != nil)
		g.Go(func() error { return server.Serve(gctx, srv) })
	}
	return g.Wait()
}

// Wait blocks until all invocations started so far have exited. Call it
// after Run has returned.
func (r *Runner) Wait() { r.launcher.Wait() }

func (r *Runner) InFlight() int64 { return r.launcher.InFlight() }

func (r *Runner) Stats() Stats { return r.launcher.Stats() }

func (r *Runner) Config() Config { return r.cfg }

// Status implements the status endpoint source.
func (r *Runner) Status() Status {
	r.mu.Lock()
	started := r.startedAt
	r.mu.Unlock()
	st := Status{
		Command:    r.cfg.Command,
		Args:       r.cfg.Args,
		Interval:   r.cfg.Interval.String(),
		IntervalMS: r.cfg.Interval.Milliseconds(),
		StartedAt:  started,
		Stats:      r.launcher.Stats(),
		Processes:  r.launcher.Usage(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	return st
}

// Handler returns the gin-backed status handler mounted under basePath.
func (r *Runner) Handler(basePath string) http.Handler {
	return server.NewRouter(r, basePath).Handler()
}

// LoadConfig reads a TOML config file with EVERY_* environment overrides.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// ParseInterval parses the compact interval grammar, e.g. "1h30m" or "1.5s".
func ParseInterval(s string) (time.Duration, error) { return cfg.ParseInterval(s) }

// ParseConcurrency parses a concurrency limit in 1..1000.
func ParseConcurrency(s string) (int, error) { return cfg.ParseConcurrency(s) }

// OpenHistorySinks opens sinks from DSNs such as sqlite:///var/lib/every.db.
func OpenHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// CloseHistorySinks releases sinks returned by OpenHistorySinks.
func CloseHistorySinks(sinks []HistorySink) { factory.CloseAll(sinks) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
