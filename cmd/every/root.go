package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/every"
	"github.com/loykin/every/internal/config"
	etls "github.com/loykin/every/internal/tls"
)

// rootFlags holds flags accepted before the interval.
type rootFlags struct {
	ConfigPath  string
	Concurrency string
	LogLevel    string
	LogFormat   string
	NoColor     bool
	Listen      string
	BasePath    string
	History     []string
	OutputDir   string
	Env         []string
	UsageEvery  time.Duration
}

func newRootCommand() *cobra.Command {
	root, _ := buildRoot()
	return root
}

func buildRoot() (*cobra.Command, *rootFlags) {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "every [flags] <interval> [-c <n>] <command> [args...]",
		Short: "Run a command every N seconds",
		Long: `Run a command every N seconds.

<interval>  The time between each command execution.
            Examples: 1s, 0.75s, 1m30s, 1h2m3s.
            Available units: s (seconds), m (minutes), h (hours), d (days).
<command>   The command to run, followed by its arguments.

-c <n>      Set the concurrency level (default: 1), 1 to 1000.
            After the interval this is the only option recognised.

Ticks are anchored to the start time. A tick that finds every slot busy
is skipped, and ticks missed while the scheduler itself was stalled are
dropped rather than replayed.`,
		Example: `  # Run the date --utc command every second:
  every 1s date --utc

  # Run a curl command every 2.5 seconds,
  # with up to 10 commands running concurrently:
  every 2.5s -c 10 curl https://...

  # Expose status and metrics, record every run in SQLite:
  every --listen :9090 --history sqlite:///var/lib/every.db 1m ./backup.sh`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && flags.ConfigPath == "" {
				return cmd.Help()
			}
			return run(cmd, flags, args)
		},
	}
	root.SetVersionTemplate("every {{.Version}}\n")
	// the scheduled command's own flags must never be parsed as ours
	root.Flags().SetInterspersed(false)

	f := root.Flags()
	f.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	f.StringVarP(&flags.Concurrency, "concurrency", "c", "", "concurrency level, 1 to 1000 (default 1)")
	f.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&flags.LogFormat, "log-format", "", "log format: text or json")
	f.BoolVar(&flags.NoColor, "no-color", false, "disable colored log output")
	f.StringVar(&flags.Listen, "listen", "", "serve /status, /healthz and /metrics on this address (e.g. :9090)")
	f.StringVar(&flags.BasePath, "base-path", "", "URL prefix for the HTTP endpoints")
	f.StringArrayVar(&flags.History, "history", nil, "history sink DSN, repeatable (sqlite://, postgres://, clickhouse://, opensearch://)")
	f.StringVar(&flags.OutputDir, "output-dir", "", "write command output to rotating files in this directory")
	f.StringArrayVar(&flags.Env, "env", nil, "extra KEY=VALUE for the command's environment, repeatable")
	f.DurationVar(&flags.UsageEvery, "usage-interval", time.Second, "sample CPU and memory of running commands this often while --listen is set, 0 to disable")
	return root, flags
}

// resolve merges the config file, environment, flags and positional
// arguments into one file config. Later sources win.
func resolve(cmd *cobra.Command, flags *rootFlags, args []string) (*config.FileConfig, error) {
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.Concurrency != "" {
		n, err := config.ParseConcurrency(flags.Concurrency)
		if err != nil {
			return nil, err
		}
		fc.Concurrency = n
	}
	if len(args) > 0 {
		p, err := parsePositional(args)
		if err != nil {
			return nil, err
		}
		fc.Interval = args[0]
		fc.Command = p.command
		fc.Args = p.args
		if p.concurrency > 0 {
			fc.Concurrency = p.concurrency
		}
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		fc.Log.Level = flags.LogLevel
	}
	if changed("log-format") {
		fc.Log.Format = flags.LogFormat
	}
	if flags.NoColor {
		fc.Log.Color = false
	}
	if changed("listen") {
		fc.Server.Listen = flags.Listen
	}
	if changed("base-path") {
		fc.Server.BasePath = flags.BasePath
	}
	if changed("usage-interval") {
		fc.Server.UsageInterval = flags.UsageEvery
	}
	if changed("output-dir") {
		fc.Log.OutputDir = flags.OutputDir
	}
	fc.History.Sinks = append(fc.History.Sinks, flags.History...)
	fc.Env = append(fc.Env, flags.Env...)
	return fc, nil
}

func run(cmd *cobra.Command, flags *rootFlags, args []string) error {
	fc, err := resolve(cmd, flags, args)
	if err != nil {
		return err
	}
	rc, err := fc.RunConfig()
	if err != nil {
		return err
	}

	lc := fc.Log.Logger()
	lc.Slog.Output = cmd.ErrOrStderr()
	log := lc.NewSlogger()

	opts := []every.Option{every.WithLogger(log)}

	if lc.File.Enabled() {
		stdout, stderr, err := lc.ProcessWriters(filepath.Base(rc.Command))
		if err != nil {
			return err
		}
		defer closeQuietly(stdout)
		defer closeQuietly(stderr)
		opts = append(opts, every.WithOutput(stdout, stderr))
	}

	if len(fc.History.Sinks) > 0 {
		sinks, err := every.OpenHistorySinks(fc.History.Sinks)
		if err != nil {
			return err
		}
		defer every.CloseHistorySinks(sinks)
		opts = append(opts, every.WithHistorySinks(sinks...))
	}

	if fc.Server.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		if err := every.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts,
			every.WithHTTP(fc.Server.Listen, fc.Server.BasePath),
			every.WithUsageSampling(fc.Server.UsageInterval),
		)
		tc, err := etls.Setup(fc.Server.TLS)
		if err != nil {
			return err
		}
		if tc != nil {
			opts = append(opts, every.WithTLS(tc))
		}
	}

	r, err := every.New(rc, opts...)
	if err != nil {
		return err
	}
	return r.Run(cmd.Context())
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
