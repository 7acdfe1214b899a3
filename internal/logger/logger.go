package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for captured command output
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config keeps the two logging concerns apart: Slog drives the
// scheduler's own diagnostics, File controls where invocation output goes
// when it is not inherited from the parent.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool // only honoured when the destination supports it
	TimeStamps bool
	Source     bool
	Output     io.Writer // defaults to os.Stderr
}

// FileConfig describes rotating files for command output.
// Files are Dir/<name>.stdout.log and Dir/<name>.stderr.log unless explicit
// paths are given. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps a level name to slog.Level; unknown names fall back to info.
func ParseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the process logger from the Slog section.
func (c Config) NewSlogger() *slog.Logger {
	return slog.New(c.Slog.Handler())
}

// Handler returns the slog.Handler described by the config.
func (sc SlogConfig) Handler() slog.Handler {
	w := sc.Output
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(sc.Level),
		AddSource: sc.Source,
	}
	if !sc.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if sc.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if sc.Color && SupportsColor(w) {
		return NewColorTextHandler(w, opts, sc.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// SupportsColor reports whether ANSI colors should be written to w.
// Colors require a terminal, an empty or unset NO_COLOR (https://no-color.org/)
// and a TERM other than "dumb".
func SupportsColor(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	term := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return colorAllowed(term, os.Getenv("NO_COLOR"), os.Getenv("TERM"))
}

func colorAllowed(isTerminal bool, noColor, term string) bool {
	return isTerminal && noColor == "" && term != "dumb"
}

// Writers returns rotating writers for stdout and stderr of the named
// command. Both are nil when neither Dir nor explicit paths are set.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

// Enabled reports whether output capture is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ProcessWriters is a shorthand for c.File.Writers(name).
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
