package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/every/internal/env"
	"github.com/loykin/every/internal/logger"
	"github.com/spf13/viper"
)

// Config is the validated run configuration. It is never mutated once the
// scheduler starts and is shared read-only by every invocation.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Command     string
	Args        []string
	Env         []string // KEY=VALUE overrides on top of the inherited environment
}

// Validate checks the invariants the scheduler relies on.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return &ParseError{Kind: ErrInvalidInterval, Msg: "interval must be greater than zero"}
	}
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return concurrencyRangeErr(strconv.Itoa(c.Concurrency))
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("Missing command name!")
	}
	return env.Validate(c.Env)
}

// FileConfig represents the TOML file layout. Every key can also be set
// through the environment with the EVERY_ prefix (e.g. EVERY_LOG_LEVEL).
type FileConfig struct {
	Interval    string        `toml:"interval" mapstructure:"interval"`
	Concurrency int           `toml:"concurrency" mapstructure:"concurrency"`
	Command     string        `toml:"command" mapstructure:"command"`
	Args        []string      `toml:"args" mapstructure:"args"`
	Env         []string      `toml:"env" mapstructure:"env"`
	Log         LogConfig     `toml:"log" mapstructure:"log"`
	Server      ServerConfig  `toml:"server" mapstructure:"server"`
	History     HistoryConfig `toml:"history" mapstructure:"history"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	OutputDir  string `toml:"output_dir" mapstructure:"output_dir"`
	StdoutPath string `toml:"stdout_path" mapstructure:"stdout_path"` // overrides output_dir for stdout
	StderrPath string `toml:"stderr_path" mapstructure:"stderr_path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`

	// UsageInterval is how often running invocations are sampled for CPU
	// and memory while the server is up. Zero disables sampling.
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
}

// TLSConfig enables HTTPS on the status server. Explicit cert/key files take
// precedence over Dir, which holds tls.crt and tls.key.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as the key registry AutomaticEnv needs for Unmarshal.
	v.SetDefault("interval", "")
	v.SetDefault("concurrency", 1)
	v.SetDefault("command", "")
	v.SetDefault("args", []string{})
	v.SetDefault("env", []string{})
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.output_dir", "")
	v.SetDefault("log.stdout_path", "")
	v.SetDefault("log.stderr_path", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.usage_interval", "1s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("history.sinks", []string{})
	return v
}

// Load reads the optional TOML file at path and applies EVERY_* environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &fc, nil
}

// RunConfig converts the file values into a validated Config.
func (fc *FileConfig) RunConfig() (Config, error) {
	d, err := ParseInterval(fc.Interval)
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Interval:    d,
		Concurrency: fc.Concurrency,
		Command:     fc.Command,
		Args:        append([]string(nil), fc.Args...),
		Env:         append([]string(nil), fc.Env...),
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Logger maps the [log] table onto logger.Config.
func (lc LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(lc.Level),
			Format:     logger.Format(lc.Format),
			Color:      lc.Color,
			TimeStamps: lc.TimeStamps,
			Source:     lc.Source,
		},
		File: logger.FileConfig{
			Dir:        lc.OutputDir,
			StdoutPath: lc.StdoutPath,
			StderrPath: lc.StderrPath,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
			Compress:   lc.Compress,
		},
	}
}
