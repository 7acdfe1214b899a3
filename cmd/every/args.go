package main

import (
	"errors"
	"strings"
	"time"

	"github.com/loykin/every/internal/config"
)

// positional is what follows the flags: <interval> [-c <n>] <command> [args...]
type positional struct {
	interval    time.Duration
	concurrency int // 0 when -c was not given
	command     string
	args        []string
}

// parsePositional applies the post-interval grammar. The interval is
// validated before anything else so its error wins over a missing command.
// Only the argument right after the interval may be an option; everything
// after the command belongs to the command.
func parsePositional(args []string) (positional, error) {
	var p positional
	if len(args) == 0 {
		return p, errors.New("Missing interval!")
	}
	d, err := config.ParseInterval(args[0])
	if err != nil {
		return p, err
	}
	p.interval = d
	rest := args[1:]

	if len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
		if rest[0] != "-c" {
			return p, errors.New("Invalid option after interval: " + rest[0])
		}
		if len(rest) < 2 {
			return p, errors.New("Missing concurrency value!")
		}
		n, err := config.ParseConcurrency(rest[1])
		if err != nil {
			return p, err
		}
		p.concurrency = n
		rest = rest[2:]
	}

	if len(rest) == 0 {
		return p, errors.New("Missing command name!")
	}
	p.command = rest[0]
	p.args = append([]string(nil), rest[1:]...)
	return p, nil
}
