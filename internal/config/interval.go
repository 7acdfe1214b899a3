package config

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"time"
)

// MaxConcurrency is the upper bound accepted for the concurrency limit.
const MaxConcurrency = 1000

var (
	ErrInvalidInterval    = errors.New("invalid interval")
	ErrInvalidConcurrency = errors.New("invalid concurrency")
)

// ParseError carries the exact operator-facing message while still matching
// ErrInvalidInterval / ErrInvalidConcurrency through errors.Is.
type ParseError struct {
	Kind error
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }
func (e *ParseError) Unwrap() error { return e.Kind }

func intervalErr(format string, a ...any) error {
	return &ParseError{Kind: ErrInvalidInterval, Msg: fmt.Sprintf(format, a...)}
}

// days, hours, minutes, seconds with an optional fraction of up to millisecond precision
var intervalRe = regexp.MustCompile(`^(?:([0-9]+)d)?(?:([0-9]+)h)?(?:([0-9]+)m)?(?:([0-9]+)(?:\.([0-9]+))?s)?$`)

// ParseInterval parses expressions like "1s", "0.75s", "1m30s", "1h2m3s" or
// "2d3h4m5.678s" into a positive duration with millisecond precision.
func ParseInterval(s string) (time.Duration, error) {
	ms, err := ParseIntervalMillis(s)
	if err != nil {
		return 0, err
	}
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, intervalErr("Invalid interval '%s': interval is too large", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseIntervalMillis is ParseInterval without the conversion to
// time.Duration; the result is the interval in whole milliseconds.
func ParseIntervalMillis(s string) (uint64, error) {
	if s == "" {
		return 0, &ParseError{Kind: ErrInvalidInterval, Msg: "Interval cannot be empty"}
	}
	m := intervalRe.FindStringSubmatch(s)
	if m == nil {
		return 0, intervalErr("Invalid interval '%s': unrecognized format", s)
	}
	frac, ok := fractionMillis(m[5])
	if !ok {
		return 0, intervalErr("Invalid interval '%s': maximum precision is millisecond", s)
	}
	total, ok := totalMillis(m[1], m[2], m[3], m[4], frac)
	if !ok {
		return 0, intervalErr("Invalid interval '%s': interval is too large", s)
	}
	if total == 0 {
		return 0, intervalErr("Invalid interval '%s': interval cannot be zero", s)
	}
	return total, nil
}

// fractionMillis right-pads the fractional seconds to three digits:
// "1" -> 100, "12" -> 120, "123" -> 123. More than three digits is rejected.
func fractionMillis(f string) (uint64, bool) {
	switch {
	case f == "":
		return 0, true
	case len(f) > 3:
		return 0, false
	}
	for len(f) < 3 {
		f += "0"
	}
	v, err := strconv.ParseUint(f, 10, 64)
	return v, err == nil
}

func totalMillis(d, h, m, s string, ms uint64) (uint64, bool) {
	units := []struct {
		digits string
		scale  uint64
	}{
		{d, 86_400_000},
		{h, 3_600_000},
		{m, 60_000},
		{s, 1_000},
	}
	total := ms
	for _, u := range units {
		if u.digits == "" {
			continue
		}
		n, err := strconv.ParseUint(u.digits, 10, 64)
		if err != nil {
			return 0, false
		}
		hi, lo := bits.Mul64(n, u.scale)
		if hi != 0 {
			return 0, false
		}
		var carry uint64
		total, carry = bits.Add64(total, lo, 0)
		if carry != 0 {
			return 0, false
		}
	}
	return total, true
}

// ParseConcurrency parses the concurrency limit, which must be in 1..MaxConcurrency.
func ParseConcurrency(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		var ne *strconv.NumError
		if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
			return 0, concurrencyRangeErr(s)
		}
		return 0, &ParseError{Kind: ErrInvalidConcurrency, Msg: fmt.Sprintf("Invalid concurrency value: '%s'", s)}
	}
	if n < 1 || n > MaxConcurrency {
		return 0, concurrencyRangeErr(s)
	}
	return int(n), nil
}

func concurrencyRangeErr(v string) error {
	return &ParseError{
		Kind: ErrInvalidConcurrency,
		Msg:  fmt.Sprintf("Invalid concurrency: value %s is not in the range 1–%d", v, MaxConcurrency),
	}
}
