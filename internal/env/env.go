// Package env composes the environment handed to each invocation.
package env

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

var ErrMalformed = errors.New("env: entry must look like KEY=VALUE")

// Env is a base environment plus overrides. The zero value starts from the
// current process environment.
type Env struct {
	base      map[string]string
	overrides []string
}

func New(overrides []string) (*Env, error) {
	if err := Validate(overrides); err != nil {
		return nil, err
	}
	return &Env{overrides: overrides}, nil
}

// Validate rejects entries without '=' or with an empty key.
func Validate(entries []string) error {
	for _, kv := range entries {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("%w: %q", ErrMalformed, kv)
		}
	}
	return nil
}

// WithBase replaces the OS environment as the starting point.
func (e *Env) WithBase(entries []string) *Env {
	e.base = toMap(entries)
	return e
}

// List returns the merged environment as sorted KEY=VALUE entries.
// Overrides win over the base and later overrides win over earlier ones.
// Only override values are expanded: each ${KEY} naming a key of the merged
// set is replaced once by its unexpanded value. Unknown ${KEY} references,
// bare $KEY and inherited values are passed through untouched.
func (e *Env) List() []string {
	if e.base == nil {
		e.base = toMap(os.Environ())
	}
	over := toMap(e.overrides)
	m := make(map[string]string, len(e.base)+len(over))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range over {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := over[k]; ok {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func expand(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		end := i + 2 + j + 1
		b.WriteString(s[:i])
		if v, ok := m[s[i+2:end-1]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i:end])
		}
		s = s[end:]
	}
	b.WriteString(s)
	return b.String()
}

func toMap(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, kv := range entries {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
