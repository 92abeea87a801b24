package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string at path. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durations parses several fields at once, collecting the first error.
type durations struct{ err error }

func (p *durations) get(path, raw string) time.Duration {
	d, err := ParseDurationField(path, raw)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}
