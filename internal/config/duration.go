package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration from the config key named by field
// (e.g. "notifier.send_timeout"). Empty means zero.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration like \"10s\" or \"5m\"", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %s is negative", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	}
	return d, nil
}
