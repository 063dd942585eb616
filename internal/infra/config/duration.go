package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("250ms", "5m") in both YAML and JSON.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Bare integers are read as seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		parsed = time.Duration(seconds) * time.Second
	}
	*d = Duration(parsed)
	return nil
}
