package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

// ParseDuration accepts Go duration strings ("30s", "1h30m"), compound
// strings with spaces ("1m 30s") and bare numbers meaning seconds ("2", "0.01").
// Empty input is zero.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %q must be >= 0", ErrInvalidDuration, raw)
		}
		if f*float64(time.Second) > float64(math.MaxInt64) {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, raw)
		}
		return time.Duration(f * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %q must be >= 0", ErrInvalidDuration, raw)
	}
	return d, nil
}

// ParseSeconds is ParseDuration expressed in fractional seconds.
func ParseSeconds(raw string) (float64, error) {
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
