package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is either a cron expression or a fixed interval.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a normalized schedule string.
//
// Accepted forms:
//   - cron, 5 or 6 fields: "*/5 * * * *", "0 */5 * * * *", "@hourly", "@every 1m"
//   - Go duration: "55m", "2h30m", "100ms"
//   - bare seconds: "10", "0.5"
//   - HH:MM span: "00:50", "02:30"
//
// "cron:" forces cron parsing; "every:", "every " and "interval:" force interval parsing.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	// Form is how an interval was written: "duration", "seconds" or "hhmm".
	Form string
}

var (
	errEmpty       = errors.New("schedule required")
	errNonPositive = errors.New("interval must be > 0")
)

// SecondOptional accepts both 5-field and 6-field specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Compile parses raw and builds its schedule.
func Compile(raw string) (cron.Schedule, Spec, error) {
	sp, err := Parse(raw)
	if err != nil {
		return nil, Spec{}, err
	}
	sch, err := sp.Schedule()
	if err != nil {
		return nil, Spec{}, err
	}
	return sch, sp, nil
}

// Schedule builds the activation schedule. Cron syntax is only checked here.
func (s Spec) Schedule() (cron.Schedule, error) {
	switch s.Kind {
	case KindCron:
		sch, err := cronParser.Parse(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", s.Cron, err)
		}
		return sch, nil
	case KindInterval:
		if s.Every <= 0 {
			return nil, errNonPositive
		}
		return Every(s.Every), nil
	}
	return nil, fmt.Errorf("unknown schedule kind %d", s.Kind)
}

// String renders s so that Parse returns it unchanged.
func (s Spec) String() string {
	if s.Kind == KindCron {
		return "cron:" + s.Cron
	}
	return "every:" + s.Every.String()
}

func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errEmpty
	}
	low := strings.ToLower(s)

	if rest, ok := cutPrefixFold(s, low, "cron:"); ok {
		if rest == "" {
			return Spec{}, fmt.Errorf("cron expression required after %q", "cron:")
		}
		return Spec{Kind: KindCron, Cron: rest}, nil
	}
	for _, p := range []string{"every:", "interval:", "every "} {
		if rest, ok := cutPrefixFold(s, low, p); ok {
			return interval(rest)
		}
	}

	// Whitespace or a descriptor means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return Spec{Kind: KindCron, Cron: s}, nil
	}
	sp, err := interval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: use cron ('*/5 * * * *'), HH:MM ('02:30'), a duration ('55m') or seconds ('0.5')", raw)
	}
	return sp, nil
}

func cutPrefixFold(s, low, prefix string) (string, bool) {
	if !strings.HasPrefix(low, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func interval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, errors.New("interval required")
	}
	var (
		d    time.Duration
		form string
		err  error
	)
	switch {
	case strings.Contains(v, ":"):
		d, err = parseHHMM(v)
		form = "hhmm"
	case isNumber(v):
		d, err = parseSeconds(v)
		form = "seconds"
	default:
		d, err = time.ParseDuration(v)
		form = "duration"
	}
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Spec{}, errNonPositive
	}
	return Spec{Kind: KindInterval, Every: d, Form: form}, nil
}

func isNumber(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

// parseHHMM reads "H:MM" up to "999:59" as a span, not a time of day.
func parseHHMM(v string) (time.Duration, error) {
	hs, ms, _ := strings.Cut(v, ":")
	if len(hs) == 0 || len(hs) > 3 || len(ms) != 2 {
		return 0, errors.New("want HH:MM")
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 {
		return 0, errors.New("bad hours")
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, errors.New("minutes must be 00..59")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func parseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f)*float64(time.Second) > math.MaxInt64 {
		return 0, errors.New("out of range")
	}
	return time.Duration(f * float64(time.Second)), nil
}
