package scheduler

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		kind  Kind
		form  string
		every time.Duration
	}{
		{raw: "*/5 * * * *", kind: KindCron},
		{raw: "0 */5 * * * *", kind: KindCron},
		{raw: "@hourly", kind: KindCron},
		{raw: "@every 1m", kind: KindCron},
		{raw: "CRON: 0 0 * * *", kind: KindCron},
		{raw: "10m", kind: KindInterval, form: "duration", every: 10 * time.Minute},
		{raw: "100ms", kind: KindInterval, form: "duration", every: 100 * time.Millisecond},
		{raw: "0.1", kind: KindInterval, form: "seconds", every: 100 * time.Millisecond},
		{raw: "30", kind: KindInterval, form: "seconds", every: 30 * time.Second},
		{raw: "interval:45s", kind: KindInterval, form: "duration", every: 45 * time.Second},
		{raw: "every:2", kind: KindInterval, form: "seconds", every: 2 * time.Second},
		{raw: "every 1h", kind: KindInterval, form: "duration", every: time.Hour},
		{raw: "01:30", kind: KindInterval, form: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Form != tt.form || (tt.kind == KindInterval && got.Every != tt.every) {
				t.Fatalf("expected %v/%s/%v, got %+v", tt.kind, tt.form, tt.every, got)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
			again, err := Parse(got.String())
			if err != nil || again.Kind != got.Kind || again.Every != got.Every || again.Cron != got.Cron {
				t.Fatalf("expected String to round trip, got %+v %v", again, err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "soon", "0", "-1", "0s", "01:75", "1:5", "interval:", "cron:", "NaN"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestCompileRejectsBadCron(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"cron:61 * * * *", "not a schedule"} {
		if _, _, err := Compile(raw); err == nil {
			t.Fatalf("Compile(%q): expected error", raw)
		}
	}
}

func TestEveryKeepsSubSecondPrecision(t *testing.T) {
	t.Parallel()
	sch, _, err := Compile("100ms")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sch.Next(base); !got.Equal(base.Add(100 * time.Millisecond)) {
		t.Fatalf("expected %v, got %v", base.Add(100*time.Millisecond), got)
	}
}
