package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// EverySchedule fires at a fixed delay after each activation.
//
// cron.Every rounds the delay up to whole seconds; this keeps the original
// precision so "100ms" repeats really are 100ms apart.
type EverySchedule struct {
	Delay time.Duration
}

var _ cron.Schedule = EverySchedule{}

// Every returns a schedule firing every d. Non-positive delays are clamped to 1ms.
func Every(d time.Duration) EverySchedule {
	if d <= 0 {
		d = time.Millisecond
	}
	return EverySchedule{Delay: d}
}

func (s EverySchedule) Next(t time.Time) time.Time { return t.Add(s.Delay) }
