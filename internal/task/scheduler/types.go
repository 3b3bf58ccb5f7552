package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// EntryID identifies a registered job.
type EntryID = cron.EntryID

// ScheduleInfo is a point-in-time view of one registered job.
type ScheduleInfo struct {
	ID   EntryID   `json:"id"`
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitzero"`
}
