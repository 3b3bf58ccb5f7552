package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "mcprunner/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	loc *time.Location

	c       *cron.Cron
	started bool
	names   map[cron.EntryID]string
}

// New builds a stopped service. A nil location means time.Local.
func New(log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log}
	return &Service{
		log: log,
		loc: loc,
		c: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		names: map[cron.EntryID]string{},
	}
}

// Start begins firing jobs. Calling Start twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Debug("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.names)))
}

// Stop stops firing jobs and waits (bounded by ctx) for running job funcs to return.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Debug("service stopped", logx.Duration("took", time.Since(start)))
}

// Add registers job under name and returns its entry id.
func (s *Service) Add(name string, sch cron.Schedule, job func()) (EntryID, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("name required")
	}
	if sch == nil || job == nil {
		return 0, errors.New("schedule and job required")
	}
	id := s.c.Schedule(sch, cron.FuncJob(job))

	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("name", name), logx.Int("id", int(id)), logx.Time("next", sch.Next(time.Now().In(s.loc))))
	}
	return id, nil
}

// Remove unregisters id. Unknown ids are ignored.
func (s *Service) Remove(id EntryID) {
	s.mu.Lock()
	name, ok := s.names[id]
	delete(s.names, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.c.Remove(id)
	s.log.Debug("schedule removed", logx.String("name", name), logx.Int("id", int(id)))
}

// Len returns the number of registered jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

// Snapshot lists registered jobs ordered by next activation.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	names := make(map[cron.EntryID]string, len(s.names))
	for k, v := range s.names {
		names[k] = v
	}
	s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(names))
	for _, e := range s.c.Entries() {
		name, ok := names[e.ID]
		if !ok {
			continue
		}
		out = append(out, ScheduleInfo{ID: e.ID, Name: name, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// cronLogger routes robfig/cron logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron."+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron."+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
