package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"mcprunner/internal/config"
	"mcprunner/internal/storage"
	"mcprunner/internal/task/engine"
	logx "mcprunner/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcprunner.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(writeConfig(t, body))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func TestAppRunsConfiguredTasks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX utilities")
	}
	dir := t.TempDir()
	a := startApp(t, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "state.db")+`
tasks:
  - name: greet
    command: echo
    args: [hello]
  - name: tick
    command: "true"
    schedule: "1h"
    repeat: ALWAYS
`)

	r := a.Runner()
	runs, err := r.Runs("greet")
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one greet run, got %v %v", runs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.Wait(ctx, "greet", runs[0].RunID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if snap.Status != engine.StatusComplete || strings.TrimSpace(snap.Result.(string)) != "hello" {
		t.Fatalf("expected COMPLETE with hello, got %s %v", snap.Status, snap.Result)
	}

	task, err := r.Task("tick")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if !task.Scheduled() {
		t.Fatalf("expected tick to be armed")
	}

	if err := r.Stop("tick"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	entries, err := a.store.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(entries) == 0 || entries[0].Action != "stop" || entries[0].Task != "tick" {
		t.Fatalf("expected stop audited, got %+v", entries)
	}
}

func TestAppRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown field": "bogus: 1\n",
		"bad trigger":   "tasks:\n  - name: a\n    command: x\n    trigger: LATER\n",
		"bad schedule":  "tasks:\n  - name: a\n    command: x\n    schedule: \"not a schedule\"\n    repeat: 2\n",
		"bad policy":    "tasks:\n  - name: a\n    command: x\n    keep_policy: NEWEST\n",
		"bad storage":   "storage:\n  driver: redis\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplyTasksAddsAndRemoves(t *testing.T) {
	a := startApp(t, "logging:\n  level: error\n")

	prev := &config.Config{}
	next := &config.Config{Tasks: []config.TaskConfig{{
		Name: "poll", Command: "true", Schedule: "1h", Repeat: "ALWAYS",
	}}}
	a.applyConfig(context.Background(), prev, next)

	task, err := a.Runner().Task("poll")
	if err != nil || !task.Scheduled() {
		t.Fatalf("expected poll armed after reload, got %v", err)
	}

	a.applyConfig(context.Background(), next, &config.Config{})
	if task.Scheduled() {
		t.Fatalf("expected poll disarmed after removal")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := startApp(t, "logging:\n  level: error\n")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("expected Done closed after Stop")
	}
	if _, err := a.Runner().Command("true"); err == nil {
		t.Fatalf("expected runner closed after Stop")
	}
}

func TestStoreAuditorMapsFields(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	at := time.Now().Add(-time.Minute).UTC()
	if err := (storeAuditor{store: st}).Audit(context.Background(), engine.AuditEntry{
		Action: "cancel", Task: "build", RunID: 42, At: at,
	}); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	got, err := st.RecentAudit(context.Background(), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one entry, got %v %v", got, err)
	}
	if got[0].Action != "cancel" || got[0].Task != "build" || got[0].RunID != 42 || !got[0].At.Equal(at) {
		t.Fatalf("expected fields mapped, got %+v", got[0])
	}
}
