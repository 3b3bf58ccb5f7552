package engine

import (
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipWithoutPOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX utilities")
	}
}

func TestCommandEcho(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("echo", WithArgs("hi"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", snap.Status, snap.Error)
	}
	if snap.Result != "hi\n" {
		t.Fatalf("expected %q, got %q", "hi\n", snap.Result)
	}
	if snap.ReturnCode == nil || *snap.ReturnCode != 0 {
		t.Fatalf("expected return code 0, got %v", snap.ReturnCode)
	}
	if snap.ProcessID == nil || *snap.ProcessID <= 0 {
		t.Fatalf("expected a process id")
	}
	if snap.Command != "echo" || snap.CommandType != CommandSubprocess {
		t.Fatalf("unexpected command fields: %q %q", snap.Command, snap.CommandType)
	}
	if task, err := r.Task("echo"); err != nil || task.Name() != "echo" {
		t.Fatalf("expected task named after the command, got %v", err)
	}
}

func TestCommandNonZeroExit(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("false")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", snap.Status)
	}
	if snap.ReturnCode == nil || *snap.ReturnCode == 0 {
		t.Fatalf("expected non-zero return code, got %v", snap.ReturnCode)
	}
	if snap.Error == "" {
		t.Fatalf("expected an error message")
	}
}

func TestCommandStderrInError(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("sh", WithArgs("-c", "echo oops >&2; exit 3"), WithAlias("stderr"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", snap.Status)
	}
	if !strings.Contains(snap.Error, "exit status 3: oops") {
		t.Fatalf("expected exit status and stderr in error, got %q", snap.Error)
	}
	if snap.Stderr != "oops\n" {
		t.Fatalf("expected stderr %q, got %q", "oops\n", snap.Stderr)
	}
}

func TestCommandTimeout(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	start := time.Now()
	run, err := r.Command("sleep", WithArgs(5), WithTimeoutDuration(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", snap.Status)
	}
	want := fmt.Sprintf("Err. - Task Run - %d - timed out. Exceeded deadline of - 0.1 - seconds.", run.ID())
	if snap.Error != want {
		t.Fatalf("expected %q, got %q", want, snap.Error)
	}
	if el := time.Since(start); el > 3*time.Second {
		t.Fatalf("expected timeout to be detected promptly, took %s", el)
	}
}

func TestCommandShellQuotesArgs(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("echo", WithArgs("a  b", "$HOME"), WithShell(true), WithAlias("shell-echo"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", snap.Status, snap.Error)
	}
	if snap.Result != "a  b $HOME\n" {
		t.Fatalf("expected literal args, got %q", snap.Result)
	}
	if snap.CommandType != CommandShell {
		t.Fatalf("expected shell command type, got %q", snap.CommandType)
	}
}

func TestCommandEnvAndCwd(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})
	dir := t.TempDir()

	run, err := r.Command("sh",
		WithArgs("-c", `printf '%s|%s' "$MCPRUNNER_TEST" "$(pwd)"`),
		WithEnv(map[string]string{"MCPRUNNER_TEST": "value"}),
		WithCwd(dir),
		WithAlias("env"),
	)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", snap.Status, snap.Error)
	}
	out, _ := snap.Result.(string)
	if !strings.HasPrefix(out, "value|") || !strings.HasSuffix(out, "/"+lastElem(dir)) {
		t.Fatalf("unexpected output %q (dir %s)", out, dir)
	}
	if snap.WorkingDirectory != dir || snap.Env["MCPRUNNER_TEST"] != "value" {
		t.Fatalf("expected env and cwd in snapshot")
	}
}

func lastElem(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func TestCommandCancel(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("sleep", WithArgs(5))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	waitFor(t, 2*time.Second, run.Running)
	if _, ok := run.PID(); !ok {
		t.Fatalf("expected pid once running")
	}

	if err := r.CancelRun("sleep", run.ID()); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if st := run.Status(); st != StatusCancelled {
		t.Fatalf("expected CANCELLED immediately, got %s", st)
	}
	// The terminated process is still reaped.
	waitFor(t, 3*time.Second, func() bool {
		_, ok := run.ReturnCode()
		return ok
	})
}

func TestCommandAbort(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{})

	run, err := r.Command("sleep", WithArgs(5))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	waitFor(t, 2*time.Second, run.Running)
	if err := r.AbortRun("sleep", run.ID()); err != nil {
		t.Fatalf("AbortRun: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", snap.Status)
	}
}

func TestCommandSpawnFailure(t *testing.T) {
	r := newTestRunner(t, Config{})

	run, err := r.Command("/definitely/not/a/binary")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	snap := waitRun(t, run)
	if snap.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", snap.Status)
	}
	if snap.ProcessID != nil {
		t.Fatalf("expected no pid for a process that never started")
	}
}

func TestCommandOutputStreams(t *testing.T) {
	skipWithoutPOSIX(t)
	r := newTestRunner(t, Config{ReadTimeout: 50 * time.Millisecond, ReadChunkSize: 4})

	run, err := r.Command("sh", WithArgs("-c", "echo first; sleep 0.3; echo second"), WithAlias("stream"))
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		out, _ := run.Output()
		return strings.Contains(out, "first")
	})
	if snap := run.Snapshot(); !snap.Terminal() && snap.Result != "first\n" {
		t.Fatalf("expected partial output while running, got %v", snap.Result)
	}
	snap := waitRun(t, run)
	if snap.Result != "first\nsecond\n" {
		t.Fatalf("expected full output, got %q", snap.Result)
	}
}
