package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	logx "mcprunner/pkg/logx"
)

func (r *Run) executeCommand(ctx context.Context, program string) {
	var cmd *exec.Cmd
	if r.inv.Shell {
		sh, err := DefaultShell()
		if err != nil {
			r.closeStreams()
			r.finish(StatusFailed, nil, failureError(r.id, err, ""))
			return
		}
		line := strings.Join(append([]string{program}, r.inv.Argv...), " ")
		cmd = exec.Command(sh, "-c", line)
	} else {
		cmd = exec.Command(program, r.inv.Argv...)
	}
	if len(r.inv.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), r.inv.Env)
	}
	cmd.Dir = r.inv.Cwd
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	// Bound how long Wait keeps copying after exit when a grandchild holds the pipes.
	cmd.WaitDelay = r.deps.readTimeout

	if err := cmd.Start(); err != nil {
		r.closeStreams()
		r.finish(StatusFailed, nil, failureError(r.id, err, ""))
		return
	}

	r.mu.Lock()
	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.hasPID = true
	cancelled := r.status.Terminal()
	r.mu.Unlock()
	if cancelled {
		_ = cmd.Process.Kill()
	}
	r.markRunning()
	r.deps.log.Debug("run.spawned", logx.String("task", r.task), logx.Int64("run_id", r.id), logx.Int("pid", cmd.Process.Pid), logx.String("type", string(r.cmdType)))

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		rc := -1
		if cmd.ProcessState != nil {
			rc = cmd.ProcessState.ExitCode()
		}
		if err != nil && !errors.As(err, new(*exec.ExitError)) {
			r.deps.log.Debug("run.wait_error", logx.String("task", r.task), logx.Int64("run_id", r.id), logx.Err(err))
		}
		r.mu.Lock()
		r.rc = rc
		r.hasRC = true
		r.mu.Unlock()
		r.closeStreams()
		close(exited)
	}()

	r.poll(ctx, cmd, exited)
}

// poll drains output in bounded chunks until the process exits or ctx ends.
func (r *Run) poll(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}) {
	for {
		r.drain(ctx)
		select {
		case <-exited:
			r.drain(context.Background())
			r.settleProcess()
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				_ = cmd.Process.Kill()
				r.finish(StatusFailed, r.stdoutString(), timeoutError(r.id, r.inv.Timeout))
				return
			}
			// Cancel/Abort already signalled the process; anything else is a runner teardown.
			if !r.Status().Terminal() {
				_ = cmd.Process.Kill()
				r.finish(StatusCancelled, nil, nil)
			}
			return
		default:
		}
	}
}

// drain moves every chunk that arrives within the read timeout into the run's output.
func (r *Run) drain(ctx context.Context) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	r.drainLocked(ctx)
}

func (r *Run) drainLocked(ctx context.Context) {
	size := r.deps.chunkSize
	for {
		chunk := r.stdout.readChunk(ctx, size, r.deps.readTimeout)
		if len(chunk) == 0 {
			break
		}
		r.outMu.Lock()
		r.outBuf.Write(chunk)
		r.outMu.Unlock()
	}
	for {
		chunk := r.stderr.readChunk(ctx, size, r.deps.readTimeout)
		if len(chunk) == 0 {
			break
		}
		r.outMu.Lock()
		r.errBuf.Write(chunk)
		r.outMu.Unlock()
	}
}

func (r *Run) settleProcess() {
	rc, _ := r.ReturnCode()
	stdout := r.stdoutString()
	if rc == 0 {
		r.finish(StatusComplete, stdout, nil)
		return
	}

	r.outMu.Lock()
	stderr := strings.TrimSpace(r.errBuf.String())
	r.outMu.Unlock()
	msg := fmt.Sprintf("exit status %d", rc)
	if stderr != "" {
		msg += ": " + stderr
	}
	r.finish(StatusFailed, stdout, failureError(r.id, errors.New(msg), ""))
}

func (r *Run) stdoutString() string {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return r.outBuf.String()
}

func (r *Run) closeStreams() {
	if r.stdout != nil {
		r.stdout.close()
	}
	if r.stderr != nil {
		r.stderr.close()
	}
}

// Output returns everything the process has written so far, draining
// pending chunks first. In-process runs return empty strings.
func (r *Run) Output() (stdout, stderr string) {
	if r.stdout == nil {
		return "", ""
	}
	r.readMu.Lock()
	r.drainLocked(expiredContext())
	r.readMu.Unlock()

	r.outMu.Lock()
	defer r.outMu.Unlock()
	return r.outBuf.String(), r.errBuf.String()
}

// expiredContext makes readChunk return buffered bytes without waiting for more.
func expiredContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
